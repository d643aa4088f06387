package config

// Config is the root configuration for rentbot.
//
// The file is JSON (YAML accepted and coerced). Unknown fields are rejected
// so typos fail fast instead of silently disabling features.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	API      APIConfig      `json:"api,omitempty"`

	// Scheduler controls trigger/execution behavior of the task engine.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage is the durable task registry. The registry must be writable:
	// jobs that cannot be persisted are never handed to the engine.
	Storage StorageConfig `json:"storage"`

	// Rental points at the external booking/business API.
	Rental RentalConfig `json:"rental_api"`

	Delivery DeliveryConfig `json:"delivery,omitempty"`
}

type TelegramConfig struct {
	// Enabled turns the Telegram delivery adapter on. When false a no-op
	// adapter is used (useful for local runs without a bot token).
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`

	// PollTimeout bounds each long-poll request.
	PollTimeout Duration `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// SchedulerConfig controls the scheduling engine.
//
// Durations are Duration fields (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "1m"
//   - misfire_grace: "1h" (notifications), reminder_grace: "30m"
//   - max_per_job: 2
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Europe/Berlin"

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout Duration `json:"default_timeout,omitempty"`

	// MisfireGrace bounds how late a queued job may still execute.
	MisfireGrace  Duration `json:"misfire_grace,omitempty"`
	ReminderGrace Duration `json:"reminder_grace,omitempty"`

	// MaxPerJob caps concurrent executions of the same job id.
	MaxPerJob int `json:"max_per_job,omitempty"`
}

// StorageConfig selects the task-registry backend.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (build with -tags sqlite)
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`

	// BusyTimeout is sqlite only.
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

type RentalConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
	Timeout Duration `json:"timeout,omitempty"`
}

// DeliveryConfig tunes chunked message delivery.
//
// Defaults: chunk_limit 4000 runes, rate_per_sec 25, reminder_interval "30m".
type DeliveryConfig struct {
	ChunkLimit       int      `json:"chunk_limit,omitempty"`
	RatePerSec       int      `json:"rate_per_sec,omitempty"`
	ReminderInterval Duration `json:"reminder_interval,omitempty"`
}
