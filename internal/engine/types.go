package engine

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the scheduling engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a single execution when the registration
	// doesn't set its own.
	DefaultTimeout time.Duration

	// DefaultGrace is the misfire grace window: a job dequeued later than
	// this past its scheduled time is treated as missed and not executed.
	DefaultGrace time.Duration

	// MaxPerJob caps concurrent executions of the same job id.
	MaxPerJob int

	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultGrace <= 0 {
		c.DefaultGrace = time.Hour
	}
	if c.MaxPerJob <= 0 {
		c.MaxPerJob = 2
	}
	return c
}

// JobFunc is a job's execution entry point.
type JobFunc func(ctx context.Context) error

// RegisterOptions tunes a single registration.
type RegisterOptions struct {
	// Grace overrides the engine's misfire grace window.
	Grace time.Duration
	// Timeout overrides the engine's default per-execution timeout.
	Timeout time.Duration
}

// JobEvent is published on the bus after every fire (and for misses).
type JobEvent struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Missed   bool
	Error    string
}

// inflightState counts concurrent executions of one job id.
type inflightState struct {
	mu sync.Mutex
	n  int
}

func (s *inflightState) tryAcquire(max int) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n >= max {
		return false
	}
	s.n++
	return true
}

func (s *inflightState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.n > 0 {
		s.n--
	}
	s.mu.Unlock()
}

// def is one live registration.
type def struct {
	id      string
	trg     Trigger
	run     JobFunc
	opt     RegisterOptions
	entryID cron.EntryID // recurring/interval only
	ver     uint64       // one-shot timer generation
	state   *inflightState
}

// fire is one queued execution.
type fire struct {
	id       string
	run      JobFunc
	timeout  time.Duration
	grace    time.Duration
	schedAt  time.Time // the wall-clock time this fire was due
	enqueued time.Time
	state    *inflightState
}
