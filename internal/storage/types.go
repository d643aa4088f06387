package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the task registry.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (build with -tags sqlite)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskType identifies which handler owns a job.
type TaskType string

const (
	TaskNotification      TaskType = "notification"
	TaskReminder          TaskType = "reminder"
	TaskAccessWindow      TaskType = "access_window"
	TaskBookingAutomation TaskType = "booking_automation"
)

// Job status values. Informational only: the authoritative "is it still
// scheduled" signal is presence of the record in the registry.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// JobRecord is the durable description of one pending job.
//
// NextRun is always stored normalized to UTC. TargetID is 0 for
// system-wide jobs. Payload is an opaque per-type blob.
type JobRecord struct {
	ID       string          `json:"job_id"`
	TargetID int64           `json:"target_id,omitempty"`
	Type     TaskType        `json:"task_type"`
	NextRun  time.Time       `json:"next_run_time"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Status   string          `json:"status,omitempty"`
}

// Normalize fills defaults and forces NextRun to UTC.
func (r JobRecord) Normalize() JobRecord {
	if r.Status == "" {
		r.Status = StatusPending
	}
	if !r.NextRun.IsZero() {
		r.NextRun = r.NextRun.UTC()
	}
	return r
}
