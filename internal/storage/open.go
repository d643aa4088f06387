package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "rentbot/pkg/logx"
)

// Store is the durable task registry.
//
// The registry is the single source of truth for "is this job still wanted":
// the dispatcher writes here before the engine is told anything, and
// reconciles NextRun after every successful recurring fire.
type Store interface {
	// PutJob inserts or replaces the record with the same ID.
	PutJob(ctx context.Context, rec JobRecord) error
	GetJob(ctx context.Context, id string) (JobRecord, bool, error)
	// DeleteJob removes a record; deleting an absent id is not an error.
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context) ([]JobRecord, error)
	// UpdateNextRun overwrites only the next-run field (stored as UTC).
	UpdateNextRun(ctx context.Context, id string, at time.Time) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
