package taskmgr

import (
	"context"
	"errors"

	"rentbot/internal/eventbus"
	"rentbot/internal/rentapi"
	"rentbot/internal/storage"
	kit "rentbot/internal/transport"
	logx "rentbot/pkg/logx"
)

// Save failures carry the stage that failed so API callers can tell a
// registry problem from an engine problem.
var (
	// ErrPersistence means the registry write failed; the engine was never
	// told about the job.
	ErrPersistence = errors.New("taskmgr: persistence failed")
	// ErrEngine means the registry record was written but engine
	// registration failed. The record is left in place and self-heals on
	// the next reload.
	ErrEngine = errors.New("taskmgr: engine registration failed")
	// ErrNoHandler means no handler is registered for the record's type.
	ErrNoHandler = errors.New("taskmgr: no handler for task type")
)

// Handler is the per-task-type contract.
//
// Scheduling entry points are type-specific and live on the concrete
// handlers; the dispatcher only needs execution and restart behavior.
type Handler interface {
	Type() storage.TaskType

	// Execute performs one fire. Delivery failures are handled inside the
	// handler and must not propagate as errors unless the fire should be
	// reported failed to the completion listener.
	Execute(ctx context.Context, jc *JobContext) error

	// Restore re-arms a durable record after a restart. keep=false marks
	// the record for pruning (it can never fire usefully).
	Restore(ctx context.Context, rec storage.JobRecord) (keep bool, err error)
}

// PostExecutor is an optional Handler extension: AfterExecute runs after
// every fire regardless of the execution outcome. The access-window handler
// uses it to re-schedule itself so a delivery failure never stops future
// announcements.
type PostExecutor interface {
	AfterExecute(ctx context.Context, jc *JobContext, execErr error)
}

// Resyncer is an optional Handler extension run in the reload's resync
// phase: re-derive externally-owned target lists and re-schedule them,
// relying on Save's idempotent upsert.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// JobContext carries everything a handler needs to execute one fire, so
// handlers stay stateless between fires.
type JobContext struct {
	Manager *Manager
	Store   storage.Store
	Adapter kit.Adapter
	Bus     eventbus.Bus
	Rent    rentapi.Client
	Log     logx.Logger
	Record  storage.JobRecord
}
