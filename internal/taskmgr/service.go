package taskmgr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"rentbot/internal/engine"
	"rentbot/internal/eventbus"
	"rentbot/internal/rentapi"
	"rentbot/internal/storage"
	kit "rentbot/internal/transport"
	logx "rentbot/pkg/logx"
)

// Manager mediates between the durable job registry and the in-memory
// engine. The registry is the source of truth across restarts; the engine
// is the source of truth for future fire times while running.
type Manager struct {
	log     logx.Logger
	store   storage.Store
	eng     *engine.Service
	bus     eventbus.Bus
	adapter kit.Adapter
	rent    rentapi.Client

	mu       sync.RWMutex
	handlers map[storage.TaskType]Handler

	lmu    sync.Mutex
	unsub  func()
	lstop  context.CancelFunc
	ldone  chan struct{}
	closed bool
}

func New(log logx.Logger, store storage.Store, eng *engine.Service, bus eventbus.Bus, adapter kit.Adapter, rent rentapi.Client) *Manager {
	return &Manager{
		log:      log.With(logx.String("component", "taskmgr")),
		store:    store,
		eng:      eng,
		bus:      bus,
		adapter:  adapter,
		rent:     rent,
		handlers: make(map[storage.TaskType]Handler),
	}
}

// RegisterHandler installs the handler for its task type. Later
// registrations for the same type replace earlier ones.
func (m *Manager) RegisterHandler(h Handler) {
	m.mu.Lock()
	m.handlers[h.Type()] = h
	m.mu.Unlock()
}

func (m *Manager) handler(t storage.TaskType) (Handler, bool) {
	m.mu.RLock()
	h, ok := m.handlers[t]
	m.mu.RUnlock()
	return h, ok
}

// Engine exposes the underlying scheduler for callers that need fire-time
// previews.
func (m *Manager) Engine() *engine.Service { return m.eng }

// Store exposes the job registry.
func (m *Manager) Store() storage.Store { return m.store }

// Rent exposes the business API client.
func (m *Manager) Rent() rentapi.Client { return m.rent }

// Adapter exposes the chat transport.
func (m *Manager) Adapter() kit.Adapter { return m.adapter }

// Save persists rec and registers it with the engine, in that order. A
// persistence failure aborts before the engine sees anything. An engine
// failure leaves the record in place so the next reload can re-arm it;
// both cases are distinguishable through errors.Is.
//
// Save is the idempotent upsert path: re-saving an existing job ID
// replaces both the stored record and the engine registration.
func (m *Manager) Save(ctx context.Context, rec storage.JobRecord, trg engine.Trigger, opt engine.RegisterOptions) error {
	rec = rec.Normalize()
	if rec.NextRun.IsZero() {
		if next, ok := trg.Next(time.Now(), m.eng.Location()); ok {
			rec.NextRun = next.UTC()
		}
	}
	if err := m.store.PutJob(ctx, rec); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	h, ok := m.handler(rec.Type)
	if !ok {
		return fmt.Errorf("%w: %q (job %s)", ErrNoHandler, rec.Type, rec.ID)
	}
	if err := m.eng.Register(rec.ID, trg, m.entryPoint(h, rec), opt); err != nil {
		m.log.Error("engine registration failed, record kept for reload",
			logx.String("job", rec.ID), logx.Err(err))
		return fmt.Errorf("%w: %w", ErrEngine, err)
	}
	return nil
}

// Delete removes the job from the registry and cancels any engine
// registration. The registry delete is authoritative; a job unknown to the
// engine is not an error.
func (m *Manager) Delete(ctx context.Context, jobID string) error {
	err := m.store.DeleteJob(ctx, jobID)
	m.eng.Cancel(jobID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (m *Manager) entryPoint(h Handler, rec storage.JobRecord) engine.JobFunc {
	return func(ctx context.Context) error {
		jc := &JobContext{
			Manager: m,
			Store:   m.store,
			Adapter: m.adapter,
			Bus:     m.bus,
			Rent:    m.rent,
			Log:     m.log.With(logx.String("job", rec.ID), logx.String("type", string(rec.Type))),
			Record:  rec,
		}
		err := h.Execute(ctx, jc)
		if pe, ok := h.(PostExecutor); ok {
			pe.AfterExecute(ctx, jc, err)
		}
		return err
	}
}

// Start launches the completion listener. It consumes engine job events and
// reconciles the registry with the engine's view of future fire times.
func (m *Manager) Start(ctx context.Context) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	if m.unsub != nil || m.closed {
		return
	}
	ch, unsub := m.bus.Subscribe(64)
	m.unsub = unsub
	lctx, stop := context.WithCancel(ctx)
	m.lstop = stop
	m.ldone = make(chan struct{})
	go m.listen(lctx, ch, m.ldone)
}

// Stop tears down the completion listener and waits for it to drain.
func (m *Manager) Stop() {
	m.lmu.Lock()
	unsub, stop, done := m.unsub, m.lstop, m.ldone
	m.unsub, m.lstop, m.ldone = nil, nil, nil
	m.closed = true
	m.lmu.Unlock()
	if unsub != nil {
		unsub()
	}
	if stop != nil {
		stop()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) listen(ctx context.Context, ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.TypeJobFinished, eventbus.TypeJobMissed:
				je, ok := ev.Data.(engine.JobEvent)
				if !ok {
					continue
				}
				m.reconcile(ctx, je)
			case eventbus.TypeJobFailed:
				je, ok := ev.Data.(engine.JobEvent)
				if !ok {
					continue
				}
				m.log.Warn("job execution failed",
					logx.String("job", je.ID),
					logx.Duration("took", je.Duration),
					logx.String("error", je.Error))
			}
		}
	}
}

// reconcile aligns the registry record with the engine after a fire: a job
// with a future fire time gets its next_run refreshed, a job the engine no
// longer knows is deleted. Handler-driven re-registration during execute
// (reminder re-arm) is visible here because one-shot definitions are
// removed before the fire is enqueued.
func (m *Manager) reconcile(ctx context.Context, je engine.JobEvent) {
	if next, ok := m.eng.NextFireTime(je.ID); ok {
		if err := m.store.UpdateNextRun(ctx, je.ID, next.UTC()); err != nil {
			m.log.Warn("next_run refresh failed", logx.String("job", je.ID), logx.Err(err))
		}
		return
	}
	if je.Missed && m.recoverMissed(ctx, je.ID) {
		return
	}
	if err := m.store.DeleteJob(ctx, je.ID); err != nil {
		m.log.Warn("completed job cleanup failed", logx.String("job", je.ID), logx.Err(err))
		return
	}
	m.afterCompletion(ctx, je)
}

// recoverMissed re-arms a missed job whose handler re-schedules itself
// after every execution. A missed fire skips the handler entirely, so
// without this the next occurrence would only come back at the next
// restart's resync. Reports whether the record was kept.
func (m *Manager) recoverMissed(ctx context.Context, jobID string) bool {
	rec, ok, err := m.store.GetJob(ctx, jobID)
	if err != nil || !ok {
		return false
	}
	h, ok := m.handler(rec.Type)
	if !ok {
		return false
	}
	if _, ok := h.(PostExecutor); !ok {
		return false
	}
	keep, err := h.Restore(ctx, rec)
	if err != nil {
		m.log.Warn("missed job recovery failed", logx.String("job", jobID), logx.Err(err))
		return true // record kept; the next reload retries
	}
	if keep {
		m.log.Info("missed job re-armed", logx.String("job", jobID))
	}
	return keep
}

// afterCompletion runs side effects for jobs that have left the registry
// for good. A finished one-shot notification is acknowledged to the
// business API; the ack is best-effort and never blocks reconciliation.
func (m *Manager) afterCompletion(ctx context.Context, je engine.JobEvent) {
	if je.Missed || je.Error != "" {
		return
	}
	id, ok := strings.CutPrefix(je.ID, "notification:")
	if !ok {
		return
	}
	go func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := m.rent.CompleteNotification(cctx, id); err != nil {
			m.log.Warn("notification completion ack failed",
				logx.String("notification", id), logx.Err(err))
		}
	}()
}

// Reload rebuilds the engine from durable and external state in three
// phases: restore every stored record through its handler, prune records
// the handlers marked dead, then resync externally-owned schedules. It
// runs at startup and can be re-run at any time; every scheduling path is
// an idempotent upsert.
func (m *Manager) Reload(ctx context.Context) error {
	recs, err := m.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("taskmgr: list jobs: %w", err)
	}

	var prune []string
	restored := 0
	for _, rec := range recs {
		h, ok := m.handler(rec.Type)
		if !ok {
			m.log.Warn("stored job has no handler, pruning",
				logx.String("job", rec.ID), logx.String("type", string(rec.Type)))
			prune = append(prune, rec.ID)
			continue
		}
		keep, err := h.Restore(ctx, rec)
		if err != nil {
			m.log.Error("job restore failed, record kept",
				logx.String("job", rec.ID), logx.Err(err))
			continue
		}
		if !keep {
			prune = append(prune, rec.ID)
			continue
		}
		restored++
	}

	for _, id := range prune {
		if err := m.Delete(ctx, id); err != nil {
			m.log.Warn("prune failed", logx.String("job", id), logx.Err(err))
		}
	}

	m.mu.RLock()
	resyncers := make([]Resyncer, 0, len(m.handlers))
	for _, h := range m.handlers {
		if r, ok := h.(Resyncer); ok {
			resyncers = append(resyncers, r)
		}
	}
	m.mu.RUnlock()
	for _, r := range resyncers {
		if err := r.Resync(ctx); err != nil {
			return fmt.Errorf("taskmgr: resync: %w", err)
		}
	}

	m.log.Info("reload complete",
		logx.Int("stored", len(recs)),
		logx.Int("restored", restored),
		logx.Int("pruned", len(prune)))
	return nil
}
