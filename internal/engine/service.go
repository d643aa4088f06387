// Package engine holds the live scheduling state: one-shot date triggers and
// cron-backed recurring triggers, fired through a small worker pool.
//
// The engine deliberately knows nothing about task types or persistence; the
// dispatcher (internal/taskmgr) owns the durable registry and reconciles it
// from the completion events this package publishes on the bus.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rentbot/internal/eventbus"
	logx "rentbot/pkg/logx"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	defs    map[string]*def
	started bool
	stopped bool

	queue     chan fire
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	tmu    sync.Mutex
	timers map[string]*time.Timer
	ver    uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		bus:    bus,
		cfg:    cfg,
		loc:    loadLocation(cfg.Timezone, log),
		defs:   map[string]*def{},
		timers: map[string]*time.Timer{},
	}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Apply updates the pacing knobs that can change without re-arming
// anything: default execution timeout, misfire grace, and the per-job
// concurrency cap. Worker count, queue size, and timezone are fixed at
// Start; a change there is logged and ignored until restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && (cfg.Workers != s.cfg.Workers || cfg.QueueSize != s.cfg.QueueSize || cfg.Timezone != s.cfg.Timezone) {
		s.log.Warn("engine worker/queue/timezone changes require restart")
	}
	s.cfg.DefaultTimeout = cfg.DefaultTimeout
	s.cfg.DefaultGrace = cfg.DefaultGrace
	s.cfg.MaxPerJob = cfg.MaxPerJob
}

// Location reports the timezone all recurring triggers run in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.queue = make(chan fire, s.cfg.QueueSize)
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))

	// Arm registrations made before Start().
	for _, d := range s.defs {
		if d.trg.Kind != TriggerOneShot {
			if err := s.armCronLocked(d); err != nil {
				s.log.Error("cron arm failed", logx.String("job", d.id), logx.Err(err))
			}
		}
	}

	workers := s.cfg.Workers
	runCtx := s.runCtx
	queue := s.queue
	s.mu.Unlock()

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.worker(runCtx, queue, idx)
		}()
	}

	s.mu.Lock()
	s.c.Start()
	for _, d := range s.defs {
		if d.trg.Kind == TriggerOneShot {
			s.armOnceLocked(d)
		}
	}
	n := len(s.defs)
	s.mu.Unlock()

	s.log.Info("engine started",
		logx.Int("workers", workers),
		logx.String("tz", s.loc.String()),
		logx.Int("jobs", n))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("engine stopped")
	case <-ctx.Done():
		s.log.Warn("engine stop timed out; workers finish in background")
	}
}

// Register installs or replaces the job with the given id (idempotent
// upsert). Reconciliation re-registers every durable job on restart, so
// replacing must be cheap and safe.
func (s *Service) Register(jobID string, trg Trigger, run JobFunc, opt RegisterOptions) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return ErrInvalidJobID
	}
	if run == nil {
		return ErrInvalidTrigger
	}
	if err := trg.Validate(); err != nil {
		return joinErr(ErrInvalidTrigger, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	s.cancelLocked(jobID)

	s.ver++
	d := &def{
		id:    jobID,
		trg:   trg,
		run:   run,
		opt:   opt,
		ver:   s.ver,
		state: &inflightState{},
	}
	s.defs[jobID] = d

	if !s.started {
		return nil
	}
	if trg.Kind == TriggerOneShot {
		s.armOnceLocked(d)
		return nil
	}
	if err := s.armCronLocked(d); err != nil {
		delete(s.defs, jobID)
		return joinErr(ErrInvalidTrigger, err)
	}
	return nil
}

// Cancel removes a job. It reports whether anything was removed.
func (s *Service) Cancel(jobID string) bool {
	s.mu.Lock()
	removed := s.cancelLocked(jobID)
	s.mu.Unlock()
	return removed
}

func (s *Service) cancelLocked(jobID string) bool {
	d, ok := s.defs[jobID]
	if !ok {
		return false
	}
	if d.entryID != 0 && s.c != nil {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, jobID)

	s.tmu.Lock()
	if t, ok := s.timers[jobID]; ok {
		_ = t.Stop()
		delete(s.timers, jobID)
	}
	s.tmu.Unlock()
	return true
}

// NextFireTime reports when the job will fire next. ok is false when the
// job is unknown or has nothing left to fire (a consumed one-shot).
func (s *Service) NextFireTime(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[jobID]
	if !ok {
		return time.Time{}, false
	}
	if d.trg.Kind == TriggerOneShot {
		return d.trg.At, true
	}
	if s.c != nil && d.entryID != 0 {
		if next := s.c.Entry(d.entryID).Next; !next.IsZero() {
			// The anchor may still suppress the cron's literal next slot.
			if d.trg.Kind == TriggerRecurring && next.Before(d.trg.Start) {
				if t, ok := d.trg.Next(d.trg.Start, s.loc); ok {
					return t, true
				}
			}
			return next, true
		}
	}
	return d.trg.Next(time.Now(), s.loc)
}

func (s *Service) armCronLocked(d *def) error {
	spec, err := d.trg.CronSpec()
	if err != nil {
		return err
	}
	localD := d
	eid, err := s.c.AddFunc(spec, func() { s.onCronFire(localD) })
	if err != nil {
		return err
	}
	d.entryID = eid
	s.log.Debug("job armed", logx.String("job", d.id), logx.String("spec", spec))
	return nil
}

func (s *Service) onCronFire(d *def) {
	now := time.Now()
	if d.trg.Kind == TriggerRecurring && now.Before(d.trg.Start) {
		// Anchored recurrences never fire before their start date.
		return
	}

	s.mu.Lock()
	cur, ok := s.defs[d.id]
	maxPerJob := s.cfg.MaxPerJob
	timeout := s.resolveTimeout(d.opt.Timeout)
	grace := s.resolveGrace(d.opt.Grace)
	s.mu.Unlock()
	if !ok || cur.ver != d.ver {
		// Replaced or cancelled between trigger and callback.
		return
	}

	if !d.state.tryAcquire(maxPerJob) {
		s.log.Debug("fire skipped (per-job concurrency cap)", logx.String("job", d.id))
		return
	}
	s.enqueue(fire{
		id:       d.id,
		run:      d.run,
		timeout:  timeout,
		grace:    grace,
		schedAt:  now,
		enqueued: now,
		state:    d.state,
	})
}

// armOnceLocked arms a one-shot timer. Call with s.mu held.
func (s *Service) armOnceLocked(d *def) {
	delay := time.Until(d.trg.At)
	if delay < 0 {
		delay = 0
	}
	localID := d.id
	localVer := d.ver
	timer := time.AfterFunc(delay, func() { s.onOnceFire(localID, localVer) })

	s.tmu.Lock()
	if old, ok := s.timers[localID]; ok {
		_ = old.Stop()
	}
	s.timers[localID] = timer
	s.tmu.Unlock()
}

func (s *Service) onOnceFire(jobID string, ver uint64) {
	s.mu.Lock()
	d, ok := s.defs[jobID]
	if !ok || d.ver != ver || d.trg.Kind != TriggerOneShot {
		// Stale timer from a replaced registration.
		s.mu.Unlock()
		return
	}
	// One-shots are consumed on fire: removing the def first means a
	// NextFireTime() during/after execution only sees a re-registration.
	delete(s.defs, jobID)
	maxPerJob := s.cfg.MaxPerJob
	timeout := s.resolveTimeout(d.opt.Timeout)
	grace := s.resolveGrace(d.opt.Grace)
	s.mu.Unlock()

	s.tmu.Lock()
	delete(s.timers, jobID)
	s.tmu.Unlock()

	if !d.state.tryAcquire(maxPerJob) {
		s.log.Debug("fire skipped (per-job concurrency cap)", logx.String("job", jobID))
		return
	}
	now := time.Now()
	s.enqueue(fire{
		id:       jobID,
		run:      d.run,
		timeout:  timeout,
		grace:    grace,
		schedAt:  d.trg.At,
		enqueued: now,
		state:    d.state,
	})
}

func (s *Service) enqueue(f fire) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		f.state.release()
		s.log.Debug("engine not running; dropping fire", logx.String("job", f.id))
		return
	}
	select {
	case q <- f:
	default:
		f.state.release()
		s.log.Warn("engine queue full; dropping fire",
			logx.String("job", f.id),
			logx.Int("queue_cap", cap(q)))
	}
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

func (s *Service) resolveGrace(g time.Duration) time.Duration {
	if g > 0 {
		return g
	}
	return s.cfg.DefaultGrace
}

func joinErr(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
