package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"rentbot/internal/eventbus"
	logx "rentbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, queue <-chan fire, idx int) {
	s.log.Debug("worker started", logx.Int("worker", idx))
	defer s.log.Debug("worker stopped", logx.Int("worker", idx))
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-queue:
			s.execOne(ctx, f)
		}
	}
}

func (s *Service) execOne(ctx context.Context, f fire) {
	defer f.state.release()

	// Misfire policy: a fire dequeued past its grace window is skipped, not
	// executed retroactively. The miss is still published so the dispatcher
	// can reconcile the durable record.
	if f.grace > 0 {
		if late := time.Since(f.schedAt); late > f.grace {
			s.log.Warn("fire missed (beyond grace window)",
				logx.String("job", f.id),
				logx.Duration("late", late),
				logx.Duration("grace", f.grace))
			s.publish(eventbus.TypeJobMissed, JobEvent{ID: f.id, Started: time.Now(), Missed: true})
			return
		}
	}

	start := time.Now()
	runCtx := ctx
	var cancel context.CancelFunc
	if f.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, f.timeout)
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("panic in job execution",
					logx.String("job", f.id),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
		}()
		return f.run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	if err != nil {
		s.log.Warn("job failed", logx.String("job", f.id), logx.Err(err), logx.Duration("dur", dur))
		s.publish(eventbus.TypeJobFailed, JobEvent{ID: f.id, Started: start, Duration: dur, Error: err.Error()})
		return
	}
	s.log.Debug("job finished", logx.String("job", f.id), logx.Duration("dur", dur))
	s.publish(eventbus.TypeJobFinished, JobEvent{ID: f.id, Started: start, Duration: dur})
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
