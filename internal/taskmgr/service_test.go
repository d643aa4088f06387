package taskmgr

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rentbot/internal/engine"
	"rentbot/internal/eventbus"
	"rentbot/internal/rentapi"
	"rentbot/internal/storage"
	kit "rentbot/internal/transport"
	logx "rentbot/pkg/logx"
)

type stubRent struct {
	mu        sync.Mutex
	completed []string
}

func (s *stubRent) ListActiveChats(ctx context.Context) ([]int64, error) { return nil, nil }
func (s *stubRent) GetAccessWindow(ctx context.Context, chatID int64) (*rentapi.AccessWindow, error) {
	return nil, rentapi.ErrNotFound
}
func (s *stubRent) ListBookings(ctx context.Context) ([]rentapi.Booking, error) { return nil, nil }
func (s *stubRent) UpdateBookingStatus(ctx context.Context, bookingID, status string) error {
	return nil
}
func (s *stubRent) CompleteNotification(ctx context.Context, notificationID string) error {
	s.mu.Lock()
	s.completed = append(s.completed, notificationID)
	s.mu.Unlock()
	return nil
}

func (s *stubRent) completions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed...)
}

// stubHandler re-arms every restored record as a far-future one-shot.
type stubHandler struct {
	mgr      *Manager
	taskType storage.TaskType

	mu       sync.Mutex
	restored []string
	pruneAll bool
	executed int
}

func (h *stubHandler) Type() storage.TaskType { return h.taskType }

func (h *stubHandler) Execute(ctx context.Context, jc *JobContext) error {
	h.mu.Lock()
	h.executed++
	h.mu.Unlock()
	return nil
}

func (h *stubHandler) Restore(ctx context.Context, rec storage.JobRecord) (bool, error) {
	h.mu.Lock()
	h.restored = append(h.restored, rec.ID)
	prune := h.pruneAll
	h.mu.Unlock()
	if prune {
		return false, nil
	}
	at := rec.NextRun
	if !at.After(time.Now()) {
		at = time.Now().Add(time.Hour)
	}
	rec.NextRun = at.UTC()
	return true, h.mgr.Save(ctx, rec, engine.OneShot(at), engine.RegisterOptions{})
}

// postExecStub also re-schedules after execution, like the access-window
// announcement handler.
type postExecStub struct {
	stubHandler
}

func (h *postExecStub) AfterExecute(ctx context.Context, jc *JobContext, _ error) {}

type failingStore struct {
	storage.Store
	failPuts bool
}

func (f *failingStore) PutJob(ctx context.Context, rec storage.JobRecord) error {
	if f.failPuts {
		return errors.New("disk on fire")
	}
	return f.Store.PutJob(ctx, rec)
}

func newTestManager(t *testing.T) (*Manager, *engine.Service, storage.Store, *stubRent, eventbus.Bus) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	eng := engine.New(engine.Config{
		Workers:      1,
		DefaultGrace: time.Hour,
		Timezone:     "UTC",
	}, logx.Nop(), bus)
	rent := &stubRent{}
	mgr := New(logx.Nop(), st, eng, bus, kit.NewNop(), rent)
	return mgr, eng, st, rent, bus
}

func futureRecord(id string, typ storage.TaskType) storage.JobRecord {
	return storage.JobRecord{
		ID:      id,
		Type:    typ,
		NextRun: time.Now().Add(time.Hour).UTC(),
		Payload: []byte(`{}`),
	}
}

func TestSaveStagesAreDistinguishable(t *testing.T) {
	mgr, _, st, _, _ := newTestManager(t)
	ctx := context.Background()
	h := &stubHandler{mgr: mgr, taskType: storage.TaskNotification}
	mgr.RegisterHandler(h)

	rec := futureRecord("notification:x", storage.TaskNotification)
	trg := engine.OneShot(rec.NextRun)

	t.Run("persistence failure aborts before the engine", func(t *testing.T) {
		fs := &failingStore{Store: st, failPuts: true}
		broken := New(logx.Nop(), fs, mgr.Engine(), eventbus.New(), kit.NewNop(), &stubRent{})
		broken.RegisterHandler(&stubHandler{mgr: broken, taskType: storage.TaskNotification})

		err := broken.Save(ctx, rec, trg, engine.RegisterOptions{})
		if !errors.Is(err, ErrPersistence) {
			t.Fatalf("want ErrPersistence, got %v", err)
		}
		if _, ok := broken.Engine().NextFireTime(rec.ID); ok {
			t.Fatal("engine must not know the job")
		}
	})

	t.Run("missing handler leaves the record", func(t *testing.T) {
		rec2 := futureRecord("orphan:1", storage.TaskType("orphan"))
		err := mgr.Save(ctx, rec2, engine.OneShot(rec2.NextRun), engine.RegisterOptions{})
		if !errors.Is(err, ErrNoHandler) {
			t.Fatalf("want ErrNoHandler, got %v", err)
		}
		if _, ok, _ := st.GetJob(ctx, rec2.ID); !ok {
			t.Fatal("record should be kept for the next reload")
		}
	})

	t.Run("engine rejection leaves the record", func(t *testing.T) {
		rec3 := futureRecord("notification:bad", storage.TaskNotification)
		err := mgr.Save(ctx, rec3, engine.Trigger{Kind: engine.TriggerInterval}, engine.RegisterOptions{})
		if !errors.Is(err, ErrEngine) {
			t.Fatalf("want ErrEngine, got %v", err)
		}
		if _, ok, _ := st.GetJob(ctx, rec3.ID); !ok {
			t.Fatal("record should be kept for the next reload")
		}
	})

	t.Run("success", func(t *testing.T) {
		if err := mgr.Save(ctx, rec, trg, engine.RegisterOptions{}); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if _, ok := mgr.Engine().NextFireTime(rec.ID); !ok {
			t.Fatal("job not registered")
		}
	})
}

func TestDeleteIsAuthoritativeOnTheStore(t *testing.T) {
	mgr, eng, st, _, _ := newTestManager(t)
	ctx := context.Background()
	mgr.RegisterHandler(&stubHandler{mgr: mgr, taskType: storage.TaskNotification})

	rec := futureRecord("notification:del", storage.TaskNotification)
	if err := mgr.Save(ctx, rec, engine.OneShot(rec.NextRun), engine.RegisterOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mgr.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := st.GetJob(ctx, rec.ID); ok {
		t.Fatal("record survived delete")
	}
	if _, ok := eng.NextFireTime(rec.ID); ok {
		t.Fatal("engine job survived delete")
	}
	// Absent is still success.
	if err := mgr.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestReloadRestoresAndPrunes(t *testing.T) {
	mgr, eng, st, _, _ := newTestManager(t)
	ctx := context.Background()

	keep := &stubHandler{mgr: mgr, taskType: storage.TaskNotification}
	drop := &stubHandler{mgr: mgr, taskType: storage.TaskReminder, pruneAll: true}
	mgr.RegisterHandler(keep)
	mgr.RegisterHandler(drop)

	seed := []storage.JobRecord{
		futureRecord("notification:a", storage.TaskNotification),
		futureRecord("reminder:b:1", storage.TaskReminder),
		futureRecord("mystery:c", storage.TaskType("mystery")),
	}
	for _, rec := range seed {
		if err := st.PutJob(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if err := mgr.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, ok := eng.NextFireTime("notification:a"); !ok {
		t.Fatal("restored job not armed")
	}
	recs, _ := st.ListJobs(ctx)
	if len(recs) != 1 || recs[0].ID != "notification:a" {
		t.Fatalf("prune left the wrong records: %+v", recs)
	}
	if len(keep.restored) != 1 || keep.restored[0] != "notification:a" {
		t.Fatalf("unexpected restore calls: %v", keep.restored)
	}
}

func TestListenerReconcilesOneShotCompletion(t *testing.T) {
	mgr, eng, st, rent, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &stubHandler{mgr: mgr, taskType: storage.TaskNotification}
	mgr.RegisterHandler(h)

	eng.Start(ctx)
	defer eng.Stop(context.Background())
	mgr.Start(ctx)
	defer mgr.Stop()

	rec := storage.JobRecord{
		ID:      "notification:done",
		Type:    storage.TaskNotification,
		NextRun: time.Now().Add(30 * time.Millisecond).UTC(),
		Payload: []byte(`{}`),
	}
	if err := mgr.Save(ctx, rec, engine.OneShot(rec.NextRun), engine.RegisterOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := st.GetJob(context.Background(), rec.ID); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok, _ := st.GetJob(context.Background(), rec.ID); ok {
		t.Fatal("completed one-shot record not deleted")
	}

	// The upstream notification ack is fire-and-forget.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cs := rent.completions(); len(cs) == 1 && cs[0] == "done" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("completion ack missing: %v", rent.completions())
}

func TestListenerReArmsMissedSelfReschedulingJob(t *testing.T) {
	mgr, eng, st, _, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	win := &postExecStub{stubHandler{mgr: mgr, taskType: storage.TaskAccessWindow}}
	note := &stubHandler{mgr: mgr, taskType: storage.TaskNotification}
	mgr.RegisterHandler(win)
	mgr.RegisterHandler(note)

	eng.Start(ctx)
	defer eng.Stop(context.Background())
	mgr.Start(ctx)
	defer mgr.Stop()

	// Both jobs are an hour overdue with a tiny grace: the engine reports
	// them missed without ever running the handlers.
	stale := time.Now().Add(-time.Hour).UTC()
	winRec := storage.JobRecord{
		ID:       "access_window:7",
		Type:     storage.TaskAccessWindow,
		TargetID: 7,
		NextRun:  stale,
		Payload:  []byte(`{}`),
	}
	noteRec := storage.JobRecord{
		ID:      "notification:gone",
		Type:    storage.TaskNotification,
		NextRun: stale,
		Payload: []byte(`{}`),
	}
	opt := engine.RegisterOptions{Grace: time.Millisecond}
	if err := mgr.Save(ctx, winRec, engine.OneShot(stale), opt); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mgr.Save(ctx, noteRec, engine.OneShot(stale), opt); err != nil {
		t.Fatalf("Save: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, noteLeft, _ := st.GetJob(context.Background(), noteRec.ID)
		if _, armed := eng.NextFireTime(winRec.ID); armed && !noteLeft {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The self-rescheduling job must come back armed, not deleted.
	rec, ok, err := st.GetJob(context.Background(), winRec.ID)
	if err != nil || !ok {
		t.Fatalf("missed self-rescheduling record gone: (%v, %v)", ok, err)
	}
	if !rec.NextRun.After(time.Now()) {
		t.Fatalf("record not re-armed ahead of now: %v", rec.NextRun)
	}
	if next, armed := eng.NextFireTime(winRec.ID); !armed || !next.After(time.Now()) {
		t.Fatalf("engine not re-armed: (%v, %v)", next, armed)
	}
	win.mu.Lock()
	executed := win.executed
	win.mu.Unlock()
	if executed != 0 {
		t.Fatalf("missed job must not execute, ran %d times", executed)
	}

	// A missed plain one-shot still leaves the registry for good.
	if _, ok, _ := st.GetJob(context.Background(), noteRec.ID); ok {
		t.Fatal("missed plain one-shot record not deleted")
	}
}
