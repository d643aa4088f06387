package tasks

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
	"rentbot/internal/taskmgr"
	kit "rentbot/internal/transport"
	logx "rentbot/pkg/logx"
)

type sentMsg struct {
	ChatID    int64
	Text      string
	HasMarkup bool
}

type fakeAdapter struct {
	mu      sync.Mutex
	failAll bool
	sent    []sentMsg
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }
func (f *fakeAdapter) AnswerCallback(ctx context.Context, id, text string) error {
	return nil
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return kit.MessageRef{}, errors.New("send refused")
	}
	f.sent = append(f.sent, sentMsg{
		ChatID:    to.ChatID,
		Text:      text,
		HasMarkup: opt != nil && opt.ReplyMarkupAdapter != nil,
	})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAdapter) snapshot() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

type statusUpdate struct {
	BookingID string
	Status    string
}

type fakeRent struct {
	mu        sync.Mutex
	chats     []int64
	windows   map[int64]*rentapi.AccessWindow
	bookings  map[string]*rentapi.Booking
	statusLog []statusUpdate
	complete  []string
}

func (f *fakeRent) updates() []statusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusUpdate(nil), f.statusLog...)
}

func newFakeRent() *fakeRent {
	return &fakeRent{
		windows:  map[int64]*rentapi.AccessWindow{},
		bookings: map[string]*rentapi.Booking{},
	}
}

func (f *fakeRent) ListActiveChats(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.chats...), nil
}

func (f *fakeRent) GetAccessWindow(ctx context.Context, chatID int64) (*rentapi.AccessWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	win, ok := f.windows[chatID]
	if !ok {
		return nil, rentapi.ErrNotFound
	}
	cp := *win
	return &cp, nil
}

func (f *fakeRent) ListBookings(ctx context.Context) ([]rentapi.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rentapi.Booking, 0, len(f.bookings))
	for _, b := range f.bookings {
		out = append(out, *b)
	}
	return out, nil
}

func (f *fakeRent) UpdateBookingStatus(ctx context.Context, bookingID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[bookingID]
	if !ok {
		return rentapi.ErrNotFound
	}
	b.Status = status
	f.statusLog = append(f.statusLog, statusUpdate{BookingID: bookingID, Status: status})
	return nil
}

func (f *fakeRent) CompleteNotification(ctx context.Context, notificationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete = append(f.complete, notificationID)
	return nil
}

type env struct {
	bus     eventbus.Bus
	store   storage.Store
	adapter *fakeAdapter
	rent    *fakeRent
	eng     *engine.Service
	mgr     *taskmgr.Manager

	notifications *Notification
	reminders     *Reminder
	access        *AccessWindow
	bookings      *BookingAutomation
}

func newEnv(t *testing.T, dcfg DeliveryConfig) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	e := &env{
		bus:     eventbus.New(),
		store:   store,
		adapter: &fakeAdapter{},
		rent:    newFakeRent(),
	}
	e.eng = engine.New(engine.Config{
		Workers:        1,
		QueueSize:      32,
		DefaultTimeout: 5 * time.Second,
		DefaultGrace:   time.Hour,
		Timezone:       "UTC",
	}, logx.Nop(), e.bus)
	e.mgr = taskmgr.New(logx.Nop(), e.store, e.eng, e.bus, e.adapter, e.rent)

	e.reminders = NewReminder(e.mgr, logx.Nop(), dcfg)
	e.notifications = NewNotification(e.mgr, e.reminders, logx.Nop(), dcfg)
	e.access = NewAccessWindow(e.mgr, e.rent, logx.Nop(), dcfg)
	e.bookings = NewBookingAutomation(e.mgr, e.rent, logx.Nop())
	e.mgr.RegisterHandler(e.notifications)
	e.mgr.RegisterHandler(e.reminders)
	e.mgr.RegisterHandler(e.access)
	e.mgr.RegisterHandler(e.bookings)
	return e
}

func (e *env) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.eng.Start(ctx)
	e.mgr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.eng.Stop(context.Background())
		e.mgr.Stop()
	})
	return ctx
}

func (e *env) jobContext(t *testing.T, jobID string) *taskmgr.JobContext {
	t.Helper()
	rec, ok, err := e.store.GetJob(context.Background(), jobID)
	if err != nil || !ok {
		t.Fatalf("job %s not in registry (ok=%v err=%v)", jobID, ok, err)
	}
	return &taskmgr.JobContext{
		Manager: e.mgr,
		Store:   e.store,
		Adapter: e.adapter,
		Bus:     e.bus,
		Rent:    e.rent,
		Log:     logx.Nop(),
		Record:  rec,
	}
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
