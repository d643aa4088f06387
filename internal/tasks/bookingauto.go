package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"rentbot/internal/engine"
	"rentbot/internal/eventbus"
	"rentbot/internal/rentapi"
	"rentbot/internal/storage"
	"rentbot/internal/taskmgr"
	kit "rentbot/internal/transport"
	"rentbot/pkg/chatkit"
	logx "rentbot/pkg/logx"
)

// Notification-only sweep outcomes, used as suppression keys so one booking
// gets each nudge at most once per status.
const (
	nudgeArrivingSoon  = "arriving_soon"
	nudgePickupOverdue = "pickup_overdue"
	nudgeReturnDue     = "return_due"
	nudgeReturnOverdue = "return_overdue"
)

const sweepInterval = time.Minute

// BookingAutomation is the singleton sweep driving time-based booking
// status transitions. All booking state lives in the business API; the
// handler only keeps the in-memory suppression map between sweeps.
type BookingAutomation struct {
	mgr  *taskmgr.Manager
	rent rentapi.Client
	log  logx.Logger

	mu         sync.Mutex
	suppressed map[string]map[string]struct{} // booking id -> nudge kinds already sent
}

func NewBookingAutomation(mgr *taskmgr.Manager, rent rentapi.Client, log logx.Logger) *BookingAutomation {
	return &BookingAutomation{
		mgr:        mgr,
		rent:       rent,
		log:        log.With(logx.String("handler", "booking_automation")),
		suppressed: make(map[string]map[string]struct{}),
	}
}

func (h *BookingAutomation) Type() storage.TaskType { return storage.TaskBookingAutomation }

// Schedule registers the system-wide sweep. Idempotent: re-saving replaces
// the existing registration.
func (h *BookingAutomation) Schedule(ctx context.Context) error {
	rec := storage.JobRecord{
		ID:      BookingSweepJobID,
		Type:    storage.TaskBookingAutomation,
		Payload: json.RawMessage(`{}`),
	}
	return h.mgr.Save(ctx, rec, engine.Interval(sweepInterval), engine.RegisterOptions{
		Grace: 2 * sweepInterval,
	})
}

func (h *BookingAutomation) Restore(ctx context.Context, _ storage.JobRecord) (bool, error) {
	return true, h.Schedule(ctx)
}

// Resync guarantees the sweep exists even on a fresh registry.
func (h *BookingAutomation) Resync(ctx context.Context) error {
	return h.Schedule(ctx)
}

// Execute runs one sweep over all bookings. Per-booking failures are
// logged and the sweep continues; only a failed booking list fails the
// fire.
func (h *BookingAutomation) Execute(ctx context.Context, jc *taskmgr.JobContext) error {
	bookings, err := jc.Rent.ListBookings(ctx)
	if err != nil {
		return fmt.Errorf("list bookings: %w", err)
	}
	now := time.Now()
	for _, b := range bookings {
		h.sweepOne(ctx, jc, b, now)
	}
	return nil
}

// sweepOne applies the time-driven transition table to one booking.
// Times are minutes relative to planned start / planned return: positive
// means the moment is still ahead.
func (h *BookingAutomation) sweepOne(ctx context.Context, jc *taskmgr.JobContext, b rentapi.Booking, now time.Time) {
	toStart := b.PlannedStart.Sub(now).Minutes()
	toReturn := b.PlannedReturn().Sub(now).Minutes()

	switch b.Status {
	case rentapi.StatusBooked:
		switch {
		case toStart >= 0 && toStart <= 60:
			h.transition(ctx, jc, b, rentapi.StatusPendingConfirmation,
				"Your rental starts within the hour. Please confirm your pickup.", chatkit.KindPickup)
		case toStart < -90:
			h.transition(ctx, jc, b, rentapi.StatusNoShow, "", "")
		}
	case rentapi.StatusPendingConfirmation:
		switch {
		case toStart < -120:
			h.transition(ctx, jc, b, rentapi.StatusNoShow, "", "")
		case toStart >= -15 && toStart <= -1:
			h.nudge(ctx, jc, b, nudgePickupOverdue,
				"Your rental start time has passed. Are you still coming?")
		}
	case rentapi.StatusConfirmed:
		switch {
		case toStart < -90:
			h.transition(ctx, jc, b, rentapi.StatusNoShow, "", "")
		case toStart >= 10 && toStart <= 20:
			h.nudge(ctx, jc, b, nudgeArrivingSoon,
				"Your rental starts in about 15 minutes. See you soon!")
		case toStart >= -15 && toStart <= -1:
			h.nudge(ctx, jc, b, nudgePickupOverdue,
				"Your rental start time has passed. Are you still coming?")
		}
	case rentapi.StatusInUse:
		if toReturn >= 10 && toReturn <= 15 {
			h.nudge(ctx, jc, b, nudgeReturnDue,
				"Please return the equipment in about 15 minutes.")
		}
		if toReturn >= -60 && toReturn <= -5 {
			h.nudge(ctx, jc, b, nudgeReturnOverdue,
				"The return time for your rental has passed. Please bring the equipment back.")
		}
	}
}

// transition writes the new status back to the business API, clears the
// booking's suppression entries and optionally tells the chat. The
// suppression map is only cleared after a successful write so a failed
// write is retried by the next sweep.
func (h *BookingAutomation) transition(ctx context.Context, jc *taskmgr.JobContext, b rentapi.Booking, to, message, confirmKind string) {
	if err := jc.Rent.UpdateBookingStatus(ctx, b.ID, to); err != nil {
		jc.Log.Warn("status update failed",
			logx.String("booking", b.ID), logx.String("to", to), logx.Err(err))
		return
	}
	h.clear(b.ID)
	jc.Log.Info("booking status changed",
		logx.String("booking", b.ID), logx.String("from", b.Status), logx.String("to", to))
	jc.Bus.Publish(eventbus.Event{Type: eventbus.TypeBookingStatus, Data: map[string]any{
		"booking_id": b.ID,
		"from":       b.Status,
		"to":         to,
	}})
	if message == "" || b.ChatID == 0 {
		return
	}
	var opt *kit.SendOptions
	if confirmKind != "" {
		if rm := chatkit.ConfirmMarkup(confirmKind, b.ID, ""); rm != nil {
			opt = &kit.SendOptions{ReplyMarkupAdapter: rm}
		}
	}
	if _, err := jc.Adapter.SendText(ctx, kit.ChatTarget{ChatID: b.ChatID}, message, opt); err != nil {
		jc.Log.Warn("transition message delivery failed",
			logx.String("booking", b.ID), logx.Err(err))
	}
}

// nudge sends a notification-only message at most once per (booking, kind)
// until the booking's status changes. The suppression entry is recorded on
// the attempt, not on delivery success, so a flapping chat doesn't get
// hammered every minute of the window.
func (h *BookingAutomation) nudge(ctx context.Context, jc *taskmgr.JobContext, b rentapi.Booking, kind, message string) {
	h.mu.Lock()
	kinds := h.suppressed[b.ID]
	if _, done := kinds[kind]; done {
		h.mu.Unlock()
		return
	}
	if kinds == nil {
		kinds = make(map[string]struct{})
		h.suppressed[b.ID] = kinds
	}
	kinds[kind] = struct{}{}
	h.mu.Unlock()

	if b.ChatID == 0 {
		return
	}
	if _, err := jc.Adapter.SendText(ctx, kit.ChatTarget{ChatID: b.ChatID}, message, nil); err != nil {
		jc.Log.Warn("nudge delivery failed",
			logx.String("booking", b.ID), logx.String("kind", kind), logx.Err(err))
	}
}

func (h *BookingAutomation) clear(bookingID string) {
	h.mu.Lock()
	delete(h.suppressed, bookingID)
	h.mu.Unlock()
}
