package app

import (
	"context"
	"errors"
	"time"

	"rentbot/internal/rentapi"
	kit "rentbot/internal/transport"
	"rentbot/pkg/chatkit"
	logx "rentbot/pkg/logx"
)

func (a *App) consumeUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-a.updates:
			if !ok {
				return
			}
			if up.Kind == kit.UpdateCallback && up.Callback != nil {
				a.handleCallback(ctx, *up.Callback)
			}
		}
	}
}

// handleCallback routes a pressed confirmation button: stop the reminder
// escalation for this chat, acknowledge upstream, and for pickup confirms
// move the booking to confirmed. Every step is idempotent so a double tap
// is harmless.
func (a *App) handleCallback(ctx context.Context, cb kit.Callback) {
	kind, payload, ok := chatkit.ParseConfirm(cb.Data)
	if !ok || payload == "" {
		a.answerCallback(ctx, cb.ID, "")
		return
	}
	log := a.log.With(
		logx.String("kind", kind),
		logx.String("ref", payload),
		logx.Int64("chat_id", cb.ChatID))

	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := a.reminders.Cancel(cctx, payload, cb.ChatID); err != nil {
		log.Warn("reminder cancel failed", logx.Err(err))
	}
	if err := a.rent.CompleteNotification(cctx, payload); err != nil && !errors.Is(err, rentapi.ErrNotFound) {
		log.Warn("completion ack failed", logx.Err(err))
	}
	if kind == chatkit.KindPickup {
		// Pickup confirms may reference a booking id (sweep-sent button).
		err := a.rent.UpdateBookingStatus(cctx, payload, rentapi.StatusConfirmed)
		if err != nil && !errors.Is(err, rentapi.ErrNotFound) {
			log.Warn("booking confirm failed", logx.Err(err))
		}
	}

	log.Info("confirmation received")
	a.answerCallback(ctx, cb.ID, "Confirmed, thank you!")
}

func (a *App) answerCallback(ctx context.Context, callbackID, text string) {
	actx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.adapter.AnswerCallback(actx, callbackID, text); err != nil {
		a.log.Warn("callback answer failed", logx.Err(err))
	}
}
