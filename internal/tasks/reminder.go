package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rentbot/internal/engine"
	"rentbot/internal/storage"
	"rentbot/internal/taskmgr"
	kit "rentbot/internal/transport"
	"rentbot/pkg/chatkit"
	logx "rentbot/pkg/logx"
)

// ReminderPayload is the durable state of one escalation loop.
type ReminderPayload struct {
	NotificationID string `json:"notification_id"`
	// ChatID is the encoding that last worked; delivery starts with it and
	// falls back to the other known encodings.
	ChatID  int64  `json:"chat_id"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// Reminder nags a chat about an unconfirmed notification every interval
// until the recipient confirms or the chat becomes unreachable.
type Reminder struct {
	mgr *taskmgr.Manager
	log logx.Logger
	cfg DeliveryConfig
}

func NewReminder(mgr *taskmgr.Manager, log logx.Logger, cfg DeliveryConfig) *Reminder {
	return &Reminder{
		mgr: mgr,
		log: log.With(logx.String("handler", "reminder")),
		cfg: cfg.withDefaults(),
	}
}

func (h *Reminder) Type() storage.TaskType { return storage.TaskReminder }

// Schedule arms a single one-shot fire at runAt.
func (h *Reminder) Schedule(ctx context.Context, p ReminderPayload, runAt time.Time) error {
	if p.NotificationID == "" || p.ChatID == 0 {
		return fmt.Errorf("reminder: notification_id and chat_id are required")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("reminder: encode payload: %w", err)
	}
	rec := storage.JobRecord{
		ID:       ReminderJobID(p.NotificationID, p.ChatID),
		TargetID: chatkit.Canonical(p.ChatID),
		Type:     storage.TaskReminder,
		NextRun:  runAt.UTC(),
		Payload:  payload,
	}
	return h.mgr.Save(ctx, rec, engine.OneShot(runAt), engine.RegisterOptions{Grace: h.cfg.ReminderGrace})
}

// Restore re-arms at the stored fire time. A past fire time is re-armed
// anyway: it fires immediately and the engine's grace window decides
// whether it still runs or is dropped as missed.
func (h *Reminder) Restore(ctx context.Context, rec storage.JobRecord) (bool, error) {
	var p ReminderPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return false, fmt.Errorf("decode payload: %w", err)
	}
	return true, h.mgr.Save(ctx, rec, engine.OneShot(rec.NextRun), engine.RegisterOptions{Grace: h.cfg.ReminderGrace})
}

// Execute tries the stored chat id first and then the alternate encodings.
// First success re-arms the loop with the id that worked; total failure
// ends the loop (the record is not re-registered, so the completion
// listener removes it).
func (h *Reminder) Execute(ctx context.Context, jc *taskmgr.JobContext) error {
	var p ReminderPayload
	if err := json.Unmarshal(jc.Record.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	var opt *kit.SendOptions
	if rm := chatkit.ConfirmMarkup(p.Kind, p.NotificationID, ""); rm != nil {
		opt = &kit.SendOptions{ReplyMarkupAdapter: rm}
	}

	var sentTo int64
	for _, id := range candidateIDs(p.ChatID) {
		if _, err := jc.Adapter.SendText(ctx, kit.ChatTarget{ChatID: id}, p.Message, opt); err != nil {
			jc.Log.Warn("reminder delivery failed", logx.Int64("chat_id", id), logx.Err(err))
			continue
		}
		sentTo = id
		break
	}
	if sentTo == 0 {
		jc.Log.Warn("all chat id encodings unreachable, ending escalation",
			logx.Int64("chat_id", p.ChatID))
		return nil
	}

	p.ChatID = sentTo
	if err := h.Schedule(ctx, p, time.Now().Add(h.cfg.ReminderInterval)); err != nil {
		jc.Log.Error("reminder re-arm failed", logx.Err(err))
	}
	return nil
}

// Cancel removes the escalation loop for one (notification, chat) pair.
// Deleting an already-absent job succeeds.
func (h *Reminder) Cancel(ctx context.Context, notificationID string, chatID int64) error {
	return h.mgr.Delete(ctx, ReminderJobID(notificationID, chatID))
}

// candidateIDs orders delivery attempts: the stored id first, then the
// other known encodings of the same chat.
func candidateIDs(chatID int64) []int64 {
	out := []int64{chatID}
	for _, v := range chatkit.Variants(chatID) {
		if v != chatID {
			out = append(out, v)
		}
	}
	return out
}
