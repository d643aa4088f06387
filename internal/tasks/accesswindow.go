package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"rentbot/internal/engine"
	"rentbot/internal/rentapi"
	"rentbot/internal/storage"
	"rentbot/internal/taskmgr"
	kit "rentbot/internal/transport"
	"rentbot/pkg/chatkit"
	logx "rentbot/pkg/logx"
)

// accessWindowPayload snapshots the externally-configured window at
// scheduling time; the message is what actually gets delivered.
type accessWindowPayload struct {
	ChatID  int64  `json:"chat_id"`
	Message string `json:"message"`
}

// AccessWindow announces a chat's access slot on its configured weekly
// time. Windows can repeat on a multi-week period, which no fixed cron
// pattern expresses, so each fire is a one-shot that re-schedules itself
// afterwards.
type AccessWindow struct {
	mgr  *taskmgr.Manager
	rent rentapi.Client
	log  logx.Logger
	cfg  DeliveryConfig
}

func NewAccessWindow(mgr *taskmgr.Manager, rent rentapi.Client, log logx.Logger, cfg DeliveryConfig) *AccessWindow {
	return &AccessWindow{
		mgr:  mgr,
		rent: rent,
		log:  log.With(logx.String("handler", "access_window")),
		cfg:  cfg.withDefaults(),
	}
}

func (h *AccessWindow) Type() storage.TaskType { return storage.TaskAccessWindow }

// Schedule fetches the chat's current window configuration and arms a
// one-shot at the next occurrence. A chat with no window configuration
// anymore has its job deleted instead.
func (h *AccessWindow) Schedule(ctx context.Context, chatID int64) error {
	jobID := AccessWindowJobID(chatID)
	win, err := h.rent.GetAccessWindow(ctx, chatID)
	if errors.Is(err, rentapi.ErrNotFound) {
		h.log.Info("window configuration gone, removing job", logx.Int64("chat_id", chatID))
		return h.mgr.Delete(ctx, jobID)
	}
	if err != nil {
		return fmt.Errorf("access window %d: %w", chatID, err)
	}

	loc := h.mgr.Engine().Location()
	next := nextWindowOccurrence(*win, time.Now(), loc)
	payload, err := json.Marshal(accessWindowPayload{ChatID: chatID, Message: win.Message})
	if err != nil {
		return fmt.Errorf("access window %d: encode payload: %w", chatID, err)
	}
	rec := storage.JobRecord{
		ID:       jobID,
		TargetID: chatID,
		Type:     storage.TaskAccessWindow,
		NextRun:  next.UTC(),
		Payload:  payload,
	}
	return h.mgr.Save(ctx, rec, engine.OneShot(next), engine.RegisterOptions{})
}

// Restore replays Schedule so the fire time always reflects the current
// external configuration, not the one stored before the restart.
func (h *AccessWindow) Restore(ctx context.Context, rec storage.JobRecord) (bool, error) {
	if rec.TargetID == 0 {
		return false, nil
	}
	return true, h.Schedule(ctx, rec.TargetID)
}

// Resync re-derives the authoritative chat list and schedules every chat,
// relying on upsert semantics for chats that already have a job.
func (h *AccessWindow) Resync(ctx context.Context) error {
	chats, err := h.rent.ListActiveChats(ctx)
	if err != nil {
		return fmt.Errorf("access window resync: %w", err)
	}
	for _, chatID := range chats {
		if err := h.Schedule(ctx, chatID); err != nil {
			h.log.Warn("resync scheduling failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}
	return nil
}

// Execute delivers the announcement. Delivery failures are logged, not
// raised: rescheduling happens in AfterExecute either way.
func (h *AccessWindow) Execute(ctx context.Context, jc *taskmgr.JobContext) error {
	var p accessWindowPayload
	if err := json.Unmarshal(jc.Record.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	for _, chunk := range chatkit.Split(p.Message, h.cfg.ChunkLimit) {
		if _, err := jc.Adapter.SendText(ctx, kit.ChatTarget{ChatID: p.ChatID}, chunk, nil); err != nil {
			jc.Log.Warn("announcement delivery failed", logx.Int64("chat_id", p.ChatID), logx.Err(err))
			break
		}
	}
	return nil
}

// AfterExecute re-schedules the next occurrence regardless of how delivery
// went, so one bad fire never silences a chat permanently.
func (h *AccessWindow) AfterExecute(ctx context.Context, jc *taskmgr.JobContext, _ error) {
	if err := h.Schedule(ctx, jc.Record.TargetID); err != nil {
		jc.Log.Error("re-scheduling failed", logx.Err(err))
	}
}

// nextWindowOccurrence finds the next weekday/time occurrence after now,
// then pushes it forward whole periods until it lands on a week the
// multi-week period actually covers. Week distance is computed from the
// first occurrence at or after the period anchor, rounded through days so
// DST shifts don't skew the count.
func nextWindowOccurrence(win rentapi.AccessWindow, now time.Time, loc *time.Location) time.Time {
	cand := weekdayOccurrenceAfter(win, now, loc)
	period := win.PeriodWeeks
	if period <= 1 || win.PeriodStart.IsZero() {
		return cand
	}
	first := weekdayOccurrenceAfter(win, win.PeriodStart.Add(-time.Second), loc)
	days := int(math.Round(cand.Sub(first).Hours() / 24))
	if days < 0 {
		return cand
	}
	if rem := (days / 7) % period; rem != 0 {
		cand = cand.AddDate(0, 0, 7*(period-rem))
	}
	return cand
}

// weekdayOccurrenceAfter returns the first weekday+time slot strictly
// after t.
func weekdayOccurrenceAfter(win rentapi.AccessWindow, t time.Time, loc *time.Location) time.Time {
	base := t.In(loc)
	occ := time.Date(base.Year(), base.Month(), base.Day(), win.Hour, win.Minute, 0, 0, loc)
	if delta := (win.Weekday - int(base.Weekday()) + 7) % 7; delta != 0 {
		occ = occ.AddDate(0, 0, delta)
	}
	if !occ.After(t) {
		occ = occ.AddDate(0, 0, 7)
	}
	return occ
}
