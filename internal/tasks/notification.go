package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"rentbot/internal/engine"
	"rentbot/internal/eventbus"
	"rentbot/internal/storage"
	"rentbot/internal/taskmgr"
	kit "rentbot/internal/transport"
	"rentbot/pkg/chatkit"
	logx "rentbot/pkg/logx"
)

// Repeat policies for notifications.
const (
	RepeatNone    = "none"
	RepeatDaily   = "daily"
	RepeatWeekly  = "weekly"
	RepeatMonthly = "monthly"
)

// NotificationPayload is the durable description of one notification job.
// Timestamps stay strings in storage so a naive (zone-less) input keeps its
// naive-as-local meaning across restarts into a different host timezone
// configuration.
type NotificationPayload struct {
	NotificationID string  `json:"notification_id"`
	EventID        string  `json:"event_id,omitempty"`
	Message        string  `json:"message"`
	ChatIDs        []int64 `json:"chat_ids"`

	EventDate  string `json:"event_date,omitempty"`
	TimeBefore int    `json:"time_before,omitempty"` // minutes before EventDate

	Repeat   string `json:"repeat,omitempty"`
	Weekdays []int  `json:"weekdays,omitempty"` // 0=Sunday .. 6=Saturday
	MonthDay int    `json:"month_day,omitempty"`

	SendNow         bool   `json:"send_now,omitempty"`
	UseAbsoluteTime bool   `json:"use_absolute_time,omitempty"`
	AbsoluteTime    string `json:"absolute_time,omitempty"`

	RequiresConfirmation bool `json:"requires_confirmation,omitempty"`
}

func (p NotificationPayload) repeat() string {
	if p.Repeat == "" {
		return RepeatNone
	}
	return strings.ToLower(p.Repeat)
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// parseWhen accepts RFC3339 or a naive timestamp; naive values are read in
// the scheduler's timezone.
func parseWhen(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts[1:] {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// fireTime resolves the initial fire time. SendNow wins over everything,
// then an explicit absolute timestamp, then event time minus offset.
func (p NotificationPayload) fireTime(now time.Time, loc *time.Location) (time.Time, error) {
	if p.SendNow {
		return now.Add(5 * time.Second), nil
	}
	if p.UseAbsoluteTime && p.AbsoluteTime != "" {
		return parseWhen(p.AbsoluteTime, loc)
	}
	if p.EventDate == "" {
		return time.Time{}, fmt.Errorf("notification %s: no fire time source", p.NotificationID)
	}
	event, err := parseWhen(p.EventDate, loc)
	if err != nil {
		return time.Time{}, err
	}
	return event.Add(-time.Duration(p.TimeBefore) * time.Minute), nil
}

// trigger builds the engine trigger for fireAt under the repeat policy.
// Recurring triggers are anchored at fireAt so the first fire is never
// earlier than the computed time.
func (p NotificationPayload) trigger(fireAt time.Time, loc *time.Location) (engine.Trigger, error) {
	local := fireAt.In(loc)
	switch p.repeat() {
	case RepeatNone:
		return engine.OneShot(fireAt), nil
	case RepeatDaily:
		return engine.Daily(local.Hour(), local.Minute(), fireAt), nil
	case RepeatWeekly:
		wds := make([]time.Weekday, 0, len(p.Weekdays))
		for _, wd := range p.Weekdays {
			wds = append(wds, time.Weekday(wd))
		}
		if len(wds) == 0 {
			wds = append(wds, local.Weekday())
		}
		return engine.Weekly(local.Hour(), local.Minute(), wds, fireAt), nil
	case RepeatMonthly:
		dom := p.MonthDay
		if dom == 0 {
			dom = local.Day()
		}
		return engine.Monthly(local.Hour(), local.Minute(), dom, fireAt), nil
	default:
		return engine.Trigger{}, fmt.Errorf("unknown repeat policy %q", p.Repeat)
	}
}

// Notification delivers a message to a set of chats, optionally asking for
// a confirmation and arming the reminder escalation.
type Notification struct {
	mgr       *taskmgr.Manager
	reminders *Reminder
	log       logx.Logger
	cfg       DeliveryConfig
	limiter   *rate.Limiter
}

func NewNotification(mgr *taskmgr.Manager, reminders *Reminder, log logx.Logger, cfg DeliveryConfig) *Notification {
	cfg = cfg.withDefaults()
	return &Notification{
		mgr:       mgr,
		reminders: reminders,
		log:       log.With(logx.String("handler", "notification")),
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (h *Notification) Type() storage.TaskType { return storage.TaskNotification }

// Schedule computes the fire time, builds the trigger and persists the job.
// A non-repeating notification whose fire time already passed is abandoned:
// any stale record is removed and Schedule reports success without
// registering anything.
func (h *Notification) Schedule(ctx context.Context, p NotificationPayload) error {
	if p.NotificationID == "" {
		return fmt.Errorf("notification: missing notification_id")
	}
	if p.Message == "" || len(p.ChatIDs) == 0 {
		return fmt.Errorf("notification %s: message and chat_ids are required", p.NotificationID)
	}
	jobID := NotificationJobID(p.NotificationID)
	loc := h.mgr.Engine().Location()
	now := time.Now()

	fireAt, err := p.fireTime(now, loc)
	if err != nil {
		return fmt.Errorf("notification %s: %w", p.NotificationID, err)
	}
	if p.repeat() == RepeatNone && !fireAt.After(now) {
		h.log.Info("fire time already passed, abandoning",
			logx.String("job", jobID), logx.Time("fire_at", fireAt))
		return h.mgr.Delete(ctx, jobID)
	}
	trg, err := p.trigger(fireAt, loc)
	if err != nil {
		return fmt.Errorf("notification %s: %w", p.NotificationID, err)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("notification %s: encode payload: %w", p.NotificationID, err)
	}
	rec := storage.JobRecord{
		ID:       jobID,
		TargetID: p.ChatIDs[0],
		Type:     storage.TaskNotification,
		Payload:  payload,
	}
	if p.repeat() == RepeatNone {
		rec.NextRun = fireAt.UTC()
	}
	return h.mgr.Save(ctx, rec, trg, engine.RegisterOptions{})
}

// Restore re-arms a stored record after a restart. One-shot jobs come back
// at their stored fire time when it is still ahead, and are pruned
// otherwise. Recurring jobs rebuild their trigger from the payload,
// anchored no earlier than now so the restart itself never causes a
// retroactive fire.
func (h *Notification) Restore(ctx context.Context, rec storage.JobRecord) (bool, error) {
	var p NotificationPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return false, fmt.Errorf("decode payload: %w", err)
	}
	now := time.Now()
	loc := h.mgr.Engine().Location()

	if p.repeat() == RepeatNone {
		if !rec.NextRun.After(now) {
			return false, nil
		}
		return true, h.mgr.Save(ctx, rec, engine.OneShot(rec.NextRun), engine.RegisterOptions{})
	}

	anchor := rec.NextRun
	if anchor.Before(now) {
		anchor = now
	}
	base := rec.NextRun
	if base.IsZero() {
		base = now
	}
	trg, err := p.trigger(base, loc)
	if err != nil {
		return false, err
	}
	trg.Start = anchor.Truncate(time.Minute)
	rec.NextRun = time.Time{} // recomputed from the trigger on Save
	return true, h.mgr.Save(ctx, rec, trg, engine.RegisterOptions{})
}

// Execute splits the message into chunks and sends them sequentially to
// every chat, pacing sends through the shared limiter. A failed chunk
// abandons the remaining chunks for that chat and moves on to the next one;
// delivery failures never fail the fire.
func (h *Notification) Execute(ctx context.Context, jc *taskmgr.JobContext) error {
	var p NotificationPayload
	if err := json.Unmarshal(jc.Record.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	chunks := chatkit.Split(p.Message, h.cfg.ChunkLimit)
	kind := chatkit.DetectKind(p.Message)

	var delivered []int64
	for ti, chatID := range p.ChatIDs {
		ok := true
		for ci, chunk := range chunks {
			if err := h.limiter.Wait(ctx); err != nil {
				return err
			}
			var opt *kit.SendOptions
			if p.RequiresConfirmation && ti == len(p.ChatIDs)-1 && ci == len(chunks)-1 {
				if rm := chatkit.ConfirmMarkup(kind, p.NotificationID, ""); rm != nil {
					opt = &kit.SendOptions{ReplyMarkupAdapter: rm}
				}
			}
			if _, err := jc.Adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, chunk, opt); err != nil {
				jc.Log.Warn("chunk delivery failed",
					logx.Int64("chat_id", chatID), logx.Int("chunk", ci), logx.Err(err))
				ok = false
				break
			}
		}
		if ok {
			delivered = append(delivered, chatID)
		}
	}

	if len(delivered) > 0 {
		jc.Bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Data: map[string]any{
			"notification_id": p.NotificationID,
			"chat_ids":        delivered,
		}})
	}
	if p.RequiresConfirmation && len(delivered) > 0 {
		h.armReminders(ctx, jc, p, kind, delivered)
	}
	return nil
}

// armReminders schedules the escalation loop for every chat that received
// the full message. Reminder scheduling failure is logged, never raised:
// the notification itself was delivered.
func (h *Notification) armReminders(ctx context.Context, jc *taskmgr.JobContext, p NotificationPayload, kind string, delivered []int64) {
	runAt := time.Now().Add(h.cfg.ReminderInterval)
	for _, chatID := range delivered {
		rp := ReminderPayload{
			NotificationID: p.NotificationID,
			ChatID:         chatkit.Canonical(chatID),
			Message:        p.Message,
			Kind:           kind,
		}
		if err := h.reminders.Schedule(ctx, rp, runAt); err != nil {
			jc.Log.Warn("reminder scheduling failed",
				logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}
}
