// Package tasks holds one handler per durable task type: one-off
// notifications, confirmation-escalation reminders, periodic access-window
// announcements and the booking-status sweep.
package tasks

import (
	"fmt"
	"time"

	"rentbot/pkg/chatkit"
)

// Job IDs are composite keys so re-scheduling the same logical job always
// upserts instead of duplicating.

func NotificationJobID(notificationID string) string {
	return "notification:" + notificationID
}

// ReminderJobID keys reminders per (notification, chat). The chat id is
// canonicalized so both encodings of a supergroup id map to the same job.
func ReminderJobID(notificationID string, chatID int64) string {
	return fmt.Sprintf("reminder:%s:%d", notificationID, chatkit.Canonical(chatID))
}

func AccessWindowJobID(chatID int64) string {
	return fmt.Sprintf("access_window:%d", chatID)
}

// BookingSweepJobID is the system-wide singleton sweep job.
const BookingSweepJobID = "booking_automation:sweep"

// DeliveryConfig tunes outbound message delivery across handlers.
type DeliveryConfig struct {
	// ChunkLimit caps a single message's size; longer texts are split.
	ChunkLimit int
	// RatePerSec paces sends across all fires of the notification handler.
	RatePerSec int
	// ReminderInterval is the escalation re-arm period.
	ReminderInterval time.Duration
	// ReminderGrace bounds how late a queued reminder may still fire.
	ReminderGrace time.Duration
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.ChunkLimit <= 0 {
		c.ChunkLimit = chatkit.DefaultChunkLimit
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = 30 * time.Minute
	}
	if c.ReminderGrace <= 0 {
		c.ReminderGrace = 10 * time.Minute
	}
	return c
}
