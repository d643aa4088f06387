package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rentbot/internal/taskmgr"
	"rentbot/internal/tasks"
	logx "rentbot/pkg/logx"
)

type scheduleNotificationRequest struct {
	NotificationID string  `json:"notification_id" binding:"required"`
	Message        string  `json:"message" binding:"required"`
	ChatIDs        []int64 `json:"chat_ids" binding:"required"`

	EventID    string `json:"event_id"`
	EventDate  string `json:"event_date"`
	TimeBefore int    `json:"time_before"`

	Repeat   string `json:"repeat"`
	Weekdays []int  `json:"weekdays"`
	MonthDay int    `json:"month_day"`

	SendNow         bool   `json:"send_now"`
	UseAbsoluteTime bool   `json:"use_absolute_time"`
	AbsoluteTime    string `json:"absolute_time"`

	RequiresConfirmation bool `json:"requires_confirmation"`
}

// POST /api/v1/notifications
//
// Failures name the stage that broke so the caller can tell a registry
// outage from a bad trigger.
func (s *Server) scheduleNotification(c *gin.Context) {
	var req scheduleNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.notifications.Schedule(c.Request.Context(), tasks.NotificationPayload{
		NotificationID:       req.NotificationID,
		EventID:              req.EventID,
		Message:              req.Message,
		ChatIDs:              req.ChatIDs,
		EventDate:            req.EventDate,
		TimeBefore:           req.TimeBefore,
		Repeat:               req.Repeat,
		Weekdays:             req.Weekdays,
		MonthDay:             req.MonthDay,
		SendNow:              req.SendNow,
		UseAbsoluteTime:      req.UseAbsoluteTime,
		AbsoluteTime:         req.AbsoluteTime,
		RequiresConfirmation: req.RequiresConfirmation,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"notification_id": req.NotificationID, "scheduled": true})
	case errors.Is(err, taskmgr.ErrPersistence):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "stage": "persistence"})
	case errors.Is(err, taskmgr.ErrEngine), errors.Is(err, taskmgr.ErrNoHandler):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "stage": "engine"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// DELETE /api/v1/reminders?notification_id=...&chat_id=...
//
// Idempotent: cancelling an already-absent reminder reports success.
func (s *Server) cancelReminder(c *gin.Context) {
	notificationID := c.Query("notification_id")
	chatID, err := strconv.ParseInt(c.Query("chat_id"), 10, 64)
	if notificationID == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "notification_id and chat_id are required"})
		return
	}
	if err := s.reminders.Cancel(c.Request.Context(), notificationID, chatID); err != nil {
		s.log.Error("reminder cancel failed",
			logx.String("notification", notificationID), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "stage": "persistence"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

type jobDTO struct {
	ID       string `json:"job_id"`
	Type     string `json:"task_type"`
	TargetID int64  `json:"target_id,omitempty"`
	NextRun  string `json:"next_run_time"`
	Armed    bool   `json:"armed"`
}

// GET /api/v1/jobs
//
// next_run_time prefers the engine's live fire time over the stored value.
func (s *Server) listJobs(c *gin.Context) {
	recs, err := s.mgr.Store().ListJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]jobDTO, 0, len(recs))
	for _, rec := range recs {
		next, armed := s.mgr.Engine().NextFireTime(rec.ID)
		if !armed {
			next = rec.NextRun
		}
		out = append(out, jobDTO{
			ID:       rec.ID,
			Type:     string(rec.Type),
			TargetID: rec.TargetID,
			NextRun:  next.UTC().Format(time.RFC3339),
			Armed:    armed,
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "jobs": out})
}
