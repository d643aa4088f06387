// Package httpapi exposes the scheduling surface over REST: schedule a
// notification, cancel a reminder escalation, inspect pending jobs.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"rentbot/internal/taskmgr"
	"rentbot/internal/tasks"
	logx "rentbot/pkg/logx"
)

type Config struct {
	Addr string
}

type Server struct {
	log logx.Logger
	mgr *taskmgr.Manager

	notifications *tasks.Notification
	reminders     *tasks.Reminder

	srv *http.Server
}

func New(cfg Config, log logx.Logger, mgr *taskmgr.Manager, notifications *tasks.Notification, reminders *tasks.Reminder) *Server {
	s := &Server{
		log:           log.With(logx.String("component", "httpapi")),
		mgr:           mgr,
		notifications: notifications,
		reminders:     reminders,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())

	r.GET("/healthz", s.health)
	v1 := r.Group("/api/v1")
	{
		v1.POST("/notifications", s.scheduleNotification)
		v1.DELETE("/reminders", s.cancelReminder)
		v1.GET("/jobs", s.listJobs)
	}

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener closes. It blocks; run it in its own
// goroutine.
func (s *Server) Start() error {
	s.log.Info("http api listening", logx.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routed handler (used by tests).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			logx.String("id", c.GetString("request_id")),
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
