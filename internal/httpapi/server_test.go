package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rentbot/internal/engine"
	"rentbot/internal/eventbus"
	"rentbot/internal/rentapi"
	"rentbot/internal/storage"
	"rentbot/internal/taskmgr"
	"rentbot/internal/tasks"
	kit "rentbot/internal/transport"
	logx "rentbot/pkg/logx"
)

type nilRent struct{}

func (nilRent) ListActiveChats(ctx context.Context) ([]int64, error) { return nil, nil }
func (nilRent) GetAccessWindow(ctx context.Context, chatID int64) (*rentapi.AccessWindow, error) {
	return nil, rentapi.ErrNotFound
}
func (nilRent) ListBookings(ctx context.Context) ([]rentapi.Booking, error)          { return nil, nil }
func (nilRent) UpdateBookingStatus(ctx context.Context, bookingID, st string) error  { return nil }
func (nilRent) CompleteNotification(ctx context.Context, notificationID string) error { return nil }

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	eng := engine.New(engine.Config{Timezone: "UTC", DefaultGrace: time.Hour}, logx.Nop(), bus)
	mgr := taskmgr.New(logx.Nop(), st, eng, bus, kit.NewNop(), nilRent{})

	dcfg := tasks.DeliveryConfig{}
	rem := tasks.NewReminder(mgr, logx.Nop(), dcfg)
	notif := tasks.NewNotification(mgr, rem, logx.Nop(), dcfg)
	mgr.RegisterHandler(rem)
	mgr.RegisterHandler(notif)

	return New(Config{Addr: ":0"}, logx.Nop(), mgr, notif, rem), st
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s.Handler(), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestScheduleNotificationEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	h := s.Handler()

	t.Run("missing fields rejected", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/v1/notifications", `{"message":"hi"}`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
	})

	t.Run("valid request schedules a job", func(t *testing.T) {
		at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		body := `{"notification_id":"n1","message":"hi","chat_ids":[5],"use_absolute_time":true,"absolute_time":"` + at + `"}`
		w := doJSON(t, h, http.MethodPost, "/api/v1/notifications", body)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		if _, ok, _ := st.GetJob(context.Background(), "notification:n1"); !ok {
			t.Fatal("job record missing")
		}
	})

	t.Run("bad repeat policy is a client error", func(t *testing.T) {
		at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		body := `{"notification_id":"n2","message":"hi","chat_ids":[5],"use_absolute_time":true,"absolute_time":"` + at + `","repeat":"fortnightly"}`
		w := doJSON(t, h, http.MethodPost, "/api/v1/notifications", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
	})

	t.Run("request id echoed", func(t *testing.T) {
		w := doJSON(t, h, http.MethodGet, "/healthz", "")
		if w.Header().Get("X-Request-ID") == "" {
			t.Fatal("missing X-Request-ID header")
		}
	})
}

func TestCancelReminderEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	t.Run("missing params rejected", func(t *testing.T) {
		w := doJSON(t, h, http.MethodDelete, "/api/v1/reminders", "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("absent reminder still succeeds", func(t *testing.T) {
		w := doJSON(t, h, http.MethodDelete, "/api/v1/reminders?notification_id=nope&chat_id=12", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
	})
}

func TestListJobsEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	h := s.Handler()

	rec := storage.JobRecord{
		ID:      "notification:list",
		Type:    storage.TaskNotification,
		NextRun: time.Now().Add(time.Hour).UTC(),
		Payload: []byte(`{}`),
	}
	if err := st.PutJob(context.Background(), rec); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	w := doJSON(t, h, http.MethodGet, "/api/v1/jobs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
		Jobs  []struct {
			ID    string `json:"job_id"`
			Armed bool   `json:"armed"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Jobs[0].ID != "notification:list" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Jobs[0].Armed {
		t.Fatal("job should not be armed (never registered)")
	}
}
