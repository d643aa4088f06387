// Package rentapi is a thin client for the external booking/business API.
//
// The scheduler subsystem never owns booking or customer state; it reads and
// patches records here and treats this API as the authority for target lists.
package rentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "rentbot/pkg/logx"
)

var ErrNotFound = errors.New("rentapi: not found")

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client is the HTTP surface used by task handlers and the dispatcher's
// resync phase. All methods are safe for concurrent use.
type Client interface {
	ListActiveChats(ctx context.Context) ([]int64, error)
	GetAccessWindow(ctx context.Context, chatID int64) (*AccessWindow, error)
	ListBookings(ctx context.Context) ([]Booking, error)
	UpdateBookingStatus(ctx context.Context, bookingID, status string) error
	CompleteNotification(ctx context.Context, notificationID string) error
}

type httpClient struct {
	base  string
	token string
	http  *http.Client
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) (Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("rentapi: base_url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("rentapi: invalid base_url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &httpClient{
		base:  base,
		token: strings.TrimSpace(cfg.Token),
		http:  &http.Client{Timeout: timeout},
		log:   log,
	}, nil
}

func (c *httpClient) ListActiveChats(ctx context.Context) ([]int64, error) {
	var out struct {
		ChatIDs []int64 `json:"chat_ids"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/chats/active", nil, &out); err != nil {
		return nil, err
	}
	return out.ChatIDs, nil
}

func (c *httpClient) GetAccessWindow(ctx context.Context, chatID int64) (*AccessWindow, error) {
	var out AccessWindow
	path := fmt.Sprintf("/api/v1/chats/%d/access-window", chatID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) ListBookings(ctx context.Context) ([]Booking, error) {
	var out struct {
		Bookings []Booking `json:"bookings"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/bookings?active=true", nil, &out); err != nil {
		return nil, err
	}
	return out.Bookings, nil
}

func (c *httpClient) UpdateBookingStatus(ctx context.Context, bookingID, status string) error {
	body := map[string]string{"status": status}
	path := "/api/v1/bookings/" + url.PathEscape(bookingID)
	return c.doJSON(ctx, http.MethodPatch, path, body, nil)
}

func (c *httpClient) CompleteNotification(ctx context.Context, notificationID string) error {
	path := "/api/v1/notifications/" + url.PathEscape(notificationID) + "/complete"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *httpClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rentapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Keep a short error body excerpt for diagnostics.
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("rentapi: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rentapi: %s %s: decode: %w", method, path, err)
	}
	return nil
}
