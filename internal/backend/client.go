// Package backend talks to the scheduling backend over HTTP: it fetches
// the precomputed schedule for today and reports status transitions
// back. The engine treats the backend as best-effort; the local store
// is the source of truth and failed pushes land in the pending-sync
// queue.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crashbit/pvpccheapd/internal/logger"
	"github.com/crashbit/pvpccheapd/internal/schedule"
)

// Config holds backend connection settings.
type Config struct {
	BaseURL  string
	APIToken string

	HTTPTimeout time.Duration

	// Status push retry policy. Retries here are the short immediate
	// ones; longer-term durability is the store's pending-sync queue.
	PushAttempts   int
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
	JitterPercent  int
}

// DefaultConfig returns sensible defaults for a home connection.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:    10 * time.Second,
		PushAttempts:   3,
		RetryBaseDelay: 500 * time.Millisecond,
		MaxRetryDelay:  5 * time.Second,
		JitterPercent:  20,
	}
}

// Client is the HTTP client for the scheduling backend.
type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger
}

// New creates a backend client. Zero-valued retry settings fall back
// to defaults.
func New(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}

	def := DefaultConfig()
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if cfg.PushAttempts <= 0 {
		cfg.PushAttempts = def.PushAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		log:  log,
	}, nil
}

// Snapshot is the backend's answer to a schedule fetch.
type Snapshot struct {
	Date    string            `json:"date"`
	Actions []schedule.Action `json:"actions"`
}

// FetchToday retrieves the schedule snapshot for the current day.
func (c *Client) FetchToday(ctx context.Context) (*Snapshot, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "api/schedule/today", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("schedule fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("schedule fetch returned %s", resp.Status)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode schedule: %w", err)
	}
	for _, a := range snap.Actions {
		if !a.Status.Valid() {
			return nil, fmt.Errorf("action %s has unknown status %q", a.ID, a.Status)
		}
	}
	return &snap, nil
}

// PushStatus reports a status transition for one action. It retries a
// few times with exponential backoff and jitter; a final failure is
// returned to the caller, which queues the update for later.
func (c *Client) PushStatus(ctx context.Context, actionID string, status schedule.Status) error {
	body, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("api/schedule/%s/status", url.PathEscape(actionID))

	var lastErr error
	for attempt := 1; attempt <= c.cfg.PushAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}

		lastErr = c.pushOnce(ctx, path, body)
		if lastErr == nil {
			return nil
		}
		c.log.Warn("status push attempt failed",
			logger.Field{Key: "action_id", Value: actionID},
			logger.Field{Key: "attempt", Value: attempt},
			logger.Field{Key: "error", Value: lastErr})
	}
	return fmt.Errorf("status push for %s failed after %d attempts: %w",
		actionID, c.cfg.PushAttempts, lastErr)
}

func (c *Client) pushOnce(ctx context.Context, path string, body []byte) error {
	req, err := c.newRequest(ctx, http.MethodPatch, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned %s", resp.Status)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	return req, nil
}

// backoff returns the delay before retry n (1-based), doubling from
// the base and capped, with jitter to avoid thundering herds after an
// outage.
func (c *Client) backoff(n int) time.Duration {
	d := c.cfg.RetryBaseDelay << (n - 1)
	if d > c.cfg.MaxRetryDelay {
		d = c.cfg.MaxRetryDelay
	}
	if c.cfg.JitterPercent > 0 {
		jitter := time.Duration(rand.Int63n(int64(d) * int64(c.cfg.JitterPercent) / 100))
		d += jitter
	}
	return d
}
