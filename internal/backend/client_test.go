package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashbit/pvpccheapd/internal/logger"
	"github.com/crashbit/pvpccheapd/internal/schedule"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIToken = "test-token"
	cfg.RetryBaseDelay = time.Millisecond
	cfg.MaxRetryDelay = 2 * time.Millisecond
	cfg.JitterPercent = 0
	c, err := New(cfg, logger.Discard())
	require.NoError(t, err)
	return c
}

func TestFetchToday(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/schedule/today", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))

		json.NewEncoder(w).Encode(Snapshot{
			Date: "2025-03-10",
			Actions: []schedule.Action{
				{ID: "a1", DeviceID: "d1", StartTime: "10:00:00", EndTime: "12:00:00", Status: schedule.StatusPending},
			},
		})
	}))
	defer srv.Close()

	snap, err := newTestClient(t, srv).FetchToday(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025-03-10", snap.Date)
	require.Len(t, snap.Actions, 1)
	assert.Equal(t, "a1", snap.Actions[0].ID)
}

func TestFetchTodayRejectsUnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"date":    "2025-03-10",
			"actions": []map[string]string{{"id": "a1", "device_id": "d1", "start_time": "10:00:00", "end_time": "12:00:00", "status": "exploded"}},
		})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchToday(context.Background())
	assert.Error(t, err)
}

func TestFetchTodayServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchToday(context.Background())
	assert.Error(t, err)
}

func TestPushStatus(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/schedule/a1/status", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := newTestClient(t, srv).PushStatus(context.Background(), "a1", schedule.StatusExecutedOn)
	require.NoError(t, err)
	assert.Equal(t, "executed_on", gotBody["status"])
}

func TestPushStatusRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestClient(t, srv).PushStatus(context.Background(), "a1", schedule.StatusExecutedOff)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPushStatusGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newTestClient(t, srv).PushStatus(context.Background(), "a1", schedule.StatusFailed)
	assert.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{}, logger.Discard())
	assert.Error(t, err)
}
