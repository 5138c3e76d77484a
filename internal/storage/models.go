// Package storage persists the daily schedule snapshot, status
// transitions and the pending-sync queue in a local SQLite database so
// the agent survives restarts and backend outages.
package storage

import (
	"time"

	"github.com/crashbit/pvpccheapd/internal/schedule"
)

// PendingSync is a status update the backend has not accepted yet.
type PendingSync struct {
	ActionID  string          `json:"action_id"`
	Status    schedule.Status `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}
