package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/crashbit/pvpccheapd/internal/schedule"
)

// ErrNoCache is returned by LoadSnapshot when no usable cached schedule
// exists: never saved, saved for another date, or older than the
// validity window.
var ErrNoCache = errors.New("no valid cached schedule")

// ErrRestartBudget is returned by RegisterRestart when the engine has
// already restarted the maximum number of times inside the rolling
// window.
var ErrRestartBudget = errors.New("restart budget exhausted")

const (
	// How long a cached snapshot stays usable when the backend is down.
	cacheValidity = 24 * time.Hour

	maxRestarts      = 3
	restartWindow    = 60 * time.Second
	restartBaseDelay = 1 * time.Second
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB

	// overridable for tests
	now func() time.Time
}

// Open opens or creates the SQLite database.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database without creating schema.
// Used by the inspection CLI against a live agent's database.
func OpenReadOnly(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn, now: time.Now}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	schema := `
	-- Which day the cached schedule belongs to, and when it was fetched.
	CREATE TABLE IF NOT EXISTS snapshot_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		date TEXT NOT NULL,
		last_update INTEGER NOT NULL
	);

	-- Today's scheduled actions. Replaced wholesale on every sync;
	-- status is the only mutable column.
	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		device_name TEXT,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_device ON actions(device_id);
	CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status);

	-- Status updates that could not be pushed to the backend.
	CREATE TABLE IF NOT EXISTS pending_sync (
		action_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Restart throttle bookkeeping for the supervisor.
	CREATE TABLE IF NOT EXISTS restart_log (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		count INTEGER NOT NULL,
		window_start INTEGER NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Snapshot Operations ---

// SaveSnapshot replaces the cached schedule with actions for the given
// date. The whole replacement runs in one transaction so a crash never
// leaves a half-written day.
func (db *DB) SaveSnapshot(date string, actions []schedule.Action) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM actions"); err != nil {
		return err
	}

	for _, a := range actions {
		_, err := tx.Exec(`INSERT INTO actions (id, device_id, device_name, start_time, end_time, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.DeviceID, a.DeviceName, a.StartTime, a.EndTime, string(a.Status))
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(`INSERT INTO snapshot_meta (id, date, last_update) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET date = excluded.date, last_update = excluded.last_update`,
		date, db.now().Unix())
	if err != nil {
		return err
	}

	return tx.Commit()
}

// LoadSnapshot returns the cached actions for the given date, or
// ErrNoCache when the cache is absent, stale, or for another day.
func (db *DB) LoadSnapshot(date string) ([]schedule.Action, error) {
	var cachedDate string
	var lastUpdate int64
	err := db.conn.QueryRow("SELECT date, last_update FROM snapshot_meta WHERE id = 1").
		Scan(&cachedDate, &lastUpdate)
	if err == sql.ErrNoRows {
		return nil, ErrNoCache
	}
	if err != nil {
		return nil, err
	}
	if cachedDate != date {
		return nil, ErrNoCache
	}
	if db.now().Sub(time.Unix(lastUpdate, 0)) >= cacheValidity {
		return nil, ErrNoCache
	}

	return db.listActions()
}

// ListActions returns all cached actions regardless of snapshot
// freshness. Used by the safety check and the inspection CLI, which
// always want the local truth.
func (db *DB) ListActions() ([]schedule.Action, error) {
	return db.listActions()
}

func (db *DB) listActions() ([]schedule.Action, error) {
	rows, err := db.conn.Query(`SELECT id, device_id, device_name, start_time, end_time, status
		FROM actions ORDER BY start_time, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []schedule.Action
	for rows.Next() {
		var a schedule.Action
		var name sql.NullString
		var status string
		if err := rows.Scan(&a.ID, &a.DeviceID, &name, &a.StartTime, &a.EndTime, &status); err != nil {
			return nil, err
		}
		a.DeviceName = name.String
		a.Status = schedule.Status(status)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// GetAction retrieves a single cached action by ID.
func (db *DB) GetAction(id string) (*schedule.Action, error) {
	var a schedule.Action
	var name sql.NullString
	var status string
	err := db.conn.QueryRow(`SELECT id, device_id, device_name, start_time, end_time, status
		FROM actions WHERE id = ?`, id).
		Scan(&a.ID, &a.DeviceID, &name, &a.StartTime, &a.EndTime, &status)
	if err != nil {
		return nil, err
	}
	a.DeviceName = name.String
	a.Status = schedule.Status(status)
	return &a, nil
}

// UpdateStatus records a status transition for an action. The local
// write always happens before any attempt to tell the backend.
func (db *DB) UpdateStatus(id string, status schedule.Status) error {
	res, err := db.conn.Exec("UPDATE actions SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("action %s not found", id)
	}
	return nil
}

// --- Pending Sync Operations ---

// MarkPendingSync queues a status update that the backend has not
// accepted yet. A later update for the same action overwrites the
// earlier one; only the latest status matters.
func (db *DB) MarkPendingSync(actionID string, status schedule.Status) error {
	_, err := db.conn.Exec(`INSERT INTO pending_sync (action_id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(action_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		actionID, string(status), db.now())
	return err
}

// ClearPendingSync removes a queued update after the backend accepted it.
func (db *DB) ClearPendingSync(actionID string) error {
	_, err := db.conn.Exec("DELETE FROM pending_sync WHERE action_id = ?", actionID)
	return err
}

// ListPendingSync returns all queued status updates, oldest first.
func (db *DB) ListPendingSync() ([]PendingSync, error) {
	rows, err := db.conn.Query("SELECT action_id, status, updated_at FROM pending_sync ORDER BY updated_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []PendingSync
	for rows.Next() {
		var p PendingSync
		var status string
		if err := rows.Scan(&p.ActionID, &status, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Status = schedule.Status(status)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// --- Restart Throttle ---

// RegisterRestart records one supervisor restart and returns the delay
// to wait before the next attempt. Restarts are counted in a rolling
// window; once the budget inside the window is spent, ErrRestartBudget
// is returned and the process should exit for the init system to deal
// with.
func (db *DB) RegisterRestart() (time.Duration, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := db.now()

	var count int
	var windowStart int64
	err = tx.QueryRow("SELECT count, window_start FROM restart_log WHERE id = 1").
		Scan(&count, &windowStart)
	switch {
	case err == sql.ErrNoRows:
		count = 0
		windowStart = now.Unix()
	case err != nil:
		return 0, err
	}

	if now.Sub(time.Unix(windowStart, 0)) >= restartWindow {
		count = 0
		windowStart = now.Unix()
	}

	count++
	if count > maxRestarts {
		return 0, ErrRestartBudget
	}

	_, err = tx.Exec(`INSERT INTO restart_log (id, count, window_start) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET count = excluded.count, window_start = excluded.window_start`,
		count, windowStart)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	// 1s, 2s, 4s.
	return restartBaseDelay << (count - 1), nil
}

// RestartState returns the current restart counter for inspection.
func (db *DB) RestartState() (count int, windowStart time.Time, err error) {
	var ws int64
	err = db.conn.QueryRow("SELECT count, window_start FROM restart_log WHERE id = 1").
		Scan(&count, &ws)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, time.Unix(ws, 0), nil
}

// SnapshotMeta returns the cached snapshot's date and fetch time, or
// ErrNoCache when nothing was ever saved.
func (db *DB) SnapshotMeta() (date string, lastUpdate time.Time, err error) {
	var lu int64
	err = db.conn.QueryRow("SELECT date, last_update FROM snapshot_meta WHERE id = 1").
		Scan(&date, &lu)
	if err == sql.ErrNoRows {
		return "", time.Time{}, ErrNoCache
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return date, time.Unix(lu, 0), nil
}
