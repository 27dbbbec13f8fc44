package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Event types: process lifecycle and polling
const (
	EventProcessStarted  = "process.started"
	EventProcessStopped  = "process.stopped"
	EventCircuitOpened   = "circuit.opened"
	EventCircuitHalfOpen = "circuit.half_open"
	EventCircuitClosed   = "circuit.closed"
)

// Event types: per-update handling
const (
	EventUpdateReceived      = "update.received"
	EventUserRegistered      = "user.registered"
	EventUserWelcomed        = "user.welcomed"
	EventNotRegistered       = "user.not_registered"
	EventQuotaReplenished    = "quota.replenished"
	EventQuotaCooldown       = "quota.cooldown"
	EventHistoryCleared      = "history.cleared"
	EventCompletionSucceeded = "completion.succeeded"
	EventCompletionFailed    = "completion.failed"
	EventImageRequired       = "image.required"
	EventImageDescribed      = "image.described"
	EventImageFailed         = "image.failed"
	EventContentUnsupported  = "content.unsupported"
	EventReplySent           = "reply.sent"
	EventReplyFailed         = "reply.failed"
	EventHandlerPanicked     = "handler.panicked"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates the events table. Sessions are never persisted.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
		CREATE INDEX IF NOT EXISTS idx_events_type_id ON events(event_type, id);
	`)
	return err
}

// LatestProcessStarted returns the id of the most recent process.started event
// for the given role, or 0 if there is none.
func LatestProcessStarted(database *sql.DB, role string) (int64, error) {
	var id int64
	err := database.QueryRow(
		`SELECT id FROM events
		 WHERE event_type = ? AND json_extract(payload, '$.role') = ?
		 ORDER BY id DESC LIMIT 1`,
		EventProcessStarted, role,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// DeriveOffset returns the next Telegram polling offset derived from the
// journaled update.received events. Returns 0 if none were recorded.
func DeriveOffset(database *sql.DB) (int64, error) {
	var offset int64
	err := database.QueryRow(
		`SELECT COALESCE(MAX(CAST(json_extract(payload, '$.update_id') AS INTEGER)) + 1, 0)
		 FROM events WHERE event_type = ?`,
		EventUpdateReceived,
	).Scan(&offset)
	return offset, err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}
