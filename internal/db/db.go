// Package db stores the chat event journal in SQLite.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Event type constants: process lifecycle
const (
	EventProcessStarted = "process.started"
	EventSessionStarted = "session.started"
)

// Event type constants: conversation turns
const (
	EventConversationSubmitted = "conversation.submitted"
	EventConversationCleared   = "conversation.cleared"
	EventTurnStarted           = "turn.started"
	EventTurnCompleted         = "turn.completed"
	EventReplyDelivered        = "reply.delivered"
	EventReplyFailed           = "reply.failed"
	EventReplyDiscarded        = "reply.discarded"
	EventContextOverflow       = "context.overflow"
	EventTranscriptCondensed   = "transcript.condensed"
	EventCircuitOpened         = "circuit.opened"
	EventCircuitClosed         = "circuit.closed"
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

// InitSchema creates the events table.
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

// LatestProcessID returns the id of the most recent process.started event
// whose payload role matches role, or 0 if none exists.
func LatestProcessID(db *sql.DB, role string) (int64, error) {
	var id int64
	err := db.QueryRow(
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
