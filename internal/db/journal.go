package db

import (
	"database/sql"

	"github.com/rs/zerolog"
)

// Journal records chat events under a root process event. Write failures are
// logged and never interrupt the conversation.
type Journal struct {
	db     *sql.DB
	rootID *int64
	logger zerolog.Logger
}

// NewJournal returns a journal writing to db. Events recorded with a nil
// parent are attached to rootID.
func NewJournal(db *sql.DB, rootID *int64, logger zerolog.Logger) *Journal {
	return &Journal{
		db:     db,
		rootID: rootID,
		logger: logger.With().Str("component", "journal").Logger(),
	}
}

// Record inserts an event and returns its id, or 0 if the write failed.
func (j *Journal) Record(parentID *int64, eventType string, payload map[string]any) int64 {
	if parentID == nil {
		parentID = j.rootID
	}
	id, err := LogEvent(j.db, parentID, eventType, payload)
	if err != nil {
		j.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to record event")
		return 0
	}
	return id
}

// RootID returns the id events default to as parent.
func (j *Journal) RootID() *int64 {
	return j.rootID
}
