package db

import (
	"database/sql"
	"fmt"
)

// Journal is the append-only event log of one worker process.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens the database at path and ensures the schema exists.
func OpenJournal(path string) (*Journal, error) {
	database, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("init schema at %s: %w", path, err)
	}
	return &Journal{db: database}, nil
}

// Record appends one event. See LogEvent.
func (j *Journal) Record(parentID *int64, eventType string, payload map[string]any) (int64, error) {
	return LogEvent(j.db, parentID, eventType, payload)
}

// NextOffset returns the polling offset following the last journaled update.
func (j *Journal) NextOffset() (int64, error) {
	return DeriveOffset(j.db)
}

// DB exposes the underlying handle for read-only tooling.
func (j *Journal) DB() *sql.DB {
	return j.db
}

func (j *Journal) Close() error {
	return j.db.Close()
}
