package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dougsko/framerelay/pkg/logging"
	"github.com/dougsko/framerelay/pkg/protocol"
	_ "github.com/mattn/go-sqlite3"
)

// EventStore journals stream lifecycle events and side-channel errors
type EventStore struct {
	db        *sql.DB
	dbPath    string
	maxEvents int
}

// NewEventStore creates a new event store with SQLite backend
func NewEventStore(dbPath string, maxEvents int) (*EventStore, error) {
	store := &EventStore{
		dbPath:    dbPath,
		maxEvents: maxEvents,
	}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize event store: %w", err)
	}

	return store, nil
}

// initialize sets up the database connection and creates tables
func (es *EventStore) initialize() error {
	if es.dbPath == "" {
		es.dbPath = "./framerelay.db"
	}

	if err := os.MkdirAll(filepath.Dir(es.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	connectionString := es.dbPath + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on"

	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	es.db = db

	if err := es.createTables(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if err := es.createIndexes(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logging.Infof("storage", "event store initialized: %s (max %d events)", es.dbPath, es.maxEvents)
	return nil
}

// createTables creates the database schema
func (es *EventStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stream_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		session_id TEXT NOT NULL DEFAULT '',
		stream TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('playback', 'capture')),
		event TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS stream_stats (
		stream TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		starts INTEGER NOT NULL DEFAULT 0,
		stops INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		underruns INTEGER NOT NULL DEFAULT 0,
		stop_timeouts INTEGER NOT NULL DEFAULT 0,
		last_event DATETIME,
		last_cleanup DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := es.db.Exec(schema)
	return err
}

// createIndexes creates database indexes for performance
func (es *EventStore) createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_stream_events_timestamp ON stream_events(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_stream_events_stream ON stream_events(stream)",
		"CREATE INDEX IF NOT EXISTS idx_stream_events_event ON stream_events(event)",
		"CREATE INDEX IF NOT EXISTS idx_stream_events_session ON stream_events(session_id)",
	}

	for _, indexSQL := range indexes {
		if _, err := es.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// RecordEvent stores an event and updates the per-stream totals. A zero
// timestamp is replaced by the current time.
func (es *EventStore) RecordEvent(ev protocol.StreamEvent) (int64, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	tx, err := es.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO stream_events (timestamp, session_id, stream, direction, event, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.Timestamp.UTC(), ev.SessionID, ev.Stream, ev.Direction, ev.Event, ev.Detail)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get event ID: %w", err)
	}

	if err := es.updateStats(tx, ev); err != nil {
		return 0, fmt.Errorf("failed to update stats: %w", err)
	}

	if err := es.cleanupOldEvents(tx); err != nil {
		logging.Warnf("storage", "failed to cleanup old events: %v", err)
	}

	return id, tx.Commit()
}

// updateStats bumps the counter matching the event kind
func (es *EventStore) updateStats(tx *sql.Tx, ev protocol.StreamEvent) error {
	query := `
		INSERT INTO stream_stats (stream, direction, starts, stops, errors, underruns, stop_timeouts, last_event)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stream) DO UPDATE SET
			direction = excluded.direction,
			starts = starts + excluded.starts,
			stops = stops + excluded.stops,
			errors = errors + excluded.errors,
			underruns = underruns + excluded.underruns,
			stop_timeouts = stop_timeouts + excluded.stop_timeouts,
			last_event = excluded.last_event,
			updated_at = CURRENT_TIMESTAMP
	`

	var starts, stops, errs, underruns, timeouts int
	switch ev.Event {
	case protocol.EventStarted:
		starts = 1
	case protocol.EventStopped:
		stops = 1
	case protocol.EventError:
		errs = 1
	case protocol.EventUnderrun:
		underruns = 1
	case protocol.EventStopTimeout:
		timeouts = 1
	}

	_, err := tx.Exec(query, ev.Stream, ev.Direction, starts, stops, errs, underruns, timeouts, ev.Timestamp.UTC())
	return err
}

// CleanupOldEvents removes events beyond the maximum limit (exported for manual cleanup)
func (es *EventStore) CleanupOldEvents() error {
	tx, err := es.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := es.cleanupOldEvents(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// cleanupOldEvents removes the oldest events beyond the maximum limit
func (es *EventStore) cleanupOldEvents(tx *sql.Tx) error {
	if es.maxEvents <= 0 {
		return nil
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM stream_events").Scan(&count); err != nil {
		return err
	}
	if count <= es.maxEvents {
		return nil
	}

	_, err := tx.Exec(`
		DELETE FROM stream_events
		WHERE id IN (
			SELECT id FROM stream_events
			ORDER BY timestamp ASC, id ASC
			LIMIT ?
		)
	`, count-es.maxEvents)
	if err != nil {
		return err
	}

	_, err = tx.Exec("UPDATE stream_stats SET last_cleanup = CURRENT_TIMESTAMP")
	return err
}

// Close closes the database connection
func (es *EventStore) Close() error {
	if es.db != nil {
		return es.db.Close()
	}
	return nil
}
