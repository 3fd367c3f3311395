package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dougsko/framerelay/pkg/protocol"
)

// EventQuery represents query parameters for retrieving events
type EventQuery struct {
	Limit     int
	Offset    int
	Since     *time.Time
	Until     *time.Time
	Stream    string
	Event     string
	SessionID string
}

// StreamStats are the journal totals for one stream
type StreamStats struct {
	Stream       string    `json:"stream"`
	Direction    string    `json:"direction"`
	Starts       int       `json:"starts"`
	Stops        int       `json:"stops"`
	Errors       int       `json:"errors"`
	Underruns    int       `json:"underruns"`
	StopTimeouts int       `json:"stop_timeouts"`
	LastEvent    time.Time `json:"last_event"`
	LastCleanup  time.Time `json:"last_cleanup"`
}

// GetEvents retrieves events based on query parameters, newest first
func (es *EventStore) GetEvents(query EventQuery) ([]protocol.StreamEvent, error) {
	var args []interface{}
	var conditions []string

	sqlQuery := `
		SELECT id, timestamp, session_id, stream, direction, event, detail
		FROM stream_events
		WHERE 1=1
	`

	if query.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, query.Since.UTC())
	}

	if query.Until != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, query.Until.UTC())
	}

	if query.Stream != "" {
		conditions = append(conditions, "stream = ?")
		args = append(args, query.Stream)
	}

	if query.Event != "" {
		conditions = append(conditions, "event = ?")
		args = append(args, query.Event)
	}

	if query.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, query.SessionID)
	}

	for _, condition := range conditions {
		sqlQuery += " AND " + condition
	}

	sqlQuery += " ORDER BY timestamp DESC, id DESC"

	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)

		if query.Offset > 0 {
			sqlQuery += " OFFSET ?"
			args = append(args, query.Offset)
		}
	}

	rows, err := es.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []protocol.StreamEvent
	for rows.Next() {
		var ev protocol.StreamEvent
		err := rows.Scan(
			&ev.ID,
			&ev.Timestamp,
			&ev.SessionID,
			&ev.Stream,
			&ev.Direction,
			&ev.Event,
			&ev.Detail,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// GetRecentEvents retrieves the most recent events
func (es *EventStore) GetRecentEvents(limit int) ([]protocol.StreamEvent, error) {
	return es.GetEvents(EventQuery{Limit: limit})
}

// GetStreamEvents retrieves the most recent events of one stream
func (es *EventStore) GetStreamEvents(stream string, limit int) ([]protocol.StreamEvent, error) {
	return es.GetEvents(EventQuery{Stream: stream, Limit: limit})
}

// GetSessionEvents retrieves every event of one stream session in order
func (es *EventStore) GetSessionEvents(sessionID string) ([]protocol.StreamEvent, error) {
	events, err := es.GetEvents(EventQuery{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// GetStreamStats retrieves the totals of every journaled stream
func (es *EventStore) GetStreamStats() ([]StreamStats, error) {
	rows, err := es.db.Query(`
		SELECT stream, direction, starts, stops, errors, underruns, stop_timeouts,
			   last_event, last_cleanup
		FROM stream_stats
		ORDER BY stream ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stream stats: %w", err)
	}
	defer rows.Close()

	var stats []StreamStats
	for rows.Next() {
		st, err := scanStreamStats(rows)
		if err != nil {
			return nil, err
		}
		stats = append(stats, *st)
	}
	return stats, rows.Err()
}

// GetStreamStat retrieves the totals of one stream. It returns nil without
// an error when the stream has no journal entries.
func (es *EventStore) GetStreamStat(stream string) (*StreamStats, error) {
	row := es.db.QueryRow(`
		SELECT stream, direction, starts, stops, errors, underruns, stop_timeouts,
			   last_event, last_cleanup
		FROM stream_stats WHERE stream = ?
	`, stream)

	st, err := scanStreamStats(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStreamStats(s scanner) (*StreamStats, error) {
	var st StreamStats
	var lastEvent, lastCleanup sql.NullTime

	err := s.Scan(&st.Stream, &st.Direction, &st.Starts, &st.Stops, &st.Errors,
		&st.Underruns, &st.StopTimeouts, &lastEvent, &lastCleanup)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan stream stats: %w", err)
	}

	if lastEvent.Valid {
		st.LastEvent = lastEvent.Time
	}
	if lastCleanup.Valid {
		st.LastCleanup = lastCleanup.Time
	}
	return &st, nil
}

// GetEventCount returns the total number of journaled events
func (es *EventStore) GetEventCount() (int, error) {
	var count int
	err := es.db.QueryRow("SELECT COUNT(*) FROM stream_events").Scan(&count)
	return count, err
}

// DeleteStreamEvents removes the journal of one stream
func (es *EventStore) DeleteStreamEvents(stream string) error {
	tx, err := es.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM stream_events WHERE stream = ?", stream); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM stream_stats WHERE stream = ?", stream); err != nil {
		return fmt.Errorf("failed to delete stream stats: %w", err)
	}
	return tx.Commit()
}
