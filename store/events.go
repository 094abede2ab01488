package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/labrun/orchestrator/models"
)

// AppendAgentEvent inserts the next event in a session's append-only log,
// computing the next sequence number inside the same transaction so
// concurrent appends for different sessions never collide and appends for
// the same session serialize. The log is never truncated.
func (s *Store) AppendAgentEvent(ctx context.Context, sessionID, eventData string) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM agent_events WHERE session_id = ?`, sessionID)
		if err := row.Scan(&seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_events (session_id, sequence, event_data, created_at) VALUES (?, ?, ?, ?)
		`, sessionID, seq, eventData, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func scanAgentEvent(row interface{ Scan(...interface{}) error }) (*models.AgentEvent, error) {
	var e models.AgentEvent
	var createdAt string
	if err := row.Scan(&e.SessionID, &e.Sequence, &e.EventData, &createdAt); err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, nil
}

// ListAgentEventsSince returns every event with sequence > afterSequence,
// the replay primitive behind a late subscriber's snapshot-then-delta
// catch-up.
func (s *Store) ListAgentEventsSince(ctx context.Context, sessionID string, afterSequence int64) ([]models.AgentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, event_data, created_at FROM agent_events
		WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC
	`, sessionID, afterSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AgentEvent
	for rows.Next() {
		e, err := scanAgentEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// LatestAgentEventSequence returns the highest sequence recorded for a
// session, or 0 if none exist.
func (s *Store) LatestAgentEventSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM agent_events WHERE session_id = ?`, sessionID)
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
