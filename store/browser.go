package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/labrun/orchestrator/models"
)

// UpsertBrowserState writes a session's full browser state, creating the row
// on first use. The Browser Orchestrator's reconcile loop is the sole
// writer.
func (s *Store) UpsertBrowserState(ctx context.Context, b models.BrowserSessionState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO browser_sessions (session_id, desired, actual, stream_port, last_url, retry_count, error_message, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			desired=excluded.desired, actual=excluded.actual, stream_port=excluded.stream_port,
			last_url=excluded.last_url, retry_count=excluded.retry_count,
			error_message=excluded.error_message, last_heartbeat_at=excluded.last_heartbeat_at
	`, b.SessionID, b.Desired, b.Actual, b.StreamPort, b.LastURL, b.RetryCount, b.ErrorMessage,
		b.LastHeartbeatAt.UTC().Format(time.RFC3339Nano))
	return err
}

func scanBrowserState(row interface{ Scan(...interface{}) error }) (*models.BrowserSessionState, error) {
	var b models.BrowserSessionState
	var streamPort sql.NullInt64
	var lastURL, errMsg sql.NullString
	var lastHeartbeat string
	if err := row.Scan(&b.SessionID, &b.Desired, &b.Actual, &streamPort, &lastURL, &b.RetryCount, &errMsg, &lastHeartbeat); err != nil {
		return nil, err
	}
	if streamPort.Valid {
		p := int(streamPort.Int64)
		b.StreamPort = &p
	}
	if lastURL.Valid {
		b.LastURL = &lastURL.String
	}
	if errMsg.Valid {
		b.ErrorMessage = &errMsg.String
	}
	b.LastHeartbeatAt, _ = time.Parse(time.RFC3339Nano, lastHeartbeat)
	return &b, nil
}

// GetBrowserState loads a session's browser state, returning nil, nil if
// none has been created yet (desired defaults to stopped).
func (s *Store) GetBrowserState(ctx context.Context, sessionID string) (*models.BrowserSessionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, desired, actual, stream_port, last_url, retry_count, error_message, last_heartbeat_at
		FROM browser_sessions WHERE session_id = ?
	`, sessionID)
	b, err := scanBrowserState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// ListBrowserStates returns every tracked browser state, used by the
// reconcile loop's full sweep.
func (s *Store) ListBrowserStates(ctx context.Context) ([]models.BrowserSessionState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, desired, actual, stream_port, last_url, retry_count, error_message, last_heartbeat_at
		FROM browser_sessions
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BrowserSessionState
	for rows.Next() {
		b, err := scanBrowserState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// DeleteBrowserState removes a session's browser state row.
func (s *Store) DeleteBrowserState(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM browser_sessions WHERE session_id = ?`, sessionID)
	return err
}
