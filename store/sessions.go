package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	domerrors "github.com/labrun/orchestrator/errors"
	"github.com/labrun/orchestrator/models"
)

// InsertSession creates a new session row.
func (s *Store) InsertSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, title, status, agent_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.ProjectID, sess.Title, sess.Status, sess.AgentSessionID,
		sess.CreatedAt.UTC().Format(time.RFC3339Nano), sess.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func scanSession(row interface{ Scan(...interface{}) error }) (*models.Session, error) {
	var sess models.Session
	var title, agentSessionID sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&sess.ID, &sess.ProjectID, &title, &sess.Status, &agentSessionID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if title.Valid {
		sess.Title = &title.String
	}
	if agentSessionID.Valid {
		sess.AgentSessionID = &agentSessionID.String
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sess, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, title, status, agent_session_id, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domerrors.SessionNotFound(id)
	}
	return sess, err
}

// ListSessions returns every non-deleted session as a summary, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, status, created_at, updated_at FROM sessions
		WHERE status != 'deleting' ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SessionSummary
	for rows.Next() {
		var sum models.SessionSummary
		var title sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&sum.ID, &sum.ProjectID, &title, &sum.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if title.Valid {
			sum.Title = &title.String
		}
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		sum.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// UpdateSessionStatus transitions a session's status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, id)
}

// UpdateSessionFields applies a PATCH (title/agentSessionId), leaving unset
// pointers untouched.
func (s *Store) UpdateSessionFields(ctx context.Context, id string, title, agentSessionID *string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if title != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, *title, now, id); err != nil {
			return err
		}
	}
	if agentSessionID != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET agent_session_id = ?, updated_at = ? WHERE id = ?`, *agentSessionID, now, id); err != nil {
			return err
		}
	}
	return nil
}

// ClaimPooledSession atomically claims the oldest pooled session for a
// project, renaming it and transitioning pooled->running in one
// compare-and-set UPDATE.
func (s *Store) ClaimPooledSession(ctx context.Context, projectID, title string) (*models.Session, error) {
	var id string
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM sessions WHERE project_id = ? AND status = 'pooled' ORDER BY created_at ASC LIMIT 1
	`, projectID)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'running', title = ?, updated_at = ?
		WHERE id = ? AND status = 'pooled'
	`, title, now, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race to another claimant; caller falls through to spawn.
		return nil, nil
	}
	return s.GetSession(ctx, id)
}

// DeleteSession removes a session row together with its containers, port
// reservations, agent events and browser state, in one transaction.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM session_containers WHERE session_id = ?`,
			`DELETE FROM port_reservations WHERE session_id = ?`,
			`DELETE FROM agent_events WHERE session_id = ?`,
			`DELETE FROM browser_sessions WHERE session_id = ?`,
			`DELETE FROM sessions WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domerrors.SessionNotFound(id)
	}
	return nil
}
