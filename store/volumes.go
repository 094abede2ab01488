package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/labrun/orchestrator/models"
)

// EnsureVolume inserts a volume row if it does not already exist, otherwise
// touches last_used_at. Used by the Sandbox Provider when mounting a named
// volume for a session's container.
func (s *Store) EnsureVolume(ctx context.Context, name, kind string, sessionID *string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO volumes (name, session_id, kind, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_used_at = excluded.last_used_at
	`, name, sessionID, kind, now, now)
	return err
}

// OrphanVolumesForSession clears session_id on a deleted session's volumes
// rather than deleting them, so they remain available for reuse.
func (s *Store) OrphanVolumesForSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE volumes SET session_id = NULL WHERE session_id = ?`, sessionID)
	return err
}

func scanVolume(row interface{ Scan(...interface{}) error }) (*models.Volume, error) {
	var v models.Volume
	var sessionID sql.NullString
	var createdAt, lastUsedAt string
	if err := row.Scan(&v.Name, &sessionID, &v.Kind, &createdAt, &lastUsedAt); err != nil {
		return nil, err
	}
	if sessionID.Valid {
		v.SessionID = &sessionID.String
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	v.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsedAt)
	return &v, nil
}

// GetVolume looks up a volume by name.
func (s *Store) GetVolume(ctx context.Context, name string) (*models.Volume, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, session_id, kind, created_at, last_used_at FROM volumes WHERE name = ?`, name)
	v, err := scanVolume(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// ListOrphanedVolumes returns volumes with no owning session, candidates
// for the reconciler's reclaim pass.
func (s *Store) ListOrphanedVolumes(ctx context.Context) ([]models.Volume, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, session_id, kind, created_at, last_used_at FROM volumes WHERE session_id IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// DeleteVolume removes a volume's tracking row (the backing provider volume
// is removed by the caller first).
func (s *Store) DeleteVolume(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM volumes WHERE name = ?`, name)
	return err
}
