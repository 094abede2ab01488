package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/labrun/orchestrator/models"
)

// InsertPortReservation records a held port, enforcing UNIQUE(port, kind)
// at the schema level so a double-allocation surfaces as a SQL error.
func (s *Store) InsertPortReservation(ctx context.Context, r models.PortReservation) error {
	var expiresAt interface{}
	if r.ExpiresAt != nil {
		expiresAt = r.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO port_reservations (id, session_id, port, kind, reserved_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.SessionID, r.Port, r.Kind, r.ReservedAt.UTC().Format(time.RFC3339Nano), expiresAt)
	return err
}

// DeletePortReservation releases a single port back to the free pool.
func (s *Store) DeletePortReservation(ctx context.Context, port int, kind models.PortKind) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM port_reservations WHERE port = ? AND kind = ?`, port, kind)
	return err
}

// DeletePortReservationsForSession releases every port a session holds,
// called from the deletion path alongside DeleteSession's cascade.
func (s *Store) DeletePortReservationsForSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM port_reservations WHERE session_id = ?`, sessionID)
	return err
}

func scanPortReservation(row interface{ Scan(...interface{}) error }) (*models.PortReservation, error) {
	var r models.PortReservation
	var reservedAt string
	var expiresAt sql.NullString
	if err := row.Scan(&r.ID, &r.SessionID, &r.Port, &r.Kind, &reservedAt, &expiresAt); err != nil {
		return nil, err
	}
	r.ReservedAt, _ = time.Parse(time.RFC3339Nano, reservedAt)
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err == nil {
			r.ExpiresAt = &t
		}
	}
	return &r, nil
}

// ListAllPortReservations loads every held port, used by portalloc to
// rehydrate its in-memory free set on boot.
func (s *Store) ListAllPortReservations(ctx context.Context) ([]models.PortReservation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, port, kind, reserved_at, expires_at FROM port_reservations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PortReservation
	for rows.Next() {
		r, err := scanPortReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListPortReservationsForSession returns the ports a session currently holds.
func (s *Store) ListPortReservationsForSession(ctx context.Context, sessionID string) ([]models.PortReservation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, port, kind, reserved_at, expires_at FROM port_reservations WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PortReservation
	for rows.Next() {
		r, err := scanPortReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// IsPortReserved reports whether a port of the given kind is currently held.
func (s *Store) IsPortReserved(ctx context.Context, port int, kind models.PortKind) (bool, error) {
	var dummy int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM port_reservations WHERE port = ? AND kind = ?`, port, kind).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
