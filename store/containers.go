package store

import (
	"context"
	"database/sql"
	"errors"

	domerrors "github.com/labrun/orchestrator/errors"
	"github.com/labrun/orchestrator/models"
)

// InsertContainer creates a new session_containers row.
func (s *Store) InsertContainer(ctx context.Context, c models.SessionContainer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_containers (id, session_id, container_id, runtime_id, status, hostname, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.SessionID, c.ContainerID, c.RuntimeID, c.Status, c.Hostname, c.ErrorMessage)
	return err
}

func scanContainer(row interface{ Scan(...interface{}) error }) (*models.SessionContainer, error) {
	var c models.SessionContainer
	var runtimeID, errMsg sql.NullString
	if err := row.Scan(&c.ID, &c.SessionID, &c.ContainerID, &runtimeID, &c.Status, &c.Hostname, &errMsg); err != nil {
		return nil, err
	}
	if runtimeID.Valid {
		c.RuntimeID = &runtimeID.String
	}
	if errMsg.Valid {
		c.ErrorMessage = &errMsg.String
	}
	return &c, nil
}

// ListContainersForSession returns every container belonging to a session.
func (s *Store) ListContainersForSession(ctx context.Context, sessionID string) ([]models.SessionContainer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, container_id, runtime_id, status, hostname, error_message
		FROM session_containers WHERE session_id = ? ORDER BY container_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SessionContainer
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetContainerByRuntimeID looks up a container by its Sandbox Provider
// runtime id, used by the Container Event Monitor to map events back.
func (s *Store) GetContainerByRuntimeID(ctx context.Context, runtimeID string) (*models.SessionContainer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, container_id, runtime_id, status, hostname, error_message
		FROM session_containers WHERE runtime_id = ?
	`, runtimeID)
	c, err := scanContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// UpdateContainerRuntimeID records the runtime id assigned after creation.
func (s *Store) UpdateContainerRuntimeID(ctx context.Context, id, runtimeID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE session_containers SET runtime_id = ? WHERE id = ?`, runtimeID, id)
	return err
}

// UpdateContainerStatus updates a container's status and optional error
// message by its primary key.
func (s *Store) UpdateContainerStatus(ctx context.Context, id string, status models.ContainerStatus, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE session_containers SET status = ?, error_message = ? WHERE id = ?`, status, errMsg, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domerrors.New(domerrors.KindInternal, "container not found: "+id)
	}
	return nil
}

// UpdateContainerStatusByRuntimeID is the Container Event Monitor's write
// path: map a provider runtimeId to status directly.
func (s *Store) UpdateContainerStatusByRuntimeID(ctx context.Context, runtimeID string, status models.ContainerStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE session_containers SET status = ? WHERE runtime_id = ?`, status, runtimeID)
	return err
}

// InsertContainerPorts declares the ports a container definition exposes.
func (s *Store) InsertContainerPorts(ctx context.Context, containerID string, ports []models.ContainerPort) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range ports {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO container_ports (container_id, port, protocol) VALUES (?, ?, ?)
				ON CONFLICT(container_id, port) DO NOTHING
			`, containerID, p.Port, p.Protocol); err != nil {
				return err
			}
		}
		return nil
	})
}
