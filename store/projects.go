package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	domerrors "github.com/labrun/orchestrator/errors"
	"github.com/labrun/orchestrator/models"
)

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, system_prompt, pool_size, container_definitions FROM projects WHERE id = ?`, id)
	var p models.Project
	var defsJSON string
	if err := row.Scan(&p.ID, &p.Name, &p.SystemPrompt, &p.PoolSize, &defsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domerrors.New(domerrors.KindSessionNotFound, fmt.Sprintf("project %q not found", id))
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(defsJSON), &p.ContainerDefinitions); err != nil {
		return nil, fmt.Errorf("decode container definitions: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects.
func (s *Store) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, system_prompt, pool_size, container_definitions FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var p models.Project
		var defsJSON string
		if err := rows.Scan(&p.ID, &p.Name, &p.SystemPrompt, &p.PoolSize, &defsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defsJSON), &p.ContainerDefinitions); err != nil {
			return nil, fmt.Errorf("decode container definitions: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertProject creates or replaces a project definition.
func (s *Store) UpsertProject(ctx context.Context, p models.Project) error {
	defsJSON, err := json.Marshal(p.ContainerDefinitions)
	if err != nil {
		return fmt.Errorf("encode container definitions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, system_prompt, pool_size, container_definitions)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, system_prompt=excluded.system_prompt,
			pool_size=excluded.pool_size, container_definitions=excluded.container_definitions
	`, p.ID, p.Name, p.SystemPrompt, p.PoolSize, string(defsJSON))
	return err
}
