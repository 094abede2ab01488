package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/labrun/orchestrator/models"
)

// GetGithubSettings loads the singleton settings row, returning the zero
// value (Configured: false) if it has never been written.
func (s *Store) GetGithubSettings(ctx context.Context) (models.GithubSettings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT configured, settings_json FROM github_settings WHERE id = 1`)
	var configured int
	var settingsJSON string
	if err := row.Scan(&configured, &settingsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.GithubSettings{}, nil
		}
		return models.GithubSettings{}, err
	}
	var settings map[string]string
	if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
		return models.GithubSettings{}, fmt.Errorf("decode github settings: %w", err)
	}
	return models.GithubSettings{Configured: configured != 0, Settings: settings}, nil
}

// SetGithubSettings writes the singleton settings row.
func (s *Store) SetGithubSettings(ctx context.Context, g models.GithubSettings) error {
	settingsJSON, err := json.Marshal(g.Settings)
	if err != nil {
		return fmt.Errorf("encode github settings: %w", err)
	}
	configured := 0
	if g.Configured {
		configured = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO github_settings (id, configured, settings_json) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET configured = excluded.configured, settings_json = excluded.settings_json
	`, configured, string(settingsJSON))
	return err
}

// ClearGithubSettings resets the singleton row to its unconfigured state.
func (s *Store) ClearGithubSettings(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO github_settings (id, configured, settings_json) VALUES (1, 0, '{}')
		ON CONFLICT(id) DO UPDATE SET configured = 0, settings_json = '{}'
	`)
	return err
}
