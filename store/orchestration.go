package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	domerrors "github.com/labrun/orchestrator/errors"
	"github.com/labrun/orchestrator/models"
)

// InsertOrchestrationRequest creates the tracking row for a /orchestrate call.
func (s *Store) InsertOrchestrationRequest(ctx context.Context, r models.OrchestrationRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestration_requests (id, channel_id, content, status, resolved_project_id, resolved_session_id, model_id, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ChannelID, r.Content, r.Status, r.ResolvedProjectID, r.ResolvedSessionID, r.ModelID, r.ErrorMessage,
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func scanOrchestrationRequest(row interface{ Scan(...interface{}) error }) (*models.OrchestrationRequest, error) {
	var r models.OrchestrationRequest
	var channelID, resolvedProjectID, resolvedSessionID, modelID, errMsg sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &channelID, &r.Content, &r.Status, &resolvedProjectID, &resolvedSessionID, &modelID, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if channelID.Valid {
		r.ChannelID = &channelID.String
	}
	if resolvedProjectID.Valid {
		r.ResolvedProjectID = &resolvedProjectID.String
	}
	if resolvedSessionID.Valid {
		r.ResolvedSessionID = &resolvedSessionID.String
	}
	if modelID.Valid {
		r.ModelID = &modelID.String
	}
	if errMsg.Valid {
		r.ErrorMessage = &errMsg.String
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}

// GetOrchestrationRequest loads one request by id.
func (s *Store) GetOrchestrationRequest(ctx context.Context, id string) (*models.OrchestrationRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, content, status, resolved_project_id, resolved_session_id, model_id, error_message, created_at, updated_at
		FROM orchestration_requests WHERE id = ?
	`, id)
	r, err := scanOrchestrationRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domerrors.New(domerrors.KindSessionNotFound, "orchestration request not found: "+id)
	}
	return r, err
}

// UpdateOrchestrationRequest applies a full status/result update, as the
// Session Orchestrator steps the request through pending -> ... -> complete.
func (s *Store) UpdateOrchestrationRequest(ctx context.Context, r models.OrchestrationRequest) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_requests SET
			status = ?, resolved_project_id = ?, resolved_session_id = ?, model_id = ?,
			error_message = ?, updated_at = ?
		WHERE id = ?
	`, r.Status, r.ResolvedProjectID, r.ResolvedSessionID, r.ModelID, r.ErrorMessage,
		time.Now().UTC().Format(time.RFC3339Nano), r.ID)
	return err
}
