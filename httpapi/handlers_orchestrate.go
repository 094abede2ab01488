package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	apxerrors "github.com/labrun/orchestrator/errors"
	"github.com/labrun/orchestrator/models"
)

type orchestrateBody struct {
	Content   string  `json:"content"`
	ChannelID *string `json:"channelId"`
	ModelID   *string `json:"modelId"`
}

// orchestrate creates an OrchestrationRequest row and returns its id
// immediately; resolving which project/session it targets is the agent
// sub-process's job (out of scope here); it reports back through
// whatever updates the row via the orchestrationStatus channel.
func (s *Server) orchestrate(w http.ResponseWriter, r *http.Request) (interface{}, int, error) {
	var body orchestrateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, 0, apxerrors.New(apxerrors.KindValidation, "invalid JSON body")
	}
	if body.Content == "" {
		return nil, 0, apxerrors.New(apxerrors.KindValidation, "content is required")
	}

	now := time.Now()
	req := models.OrchestrationRequest{
		ID:        uuid.NewString(),
		ChannelID: body.ChannelID,
		Content:   body.Content,
		Status:    models.OrchestrationPending,
		ModelID:   body.ModelID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertOrchestrationRequest(r.Context(), req); err != nil {
		return nil, 0, err
	}

	return map[string]interface{}{"orchestrationId": req.ID}, http.StatusOK, nil
}
