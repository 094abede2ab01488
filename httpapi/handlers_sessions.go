package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/schema"

	apxerrors "github.com/labrun/orchestrator/errors"
	"github.com/labrun/orchestrator/models"
	"github.com/labrun/orchestrator/sessionorch"
)

var queryDecoder = schema.NewDecoder()

func init() {
	queryDecoder.IgnoreUnknownKeys(true)
}

// sessionListFilter is an optional narrowing of GET /sessions by query
// string, decoded with gorilla/schema the way list endpoints commonly do.
type sessionListFilter struct {
	ProjectID string `schema:"projectId"`
	Status    string `schema:"status"`
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) (interface{}, int, error) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		return nil, 0, err
	}
	return projects, http.StatusOK, nil
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) (interface{}, int, error) {
	var filter sessionListFilter
	if err := queryDecoder.Decode(&filter, r.URL.Query()); err != nil {
		return nil, 0, apxerrors.New(apxerrors.KindValidation, "invalid query parameters")
	}

	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		return nil, 0, err
	}

	if filter.ProjectID == "" && filter.Status == "" {
		return sessions, http.StatusOK, nil
	}

	filtered := make([]models.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		if filter.ProjectID != "" && sess.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && string(sess.Status) != filter.Status {
			continue
		}
		filtered = append(filtered, sess)
	}
	return filtered, http.StatusOK, nil
}

type createSessionBody struct {
	ProjectID      string `json:"projectId"`
	Title          string `json:"title"`
	InitialMessage string `json:"initialMessage"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) (interface{}, int, error) {
	var body createSessionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, 0, apxerrors.New(apxerrors.KindValidation, "invalid JSON body")
	}
	if body.ProjectID == "" {
		return nil, 0, apxerrors.New(apxerrors.KindValidation, "projectId is required")
	}

	taskSummary := body.Title
	if taskSummary == "" {
		taskSummary = body.InitialMessage
	}

	sess, containers, err := s.session.Spawn(r.Context(), sessionorch.SpawnInput{
		ProjectID:   body.ProjectID,
		TaskSummary: taskSummary,
	})
	if err != nil {
		return nil, 0, err
	}
	return map[string]interface{}{"session": sess, "containers": containers}, http.StatusOK, nil
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) (interface{}, int, error) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		return nil, 0, err
	}
	containers, err := s.store.ListContainersForSession(r.Context(), id)
	if err != nil {
		return nil, 0, err
	}
	urls := s.router.GetUrls(id)

	return map[string]interface{}{
		"id":             sess.ID,
		"projectId":      sess.ProjectID,
		"title":          sess.Title,
		"status":         sess.Status,
		"agentSessionId": sess.AgentSessionID,
		"createdAt":      sess.CreatedAt,
		"updatedAt":      sess.UpdatedAt,
		"containers":     containers,
		"urls":           urls,
	}, http.StatusOK, nil
}

type patchSessionBody struct {
	Title          *string `json:"title"`
	AgentSessionID *string `json:"agentSessionId"`
}

func (s *Server) patchSession(w http.ResponseWriter, r *http.Request) (interface{}, int, error) {
	id := chi.URLParam(r, "id")
	var body patchSessionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, 0, apxerrors.New(apxerrors.KindValidation, "invalid JSON body")
	}
	if err := s.store.UpdateSessionFields(r.Context(), id, body.Title, body.AgentSessionID); err != nil {
		return nil, 0, err
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		return nil, 0, err
	}
	return sess, http.StatusOK, nil
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) (interface{}, int, error) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.session.CleanupSession(ctx, id); err != nil {
		return nil, 0, err
	}
	return nil, http.StatusNoContent, nil
}
