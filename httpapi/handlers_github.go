package httpapi

import (
	"encoding/json"
	"net/http"

	apxerrors "github.com/labrun/orchestrator/errors"
	"github.com/labrun/orchestrator/models"
)

func (s *Server) getGithubSettings(w http.ResponseWriter, r *http.Request) (interface{}, int, error) {
	settings, err := s.store.GetGithubSettings(r.Context())
	if err != nil {
		return nil, 0, err
	}
	return settings, http.StatusOK, nil
}

func (s *Server) setGithubSettings(w http.ResponseWriter, r *http.Request) (interface{}, int, error) {
	var settings models.GithubSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		return nil, 0, apxerrors.New(apxerrors.KindValidation, "invalid JSON body")
	}
	settings.Configured = true
	if err := s.store.SetGithubSettings(r.Context(), settings); err != nil {
		return nil, 0, err
	}
	return settings, http.StatusOK, nil
}

func (s *Server) clearGithubSettings(w http.ResponseWriter, r *http.Request) (interface{}, int, error) {
	if err := s.store.ClearGithubSettings(r.Context()); err != nil {
		return nil, 0, err
	}
	return nil, http.StatusNoContent, nil
}
