package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	apxerrors "github.com/labrun/orchestrator/errors"
	"github.com/labrun/orchestrator/logger"
)

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("httpapi: encode response failed", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, err error) {
	if de, ok := apxerrors.AsError(err); ok {
		respondJSON(w, de.HTTPStatus(), map[string]string{"error": de.Error()})
		return
	}
	logger.Error("httpapi: unhandled internal error", zap.Error(err))
	respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

// handlerFunc is the (response, status, error) handler signature used
// throughout this package; toHTTPHandlerFunc adapts it onto http.HandlerFunc.
type handlerFunc func(w http.ResponseWriter, r *http.Request) (interface{}, int, error)

func (s *Server) toHTTPHandlerFunc(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, status, err := h(w, r)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, status, body)
	}
}
