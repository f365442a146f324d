package http

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/internal/log"
	"github.com/baja5b/claude-workflow-system/pkg/collab"
	"github.com/baja5b/claude-workflow-system/pkg/service"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, statusgraph.ErrInvalidTransition),
		errors.Is(err, statusgraph.ErrHumanGated),
		errors.Is(err, storage.ErrConstraintViolation),
		errors.Is(err, storage.ErrStatusConflict),
		errors.Is(err, service.ErrTasksIncomplete),
		errors.Is(err, service.ErrOutOfOrder),
		errors.Is(err, service.ErrWorkflowClosed):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrCollaboratorUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.GetLogger().Errorf("Internal error: %v", err)
	}
	writeError(w, status, err.Error())
}
