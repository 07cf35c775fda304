package api

import (
	"encoding/json"
	"net/http"

	"github.com/harrison/taskforge/internal/task"
)

// writeJSON encodes v as the response body, logging (but not retrying) a
// write failure — the client already has whatever bytes made it out.
func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn().Err(err).Msg("api: failed writing response body")
	}
}

// writeError maps a domain error to its HTTP status per §4.1/§6/§7 and
// writes it as {"error": "..."}. Unrecognized errors are 500s. Request-body
// shape errors (decode failures, go-playground/validator rejections) are
// handled separately by writeValidationError — those are 422s (§6), while
// every domain error here is either a 400, a 404, or a 500.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case task.IsValidationError(err), task.IsCycleDetectedError(err),
		task.IsInvalidDependencyError(err), task.IsDuplicateIdentifierError(err),
		task.IsNotTerminalError(err):
		status = http.StatusBadRequest
	case task.IsNotFoundError(err):
		status = http.StatusNotFound
	case task.IsStoreUnavailableError(err):
		status = http.StatusInternalServerError
	default:
		a.log.Error().Err(err).Msg("api: unclassified error")
	}
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeValidationError reports a malformed request body (§6, "422
// validation").
func (a *API) writeValidationError(w http.ResponseWriter, err error) {
	a.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
}
