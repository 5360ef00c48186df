package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/document"
	"github.com/agentstation/loom/storage/sqlite"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error      string           `json:"error"`
	Violations []loom.Violation `json:"violations,omitempty"`
	RunID      string           `json:"run_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code.
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var (
		locked     *loom.GraphLockedError
		invalid    *loom.ValidationError
		cycle      *loom.CycleError
		edit       *loom.GraphEditError
		unknownTyp *loom.UnregisteredNodeTypeError
	)
	switch {
	case errors.As(err, &locked):
		status = http.StatusConflict
		resp.RunID = locked.RunID
	case errors.As(err, &invalid):
		status = http.StatusUnprocessableEntity
		resp.Violations = invalid.Violations
	case errors.As(err, &cycle), errors.As(err, &edit), errors.As(err, &unknownTyp):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, loom.ErrNothingToUndo), errors.Is(err, loom.ErrNothingToRedo),
		errors.Is(err, loom.ErrRunAlreadyTerminal):
		status = http.StatusConflict
	case errors.Is(err, loom.ErrRunNotFound), errors.Is(err, sqlite.ErrNotFound), errors.Is(err, errWorkflowNotFound):
		status = http.StatusNotFound
	case errors.Is(err, document.ErrInvalidDocument), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}
