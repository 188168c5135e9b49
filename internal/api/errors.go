package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/memex/internal/entry"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// serviceError maps entry service errors onto HTTP statuses.
func serviceError(w http.ResponseWriter, op string, err error) {
	var verr *entry.ValidationError
	switch {
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", verr.Err)
	case errors.Is(err, entry.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "entry not found")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to %s: %v", op, err)
	}
}
