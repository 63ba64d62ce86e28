package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/starford/crudfs/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
	Kind  string `json:"kind,omitempty" example:"not_tracked"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

var statusByKind = map[string]int{
	"not_tracked":          http.StatusNotFound,
	"record_not_found":     http.StatusNotFound,
	"file_not_found":       http.StatusNotFound,
	"not_found":            http.StatusNotFound,
	"already_exists":       http.StatusConflict,
	"conflict":             http.StatusConflict,
	"malformed_identifier": http.StatusBadRequest,
	"decode_error":         http.StatusBadRequest,
	"parse_error":          http.StatusBadRequest,
	"ledger_rejected":      http.StatusUnprocessableEntity,
	"store_rejected":       http.StatusBadGateway,
	"event_not_found":      http.StatusBadGateway,
	"ledger_unavailable":   http.StatusServiceUnavailable,
	"store_unavailable":    http.StatusServiceUnavailable,
	"ledger_timeout":       http.StatusGatewayTimeout,
}

// writeError maps err onto a status through its taxonomy kind. Anything
// unmapped is a 500 and gets logged.
func writeError(w http.ResponseWriter, op string, err error) {
	kind := apperr.Kind(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
		slog.Error(op+" failed", slog.String("kind", kind), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errResponse{Error: err.Error(), Kind: kind})
}
