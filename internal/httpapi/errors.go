package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/research"
	"github.com/Kocoro-lab/research-copilot/internal/server"
	"github.com/Kocoro-lab/research-copilot/internal/session"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusOf maps an error onto an HTTP status and a client-facing kind.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, server.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, session.ErrCapacity), errors.Is(err, server.ErrShuttingDown):
		return http.StatusServiceUnavailable, "unavailable"
	}
	kind := research.KindOf(err)
	switch kind {
	case research.KindValidation:
		return http.StatusBadRequest, string(kind)
	case research.KindNotFound:
		return http.StatusNotFound, string(kind)
	}
	return http.StatusInternalServerError, string(research.KindInternal)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code, kind := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logger.Error("Request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Error: msg, Kind: kind})
}
