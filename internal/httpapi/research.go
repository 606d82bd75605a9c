package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/auth"
	"github.com/Kocoro-lab/research-copilot/internal/research"
	"github.com/Kocoro-lab/research-copilot/internal/server"
)

const maxBodyBytes = 64 << 10

// ResearchHandler serves submission, status, cancellation and downloads.
type ResearchHandler struct {
	svc    *server.Service
	logger *zap.Logger
}

func NewResearchHandler(svc *server.Service, logger *zap.Logger) *ResearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the REST routes on mux.
func (h *ResearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/query", requireScope(auth.ScopeResearchWrite, http.HandlerFunc(h.handleSubmit)))
	mux.Handle("GET /api/session/{id}", requireScope(auth.ScopeResearchRead, http.HandlerFunc(h.handleStatus)))
	mux.Handle("POST /api/session/{id}/cancel", requireScope(auth.ScopeResearchWrite, http.HandlerFunc(h.handleCancel)))
	mux.Handle("GET /api/download/{ref}", requireScope(auth.ScopeResearchRead, http.HandlerFunc(h.handleDownload)))
}

// handleSubmit accepts a query and answers 202 before any stage runs.
// POST /api/query {"query": "...", "llm_provider": "groq", "max_iterations": 3}
func (h *ResearchHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req server.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		writeError(w, h.logger, &research.ValidationError{Field: "body", Reason: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	res, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Location", "/api/session/"+res.SessionID)
	writeJSON(w, http.StatusAccepted, res)
}

// GET /api/session/{id}
func (h *ResearchHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /api/session/{id}/cancel; a terminal session is returned unchanged.
func (h *ResearchHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /api/download/{ref}
func (h *ResearchHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.FetchArtifact(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Content)))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, a.Content); err != nil {
		h.logger.Debug("Artifact download interrupted", zap.String("ref", a.Ref), zap.Error(err))
	}
}

// requireScope rejects principals without scope. Requests that carry no
// principal were let through by an exempt path and are not checked.
func requireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := auth.PrincipalFrom(r.Context()); ok && !p.HasScope(scope) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "missing scope " + scope, Kind: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
