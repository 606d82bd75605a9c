package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/auth"
	"github.com/Kocoro-lab/research-copilot/internal/health"
	"github.com/Kocoro-lab/research-copilot/internal/server"
)

// NewRouter assembles the HTTP surface. authMW and healthMgr may be nil.
func NewRouter(svc *server.Service, authMW *auth.Middleware, healthMgr *health.Manager, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	NewResearchHandler(svc, logger).RegisterRoutes(mux)
	NewStreamingHandler(svc, logger).RegisterRoutes(mux)
	if healthMgr != nil {
		health.NewHTTPHandler(healthMgr, logger).RegisterRoutes(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	if authMW != nil {
		h = authMW.HTTPMiddleware(h)
	}
	return accessLog(h, logger)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the WebSocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func accessLog(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
