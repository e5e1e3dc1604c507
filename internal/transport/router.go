package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Dependencies holds the handlers of the operational endpoints.
type Dependencies struct {
	Logger         *zap.Logger
	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
	// MetricsPath defaults to /metrics. A nil MetricsHandler disables it.
	MetricsPath string
}

// NewRouter creates the chi.Router serving liveness, readiness and
// metrics. The daemon exposes no case handling API.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID(logger))
	r.Use(SecurityHeaders)
	r.Use(RequestLogging)

	r.Method(http.MethodGet, "/healthz", orNotImplemented(deps.HealthHandler))
	r.Method(http.MethodGet, "/readyz", orNotImplemented(deps.ReadyHandler))
	if deps.MetricsHandler != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "no route for "+r.URL.Path)
	})
	return r
}

func orNotImplemented(h http.Handler) http.Handler {
	if h != nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusNotImplemented, map[string]string{"status": "not_configured"})
	})
}
