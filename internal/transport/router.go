package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Dependencies holds everything the operations router serves.
type Dependencies struct {
	Logger         *zap.Logger
	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
	MetricsPath    string
	// Reload re-reads process definitions. When nil the reload route is
	// not registered.
	Reload func(ctx context.Context) error
}

// NewRouter creates a chi.Router with the middleware pipeline and the
// operations routes.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(RequestLogging(logger))

	r.Method(http.MethodGet, "/healthz", orDefault(deps.HealthHandler, handleHealth))
	r.Method(http.MethodGet, "/readyz", orDefault(deps.ReadyHandler, handleReady))

	if deps.MetricsHandler != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	if deps.Reload != nil {
		r.Post("/-/reload", handleReload(deps.Reload))
	}

	return r
}

func orDefault(h http.Handler, fallback http.HandlerFunc) http.Handler {
	if h != nil {
		return h
	}
	return fallback
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func handleReload(reload func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reload(r.Context()); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}
