package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/PepeluiMoreno/bdns-etl/internal/broadcast"
	"github.com/PepeluiMoreno/bdns-etl/internal/orchestrator"
)

// ServerOption configures the API server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
}

// WithMiddlewares adds middleware to the server.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// NewServer builds the HTTP router: health endpoints, the v1 control
// surface and the WebSocket event stream.
func NewServer(service *orchestrator.Service, broadcaster *broadcast.Broadcaster, logger *slog.Logger, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler)

	r.Mount("/api/v1", Router(NewRoutes(service, logger)))
	r.Handle("/ws", NewWSHandler(service, broadcaster, logger))

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
