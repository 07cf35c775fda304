// Package api is the HTTP/JSON surface over the Store, Executor, and
// Orchestrator (§4.6): thin handlers that parse, validate, delegate to a
// collaborator, and return — never blocking on a task or orchestration's
// completion. Router and middleware are grounded on the pack's
// chi/cors/validator/websocket stack (SPEC_FULL §4.6, §11).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/harrison/taskforge/internal/breaker"
	"github.com/harrison/taskforge/internal/broadcaster"
	"github.com/harrison/taskforge/internal/store"
)

// ExecutorRunner drives one standalone task in the background.
type ExecutorRunner interface {
	Run(ctx context.Context, taskID int64)
}

// OrchestratorRunner drives one orchestration's DAG in the background.
type OrchestratorRunner interface {
	Start(ctx context.Context, orchestrationID int64)
	Cancel(ctx context.Context, orchestrationID int64) error
}

// Deps are the API's collaborators.
type Deps struct {
	Store          *store.Store
	Executor       ExecutorRunner
	Orchestrator   OrchestratorRunner
	Hub            *broadcaster.Hub
	Breaker        *breaker.Manager
	AllowedOrigins []string
	Version        string
	Log            zerolog.Logger
}

// API holds the handlers' shared dependencies.
type API struct {
	store        *store.Store
	executor     ExecutorRunner
	orchestrator OrchestratorRunner
	hub          *broadcaster.Hub
	breakerMgr   *breaker.Manager
	version      string
	log          zerolog.Logger
	validate     *validator.Validate
}

// New builds the chi router: /health and /ws at the root, everything else
// under /api/v1 (§6).
func New(deps Deps) http.Handler {
	a := &API{
		store:        deps.Store,
		executor:     deps.Executor,
		orchestrator: deps.Orchestrator,
		hub:          deps.Hub,
		breakerMgr:   deps.Breaker,
		version:      deps.Version,
		log:          deps.Log,
		validate:     validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", a.handleHealth)
	r.Get("/ws", a.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", a.handleCreateTask)
			r.Get("/", a.handleListTasks)
			r.Post("/clear", a.handleClearTasks)
			r.Get("/{id}", a.handleGetTask)
			r.Delete("/{id}", a.handleDeleteTask)
		})
		r.Route("/orchestrations", func(r chi.Router) {
			r.Post("/", a.handleCreateOrchestration)
			r.Get("/", a.handleListOrchestrations)
			r.Get("/{id}", a.handleGetOrchestration)
			r.Delete("/{id}/cancel", a.handleCancelOrchestration)
		})
	})

	return r
}

// requestLogger emits one zerolog line per request, grounded on the
// teacher's console logger idiom generalized from progress output to HTTP
// access logging (a plain chi middleware over middleware.WrapResponseWriter,
// zerolog backend).
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
