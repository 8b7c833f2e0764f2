package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opencode-ai/relay/internal/persistence"
	"github.com/opencode-ai/relay/internal/relay"
	"github.com/opencode-ai/relay/internal/upstream"
	"github.com/opencode-ai/relay/pkg/types"
)

// Config holds the HTTP boundary's own configuration, distinct from
// types.Config (the core's configuration set).
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sane listener defaults, with no write timeout so
// SSE streams are never cut off.
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}
}

// Server is the HTTP boundary: a chi router over a per-user Registry of
// Relays.
type Server struct {
	config  Config
	router  *chi.Mux
	httpSrv *http.Server
	reg     *Registry
}

// New constructs a Server. ctx governs the lifetime of every Relay the
// Registry spawns.
func New(ctx context.Context, cfg Config, ports persistence.Ports, up *upstream.Upstream, collab relay.Collaborators, coreCfg types.Config) *Server {
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		reg:    NewRegistry(ports, up, collab, coreCfg),
	}
	s.setupMiddleware(ctx)
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware(ctx context.Context) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(withRunCtx(r.Context(), ctx)))
		})
	})
}

type runCtxKey struct{}

// withRunCtx threads the Registry's governing context alongside the
// per-request context, so handlers that need to spawn a Relay (which
// must outlive the request) pass the right ctx to Registry.Get.
func withRunCtx(req context.Context, run context.Context) context.Context {
	return context.WithValue(req, runCtxKey{}, run)
}

func runCtx(r *http.Request) context.Context {
	if v, ok := r.Context().Value(runCtxKey{}).(context.Context); ok {
		return v
	}
	return r.Context()
}

func (s *Server) setupRoutes() {
	s.router.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/open", s.handleOpen)
		r.Post("/close", s.handleClose)
		r.Post("/message", s.handleMessage)
		r.Post("/command", s.handleCommand)
		r.Get("/events", s.handleEvents)
	})
}

// Router exposes the chi router for testing.
func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
