// Package httpapi exposes the Session Controller as a local HTTP/SSE
// service: the inbound imperative interface as JSON endpoints, and the
// outbound event channel re-emitted over a single SSE stream. It is the
// host shell's "launch the core as a local service" surface, scoped to one
// workspace's worth of operations rather than a multi-project REST API.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opencode-ai/opencode/internal/controller"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration; WriteTimeout is left
// at zero since the /events endpoint streams indefinitely.
func DefaultConfig() Config {
	return Config{
		Port:        7890,
		EnableCORS:  true,
		ReadTimeout: 30 * time.Second,
	}
}

// Server is the local HTTP server fronting one Controller.
type Server struct {
	config  Config
	router  *chi.Mux
	httpSrv *http.Server

	ctrl *controller.Controller
	live *liveState
}

// New constructs a Server wired to the given Controller. Call Start to
// begin serving.
func New(cfg Config, ctrl *controller.Controller) *Server {
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		ctrl:   ctrl,
		live:   newLiveState(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server. Blocks until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and unsubscribes the server's
// own event-bus listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.live.close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
