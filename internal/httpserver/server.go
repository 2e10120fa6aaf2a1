package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"productregistry/backend/internal/config"
	productdomain "productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/infrastructure/token"
	"productregistry/backend/internal/usecase/catalog"
	productusecase "productregistry/backend/internal/usecase/product"

	"github.com/go-chi/chi/v5"
)

// CommandHandler accepts write-side commands.
type CommandHandler interface {
	Handle(ctx context.Context, cmd productusecase.Command) (productusecase.Result, error)
}

// OutboxAdmin exposes outbox depth and the requeue tool.
type OutboxAdmin interface {
	Stats(ctx context.Context) (productdomain.OutboxStats, error)
	Requeue(ctx context.Context, id string, now time.Time) error
}

// Rebuilder replays the event log into the read model.
type Rebuilder interface {
	Rebuild(ctx context.Context) (int, error)
}

// TokenValidator verifies bearer tokens.
type TokenValidator interface {
	Validate(tokenString string) (token.Claims, error)
}

// Dependencies are the services the HTTP layer fronts.
type Dependencies struct {
	Commands    CommandHandler
	Catalog     *catalog.Service
	Outbox      OutboxAdmin
	Projections Rebuilder
	Tokens      TokenValidator
	// Ready reports storage health; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wraps the HTTP server lifecycle.
type Server struct {
	httpServer     *http.Server
	router         chi.Router
	deps           Dependencies
	allowedOrigins []string
	addr           string
	heartbeat      time.Duration
}

// NewServer constructs a new Server with configured dependencies.
func NewServer(cfg config.Config, deps Dependencies) *Server {
	addr := cfg.HTTPPort
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	srv := &Server{
		router:         chi.NewRouter(),
		deps:           deps,
		allowedOrigins: cfg.AllowedOrigins,
		addr:           addr,
		heartbeat:      15 * time.Second,
	}
	srv.registerRoutes()

	srv.httpServer = &http.Server{
		Addr:         addr,
		Handler:      srv.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutSec) * time.Second,
	}
	return srv
}

// Start bootstraps the HTTP server on the configured address.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server. Open streams end when their
// subscriptions are closed, so close the broadcaster first.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured network address for the HTTP server.
func (s *Server) Addr() string {
	return s.addr
}
