package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/teampool/teampool-server/internal/allocator"
	"github.com/teampool/teampool-server/internal/auth"
	"github.com/teampool/teampool-server/internal/claims"
	"github.com/teampool/teampool-server/internal/config"
	"github.com/teampool/teampool-server/internal/events"
	"github.com/teampool/teampool-server/internal/storage"
	"github.com/teampool/teampool-server/internal/syncer"
	"github.com/teampool/teampool-server/internal/tokenparse"
	"github.com/teampool/teampool-server/internal/vault"
	"github.com/teampool/teampool-server/internal/warranty"
)

// Deps are the domain components the API exposes
type Deps struct {
	Store     storage.Store
	Allocator *allocator.Allocator
	Warranty  *warranty.Ledger
	Syncer    *syncer.Synchronizer
	Vault     *vault.Vault
	Claims    *claims.Decoder
	Events    *events.Publisher
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	store     storage.Store
	auth      *auth.JWTManager
	allocator *allocator.Allocator
	warranty  *warranty.Ledger
	syncer    *syncer.Synchronizer
	vault     *vault.Vault
	claims    *claims.Decoder
	events    *events.Publisher
	parser    *tokenparse.Parser
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, deps Deps) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		store:     deps.Store,
		auth:      auth.NewJWTManager(&cfg.JWT),
		allocator: deps.Allocator,
		warranty:  deps.Warranty,
		syncer:    deps.Syncer,
		vault:     deps.Vault,
		claims:    deps.Claims,
		events:    deps.Events,
		parser:    tokenparse.NewParser(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // redemptions may wait on provider retries
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(120 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		tokenClaims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, tokenClaims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type claimsContextKey struct{}

// requestClaims pulls the admin claims the middleware stored on the context
func requestClaims(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsContextKey{}).(*auth.Claims)
	return c
}
