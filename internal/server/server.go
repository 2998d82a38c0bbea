// Package server implements the kibitz HTTP API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kibitz/internal/auth"
	"github.com/ashita-ai/kibitz/internal/ctxutil"
	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/ratelimit"
	"github.com/ashita-ai/kibitz/internal/service/games"
)

// Server is the kibitz HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// RoleMiddlewareFn builds middleware that requires at least the given role.
type RoleMiddlewareFn func(model.Role) func(http.Handler) http.Handler

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Keys, RateLimiter, MCPServer, OpenCircuits,
// OpenAPISpec, ExtraRoutes, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Games  *games.Service
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Keys         *auth.Keyring // nil or empty disables authentication
	RateLimiter  ratelimit.Limiter
	MCPServer    *mcpserver.MCPServer
	OpenCircuits func() int

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	RulesProvider       string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte

	// ExtraRoutes are registered after the built-in routes and share the
	// auth chain.
	ExtraRoutes []func(*http.ServeMux, RoleMiddlewareFn)
	// Middlewares wrap the whole handler; the first is outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	authEnabled := !cfg.Keys.Empty()
	h := NewHandlers(HandlersDeps{
		Games:               cfg.Games,
		JWTMgr:              cfg.JWTMgr,
		Keys:                cfg.Keys,
		OpenCircuits:        cfg.OpenCircuits,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		RulesProvider:       cfg.RulesProvider,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	apiRL := ratelimit.Middleware(cfg.RateLimiter, callerKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.RateLimiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	roleFn := func(role model.Role) func(http.Handler) http.Handler {
		return requireRole(authEnabled, role)
	}
	operator := roleFn(model.RoleOperator)
	observer := roleFn(model.RoleObserver)

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Session control (operator).
	mux.Handle("POST /v1/sessions", apiRL(operator(http.HandlerFunc(h.HandleStartSession))))
	mux.Handle("POST /v1/sessions/{id}/advance", apiRL(operator(http.HandlerFunc(h.HandleAdvanceSession))))
	mux.Handle("POST /v1/sessions/{id}/resume", apiRL(operator(http.HandlerFunc(h.HandleResumeSession))))
	mux.Handle("POST /v1/sessions/{id}/cancel", apiRL(operator(http.HandlerFunc(h.HandleCancelSession))))

	// Reads (observer+).
	mux.Handle("GET /v1/sessions", apiRL(observer(http.HandlerFunc(h.HandleListSessions))))
	mux.Handle("GET /v1/sessions/{id}", apiRL(observer(http.HandlerFunc(h.HandleGetSession))))
	mux.Handle("GET /v1/sessions/{id}/moves", apiRL(observer(http.HandlerFunc(h.HandleListMoves))))

	// Observer streams (observer+, no rate limit beyond the handshake).
	mux.Handle("GET /v1/sessions/{id}/subscribe", apiRL(observer(http.HandlerFunc(h.HandleSubscribe))))
	mux.Handle("GET /v1/sessions/{id}/ws", apiRL(observer(http.HandlerFunc(h.HandleWebsocket))))

	// MCP StreamableHTTP transport. Tools check the caller's role themselves.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", apiRL(observer(mcpserver.NewStreamableHTTPServer(cfg.MCPServer,
			mcpserver.WithHTTPContextFunc(propagateRequestContext)))))
	}

	// OpenAPI spec and health (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux, roleFn)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, authEnabled, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// propagateRequestContext carries the claims and request ID that the HTTP
// middleware stored into MCP tool handlers.
func propagateRequestContext(ctx context.Context, r *http.Request) context.Context {
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil {
		ctx = ctxutil.WithClaims(ctx, claims)
	}
	if id := ctxutil.RequestIDFromContext(r.Context()); id != "" {
		ctx = ctxutil.WithRequestID(ctx, id)
	}
	return ctx
}

// callerKeyFunc keys authenticated requests by token ID and anonymous ones
// by client IP.
func callerKeyFunc(r *http.Request) string {
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil && claims.ID != "" {
		return "token:" + claims.ID
	}
	return ratelimit.IPKeyFunc(r)
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
