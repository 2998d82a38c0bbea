// Package kibitz runs chess games between remote participants and streams
// them to observers.
//
// A rules authority decides legality and termination. Participants are
// reached over HTTP, A2A or an MCP engine. Observers follow games over SSE,
// WebSocket or MCP.
//
// Basic usage:
//
//	app, err := kibitz.New(kibitz.WithVersion("1.0.0"))
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// With extensions:
//
//	app, err := kibitz.New(
//	    kibitz.WithGameHook(myArchive),
//	    kibitz.WithParticipantDialer(myTransport),
//	    kibitz.WithMiddleware(myCORS),
//	)
package kibitz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kibitz/api"
	"github.com/ashita-ai/kibitz/internal/auth"
	"github.com/ashita-ai/kibitz/internal/chessmcp"
	"github.com/ashita-ai/kibitz/internal/config"
	"github.com/ashita-ai/kibitz/internal/mcp"
	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/participant"
	"github.com/ashita-ai/kibitz/internal/ratelimit"
	"github.com/ashita-ai/kibitz/internal/rules"
	"github.com/ashita-ai/kibitz/internal/server"
	"github.com/ashita-ai/kibitz/internal/service/games"
	"github.com/ashita-ai/kibitz/internal/telemetry"
)

// shutdownTimeout bounds each phase of Shutdown.
const shutdownTimeout = 10 * time.Second

// App is a configured kibitz server. Create one with New, then call Run.
type App struct {
	cfg          Config
	games        *games.Service
	srv          *server.Server
	limiter      *ratelimit.MemoryLimiter
	closers      []io.Closer
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New creates an App. Configuration comes from WithConfig or, when that
// option is absent, from KIBITZ_* environment variables.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.version == "" {
		o.version = "dev"
	}
	logger := o.logger

	// 1. Configuration.
	var cfg Config
	if o.cfg != nil {
		cfg = *o.cfg
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, err
		}
	}

	// 2. Telemetry. A no-op provider is installed when no endpoint is set.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, o.version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("kibitz: telemetry: %w", err)
	}
	app := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      o.version,
	}

	// 3. Roster of named participants.
	var roster games.Roster
	if cfg.RosterPath != "" {
		r, err := config.LoadRoster(cfg.RosterPath, cfg.AllowPrivateAddresses)
		if err != nil {
			app.abort()
			return nil, err
		}
		logger.Info("participant roster loaded", "path", cfg.RosterPath, "participants", len(r.Names()))
		roster = r
	}

	// 4. Rules authority.
	var authority rules.Authority
	provider := "local"
	switch {
	case o.rules != nil:
		authority = rulesAdapter{o.rules}
		provider = "custom"
	case cfg.RulesURL != "":
		client := chessmcp.New(chessmcp.HTTPDialer(cfg.RulesURL, "kibitz", o.version, nil))
		remote := rules.NewMCP(client)
		app.closers = append(app.closers, remote)
		authority = remote
		provider = "mcp"
	default:
		authority = rules.NewLocal()
	}
	logger.Info("rules authority selected", "provider", provider)

	// 5. Participants.
	netDialer := participant.NewNetDialer(&http.Client{}, o.version)
	var dialer participant.Dialer = netDialer
	if o.dialer != nil {
		dialer = dialerAdapter{custom: o.dialer, fallback: netDialer}
	}
	moves := participant.NewClient(dialer, participant.Config{
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		MoveInterval:     cfg.MoveInterval,
	}, logger)
	app.closers = append(app.closers, moves)

	// 6. Game service.
	hooks := make([]games.FinishHook, 0, len(o.gameHooks))
	for _, h := range o.gameHooks {
		hooks = append(hooks, hookAdapter{h})
	}
	app.games = games.New(games.Deps{
		Rules:  rules.Guard(authority, cfg.RulesTimeout),
		Moves:  moves,
		Roster: roster,
		Hooks:  hooks,
	}, games.Config{
		MoveTimeout:     cfg.MoveTimeout,
		RetryBudget:     cfg.RetryBudget,
		FinalAckTimeout: cfg.FinalAckTimeout,
		ObserverQueue:   cfg.ObserverQueue,
		IdleTTL:         cfg.SessionIdleTTL,
		AbandonAfter:    cfg.AbandonAfter,
		SweepInterval:   cfg.SweepInterval,
		EvictFinished:   cfg.EvictFinished,
		AllowPrivate:    cfg.AllowPrivateAddresses,
	}, logger)

	// 7. Auth.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration, logger)
	if err != nil {
		app.abort()
		return nil, fmt.Errorf("kibitz: jwt: %w", err)
	}
	keys, err := auth.NewKeyring(cfg.OperatorAPIKey, cfg.ObserverAPIKey)
	if err != nil {
		app.abort()
		return nil, fmt.Errorf("kibitz: api keys: %w", err)
	}
	if keys.Empty() {
		logger.Warn("no API keys configured, authentication disabled")
	}

	// 8. HTTP server with MCP mounted at /mcp.
	app.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	mcpSrv := mcp.New(app.games, logger, o.version)

	extraRoutes := make([]func(*http.ServeMux, server.RoleMiddlewareFn), 0, len(o.routeRegistrars))
	for _, register := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, roleFn server.RoleMiddlewareFn) {
			register(mux, authHelper{roleFn})
		})
	}
	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	app.srv = server.New(server.ServerConfig{
		Games:               app.games,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Keys:                keys,
		RateLimiter:         app.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenCircuits:        moves.Breakers().OpenCount,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             o.version,
		RulesProvider:       provider,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	logger.Info("kibitz configured",
		"version", o.version,
		"port", cfg.Port,
		"auth", !keys.Empty(),
		"roster", roster != nil,
	)
	return app, nil
}

// Run serves HTTP and sweeps idle sessions until ctx is cancelled, then
// shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.games.RunSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("kibitz: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops the HTTP server, ends every game and observer stream, and
// flushes telemetry. Safe to call once; Run calls it on cancellation.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	httpCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}

	gamesCtx, cancelGames := context.WithTimeout(ctx, shutdownTimeout)
	defer cancelGames()
	if err := a.games.Close(gamesCtx); err != nil {
		errs = append(errs, err)
	}

	a.abort()
	if len(errs) > 0 {
		return fmt.Errorf("kibitz: shutdown: %w", errors.Join(errs...))
	}
	a.logger.Info("kibitz stopped")
	return nil
}

// Handler returns the root HTTP handler, for use with httptest.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// abort releases the resources New acquires before the server exists.
func (a *App) abort() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
		a.otelShutdown = nil
	}
}

type hookAdapter struct{ hook GameHook }

func (h hookAdapter) OnSessionFinished(ctx context.Context, snap model.Snapshot) error {
	return h.hook.OnSessionFinished(ctx, toPublicSnapshot(snap))
}

type dialerAdapter struct {
	custom   ParticipantDialer
	fallback participant.Dialer
}

func (d dialerAdapter) Dial(h model.ParticipantHandle) (participant.Participant, error) {
	p, err := d.custom.Dial(toPublicHandle(h))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return d.fallback.Dial(h)
	}
	return participant.Func(func(ctx context.Context, req participant.Request) (string, error) {
		return p.RequestMove(ctx, MoveRequest{
			SessionID:  req.SessionID,
			Position:   req.Position,
			SideToMove: string(req.SideToMove),
			History:    req.History,
			Deadline:   req.Deadline,
		})
	}), nil
}

type rulesAdapter struct{ inner RulesAuthority }

func (r rulesAdapter) Validate(ctx context.Context, position, move string) (bool, error) {
	return r.inner.Validate(ctx, position, move)
}

func (r rulesAdapter) Apply(ctx context.Context, position, move string) (string, error) {
	return r.inner.Apply(ctx, position, move)
}

func (r rulesAdapter) Status(ctx context.Context, position string) (rules.Status, error) {
	st, err := r.inner.Status(ctx, position)
	if err != nil {
		return rules.Status{}, err
	}
	return rules.Status{
		Active:  st.Active,
		Turn:    model.Side(st.Turn),
		Winner:  model.Side(st.Winner),
		Reason:  st.Reason,
		InCheck: st.InCheck,
	}, nil
}

type authHelper struct{ roleFn server.RoleMiddlewareFn }

func (a authHelper) RequireRole(role Role) func(http.Handler) http.Handler {
	return a.roleFn(model.Role(role))
}
