package kibitz

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	cfg             *Config
	logger          *slog.Logger
	version         string
	gameHooks       []GameHook
	dialer          ParticipantDialer
	rules           RulesAuthority
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// WithConfig replaces configuration loaded from the environment.
// The config is validated by New.
func WithConfig(cfg Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithGameHook registers a hook notified when sessions finish.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithGameHook(hook GameHook) Option {
	return func(o *resolvedOptions) { o.gameHooks = append(o.gameHooks, hook) }
}

// WithParticipantDialer installs a dialer for custom participant transports.
// Only the last call wins.
func WithParticipantDialer(d ParticipantDialer) Option {
	return func(o *resolvedOptions) { o.dialer = d }
}

// WithRulesAuthority replaces the configured rules authority (KIBITZ_RULES_URL
// or the in-process one). Calls are still bounded by KIBITZ_RULES_TIMEOUT.
// Only the last call wins.
func WithRulesAuthority(r RulesAuthority) Option {
	return func(o *resolvedOptions) { o.rules = r }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
