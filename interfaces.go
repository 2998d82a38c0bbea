package kibitz

import (
	"context"
	"net/http"
)

// GameHook receives a notification each time a session finishes.
// Multiple hooks may be registered via multiple WithGameHook calls.
// Hooks run in their own goroutine with a 10 second timeout; failures are
// logged and never affect the session. Use this to persist finished games.
type GameHook interface {
	OnSessionFinished(ctx context.Context, snapshot Snapshot) error
}

// Participant proposes moves. The reply is a move in coordinate notation
// (e2e4, e7e8q) or "resign".
type Participant interface {
	RequestMove(ctx context.Context, req MoveRequest) (string, error)
}

// ParticipantDialer connects participant handles to custom transports.
// It is consulted before the built-in transports; returning a nil
// Participant with a nil error falls back to them.
type ParticipantDialer interface {
	Dial(handle ParticipantHandle) (Participant, error)
}

// RulesAuthority replaces the configured rules authority. Every method is a
// pure function of the position token (FEN).
type RulesAuthority interface {
	Validate(ctx context.Context, position, move string) (bool, error)
	Apply(ctx context.Context, position, move string) (string, error)
	Status(ctx context.Context, position string) (PositionStatus, error)
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux, auth chain and OTEL instrumentation with the
// built-in routes. Called once during New after the built-in routes.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides role middleware for use in RouteRegistrar.
type AuthHelper interface {
	RequireRole(role Role) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
