// Package testutil provides shared test infrastructure: a quiet logger, a
// fake chess MCP server backed by the in-process rules authority, and a
// programmable rules authority for fault injection.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ashita-ai/kibitz/internal/rules"
)

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// Authority wraps an inner rules authority and lets tests inject outages,
// override status results and count calls.
type Authority struct {
	Inner rules.Authority

	mu       sync.Mutex
	failures int
	status   func(position string) (rules.Status, bool)
	calls    map[string]int
}

// NewAuthority wraps the in-process authority.
func NewAuthority() *Authority {
	return &Authority{Inner: rules.NewLocal(), calls: make(map[string]int)}
}

// FailNext makes the next n calls fail with a transport error.
func (a *Authority) FailNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = n
}

// OverrideStatus installs fn; when it returns true its status replaces the
// inner authority's answer.
func (a *Authority) OverrideStatus(fn func(position string) (rules.Status, bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = fn
}

// Calls returns how many times op ("validate", "apply", "status", "legal",
// "health") ran.
func (a *Authority) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

func (a *Authority) enter(op string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[op]++
	if a.failures > 0 {
		a.failures--
		return fmt.Errorf("testutil: injected %s outage", op)
	}
	return nil
}

func (a *Authority) Validate(ctx context.Context, position, move string) (bool, error) {
	if err := a.enter("validate"); err != nil {
		return false, err
	}
	return a.Inner.Validate(ctx, position, move)
}

func (a *Authority) Apply(ctx context.Context, position, move string) (string, error) {
	if err := a.enter("apply"); err != nil {
		return "", err
	}
	return a.Inner.Apply(ctx, position, move)
}

func (a *Authority) Status(ctx context.Context, position string) (rules.Status, error) {
	if err := a.enter("status"); err != nil {
		return rules.Status{}, err
	}
	a.mu.Lock()
	override := a.status
	a.mu.Unlock()
	if override != nil {
		if st, ok := override(position); ok {
			return st, nil
		}
	}
	return a.Inner.Status(ctx, position)
}

func (a *Authority) LegalMoves(ctx context.Context, position string) ([]string, error) {
	if err := a.enter("legal"); err != nil {
		return nil, err
	}
	lister, ok := a.Inner.(rules.MoveLister)
	if !ok {
		return nil, fmt.Errorf("testutil: inner authority cannot list moves")
	}
	return lister.LegalMoves(ctx, position)
}

// Healthy reports an injected outage as unhealthy.
func (a *Authority) Healthy(ctx context.Context) error {
	if err := a.enter("health"); err != nil {
		return err
	}
	if hc, ok := a.Inner.(rules.HealthChecker); ok {
		return hc.Healthy(ctx)
	}
	return nil
}
