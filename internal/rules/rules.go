// Package rules is the client side of the rules authority: the only source of
// truth for move legality, move application and game termination. Every call
// is a pure function of a position token.
package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kibitz/internal/model"
)

var (
	// ErrIllegalMove is returned by Apply when the authority rejects the move.
	ErrIllegalMove = errors.New("rules: illegal move")

	// ErrInvalidPosition is returned when a position token cannot be decoded.
	ErrInvalidPosition = errors.New("rules: invalid position")

	// ErrUnavailable wraps transport failures, timeouts and malformed responses.
	ErrUnavailable = errors.New("rules: authority unavailable")
)

// Termination reasons reported in Status.Reason.
const (
	ReasonCheckmate            = "checkmate"
	ReasonStalemate            = "stalemate"
	ReasonInsufficientMaterial = "insufficient_material"
	ReasonSeventyFiveMoves     = "seventy_five_move_rule"
	ReasonFivefoldRepetition   = "fivefold_repetition"
	ReasonFiftyMoves           = "fifty_move_rule"
	ReasonThreefoldRepetition  = "threefold_repetition"
)

// Status describes a position.
type Status struct {
	Active  bool
	Turn    model.Side
	Winner  model.Side // empty unless the game ended decisively
	Reason  string     // empty while active
	InCheck bool
}

// Outcome converts a finished status into a session outcome.
func (s Status) Outcome() model.Outcome {
	if s.Winner != "" {
		return model.Win(s.Winner, s.Reason)
	}
	return model.Draw(s.Reason)
}

// Authority is the rules authority contract.
type Authority interface {
	Validate(ctx context.Context, position, move string) (bool, error)
	Apply(ctx context.Context, position, move string) (string, error)
	Status(ctx context.Context, position string) (Status, error)
}

// MoveLister is implemented by authorities that can enumerate legal moves.
type MoveLister interface {
	LegalMoves(ctx context.Context, position string) ([]string, error)
}

// HealthChecker is implemented by authorities reached over a network.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Guard bounds every call to a with timeout and normalizes failures: anything
// other than ErrIllegalMove or ErrInvalidPosition becomes ErrUnavailable.
func Guard(a Authority, timeout time.Duration) Authority {
	return &guarded{inner: a, timeout: timeout}
}

type guarded struct {
	inner   Authority
	timeout time.Duration
}

func (g *guarded) Validate(ctx context.Context, position, move string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ok, err := g.inner.Validate(ctx, position, move)
	return ok, classify("validate", err)
}

func (g *guarded) Apply(ctx context.Context, position, move string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	next, err := g.inner.Apply(ctx, position, move)
	if err == nil && next == "" {
		err = fmt.Errorf("empty position returned")
	}
	return next, classify("apply", err)
}

func (g *guarded) Status(ctx context.Context, position string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	st, err := g.inner.Status(ctx, position)
	if err == nil && st.Turn == "" {
		err = fmt.Errorf("status without side to move")
	}
	return st, classify("status", err)
}

// LegalMoves forwards to the inner authority when it supports listing.
func (g *guarded) LegalMoves(ctx context.Context, position string) ([]string, error) {
	lister, ok := g.inner.(MoveLister)
	if !ok {
		return nil, fmt.Errorf("rules: legal moves not supported: %w", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	moves, err := lister.LegalMoves(ctx, position)
	return moves, classify("legal moves", err)
}

// Healthy forwards to the inner authority; in-process authorities are always healthy.
func (g *guarded) Healthy(ctx context.Context) error {
	if hc, ok := g.inner.(HealthChecker); ok {
		return hc.Healthy(ctx)
	}
	return nil
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrIllegalMove), errors.Is(err, ErrInvalidPosition), errors.Is(err, ErrUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
}
