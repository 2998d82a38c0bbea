package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/participant"
	"github.com/ashita-ai/kibitz/internal/rules"
	"github.com/ashita-ai/kibitz/internal/telemetry"
)

// MoveSource reaches participants. participant.Client implements it.
type MoveSource interface {
	RequestMove(ctx context.Context, h model.ParticipantHandle, req participant.Request) (string, error)
}

// Publisher fans snapshots out to observers. PublishFinal delivers the
// terminal snapshot and returns how many observers acknowledged it before
// ctx expired.
type Publisher interface {
	Publish(snap model.Snapshot)
	PublishFinal(ctx context.Context, snap model.Snapshot) int
}

// Config holds coordinator defaults; per-session Settings override them.
type Config struct {
	RetryBudget     int
	MoveTimeout     time.Duration
	FinalAckTimeout time.Duration
	Now             func() time.Time
}

// Coordinator drives sessions one ply at a time. It is the only writer of
// session state and is safe for concurrent use across sessions.
type Coordinator struct {
	rules    rules.Authority
	moves    MoveSource
	pub      Publisher
	cfg      Config
	logger   *slog.Logger
	onFinish func(model.Snapshot)

	tracer   trace.Tracer
	plies    metric.Int64Counter
	retries  metric.Int64Counter
	finished metric.Int64Counter
}

// NewCoordinator creates a Coordinator. authority should already be guarded
// (see rules.Guard).
func NewCoordinator(authority rules.Authority, moves MoveSource, pub Publisher, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if cfg.MoveTimeout <= 0 {
		cfg.MoveTimeout = 30 * time.Second
	}
	if cfg.FinalAckTimeout <= 0 {
		cfg.FinalAckTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		rules:  authority,
		moves:  moves,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		tracer: telemetry.Tracer("kibitz/game"),
	}
	meter := telemetry.Meter("kibitz/game")
	c.plies, _ = meter.Int64Counter("kibitz.plies",
		metric.WithDescription("Plies committed, by provenance"),
	)
	c.retries, _ = meter.Int64Counter("kibitz.retries",
		metric.WithDescription("Move attempts consumed by failures, by reason"),
	)
	c.finished, _ = meter.Int64Counter("kibitz.sessions.finished",
		metric.WithDescription("Sessions that reached a terminal status"),
	)
	return c
}

// OnFinish registers fn to run after a session's final snapshot is published.
// fn runs on the coordinator's goroutine and must not block.
func (c *Coordinator) OnFinish(fn func(model.Snapshot)) {
	c.onFinish = fn
}

// Step runs exactly one ply of s: ask the side to move, validate, apply,
// check termination and broadcast. Participant failures are absorbed by the
// retry budget; a rules authority failure leaves s unchanged and resumable
// and is returned wrapped in ErrRulesUnavailable.
func (c *Coordinator) Step(ctx context.Context, s *Session) (model.Snapshot, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	if s.status.Terminal() {
		return s.Snapshot(), fmt.Errorf("%w: %s", ErrSessionTerminal, s.id)
	}
	if s.cancelled.Load() {
		return c.finish(s, model.StatusForfeited, model.NoResult(model.ReasonCancelled)), nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.setInflight(cancel)
	defer func() {
		s.setInflight(nil)
		cancel()
	}()

	side := s.sideToMove()
	ctx, span := c.tracer.Start(ctx, "game.ply", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("side", string(side)),
		attribute.Int("ply", len(s.history)+1),
	))
	defer span.End()

	snap, err := c.ply(ctx, s, side)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return snap, err
}

// Run steps s until it finishes, the rules authority fails or ctx ends.
// Only one Run drives a session at a time; a second call returns at once.
func (c *Coordinator) Run(ctx context.Context, s *Session) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	defer s.running.Store(false)

	for {
		snap, err := c.Step(ctx, s)
		switch {
		case errors.Is(err, ErrSessionTerminal):
			return nil
		case err != nil:
			if ctx.Err() == nil {
				c.logger.Warn("session parked", "session_id", s.id, "moves", snap.MoveCount, "error", err)
			}
			return err
		case snap.Status.Terminal():
			return nil
		}
	}
}

// Cancel interrupts any ply in flight and finishes s as forfeited with no
// result. Cancelling a finished session returns its final snapshot.
func (c *Coordinator) Cancel(s *Session) model.Snapshot {
	s.requestCancel()
	s.cycle.Lock()
	defer s.cycle.Unlock()

	if s.status.Terminal() {
		return s.Snapshot()
	}
	return c.finish(s, model.StatusForfeited, model.NoResult(model.ReasonCancelled))
}

// Expire finishes s as expired when it is active, not mid-ply and has not
// changed for longer than idle. It reports whether s was expired.
func (c *Coordinator) Expire(s *Session, idle time.Duration) bool {
	if !s.cycle.TryLock() {
		return false
	}
	defer s.cycle.Unlock()

	if s.status.Terminal() || c.cfg.Now().Sub(s.updatedAt) < idle {
		return false
	}
	c.finish(s, model.StatusExpired, model.NoResult(model.ReasonIdle))
	return true
}

type applyResult int

const (
	applied applyResult = iota
	rejected
	stopped
)

func (c *Coordinator) ply(ctx context.Context, s *Session, side model.Side) (model.Snapshot, error) {
	h := s.participantFor(side)
	budget := c.budget(s)
	timeout := c.moveTimeout(s)
	history := s.encodings()

	for attempt := 1; attempt <= budget; attempt++ {
		s.setState(StateAwaitingMove)
		start := c.cfg.Now()
		move, err := c.moves.RequestMove(ctx, h, participant.Request{
			SessionID:  s.id,
			Position:   s.position,
			SideToMove: side,
			History:    history,
			Deadline:   start.Add(timeout),
		})
		if snap, stop, err := c.interrupted(ctx, s); stop {
			return snap, err
		}
		if err != nil {
			c.consume(ctx, s, side, attempt, budget, classifyParticipant(err))
			continue
		}

		if move == participant.Resign {
			c.logger.Info("participant resigned", "session_id", s.id, "side", side, "participant", h.Name)
			return c.finish(s, model.StatusForfeited, model.Win(side.Opponent(), model.ReasonResignation)), nil
		}

		snap, res, err := c.commit(ctx, s, side, move, model.ProvenanceParticipant)
		if res == rejected {
			c.consume(ctx, s, side, attempt, budget, fmt.Errorf("%w: %q", ErrIllegalMoveProposed, move))
			continue
		}
		return snap, err
	}

	if s.settings.TimeoutPolicy == model.PolicyDefaultMove {
		if snap, ok, err := c.defaultMove(ctx, s, side); ok {
			return snap, err
		}
	}
	c.logger.Warn("participant forfeited",
		"session_id", s.id,
		"side", side,
		"participant", h.Name,
		"attempts", budget,
	)
	return c.finish(s, model.StatusForfeited, model.Win(side.Opponent(), model.ReasonNonResponsive)), nil
}

// commit validates, applies and evaluates move. The move becomes part of the
// history only once all three rules calls have succeeded.
func (c *Coordinator) commit(ctx context.Context, s *Session, side model.Side, move string, prov model.Provenance) (model.Snapshot, applyResult, error) {
	s.setState(StateValidating)
	legal, err := c.rules.Validate(ctx, s.position, move)
	if snap, stop, err := c.interrupted(ctx, s); stop {
		return snap, stopped, err
	}
	if err != nil && !errors.Is(err, rules.ErrInvalidPosition) {
		snap, err := c.park(s, err)
		return snap, stopped, err
	}
	// The position is certified, so an invalid-position verdict blames the move.
	if err != nil || !legal {
		return model.Snapshot{}, rejected, nil
	}

	s.setState(StateApplying)
	next, err := c.rules.Apply(ctx, s.position, move)
	if snap, stop, err := c.interrupted(ctx, s); stop {
		return snap, stopped, err
	}
	if errors.Is(err, rules.ErrIllegalMove) || errors.Is(err, rules.ErrInvalidPosition) {
		return model.Snapshot{}, rejected, nil
	}
	if err != nil {
		snap, err := c.park(s, err)
		return snap, stopped, err
	}

	st, err := c.rules.Status(ctx, next)
	if snap, stop, err := c.interrupted(ctx, s); stop {
		return snap, stopped, err
	}
	if err != nil {
		snap, err := c.park(s, err)
		return snap, stopped, err
	}

	now := c.cfg.Now()
	s.appendMove(model.Move{
		Seq:        len(s.history) + 1,
		Encoding:   move,
		Side:       side,
		Provenance: prov,
		Position:   next,
		At:         now,
	})
	c.plies.Add(ctx, 1, metric.WithAttributes(attribute.String("provenance", string(prov))))

	if !st.Active {
		return c.finish(s, model.StatusTerminated, st.Outcome()), applied, nil
	}

	s.setState(StateBroadcasting)
	snap := s.publish(now)
	c.pub.Publish(snap)
	s.setState(StateIdle)
	return snap, applied, nil
}

func (c *Coordinator) defaultMove(ctx context.Context, s *Session, side model.Side) (model.Snapshot, bool, error) {
	lister, ok := c.rules.(rules.MoveLister)
	if !ok {
		return model.Snapshot{}, false, nil
	}
	moves, err := lister.LegalMoves(ctx, s.position)
	if snap, stop, err := c.interrupted(ctx, s); stop {
		return snap, true, err
	}
	if err != nil || len(moves) == 0 {
		c.logger.Warn("no default move available", "session_id", s.id, "error", err)
		return model.Snapshot{}, false, nil
	}
	c.logger.Info("playing default move", "session_id", s.id, "side", side, "move", moves[0])
	snap, res, err := c.commit(ctx, s, side, moves[0], model.ProvenanceTimeoutDefault)
	if res == rejected {
		return model.Snapshot{}, false, nil
	}
	return snap, true, err
}

// interrupted is the checkpoint between state transitions. A cancelled
// session is finished; a ctx that ended on its own abandons the ply without
// consuming budget.
func (c *Coordinator) interrupted(ctx context.Context, s *Session) (model.Snapshot, bool, error) {
	if s.cancelled.Load() {
		return c.finish(s, model.StatusForfeited, model.NoResult(model.ReasonCancelled)), true, nil
	}
	if err := ctx.Err(); err != nil {
		s.setState(StateIdle)
		return s.Snapshot(), true, err
	}
	return model.Snapshot{}, false, nil
}

func (c *Coordinator) consume(ctx context.Context, s *Session, side model.Side, attempt, budget int, err error) {
	c.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", retryReason(err))))
	c.logger.Warn("move attempt failed",
		"session_id", s.id,
		"side", side,
		"attempt", attempt,
		"budget", budget,
		"error", err,
	)
}

// park records a rules failure and returns the session to idle with its
// history untouched.
func (c *Coordinator) park(s *Session, cause error) (model.Snapshot, error) {
	err := fmt.Errorf("%w: %w", ErrRulesUnavailable, cause)
	c.logger.Error("rules authority unavailable", "session_id", s.id, "moves", len(s.history), "error", cause)
	s.lastErr = err.Error()
	s.setState(StateIdle)
	snap := s.publish(c.cfg.Now())
	c.pub.Publish(snap)
	return snap, err
}

func (c *Coordinator) finish(s *Session, status model.Status, outcome model.Outcome) model.Snapshot {
	now := c.cfg.Now()
	s.finish(status, outcome, now)
	snap := s.publish(now)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinalAckTimeout)
	acked := c.pub.PublishFinal(ctx, snap)
	cancel()

	c.finished.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", string(status))))
	c.logger.Info("session finished",
		"session_id", s.id,
		"status", status,
		"reason", outcome.Reason,
		"winner", outcome.Winner,
		"moves", snap.MoveCount,
		"observers_acked", acked,
	)
	if c.onFinish != nil {
		c.onFinish(snap)
	}
	return snap
}

func (c *Coordinator) budget(s *Session) int {
	if s.settings.RetryBudget > 0 {
		return s.settings.RetryBudget
	}
	return c.cfg.RetryBudget
}

func (c *Coordinator) moveTimeout(s *Session) time.Duration {
	if s.settings.MoveTimeout > 0 {
		return s.settings.MoveTimeout
	}
	return c.cfg.MoveTimeout
}
