// Package games is the session control surface shared by the HTTP API and
// the MCP server: start, advance, resume, cancel, read and observe sessions.
package games

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kibitz/internal/game"
	"github.com/ashita-ai/kibitz/internal/hub"
	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/rules"
	"github.com/ashita-ai/kibitz/internal/session"
	"github.com/ashita-ai/kibitz/internal/telemetry"
)

var (
	// ErrInvalidInput wraps every request validation failure.
	ErrInvalidInput = errors.New("games: invalid input")

	// ErrConflict is returned when a live session id is reused with
	// different participants.
	ErrConflict = errors.New("games: session exists with different participants")
)

// hookTimeout bounds each FinishHook call.
const hookTimeout = 10 * time.Second

// Roster resolves participant names to handles.
type Roster interface {
	Lookup(name string) (model.ParticipantHandle, bool)
}

// FinishHook is notified once per session when it reaches a terminal status.
type FinishHook interface {
	OnSessionFinished(ctx context.Context, snap model.Snapshot) error
}

// Config holds session defaults and lifetime settings.
type Config struct {
	MoveTimeout     time.Duration
	RetryBudget     int
	FinalAckTimeout time.Duration
	ObserverQueue   int
	IdleTTL         time.Duration // how long finished sessions and tombstones live
	AbandonAfter    time.Duration // inactivity before an active session expires
	SweepInterval   time.Duration
	EvictFinished   bool // evict finished sessions as soon as nobody observes them
	AllowPrivate    bool // allow participant addresses on private networks
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Rules  rules.Authority // guarded
	Moves  game.MoveSource
	Roster Roster // may be nil
	Hooks  []FinishHook
}

// Service owns the session store, the observer hub and the coordinator.
type Service struct {
	store  *session.Store
	hub    *hub.Hub
	coord  *game.Coordinator
	rules  rules.Authority
	roster Roster
	hooks  []FinishHook
	cfg    Config
	logger *slog.Logger

	runCtx    context.Context
	runCancel context.CancelFunc
	loops     sync.WaitGroup
	hookWG    sync.WaitGroup
	closed    atomic.Bool

	started metric.Int64Counter
}

// New creates a Service.
func New(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = 2 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	h := hub.New(cfg.ObserverQueue, logger)
	s := &Service{
		store:  session.NewStore(cfg.IdleTTL),
		hub:    h,
		rules:  deps.Rules,
		roster: deps.Roster,
		hooks:  deps.Hooks,
		cfg:    cfg,
		logger: logger,
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.coord = game.NewCoordinator(deps.Rules, deps.Moves, h, game.Config{
		RetryBudget:     cfg.RetryBudget,
		MoveTimeout:     cfg.MoveTimeout,
		FinalAckTimeout: cfg.FinalAckTimeout,
	}, logger)
	s.coord.OnFinish(s.onFinish)

	meter := telemetry.Meter("kibitz/games")
	s.started, _ = meter.Int64Counter("kibitz.sessions.started",
		metric.WithDescription("Sessions created"),
	)
	_, _ = meter.Int64ObservableGauge("kibitz.sessions.live",
		metric.WithDescription("Sessions held in memory"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.store.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kibitz.observers",
		metric.WithDescription("Connected observers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.hub.Count()))
			return nil
		}),
	)
	return s
}

// Start creates a session, or returns the existing one when id is already
// live with the same participants. created reports whether a new session
// was made. Auto sessions begin playing in the background.
func (s *Service) Start(ctx context.Context, req model.StartSessionRequest) (snap model.Snapshot, created bool, err error) {
	// 1. Validate the request and resolve participants.
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if err := model.ValidateSessionID(id); err != nil {
		return model.Snapshot{}, false, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	first, err := s.resolve("first", req.First)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	second, err := s.resolve("second", req.Second)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	bindings := model.Bindings{First: first, Second: second}
	settings, err := s.settings(req)
	if err != nil {
		return model.Snapshot{}, false, err
	}

	// 2. Get or create. The rules authority decides who moves first.
	sess, created, err := s.store.GetOrCreate(id, func() (*game.Session, error) {
		position := req.InitialPosition
		if position == "" {
			position = rules.StartingPosition
		}
		st, err := s.rules.Status(ctx, position)
		switch {
		case errors.Is(err, rules.ErrInvalidPosition):
			return nil, fmt.Errorf("%w: initial_position: %w", ErrInvalidInput, err)
		case err != nil:
			return nil, fmt.Errorf("%w: %w", game.ErrRulesUnavailable, err)
		case !st.Active:
			return nil, fmt.Errorf("%w: initial_position is already finished (%s)", ErrInvalidInput, st.Reason)
		}
		return game.NewSession(id, bindings, position, st.Turn, settings, time.Now()), nil
	})
	if err != nil {
		var te *session.TombstoneError
		if errors.As(err, &te) {
			return te.Snapshot, false, err
		}
		return model.Snapshot{}, false, err
	}
	if !created {
		if !sess.Bindings().Equal(bindings) {
			return sess.Snapshot(), false, fmt.Errorf("%w: %s", ErrConflict, id)
		}
		return sess.Snapshot(), false, nil
	}

	// 3. Launch.
	s.started.Add(ctx, 1)
	s.logger.Info("session started",
		"session_id", id,
		"first", first.Name,
		"second", second.Name,
		"first_mover", sess.Snapshot().FirstMover,
		"mode", settings.Mode,
	)
	if settings.Mode == model.ModeAuto {
		s.launch(sess)
	}
	return sess.Snapshot(), true, nil
}

// Advance runs one ply of a manual session and returns its snapshot. For an
// auto session it restarts the background loop if it has parked and returns
// the current snapshot.
func (s *Service) Advance(ctx context.Context, id string) (model.Snapshot, error) {
	sess, err := s.live(id)
	if err != nil {
		return s.terminalOr(id, err)
	}
	if sess.Settings().Mode == model.ModeAuto {
		return s.Resume(ctx, id)
	}
	return s.coord.Step(ctx, sess)
}

// Resume restarts the background loop of a parked auto session. Manual
// sessions only move on Advance.
func (s *Service) Resume(_ context.Context, id string) (model.Snapshot, error) {
	sess, err := s.live(id)
	if err != nil {
		return s.terminalOr(id, err)
	}
	snap := sess.Snapshot()
	if snap.Status.Terminal() {
		return snap, fmt.Errorf("%w: %s", game.ErrSessionTerminal, id)
	}
	if sess.Settings().Mode == model.ModeManual {
		return snap, fmt.Errorf("%w: %s: manual sessions advance one ply per request", ErrInvalidInput, id)
	}
	s.launch(sess)
	return snap, nil
}

// Cancel finishes the session as forfeited with no result. Cancelling a
// finished or evicted session returns its final snapshot.
func (s *Service) Cancel(_ context.Context, id string) (model.Snapshot, error) {
	sess, err := s.live(id)
	if err != nil {
		if rec, ok := s.store.Tombstone(id); ok {
			return rec.Snapshot, nil
		}
		return model.Snapshot{}, err
	}
	return s.coord.Cancel(sess), nil
}

// Snapshot returns the latest snapshot of a live or recently evicted session.
func (s *Service) Snapshot(_ context.Context, id string) (model.Snapshot, error) {
	sess, err := s.live(id)
	if err != nil {
		if rec, ok := s.store.Tombstone(id); ok {
			return rec.Snapshot, nil
		}
		return model.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Transcript returns the move history, with a trailing forfeit marker for
// forfeited sessions.
func (s *Service) Transcript(_ context.Context, id string) ([]model.Move, error) {
	sess, err := s.live(id)
	if err != nil {
		if rec, ok := s.store.Tombstone(id); ok {
			return rec.Moves, nil
		}
		return nil, err
	}
	return sess.Transcript(), nil
}

// ListInput filters List.
type ListInput struct {
	Status model.Status // empty for all
	Limit  int
	Offset int
}

// List returns snapshots of live sessions, oldest first, and the total
// number matching the filter.
func (s *Service) List(_ context.Context, in ListInput) ([]model.Snapshot, int) {
	var matched []model.Snapshot
	for _, sess := range s.store.List() {
		snap := sess.Snapshot()
		if in.Status != "" && snap.Status != in.Status {
			continue
		}
		matched = append(matched, snap)
	}
	total := len(matched)
	if in.Offset >= total {
		return []model.Snapshot{}, total
	}
	matched = matched[in.Offset:]
	if in.Limit > 0 && in.Limit < len(matched) {
		matched = matched[:in.Limit]
	}
	return matched, total
}

// Subscribe opens an observer stream. The first delivery is the current
// snapshot. Callers must Unsubscribe when done.
func (s *Service) Subscribe(_ context.Context, id string) (*hub.Subscription, error) {
	seed, err := s.current(id)
	if err != nil {
		return nil, err
	}
	return s.subscribeFrom(id, seed)
}

// subscribeFrom registers with the hub, then re-reads the session: it may
// have finished and been evicted after seed was read, in which case the hub
// never publishes to this subscription again.
func (s *Service) subscribeFrom(id string, seed model.Snapshot) (*hub.Subscription, error) {
	sub := s.hub.Subscribe(id, seed)
	latest, err := s.current(id)
	if err != nil {
		s.Unsubscribe(sub)
		return nil, err
	}
	if latest.Revision > seed.Revision {
		s.hub.CatchUp(sub, latest)
	}
	return sub, nil
}

// current returns the live snapshot of id, or its tombstone.
func (s *Service) current(id string) (model.Snapshot, error) {
	sess, err := s.live(id)
	if err == nil {
		return sess.Snapshot(), nil
	}
	if rec, ok := s.store.Tombstone(id); ok {
		return rec.Snapshot, nil
	}
	return model.Snapshot{}, err
}

// Unsubscribe closes an observer stream. When the last observer of a
// finished session leaves, the session may be evicted.
func (s *Service) Unsubscribe(sub *hub.Subscription) {
	s.hub.Unsubscribe(sub)
	s.release(sub.SessionID)
}

// Sweep expires abandoned sessions and evicts finished ones that have been
// idle beyond the configured TTL.
func (s *Service) Sweep() {
	expired := 0
	for _, sess := range s.store.List() {
		if sess.Snapshot().Status == model.StatusActive && !sess.Running() && s.coord.Expire(sess, s.cfg.AbandonAfter) {
			expired++
		}
	}
	evicted := s.store.SweepExpired(s.cfg.IdleTTL)
	for _, id := range evicted {
		s.hub.Drop(id)
	}
	if expired > 0 || len(evicted) > 0 {
		s.logger.Info("session sweep", "expired", expired, "evicted", len(evicted), "live", s.store.Len())
	}
}

// RunSweeper calls Sweep every SweepInterval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Healthy probes the rules authority.
func (s *Service) Healthy(ctx context.Context) error {
	if hc, ok := s.rules.(rules.HealthChecker); ok {
		return hc.Healthy(ctx)
	}
	return nil
}

// LiveSessions returns the number of sessions in memory.
func (s *Service) LiveSessions() int { return s.store.Len() }

// Observers returns the number of connected observers.
func (s *Service) Observers() int { return s.hub.Count() }

// Close stops background play, ends every observer stream and waits for
// running loops and hooks until ctx is done.
func (s *Service) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.runCancel()
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		s.hub.Close()
		s.hookWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("games: close: %w", ctx.Err())
	}
}

func (s *Service) launch(sess *game.Session) {
	if s.closed.Load() || sess.Running() {
		return
	}
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		_ = s.coord.Run(s.runCtx, sess)
	}()
}

// onFinish runs on the coordinator goroutine right after the final broadcast.
func (s *Service) onFinish(snap model.Snapshot) {
	for _, hook := range s.hooks {
		s.hookWG.Add(1)
		go func() {
			defer s.hookWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			if err := hook.OnSessionFinished(ctx, snap); err != nil {
				s.logger.Warn("session finished hook failed", "session_id", snap.SessionID, "error", err)
			}
		}()
	}
	s.release(snap.SessionID)
}

// release evicts a finished session once nobody observes it.
func (s *Service) release(id string) {
	if s.hub.SubscriberCount(id) > 0 {
		return
	}
	if _, err := s.store.Get(id); err != nil {
		s.hub.Drop(id)
		return
	}
	if s.cfg.EvictFinished && s.store.Evict(id) {
		s.hub.Drop(id)
		s.logger.Debug("session evicted", "session_id", id)
	}
}

func (s *Service) live(id string) (*game.Session, error) {
	return s.store.Get(id)
}

// terminalOr answers for an evicted session with its final snapshot and
// ErrSessionTerminal, or returns err.
func (s *Service) terminalOr(id string, err error) (model.Snapshot, error) {
	if rec, ok := s.store.Tombstone(id); ok {
		return rec.Snapshot, fmt.Errorf("%w: %s", game.ErrSessionTerminal, id)
	}
	return model.Snapshot{}, err
}

func (s *Service) resolve(side string, ref model.ParticipantRef) (model.ParticipantHandle, error) {
	var h model.ParticipantHandle
	switch {
	case ref.Roster != "" && ref.Handle != nil:
		return h, fmt.Errorf("%w: %s: set either roster or handle, not both", ErrInvalidInput, side)
	case ref.Roster != "":
		if s.roster == nil {
			return h, fmt.Errorf("%w: %s: no participant roster configured", ErrInvalidInput, side)
		}
		found, ok := s.roster.Lookup(ref.Roster)
		if !ok {
			return h, fmt.Errorf("%w: %s: unknown participant %q", ErrInvalidInput, side, ref.Roster)
		}
		h = found
	case ref.Handle != nil:
		h = *ref.Handle
	default:
		return h, fmt.Errorf("%w: %s participant is required", ErrInvalidInput, side)
	}
	if err := model.ValidateHandle(h, s.cfg.AllowPrivate); err != nil {
		return h, fmt.Errorf("%w: %s: %w", ErrInvalidInput, side, err)
	}
	return h, nil
}

func (s *Service) settings(req model.StartSessionRequest) (game.Settings, error) {
	st := game.Settings{
		Mode:          req.Mode,
		TimeoutPolicy: req.TimeoutPolicy,
		RetryBudget:   req.RetryBudget,
	}
	switch st.Mode {
	case "":
		st.Mode = model.ModeAuto
	case model.ModeAuto, model.ModeManual:
	default:
		return st, fmt.Errorf("%w: mode must be %q or %q", ErrInvalidInput, model.ModeAuto, model.ModeManual)
	}
	switch st.TimeoutPolicy {
	case "":
		st.TimeoutPolicy = model.PolicyForfeit
	case model.PolicyForfeit, model.PolicyDefaultMove:
	default:
		return st, fmt.Errorf("%w: timeout_policy must be %q or %q", ErrInvalidInput, model.PolicyForfeit, model.PolicyDefaultMove)
	}
	if req.RetryBudget < 0 || req.RetryBudget > 20 {
		return st, fmt.Errorf("%w: retry_budget must be between 1 and 20", ErrInvalidInput)
	}
	if req.MoveTimeoutMS < 0 {
		return st, fmt.Errorf("%w: move_timeout_ms must not be negative", ErrInvalidInput)
	}
	st.MoveTimeout = time.Duration(req.MoveTimeoutMS) * time.Millisecond
	return st, nil
}
