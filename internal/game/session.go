// Package game holds the per-session state and the turn coordinator that is
// its only writer.
package game

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kibitz/internal/model"
)

// State is the coordinator's position in the ply cycle.
type State string

const (
	StateIdle         State = "idle"
	StateAwaitingMove State = "awaiting_move"
	StateValidating   State = "validating"
	StateApplying     State = "applying"
	StateBroadcasting State = "broadcasting"
	StateTerminated   State = "terminated"
	StateForfeited    State = "forfeited"
)

// Settings are the per-session knobs fixed at creation.
type Settings struct {
	Mode          string        // model.ModeAuto or model.ModeManual
	MoveTimeout   time.Duration // per participant call
	RetryBudget   int           // attempts per ply, shared by all failure kinds
	TimeoutPolicy string        // model.PolicyForfeit or model.PolicyDefaultMove
}

// view is what readers see: an immutable snapshot plus the history prefix
// it describes.
type view struct {
	snap    model.Snapshot
	history []model.Move
}

// Session is one game. Its mutable fields are written only by a Coordinator
// holding cycle; everyone else reads the last published view.
type Session struct {
	id         string
	bindings   model.Bindings
	firstMover model.Side
	initial    string
	settings   Settings
	createdAt  time.Time

	cycle sync.Mutex // held for the whole of one coordinator cycle

	position  string
	history   []model.Move
	status    model.Status
	outcome   *model.Outcome
	revision  uint64
	lastErr   string
	updatedAt time.Time

	state atomic.Value // State
	view  atomic.Pointer[view]

	cancelled  atomic.Bool
	running    atomic.Bool
	inflightMu sync.Mutex
	inflight   context.CancelFunc
}

// NewSession creates an active session at position with firstMover to move,
// and publishes its first view.
func NewSession(id string, b model.Bindings, position string, firstMover model.Side, settings Settings, now time.Time) *Session {
	s := &Session{
		id:         id,
		bindings:   b,
		firstMover: firstMover,
		initial:    position,
		settings:   settings,
		createdAt:  now,
		position:   position,
		status:     model.StatusActive,
		updatedAt:  now,
	}
	s.setState(StateIdle)
	s.publish(now)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Bindings returns the participants in move order.
func (s *Session) Bindings() model.Bindings { return s.bindings }

// Settings returns the session's fixed settings.
func (s *Session) Settings() Settings { return s.settings }

// InitialPosition returns the position the session started from.
func (s *Session) InitialPosition() string { return s.initial }

// State returns the coordinator state last entered for this session.
func (s *Session) State() State { return s.state.Load().(State) }

// Running reports whether a background run loop currently drives the session.
func (s *Session) Running() bool { return s.running.Load() }

// Snapshot returns a copy of the last published view.
func (s *Session) Snapshot() model.Snapshot {
	snap := s.view.Load().snap
	if snap.LastMove != nil {
		m := *snap.LastMove
		snap.LastMove = &m
	}
	if snap.Outcome != nil {
		o := *snap.Outcome
		snap.Outcome = &o
	}
	return snap
}

// History returns a copy of the published move history.
func (s *Session) History() []model.Move {
	h := s.view.Load().history
	out := make([]model.Move, len(h))
	copy(out, h)
	return out
}

// Transcript returns the history with a trailing forfeit marker for
// sessions that ended by forfeit.
func (s *Session) Transcript() []model.Move {
	v := s.view.Load()
	out := s.History()
	if v.snap.Status != model.StatusForfeited || v.snap.Outcome == nil {
		return out
	}
	loser := v.snap.SideToMove
	if v.snap.Outcome.Winner != "" {
		loser = v.snap.Outcome.Winner.Opponent()
	}
	return append(out, model.Move{
		Seq:        len(out) + 1,
		Encoding:   v.snap.Outcome.Reason,
		Side:       loser,
		Provenance: model.ProvenanceForfeit,
		At:         v.snap.UpdatedAt,
	})
}

// The methods below require s.cycle.

func (s *Session) setState(st State) { s.state.Store(st) }

func (s *Session) sideToMove() model.Side {
	if len(s.history)%2 == 0 {
		return s.firstMover
	}
	return s.firstMover.Opponent()
}

func (s *Session) participantFor(side model.Side) model.ParticipantHandle {
	if side == s.firstMover {
		return s.bindings.First
	}
	return s.bindings.Second
}

func (s *Session) encodings() []string {
	out := make([]string, len(s.history))
	for i, m := range s.history {
		out[i] = m.Encoding
	}
	return out
}

func (s *Session) appendMove(m model.Move) {
	s.history = append(s.history, m)
	s.position = m.Position
	s.lastErr = ""
	s.updatedAt = m.At
}

func (s *Session) finish(status model.Status, outcome model.Outcome, now time.Time) {
	s.status = status
	s.outcome = &outcome
	s.updatedAt = now
	if status == model.StatusForfeited {
		s.setState(StateForfeited)
	} else {
		s.setState(StateTerminated)
	}
}

// publish bumps the revision and stores a fresh immutable view.
func (s *Session) publish(now time.Time) model.Snapshot {
	s.revision++
	n := len(s.history)
	snap := model.Snapshot{
		SessionID:    s.id,
		Revision:     s.revision,
		Position:     s.position,
		SideToMove:   s.sideToMove(),
		FirstMover:   s.firstMover,
		MoveCount:    n,
		Status:       s.status,
		Participants: s.bindings,
		LastError:    s.lastErr,
		CreatedAt:    s.createdAt,
		UpdatedAt:    now,
	}
	if n > 0 {
		last := s.history[n-1]
		snap.LastMove = &last
	}
	if s.outcome != nil {
		o := *s.outcome
		snap.Outcome = &o
	}
	s.view.Store(&view{snap: snap, history: s.history[:n:n]})
	return s.Snapshot()
}

// requestCancel marks the session cancelled and interrupts any call in flight.
func (s *Session) requestCancel() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.cancelled.Store(true)
	if s.inflight != nil {
		s.inflight()
	}
}

func (s *Session) setInflight(cancel context.CancelFunc) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.inflight = cancel
	if cancel != nil && s.cancelled.Load() {
		cancel()
	}
}
