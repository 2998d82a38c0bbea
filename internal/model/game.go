package model

import (
	"fmt"
	"strings"
	"time"
)

// Side identifies one of the two players in a session.
type Side string

const (
	SideWhite Side = "white"
	SideBlack Side = "black"
)

// Opponent returns the other side. The zero Side has no opponent.
func (s Side) Opponent() Side {
	switch s {
	case SideWhite:
		return SideBlack
	case SideBlack:
		return SideWhite
	default:
		return ""
	}
}

// ParseSide accepts "white"/"black" and the single-letter FEN forms.
func ParseSide(s string) (Side, error) {
	switch s {
	case "white", "w":
		return SideWhite, nil
	case "black", "b":
		return SideBlack, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Status is the lifecycle status of a game session.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
	StatusForfeited  Status = "forfeited"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further moves may be applied in this status.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// OutcomeKind classifies how a game ended.
type OutcomeKind string

const (
	OutcomeNone OutcomeKind = "none"
	OutcomeWin  OutcomeKind = "win"
	OutcomeDraw OutcomeKind = "draw"
)

// Outcome is the result of a finished session. Reason distinguishes
// checkmate from forfeits, cancellations and draws of every kind.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Winner Side        `json:"winner,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Win builds a decisive outcome.
func Win(winner Side, reason string) Outcome {
	return Outcome{Kind: OutcomeWin, Winner: winner, Reason: reason}
}

// Draw builds a drawn outcome.
func Draw(reason string) Outcome {
	return Outcome{Kind: OutcomeDraw, Reason: reason}
}

// NoResult builds an outcome for sessions that ended without a result.
func NoResult(reason string) Outcome {
	return Outcome{Kind: OutcomeNone, Reason: reason}
}

// Outcome reasons produced by the coordinator itself. Rules-derived reasons
// (checkmate, stalemate, ...) come from the rules authority.
const (
	ReasonNonResponsive = "forfeit: non-responsive participant"
	ReasonCancelled     = "cancelled"
	ReasonResignation   = "resignation"
	ReasonIdle          = "expired: idle"
)

// Provenance records where a move came from.
type Provenance string

const (
	ProvenanceParticipant    Provenance = "proposed-by-participant"
	ProvenanceForfeit        Provenance = "forfeit"
	ProvenanceTimeoutDefault Provenance = "timeout-default"
)

// Move is one ply. Moves are immutable once appended to a session's history.
type Move struct {
	Seq        int        `json:"seq"`
	Encoding   string     `json:"move"`
	Side       Side       `json:"side"`
	Provenance Provenance `json:"provenance"`
	// Position is the position token the rules authority returned after
	// applying this move. Empty for forfeit markers.
	Position string    `json:"position,omitempty"`
	At       time.Time `json:"at"`
}

// Participant transports understood by the participant dialer.
const (
	TransportHTTP     = "http"
	TransportA2A      = "a2a"
	TransportEngine   = "mcp-engine"
	TransportScripted = "scripted"
)

// ParticipantHandle is an opaque reference to a decision-maker. The
// coordinator only ever uses it as a call target.
type ParticipantHandle struct {
	Name         string            `json:"name,omitempty" yaml:"name"`
	Transport    string            `json:"transport" yaml:"transport"`
	Address      string            `json:"address,omitempty" yaml:"address"`
	Capabilities map[string]string `json:"capabilities,omitempty" yaml:"capabilities"`
	// TimeLimitMillis is passed to engine-backed participants as their search budget.
	TimeLimitMillis int64 `json:"time_limit_ms,omitempty" yaml:"time_limit_ms"`
	// Moves is the fixed move list of a scripted participant.
	Moves []string `json:"moves,omitempty" yaml:"moves"`
}

// Key identifies the handle for per-participant state such as circuit
// breakers. A scripted participant is its name plus its script.
func (h ParticipantHandle) Key() string {
	switch {
	case h.Address != "":
		return h.Transport + "|" + h.Address
	case h.Transport == TransportScripted:
		return h.Transport + "|" + h.Name + "|" + strings.Join(h.Moves, ",")
	default:
		return h.Transport + "|" + h.Name
	}
}

// Bindings holds the two participants of a session in move order.
type Bindings struct {
	First  ParticipantHandle `json:"first"`
	Second ParticipantHandle `json:"second"`
}

// Equal reports whether both bindings reference the same participants.
func (b Bindings) Equal(o Bindings) bool {
	return b.First.Key() == o.First.Key() && b.Second.Key() == o.Second.Key()
}

// Snapshot is an immutable, point-in-time view of a session.
type Snapshot struct {
	SessionID string `json:"session_id"`
	// Revision increases by one for every state the session publishes.
	Revision       uint64    `json:"revision"`
	Position       string    `json:"position"`
	SideToMove     Side      `json:"side_to_move"`
	FirstMover     Side      `json:"first_mover"`
	LastMove       *Move     `json:"last_move,omitempty"`
	MoveCount      int       `json:"move_count"`
	Status         Status    `json:"status"`
	Outcome        *Outcome  `json:"outcome,omitempty"`
	ResyncRequired bool      `json:"resync_required"`
	Participants   Bindings  `json:"participants"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
