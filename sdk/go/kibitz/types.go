package kibitz

import "time"

// Side is white or black.
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
	StatusForfeited  Status = "forfeited"
	StatusExpired    Status = "expired"
)

// Finished reports whether no further moves will be played.
func (s Status) Finished() bool {
	return s == StatusTerminated || s == StatusForfeited || s == StatusExpired
}

// Play modes.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// ParticipantHandle describes how to reach a participant.
type ParticipantHandle struct {
	Name            string            `json:"name,omitempty"`
	Transport       string            `json:"transport"`
	Address         string            `json:"address,omitempty"`
	Capabilities    map[string]string `json:"capabilities,omitempty"`
	TimeLimitMillis int64             `json:"time_limit_ms,omitempty"`
	Moves           []string          `json:"moves,omitempty"`
}

// ParticipantRef names a participant by roster entry or inline handle.
type ParticipantRef struct {
	Roster string             `json:"roster,omitempty"`
	Handle *ParticipantHandle `json:"handle,omitempty"`
}

// Roster refers to a participant configured on the server.
func Roster(name string) ParticipantRef { return ParticipantRef{Roster: name} }

// Inline refers to a participant by handle.
func Inline(h ParticipantHandle) ParticipantRef { return ParticipantRef{Handle: &h} }

// StartSessionRequest is the input to StartSession.
type StartSessionRequest struct {
	SessionID       string         `json:"session_id,omitempty"`
	First           ParticipantRef `json:"first"`
	Second          ParticipantRef `json:"second"`
	InitialPosition string         `json:"initial_position,omitempty"`
	Mode            string         `json:"mode,omitempty"`
	MoveTimeoutMS   int64          `json:"move_timeout_ms,omitempty"`
	RetryBudget     int            `json:"retry_budget,omitempty"`
	TimeoutPolicy   string         `json:"timeout_policy,omitempty"`
}

// Move is one ply of a game.
type Move struct {
	Seq        int       `json:"seq"`
	Move       string    `json:"move"`
	Side       Side      `json:"side"`
	Provenance string    `json:"provenance"`
	Position   string    `json:"position,omitempty"`
	At         time.Time `json:"at"`
}

// Outcome is the result of a finished game.
type Outcome struct {
	Kind   string `json:"kind"`
	Winner Side   `json:"winner,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Snapshot is the published state of a session.
type Snapshot struct {
	SessionID      string    `json:"session_id"`
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

// Bindings are the participants of a session in move order.
type Bindings struct {
	First  ParticipantHandle `json:"first"`
	Second ParticipantHandle `json:"second"`
}

// ListOptions filter ListSessions.
type ListOptions struct {
	Status Status
	Limit  int
	Offset int
}

// SessionList is one page of sessions.
type SessionList struct {
	Sessions []Snapshot
	Total    int
}

// Health is the server's health report.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	RulesProvider string `json:"rules_provider"`
	Rules         string `json:"rules"`
	OpenCircuits  int    `json:"open_circuits"`
	LiveSessions  int    `json:"live_sessions"`
	Observers     int    `json:"observers"`
	Uptime        int64  `json:"uptime_seconds"`
}
