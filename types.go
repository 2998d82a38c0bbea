package kibitz

import (
	"time"

	"github.com/ashita-ai/kibitz/internal/config"
	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/rules"
)

// Config is the server configuration. Build one with LoadConfig and adjust
// fields before passing it to WithConfig.
type Config = config.Config

// LoadConfig reads configuration from KIBITZ_* environment variables.
func LoadConfig() (Config, error) {
	return config.Load()
}

// Role is an API token's access level.
type Role string

const (
	RoleOperator Role = "operator"
	RoleObserver Role = "observer"
)

// Outcome is the result of a finished game.
type Outcome struct {
	Kind   string // win | draw | none
	Winner string // white | black, empty unless Kind is win
	Reason string
}

// Move is one ply of a game.
type Move struct {
	Seq        int
	Move       string
	Side       string
	Provenance string // proposed-by-participant | timeout-default | forfeit
	At         time.Time
}

// Snapshot is the public view of a session handed to hooks.
// No internal package imports; safe to use from outside the module.
type Snapshot struct {
	SessionID  string
	Revision   uint64
	Position   string
	SideToMove string
	FirstMover string
	MoveCount  int
	Status     string // active | terminated | forfeited | expired
	Outcome    *Outcome
	LastMove   *Move
	First      string // participant names in move order
	Second     string
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ParticipantHandle describes a participant as named in a start request or
// the roster.
type ParticipantHandle struct {
	Name            string
	Transport       string // http | a2a | mcp-engine | scripted
	Address         string
	Capabilities    map[string]string
	TimeLimitMillis int64
	Moves           []string
}

// MoveRequest is what a participant is asked when it is its turn.
type MoveRequest struct {
	SessionID  string
	Position   string
	SideToMove string
	History    []string
	Deadline   time.Time
}

// PositionStatus is a rules authority's verdict on a position.
type PositionStatus struct {
	Active  bool
	Turn    string // white | black
	Winner  string // empty unless the game ended decisively
	Reason  string // checkmate, stalemate, ... empty while active
	InCheck bool
}

// Errors a RulesAuthority returns for caller mistakes. Any other error is
// treated as the authority being unavailable.
var (
	ErrIllegalMove     = rules.ErrIllegalMove
	ErrInvalidPosition = rules.ErrInvalidPosition
)

func toPublicSnapshot(s model.Snapshot) Snapshot {
	out := Snapshot{
		SessionID:  s.SessionID,
		Revision:   s.Revision,
		Position:   s.Position,
		SideToMove: string(s.SideToMove),
		FirstMover: string(s.FirstMover),
		MoveCount:  s.MoveCount,
		Status:     string(s.Status),
		First:      s.Participants.First.Name,
		Second:     s.Participants.Second.Name,
		LastError:  s.LastError,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
	if s.Outcome != nil {
		out.Outcome = &Outcome{
			Kind:   string(s.Outcome.Kind),
			Winner: string(s.Outcome.Winner),
			Reason: s.Outcome.Reason,
		}
	}
	if s.LastMove != nil {
		out.LastMove = &Move{
			Seq:        s.LastMove.Seq,
			Move:       s.LastMove.Encoding,
			Side:       string(s.LastMove.Side),
			Provenance: string(s.LastMove.Provenance),
			At:         s.LastMove.At,
		}
	}
	return out
}

func toPublicHandle(h model.ParticipantHandle) ParticipantHandle {
	return ParticipantHandle{
		Name:            h.Name,
		Transport:       h.Transport,
		Address:         h.Address,
		Capabilities:    h.Capabilities,
		TimeLimitMillis: h.TimeLimitMillis,
		Moves:           h.Moves,
	}
}
