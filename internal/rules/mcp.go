package rules

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kibitz/internal/chessmcp"
	"github.com/ashita-ai/kibitz/internal/model"
)

// MCP is a rules authority reached through the chess MCP server's tools.
type MCP struct {
	client *chessmcp.Client

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error
	healthAt    atomic.Int64 // unix nanos of last check
}

// NewMCP wraps a chess MCP client.
func NewMCP(client *chessmcp.Client) *MCP {
	return &MCP{client: client}
}

type validateResult struct {
	Valid bool    `json:"valid"`
	Error *string `json:"error"`
}

type makeMoveResult struct {
	Success bool    `json:"success"`
	NewFEN  string  `json:"new_fen"`
	Error   *string `json:"error"`
}

type statusResult struct {
	IsGameOver  bool    `json:"is_game_over"`
	Winner      *string `json:"winner"`
	Termination *string `json:"termination"`
	IsCheck     bool    `json:"is_check"`
	CurrentTurn string  `json:"current_turn"`
	Error       *string `json:"error"`
}

type legalMovesResult struct {
	Success    bool     `json:"success"`
	LegalMoves []string `json:"legal_moves"`
	Error      *string  `json:"error"`
}

type healthResult struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (m *MCP) Validate(ctx context.Context, position, move string) (bool, error) {
	var res validateResult
	if err := m.client.Call(ctx, "validate_move", map[string]any{"fen": position, "move_uci": move}, &res); err != nil {
		return false, err
	}
	// valid=false also covers moves that do not parse; positions reaching
	// Validate were certified by Status.
	return res.Valid, nil
}

func (m *MCP) Apply(ctx context.Context, position, move string) (string, error) {
	var res makeMoveResult
	if err := m.client.Call(ctx, "make_move", map[string]any{"fen": position, "move_uci": move}, &res); err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("%w: %q: %s", ErrIllegalMove, move, deref(res.Error))
	}
	return res.NewFEN, nil
}

func (m *MCP) Status(ctx context.Context, position string) (Status, error) {
	var res statusResult
	if err := m.client.Call(ctx, "get_game_status", map[string]any{"fen": position}, &res); err != nil {
		return Status{}, err
	}
	if res.Error != nil && *res.Error != "" {
		if positionError(res.Error) {
			return Status{}, fmt.Errorf("%w: %s", ErrInvalidPosition, *res.Error)
		}
		return Status{}, fmt.Errorf("rules: get_game_status: %s: %w", *res.Error, chessmcp.ErrMalformed)
	}
	turn, err := model.ParseSide(res.CurrentTurn)
	if err != nil {
		return Status{}, fmt.Errorf("rules: get_game_status: %w: %w", err, chessmcp.ErrMalformed)
	}

	st := Status{Active: !res.IsGameOver, Turn: turn, InCheck: res.IsCheck}
	if st.Active {
		return st, nil
	}
	st.Reason = normalizeTermination(deref(res.Termination))
	st.Winner = parseWinner(deref(res.Winner))
	if st.Winner == "" && st.Reason == ReasonCheckmate {
		// The side to move in a mated position is the loser.
		st.Winner = turn.Opponent()
	}
	return st, nil
}

func (m *MCP) LegalMoves(ctx context.Context, position string) ([]string, error) {
	var res legalMovesResult
	if err := m.client.Call(ctx, "get_legal_moves", map[string]any{"fen": position}, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPosition, deref(res.Error))
	}
	return res.LegalMoves, nil
}

// Healthy reports whether the chess MCP server answers health_check.
// Results are cached for 5 seconds and concurrent probes share one call.
func (m *MCP) Healthy(_ context.Context) error {
	if time.Since(time.Unix(0, m.healthAt.Load())) < 5*time.Second {
		return m.loadHealthErr()
	}

	// The probe uses its own context: singleflight shares the first caller's
	// work with every waiter.
	result, _, _ := m.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		var res healthResult
		err := m.client.Call(checkCtx, "health_check", nil, &res)
		switch {
		case err != nil:
			m.storeHealthErr(fmt.Errorf("rules: chess server unhealthy: %w", err))
		case res.Status != "healthy":
			m.storeHealthErr(fmt.Errorf("rules: chess server reports %q: %s", res.Status, res.Error))
		default:
			m.storeHealthErr(nil)
		}
		m.healthAt.Store(time.Now().UnixNano())
		return m.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// Close releases the MCP session.
func (m *MCP) Close() error {
	return m.client.Close()
}

func (m *MCP) storeHealthErr(err error) {
	m.healthErr.Store(&err)
}

func (m *MCP) loadHealthErr() error {
	v := m.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

func positionError(msg *string) bool {
	return msg != nil && strings.Contains(strings.ToLower(*msg), "fen")
}

// normalizeTermination maps the chess server's termination names
// ("Termination.CHECKMATE", "seventyfive_moves") onto Reason constants.
func normalizeTermination(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	t = strings.TrimPrefix(t, "termination.")
	switch t {
	case "checkmate":
		return ReasonCheckmate
	case "stalemate":
		return ReasonStalemate
	case "insufficient_material":
		return ReasonInsufficientMaterial
	case "seventyfive_moves", "seventy_five_moves", "75_move_rule":
		return ReasonSeventyFiveMoves
	case "fivefold_repetition":
		return ReasonFivefoldRepetition
	case "fifty_moves", "fifty_move_rule":
		return ReasonFiftyMoves
	case "threefold_repetition":
		return ReasonThreefoldRepetition
	case "":
		return "game_over"
	default:
		return t
	}
}

func parseWinner(w string) model.Side {
	switch strings.ToLower(strings.TrimSpace(w)) {
	case "white", "true":
		return model.SideWhite
	case "black", "false":
		return model.SideBlack
	default:
		return ""
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
