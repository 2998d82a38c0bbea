package participant

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/kibitz/internal/chessmcp"
)

// Engine asks the chess MCP server's engine tool for a move.
type Engine struct {
	client    *chessmcp.Client
	timeLimit time.Duration
}

// NewEngine creates an engine-backed participant. timeLimit is the search
// budget requested per move; it is capped by the call deadline.
func NewEngine(client *chessmcp.Client, timeLimit time.Duration) *Engine {
	if timeLimit <= 0 {
		timeLimit = 2 * time.Second
	}
	return &Engine{client: client, timeLimit: timeLimit}
}

type engineResult struct {
	Success bool    `json:"success"`
	MoveUCI *string `json:"move_uci"`
	Error   *string `json:"error"`
}

func (e *Engine) RequestMove(ctx context.Context, req Request) (string, error) {
	limit := e.timeLimit
	if deadline, ok := ctx.Deadline(); ok {
		// Leave headroom for the round trip.
		if remaining := time.Until(deadline) * 8 / 10; remaining < limit {
			limit = remaining
		}
	}
	if limit <= 0 {
		return "", context.DeadlineExceeded
	}

	var res engineResult
	err := e.client.Call(ctx, "get_stockfish_move", map[string]any{
		"fen":        req.Position,
		"time_limit": limit.Seconds(),
	}, &res)
	if err != nil {
		return "", fmt.Errorf("participant: engine: %w", err)
	}
	if !res.Success || res.MoveUCI == nil || *res.MoveUCI == "" {
		msg := "no move"
		if res.Error != nil {
			msg = *res.Error
		}
		return "", fmt.Errorf("participant: engine: %s: %w", msg, ErrNoMove)
	}
	return *res.MoveUCI, nil
}

// Close releases the engine's MCP session.
func (e *Engine) Close() error {
	return e.client.Close()
}
