package participant

import (
	"context"
	"errors"
	"sync"
)

// Script tokens with special behavior.
const (
	// ScriptStall waits until the call deadline passes.
	ScriptStall = "<stall>"
	// ScriptFail returns an error immediately.
	ScriptFail = "<fail>"
)

// ErrScriptExhausted is returned once a scripted participant runs out of moves.
var ErrScriptExhausted = errors.New("participant: script exhausted")

// Scripted plays a fixed list of moves. Each session keeps its own cursor,
// and every call (including retries) consumes one entry.
type Scripted struct {
	moves []string

	mu      sync.Mutex
	cursors map[string]int
}

// NewScripted creates a scripted participant.
func NewScripted(moves []string) *Scripted {
	return &Scripted{moves: append([]string(nil), moves...), cursors: make(map[string]int)}
}

func (s *Scripted) RequestMove(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	i := s.cursors[req.SessionID]
	if i >= len(s.moves) {
		s.mu.Unlock()
		return "", ErrScriptExhausted
	}
	s.cursors[req.SessionID] = i + 1
	move := s.moves[i]
	s.mu.Unlock()

	switch move {
	case ScriptStall:
		<-ctx.Done()
		return "", ctx.Err()
	case ScriptFail:
		return "", errors.New("participant: scripted failure")
	}
	return move, nil
}
