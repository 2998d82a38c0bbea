package game

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/kibitz/internal/participant"
)

// Error taxonomy. The participant errors are recovered inside the retry
// budget and only ever surface as a forfeit; the rest reach callers.
var (
	ErrParticipantTimeout     = errors.New("game: participant timeout")
	ErrParticipantUnreachable = errors.New("game: participant unreachable")
	ErrIllegalMoveProposed    = errors.New("game: illegal move proposed")
	ErrRulesUnavailable       = errors.New("game: rules authority unavailable")
	ErrSessionNotFound        = errors.New("game: session not found")
	ErrSessionTerminal        = errors.New("game: session already terminal")
)

func classifyParticipant(err error) error {
	if errors.Is(err, participant.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrParticipantTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrParticipantUnreachable, err)
}

// retryReason is the metric label for a consumed attempt.
func retryReason(err error) string {
	switch {
	case errors.Is(err, ErrParticipantTimeout):
		return "timeout"
	case errors.Is(err, ErrIllegalMoveProposed):
		return "illegal_move"
	default:
		return "unreachable"
	}
}
