package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/notnil/chess"

	"github.com/ashita-ai/kibitz/internal/model"
)

// StartingPosition is the standard initial position.
const StartingPosition = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Local is an in-process rules authority backed by github.com/notnil/chess.
// It is stateless: every call decodes the position it is given.
type Local struct{}

// NewLocal returns an in-process authority.
func NewLocal() *Local { return &Local{} }

func (l *Local) Validate(_ context.Context, position, move string) (bool, error) {
	game, err := decode(position)
	if err != nil {
		return false, err
	}
	return findMove(game.Position(), move) != nil, nil
}

func (l *Local) Apply(_ context.Context, position, move string) (string, error) {
	game, err := decode(position)
	if err != nil {
		return "", err
	}
	m := findMove(game.Position(), move)
	if m == nil {
		return "", fmt.Errorf("%w: %q in %q", ErrIllegalMove, move, position)
	}
	if err := game.Move(m); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}
	return game.Position().String(), nil
}

func (l *Local) Status(_ context.Context, position string) (Status, error) {
	game, err := decode(position)
	if err != nil {
		return Status{}, err
	}
	pos := game.Position()
	st := Status{
		Active: true,
		Turn:   side(pos.Turn()),
	}

	method := game.Method()
	outcome := game.Outcome()
	if outcome == chess.NoOutcome {
		// Positions decoded from FEN may not have been evaluated yet.
		switch pos.Status() {
		case chess.Checkmate:
			method, outcome = chess.Checkmate, decisive(pos.Turn().Other())
		case chess.Stalemate:
			method, outcome = chess.Stalemate, chess.Draw
		}
	}
	if outcome == chess.NoOutcome {
		return st, nil
	}

	st.Active = false
	st.Reason = methodReason(method)
	switch outcome {
	case chess.WhiteWon:
		st.Winner = model.SideWhite
	case chess.BlackWon:
		st.Winner = model.SideBlack
	}
	st.InCheck = method == chess.Checkmate
	return st, nil
}

func (l *Local) LegalMoves(_ context.Context, position string) ([]string, error) {
	game, err := decode(position)
	if err != nil {
		return nil, err
	}
	valid := game.Position().ValidMoves()
	moves := make([]string, 0, len(valid))
	for _, m := range valid {
		moves = append(moves, m.String())
	}
	return moves, nil
}

func decode(position string) (*chess.Game, error) {
	opt, err := chess.FEN(strings.TrimSpace(position))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return chess.NewGame(opt), nil
}

func findMove(pos *chess.Position, move string) *chess.Move {
	move = strings.ToLower(strings.TrimSpace(move))
	for _, m := range pos.ValidMoves() {
		if m.String() == move {
			return m
		}
	}
	return nil
}

func side(c chess.Color) model.Side {
	if c == chess.Black {
		return model.SideBlack
	}
	return model.SideWhite
}

func decisive(winner chess.Color) chess.Outcome {
	if winner == chess.Black {
		return chess.BlackWon
	}
	return chess.WhiteWon
}

func methodReason(m chess.Method) string {
	switch m {
	case chess.Checkmate:
		return ReasonCheckmate
	case chess.Stalemate:
		return ReasonStalemate
	case chess.InsufficientMaterial:
		return ReasonInsufficientMaterial
	case chess.SeventyFiveMoveRule:
		return ReasonSeventyFiveMoves
	case chess.FivefoldRepetition:
		return ReasonFivefoldRepetition
	case chess.FiftyMoveRule:
		return ReasonFiftyMoves
	case chess.ThreefoldRepetition:
		return ReasonThreefoldRepetition
	default:
		return "game_over"
	}
}
