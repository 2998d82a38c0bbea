// Package participant calls the external decision-makers that propose moves.
// Every transport is adapted to the single Participant interface; Client adds
// per-call deadlines, per-handle circuit breaking and optional pacing on top.
package participant

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/ashita-ai/kibitz/internal/model"
)

var (
	// ErrTimeout is returned when the participant misses the call deadline.
	ErrTimeout = errors.New("participant: timeout")

	// ErrCircuitOpen is returned without contacting the participant while its
	// circuit is open or its half-open trial is already in flight.
	ErrCircuitOpen = errors.New("participant: circuit open")

	// ErrNoMove is returned when a reply carries no recognizable move.
	ErrNoMove = errors.New("participant: no move in reply")

	// ErrUnsupportedTransport is returned by dialers for unknown transports.
	ErrUnsupportedTransport = errors.New("participant: unsupported transport")
)

// Resign is the reply token a participant uses to concede.
const Resign = "resign"

// Request is what a participant is told when asked for a move.
type Request struct {
	SessionID  string     `json:"session_id"`
	Position   string     `json:"position"`
	SideToMove model.Side `json:"side_to_move"`
	History    []string   `json:"move_history"`
	Deadline   time.Time  `json:"-"`
}

// DeadlineMillis is the remaining budget relative to now, never negative.
func (r Request) DeadlineMillis(now time.Time) int64 {
	if r.Deadline.IsZero() {
		return 0
	}
	ms := r.Deadline.Sub(now).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// Participant proposes a move for the side to move.
type Participant interface {
	RequestMove(ctx context.Context, req Request) (string, error)
}

// Func adapts an ordinary function to Participant.
type Func func(ctx context.Context, req Request) (string, error)

// RequestMove calls f.
func (f Func) RequestMove(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Dialer turns a handle into a callable participant.
type Dialer interface {
	Dial(h model.ParticipantHandle) (Participant, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(h model.ParticipantHandle) (Participant, error)

// Dial calls f.
func (f DialerFunc) Dial(h model.ParticipantHandle) (Participant, error) {
	return f(h)
}

var uciPattern = regexp.MustCompile(`(?i)\b([a-h][1-8][a-h][1-8][qrbn]?)\b`)

// ExtractMove pulls the first UCI-looking move, or the resign token, out of
// free-form text. Agents often wrap their move in prose or markdown.
func ExtractMove(text string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if trimmed == "" {
		return "", ErrNoMove
	}
	if m := uciPattern.FindStringSubmatch(trimmed); m != nil {
		return m[1], nil
	}
	if strings.Contains(trimmed, Resign) {
		return Resign, nil
	}
	return "", ErrNoMove
}
