package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/participant"
	"github.com/ashita-ai/kibitz/internal/rules"
	"github.com/ashita-ai/kibitz/internal/testutil"
)

// chooser replays a list of choices: 0 proposes an illegal move, anything
// else picks a legal move by index.
func chooser(choices []int) moveFunc {
	var mu sync.Mutex
	i := 0
	local := rules.NewLocal()
	return func(ctx context.Context, req participant.Request) (string, error) {
		mu.Lock()
		c := 1
		if i < len(choices) {
			c = choices[i]
		}
		i++
		mu.Unlock()
		if c == 0 {
			return "a1a1", nil
		}
		moves, err := local.LegalMoves(ctx, req.Position)
		if err != nil || len(moves) == 0 {
			return "", participant.ErrNoMove
		}
		return moves[c%len(moves)], nil
	}
}

func TestSnapshotInvariants(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("published snapshots stay consistent with history", prop.ForAll(
		func(choices []int) bool {
			rec := &recorder{}
			c := NewCoordinator(rules.Guard(testutil.NewAuthority(), time.Second),
				newFakeMoves(chooser(choices), chooser(choices)), rec,
				Config{RetryBudget: 2, FinalAckTimeout: time.Millisecond}, testutil.TestLogger())
			s := newTestSession("prop", Settings{})

			for ply := 0; ply < 30; ply++ {
				snap, err := c.Step(context.Background(), s)
				if err != nil {
					return false
				}
				history := s.History()
				if snap.MoveCount != len(history) {
					return false
				}
				if len(history) > 0 {
					last := history[len(history)-1]
					if snap.LastMove == nil || *snap.LastMove != last || snap.Position != last.Position {
						return false
					}
				}
				wantSide := model.SideWhite
				if len(history)%2 == 1 {
					wantSide = model.SideBlack
				}
				if snap.SideToMove != wantSide {
					return false
				}
				if snap.Status.Terminal() {
					break
				}
			}

			var prev uint64 = 1
			finals := 0
			for _, p := range rec.all() {
				if p.Revision <= prev {
					return false
				}
				prev = p.Revision
				if p.Status.Terminal() {
					finals++
				} else if finals > 0 {
					return false
				}
			}
			if finals > 1 {
				return false
			}

			before := s.Snapshot()
			if _, err := c.Step(context.Background(), s); before.Status.Terminal() && err == nil {
				return false
			}
			return !before.Status.Terminal() || s.Snapshot().Revision == before.Revision
		},
		gen.SliceOfN(40, gen.IntRange(0, 6)),
	))

	properties.TestingRun(t)
}
