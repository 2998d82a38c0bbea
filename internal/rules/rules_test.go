package rules_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/rules"
	"github.com/ashita-ai/kibitz/internal/testutil"
)

const stalemate = "7k/5Q2/6K1/8/8/8/8/8 b - - 0 1"

var foolsMate = []string{"f2f3", "e7e5", "g2g4", "d8h4"}

// authorities runs each test against the in-process authority and the MCP
// adapter talking to a chess server with the same rules.
func authorities(t *testing.T) map[string]rules.Authority {
	t.Helper()
	return map[string]rules.Authority{
		"local": rules.NewLocal(),
		"mcp":   rules.NewMCP(testutil.NewChessClient(t, testutil.NewChessServer())),
	}
}

func play(t *testing.T, a rules.Authority, moves ...string) string {
	t.Helper()
	pos := rules.StartingPosition
	for _, m := range moves {
		next, err := a.Apply(context.Background(), pos, m)
		require.NoError(t, err, "apply %s", m)
		pos = next
	}
	return pos
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	for name, a := range authorities(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := a.Validate(ctx, rules.StartingPosition, "e2e4")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = a.Validate(ctx, rules.StartingPosition, "e2e5")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = a.Validate(ctx, rules.StartingPosition, "not-a-move")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	for name, a := range authorities(t) {
		t.Run(name, func(t *testing.T) {
			pos := play(t, a, "e2e4")
			assert.NotEqual(t, rules.StartingPosition, pos)

			st, err := a.Status(ctx, pos)
			require.NoError(t, err)
			assert.True(t, st.Active)
			assert.Equal(t, model.SideBlack, st.Turn)

			_, err = a.Apply(ctx, pos, "e2e4")
			assert.ErrorIs(t, err, rules.ErrIllegalMove)
		})
	}
}

func TestUnparseableMoveIsIllegal(t *testing.T) {
	ctx := context.Background()
	for name, a := range authorities(t) {
		t.Run(name, func(t *testing.T) {
			// Free text mentioning "fen" must not read as a bad position.
			for _, move := range []string{"I defend", "offense", "fen"} {
				ok, err := a.Validate(ctx, rules.StartingPosition, move)
				require.NoError(t, err, move)
				assert.False(t, ok, move)

				_, err = a.Apply(ctx, rules.StartingPosition, move)
				assert.ErrorIs(t, err, rules.ErrIllegalMove, move)
				assert.NotErrorIs(t, err, rules.ErrInvalidPosition, move)
			}
		})
	}
}

func TestStatusCheckmate(t *testing.T) {
	ctx := context.Background()
	for name, a := range authorities(t) {
		t.Run(name, func(t *testing.T) {
			pos := play(t, a, foolsMate...)
			st, err := a.Status(ctx, pos)
			require.NoError(t, err)
			assert.False(t, st.Active)
			assert.Equal(t, rules.ReasonCheckmate, st.Reason)
			assert.Equal(t, model.SideBlack, st.Winner)
			assert.Equal(t, model.Win(model.SideBlack, rules.ReasonCheckmate), st.Outcome())
		})
	}
}

func TestStatusStalemate(t *testing.T) {
	for name, a := range authorities(t) {
		t.Run(name, func(t *testing.T) {
			st, err := a.Status(context.Background(), stalemate)
			require.NoError(t, err)
			assert.False(t, st.Active)
			assert.Equal(t, rules.ReasonStalemate, st.Reason)
			assert.Empty(t, st.Winner)
			assert.Equal(t, model.OutcomeDraw, st.Outcome().Kind)
		})
	}
}

func TestLegalMoves(t *testing.T) {
	for name, a := range authorities(t) {
		t.Run(name, func(t *testing.T) {
			lister, ok := a.(rules.MoveLister)
			require.True(t, ok)
			moves, err := lister.LegalMoves(context.Background(), rules.StartingPosition)
			require.NoError(t, err)
			assert.Len(t, moves, 20)
			assert.Contains(t, moves, "g1f3")
		})
	}
}

func TestLocalInvalidPosition(t *testing.T) {
	_, err := rules.NewLocal().Status(context.Background(), "definitely not fen")
	assert.ErrorIs(t, err, rules.ErrInvalidPosition)
}

func TestMCPHealthy(t *testing.T) {
	a := rules.NewMCP(testutil.NewChessClient(t, testutil.NewChessServer()))
	assert.NoError(t, a.Healthy(context.Background()))
	// Second call is served from the cache.
	assert.NoError(t, a.Healthy(context.Background()))
}

type slowAuthority struct{ rules.Authority }

func (s slowAuthority) Validate(ctx context.Context, _, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

type brokenAuthority struct{ rules.Authority }

func (brokenAuthority) Apply(context.Context, string, string) (string, error) {
	return "", nil
}

func (brokenAuthority) Status(context.Context, string) (rules.Status, error) {
	return rules.Status{}, errors.New("connection refused")
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("timeout becomes unavailable", func(t *testing.T) {
		g := rules.Guard(slowAuthority{rules.NewLocal()}, 20*time.Millisecond)
		start := time.Now()
		_, err := g.Validate(ctx, rules.StartingPosition, "e2e4")
		assert.ErrorIs(t, err, rules.ErrUnavailable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("illegal move passes through", func(t *testing.T) {
		g := rules.Guard(rules.NewLocal(), time.Second)
		_, err := g.Apply(ctx, rules.StartingPosition, "e2e5")
		assert.ErrorIs(t, err, rules.ErrIllegalMove)
		assert.NotErrorIs(t, err, rules.ErrUnavailable)
	})

	t.Run("malformed responses become unavailable", func(t *testing.T) {
		g := rules.Guard(brokenAuthority{rules.NewLocal()}, time.Second)
		_, err := g.Apply(ctx, rules.StartingPosition, "e2e4")
		assert.ErrorIs(t, err, rules.ErrUnavailable)
		_, err = g.Status(ctx, rules.StartingPosition)
		assert.ErrorIs(t, err, rules.ErrUnavailable)
	})

	t.Run("legal moves and health forward", func(t *testing.T) {
		g := rules.Guard(rules.NewLocal(), time.Second)
		moves, err := g.(rules.MoveLister).LegalMoves(ctx, rules.StartingPosition)
		require.NoError(t, err)
		assert.Len(t, moves, 20)
		assert.NoError(t, g.(rules.HealthChecker).Healthy(ctx))
	})
}
