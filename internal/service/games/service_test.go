package games

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kibitz/internal/game"
	"github.com/ashita-ai/kibitz/internal/hub"
	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/participant"
	"github.com/ashita-ai/kibitz/internal/rules"
	"github.com/ashita-ai/kibitz/internal/testutil"
)

const checkmated = "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3"

type mapRoster map[string]model.ParticipantHandle

func (r mapRoster) Lookup(name string) (model.ParticipantHandle, bool) {
	h, ok := r[name]
	return h, ok
}

type recordingHook struct {
	mu    sync.Mutex
	snaps []model.Snapshot
}

func (h *recordingHook) OnSessionFinished(_ context.Context, snap model.Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snaps = append(h.snaps, snap)
	return nil
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.snaps)
}

func scripted(name string, moves ...string) *model.ParticipantHandle {
	return &model.ParticipantHandle{Name: name, Transport: model.TransportScripted, Moves: moves}
}

func newTestService(t *testing.T, auth rules.Authority, cfg Config, hooks ...FinishHook) *Service {
	t.Helper()
	if auth == nil {
		auth = testutil.NewAuthority()
	}
	if cfg.MoveTimeout == 0 {
		cfg.MoveTimeout = time.Second
	}
	cfg.FinalAckTimeout = 200 * time.Millisecond
	client := participant.NewClient(participant.NewNetDialer(nil, "test"), participant.Config{}, testutil.TestLogger())
	svc := New(Deps{
		Rules: rules.Guard(auth, time.Second),
		Moves: client,
		Roster: mapRoster{
			"fools-white": *scripted("fools-white", "f2f3", "g2g4"),
			"fools-black": *scripted("fools-black", "e7e5", "d8h4"),
		},
		Hooks: hooks,
	}, cfg, testutil.TestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func manual(id string, first, second *model.ParticipantHandle) model.StartSessionRequest {
	return model.StartSessionRequest{
		SessionID: id,
		First:     model.ParticipantRef{Handle: first},
		Second:    model.ParticipantRef{Handle: second},
		Mode:      model.ModeManual,
	}
}

func TestManualSessionAdvancesOnePlyPerRequest(t *testing.T) {
	svc := newTestService(t, nil, Config{})
	ctx := context.Background()

	snap, created, err := svc.Start(ctx, manual("g1", scripted("w", "e2e4", "g1f3"), scripted("b", "e7e5", "b8c6")))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.SideWhite, snap.FirstMover)
	assert.Zero(t, snap.MoveCount)

	for i := 1; i <= 4; i++ {
		snap, err = svc.Advance(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, i, snap.MoveCount)
	}
	assert.Equal(t, model.StatusActive, snap.Status)

	moves, err := svc.Transcript(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, moves, 4)
	assert.Equal(t, []string{"e2e4", "e7e5", "g1f3", "b8c6"},
		[]string{moves[0].Encoding, moves[1].Encoding, moves[2].Encoding, moves[3].Encoding})
}

func TestAutoSessionPlaysToCompletionAndIsEvicted(t *testing.T) {
	hook := &recordingHook{}
	svc := newTestService(t, nil, Config{EvictFinished: true}, hook)
	ctx := context.Background()

	_, _, err := svc.Start(ctx, model.StartSessionRequest{
		SessionID: "fools",
		First:     model.ParticipantRef{Roster: "fools-white"},
		Second:    model.ParticipantRef{Roster: "fools-black"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := svc.Snapshot(ctx, "fools")
		return err == nil && snap.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)

	snap, err := svc.Snapshot(ctx, "fools")
	require.NoError(t, err)
	assert.Equal(t, model.StatusTerminated, snap.Status)
	assert.Equal(t, model.SideBlack, snap.Outcome.Winner)
	assert.Equal(t, rules.ReasonCheckmate, snap.Outcome.Reason)

	require.Eventually(t, func() bool { return svc.LiveSessions() == 0 }, time.Second, time.Millisecond,
		"finished sessions without observers are evicted")
	moves, err := svc.Transcript(ctx, "fools")
	require.NoError(t, err)
	assert.Len(t, moves, 4)
	require.Eventually(t, func() bool { return hook.count() == 1 }, time.Second, time.Millisecond)

	again, _, err := svc.Start(ctx, model.StartSessionRequest{
		SessionID: "fools",
		First:     model.ParticipantRef{Roster: "fools-white"},
		Second:    model.ParticipantRef{Roster: "fools-black"},
	})
	assert.ErrorIs(t, err, game.ErrSessionTerminal)
	assert.Equal(t, snap.Revision, again.Revision)
}

func TestStartIsGetOrCreate(t *testing.T) {
	svc := newTestService(t, nil, Config{})
	ctx := context.Background()
	req := manual("g1", scripted("w", "e2e4"), scripted("b", "e7e5"))

	first, created, err := svc.Start(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := svc.Start(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Revision, again.Revision)

	other := manual("g1", scripted("w", "d2d4"), scripted("b", "e7e5"))
	_, _, err = svc.Start(ctx, other)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, svc.LiveSessions())
}

func TestStartGeneratesSessionID(t *testing.T) {
	svc := newTestService(t, nil, Config{})
	snap, _, err := svc.Start(context.Background(), manual("", scripted("w", "e2e4"), scripted("b", "e7e5")))
	require.NoError(t, err)
	assert.NoError(t, model.ValidateSessionID(snap.SessionID))
}

func TestStartValidation(t *testing.T) {
	svc := newTestService(t, nil, Config{})
	w, b := scripted("w", "e2e4"), scripted("b", "e7e5")

	tests := []struct {
		name string
		req  model.StartSessionRequest
	}{
		{"bad id", manual("has space", w, b)},
		{"missing participant", model.StartSessionRequest{SessionID: "x", First: model.ParticipantRef{Handle: w}}},
		{"unknown roster name", model.StartSessionRequest{SessionID: "x", First: model.ParticipantRef{Roster: "nobody"}, Second: model.ParticipantRef{Handle: b}}},
		{"roster and handle", model.StartSessionRequest{SessionID: "x", First: model.ParticipantRef{Roster: "fools-white", Handle: w}, Second: model.ParticipantRef{Handle: b}}},
		{"private address", manual("x", &model.ParticipantHandle{Name: "p", Transport: model.TransportHTTP, Address: "http://127.0.0.1:9000"}, b)},
		{"bad mode", func() model.StartSessionRequest { r := manual("x", w, b); r.Mode = "turbo"; return r }()},
		{"bad policy", func() model.StartSessionRequest { r := manual("x", w, b); r.TimeoutPolicy = "pray"; return r }()},
		{"bad position", func() model.StartSessionRequest { r := manual("x", w, b); r.InitialPosition = "not a fen"; return r }()},
		{"finished position", func() model.StartSessionRequest { r := manual("x", w, b); r.InitialPosition = checkmated; return r }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Start(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Zero(t, svc.LiveSessions())
}

func TestStartFromCustomPosition(t *testing.T) {
	svc := newTestService(t, nil, Config{})
	req := manual("g1", scripted("w", "e7e5"), scripted("b", "g1f3"))
	req.InitialPosition = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1"

	snap, _, err := svc.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.SideBlack, snap.FirstMover)
	assert.Equal(t, model.SideBlack, snap.SideToMove)

	// The first participant plays black from here.
	snap, err = svc.Advance(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, model.SideBlack, snap.LastMove.Side)
}

func TestCancelIsIdempotentAcrossEviction(t *testing.T) {
	svc := newTestService(t, nil, Config{EvictFinished: true})
	ctx := context.Background()
	_, _, err := svc.Start(ctx, manual("g1", scripted("w", "e2e4"), scripted("b", "e7e5")))
	require.NoError(t, err)

	first, err := svc.Cancel(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusForfeited, first.Status)
	assert.Equal(t, model.ReasonCancelled, first.Outcome.Reason)
	assert.Zero(t, svc.LiveSessions())

	second, err := svc.Cancel(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = svc.Advance(ctx, "g1")
	assert.ErrorIs(t, err, game.ErrSessionTerminal)

	_, err = svc.Cancel(ctx, "never-existed")
	assert.ErrorIs(t, err, game.ErrSessionNotFound)
}

func TestSubscribeStreamsUntilFinal(t *testing.T) {
	svc := newTestService(t, nil, Config{EvictFinished: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := svc.Start(ctx, manual("g1", scripted("w", "e2e4"), scripted("b", "e7e5")))
	require.NoError(t, err)

	sub, err := svc.Subscribe(ctx, "g1")
	require.NoError(t, err)
	first, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Revision)

	_, err = svc.Advance(ctx, "g1")
	require.NoError(t, err)
	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MoveCount)

	cancelled := make(chan model.Snapshot, 1)
	go func() {
		snap, _ := svc.Cancel(ctx, "g1")
		cancelled <- snap
	}()
	final, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusForfeited, final.Status)
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, hub.ErrClosed)
	<-cancelled

	assert.Equal(t, 1, svc.LiveSessions(), "an observed session is kept")
	svc.Unsubscribe(sub)
	assert.Zero(t, svc.LiveSessions())
	assert.Zero(t, svc.Observers())

	snap, err := svc.Snapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, final.Revision, snap.Revision)
}

func TestSubscribeToEvictedSessionDeliversFinal(t *testing.T) {
	svc := newTestService(t, nil, Config{EvictFinished: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := svc.Start(ctx, manual("g1", scripted("w", "e2e4"), scripted("b", "e7e5")))
	require.NoError(t, err)
	final, err := svc.Cancel(ctx, "g1")
	require.NoError(t, err)

	sub, err := svc.Subscribe(ctx, "g1")
	require.NoError(t, err)
	defer svc.Unsubscribe(sub)
	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, final.Revision, got.Revision)
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, hub.ErrClosed)

	_, err = svc.Subscribe(ctx, "missing")
	assert.ErrorIs(t, err, game.ErrSessionNotFound)
}

func TestSubscribeRacingEvictionStillSeesFinal(t *testing.T) {
	svc := newTestService(t, nil, Config{EvictFinished: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := svc.Start(ctx, manual("g1", scripted("w", "e2e4"), scripted("b", "e7e5")))
	require.NoError(t, err)

	// The session finishes and is evicted between reading the seed and
	// registering with the hub.
	seed, err := svc.Snapshot(ctx, "g1")
	require.NoError(t, err)
	final, err := svc.Cancel(ctx, "g1")
	require.NoError(t, err)
	require.Zero(t, svc.LiveSessions())

	sub, err := svc.subscribeFrom("g1", seed)
	require.NoError(t, err)
	first, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, first.Status)
	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, final.Revision, got.Revision)
	assert.Equal(t, model.StatusForfeited, got.Status)
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, hub.ErrClosed)

	svc.Unsubscribe(sub)
	assert.Zero(t, svc.Observers())
}

func TestRulesOutage(t *testing.T) {
	auth := testutil.NewAuthority()
	svc := newTestService(t, auth, Config{})
	ctx := context.Background()
	// The parked attempt consumes one scripted reply.
	req := manual("g1", scripted("w", "e2e4", "e2e4"), scripted("b", "e7e5"))

	auth.FailNext(1)
	_, _, err := svc.Start(ctx, req)
	require.ErrorIs(t, err, game.ErrRulesUnavailable)
	assert.Zero(t, svc.LiveSessions(), "a failed start can be retried")

	_, _, err = svc.Start(ctx, req)
	require.NoError(t, err)

	auth.FailNext(1)
	snap, err := svc.Advance(ctx, "g1")
	require.ErrorIs(t, err, game.ErrRulesUnavailable)
	assert.Zero(t, snap.MoveCount)
	assert.NotEmpty(t, snap.LastError)

	snap, err = svc.Advance(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.MoveCount)
}

// flakyValidate fails Validate while down is set.
type flakyValidate struct {
	rules.Authority
	down atomic.Bool
}

func (f *flakyValidate) Validate(ctx context.Context, position, move string) (bool, error) {
	if f.down.Load() {
		return false, errors.New("connection refused")
	}
	return f.Authority.Validate(ctx, position, move)
}

func TestResumeRestartsParkedAutoSession(t *testing.T) {
	auth := &flakyValidate{Authority: rules.NewLocal()}
	auth.down.Store(true)
	svc := newTestService(t, auth, Config{})
	ctx := context.Background()

	// The parked attempt consumes one scripted reply.
	req := manual("g1", scripted("w", "f2f3", "f2f3", "g2g4"), scripted("b", "e7e5", "d8h4"))
	req.Mode = model.ModeAuto
	_, _, err := svc.Start(ctx, req)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := svc.Snapshot(ctx, "g1")
		return err == nil && snap.LastError != ""
	}, 5*time.Second, 5*time.Millisecond, "session parks while the authority is down")

	auth.down.Store(false)
	require.Eventually(t, func() bool {
		_, _ = svc.Resume(ctx, "g1")
		snap, err := svc.Snapshot(ctx, "g1")
		return err == nil && snap.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := svc.Snapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusTerminated, snap.Status)
	assert.Equal(t, 4, snap.MoveCount)
}

func TestResumeRejectsManualSession(t *testing.T) {
	svc := newTestService(t, nil, Config{})
	ctx := context.Background()
	_, _, err := svc.Start(ctx, manual("g1", scripted("w", "e2e4", "d2d4"), scripted("b", "e7e5")))
	require.NoError(t, err)

	_, err = svc.Resume(ctx, "g1")
	require.ErrorIs(t, err, ErrInvalidInput)

	// Still manual: nothing moves until Advance.
	time.Sleep(50 * time.Millisecond)
	snap, err := svc.Snapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Zero(t, snap.MoveCount)

	snap, err = svc.Advance(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.MoveCount)
}

func TestSweepExpiresAbandonedSessions(t *testing.T) {
	svc := newTestService(t, nil, Config{AbandonAfter: 10 * time.Millisecond, IdleTTL: time.Hour})
	ctx := context.Background()
	_, _, err := svc.Start(ctx, manual("g1", scripted("w", "e2e4"), scripted("b", "e7e5")))
	require.NoError(t, err)

	svc.Sweep()
	snap, err := svc.Snapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, snap.Status)

	time.Sleep(20 * time.Millisecond)
	svc.Sweep()
	snap, err = svc.Snapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, snap.Status)
	assert.Equal(t, model.ReasonIdle, snap.Outcome.Reason)
	assert.Equal(t, 1, svc.LiveSessions(), "kept until idle TTL when eager eviction is off")
}

func TestSweepEvictsIdleFinishedSessions(t *testing.T) {
	svc := newTestService(t, nil, Config{IdleTTL: 10 * time.Millisecond})
	ctx := context.Background()
	_, _, err := svc.Start(ctx, manual("g1", scripted("w", "e2e4"), scripted("b", "e7e5")))
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, svc.LiveSessions())

	time.Sleep(20 * time.Millisecond)
	svc.Sweep()
	assert.Zero(t, svc.LiveSessions())
}

func TestList(t *testing.T) {
	svc := newTestService(t, nil, Config{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := svc.Start(ctx, manual(id, scripted("w", "e2e4"), scripted("b", "e7e5")))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err := svc.Cancel(ctx, "b")
	require.NoError(t, err)

	all, total := svc.List(ctx, ListInput{})
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].SessionID)

	active, total := svc.List(ctx, ListInput{Status: model.StatusActive})
	assert.Equal(t, 2, total)
	assert.Len(t, active, 2)

	page, total := svc.List(ctx, ListInput{Limit: 1, Offset: 1})
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].SessionID)

	empty, _ := svc.List(ctx, ListInput{Offset: 10})
	assert.Empty(t, empty)
}

func TestCloseStopsRunningSessions(t *testing.T) {
	svc := newTestService(t, nil, Config{MoveTimeout: time.Minute})
	_, _, err := svc.Start(context.Background(), model.StartSessionRequest{
		SessionID: "stalled",
		First:     model.ParticipantRef{Handle: scripted("w", participant.ScriptStall)},
		Second:    model.ParticipantRef{Handle: scripted("b", "e7e5")},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Close(ctx))
	require.NoError(t, svc.Close(ctx), "close is idempotent")

	snap, err := svc.Snapshot(context.Background(), "stalled")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, snap.Status, "shutdown parks sessions rather than forfeiting them")
}

func TestHookErrorsAreLogged(t *testing.T) {
	failing := hookFunc(func(context.Context, model.Snapshot) error { return errors.New("audit sink down") })
	svc := newTestService(t, nil, Config{}, failing)
	ctx := context.Background()
	_, _, err := svc.Start(ctx, manual("g1", scripted("w", "e2e4"), scripted("b", "e7e5")))
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, "g1")
	require.NoError(t, err)
}

type hookFunc func(context.Context, model.Snapshot) error

func (f hookFunc) OnSessionFinished(ctx context.Context, snap model.Snapshot) error { return f(ctx, snap) }
