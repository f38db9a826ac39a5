package game

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/gamerooms/transport/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func newHub() *memory.Hub {
	logger := zerolog.Nop()
	return memory.NewHub(&logger)
}

// startedSession builds a session on a fresh hub client and waits for it to
// reach Started.
func startedSession(t *testing.T, hub *memory.Hub) *Session {
	t.Helper()
	s, err := New(Config{Transport: hub.Client()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	states, err := s.Start(ctx)
	require.NoError(t, err)
	requireState(t, states, StateStarted)
	require.Eventually(t, func() bool { return s.State() == StateStarted }, waitFor, tick)
	return s
}

func requireState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	select {
	case st, ok := <-states:
		require.True(t, ok, "state sequence ended")
		require.Equal(t, want, st)
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for state %s", want)
	}
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestSessionLifecycle(t *testing.T) {
	hub := newHub()
	s, err := New(Config{Transport: hub.Client()})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states, err := s.Start(ctx)
	require.NoError(t, err)
	requireState(t, states, StateStarted)
	require.Eventually(t, func() bool { return s.State() == StateStarted }, waitFor, tick)

	s.Stop()
	requireState(t, states, StateStopped)
	require.Eventually(t, func() bool { return s.State() == StateStopped }, waitFor, tick)

	err = s.EnterGlobal(ctx, Player{ID: "late"})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStartCancelReleasesSequence(t *testing.T) {
	hub := newHub()
	s, err := New(Config{Transport: hub.Client()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	states, err := s.Start(ctx)
	require.NoError(t, err)
	requireState(t, states, StateStarted)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-states:
			return !ok
		default:
			return false
		}
	}, waitFor, tick, "state sequence must close on cancellation")
}

func TestStartIdempotent(t *testing.T) {
	hub := newHub()
	s := startedSession(t, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// second start observes no new Started transition, only registers a listener
	states, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStarted, s.State())
	select {
	case st := <-states:
		t.Fatalf("unexpected state %s from idempotent start", st)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnterGlobalBeforeStart(t *testing.T) {
	hub := newHub()
	s, err := New(Config{Transport: hub.Client()})
	require.NoError(t, err)

	ctx := context.Background()
	err = s.EnterGlobal(ctx, Player{ID: "alice"})
	assert.ErrorIs(t, err, ErrNotStarted)

	count, err := s.GlobalPlayerCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGlobalPresenceCounting(t *testing.T) {
	hub := newHub()
	s := startedSession(t, hub)
	ctx := context.Background()

	count, err := s.GlobalPlayerCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, s.EnterGlobal(ctx, Player{ID: "alice"}))
	count, err = s.GlobalPlayerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// re-entering must not double-count
	require.NoError(t, s.EnterGlobal(ctx, Player{ID: "alice"}))
	count, err = s.GlobalPlayerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.EnterGlobal(ctx, Player{ID: "bob"}))
	count, err = s.GlobalPlayerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, s.LeaveGlobal(ctx, Player{ID: "alice"}))
	count, err = s.GlobalPlayerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGlobalPlayers(t *testing.T) {
	hub := newHub()
	s := startedSession(t, hub)
	ctx := context.Background()

	require.NoError(t, s.EnterGlobal(ctx, Player{ID: "alice"}))
	require.NoError(t, s.EnterGlobal(ctx, Player{ID: "bob"}))

	players, err := s.GlobalPlayers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Player{{ID: "alice"}, {ID: "bob"}}, players)
}

func TestIsPlayerPresent(t *testing.T) {
	hub := newHub()
	s := startedSession(t, hub)
	ctx := context.Background()

	require.NoError(t, s.EnterGlobal(ctx, Player{ID: "alice"}))
	assert.True(t, s.IsPlayerPresent(ctx, Player{ID: "alice"}))
	assert.False(t, s.IsPlayerPresent(ctx, Player{ID: "bob"}))
	assert.False(t, s.IsPlayerPresent(ctx, Player{}))
}

func TestIsPlayerPresentNotStarted(t *testing.T) {
	hub := newHub()
	s, err := New(Config{Transport: hub.Client()})
	require.NoError(t, err)
	assert.False(t, s.IsPlayerPresent(context.Background(), Player{ID: "alice"}))
}

func TestLeaveGlobalNotStarted(t *testing.T) {
	hub := newHub()
	s, err := New(Config{Transport: hub.Client()})
	require.NoError(t, err)

	// leave is not gated on session state, the transport's verdict passes through
	err = s.LeaveGlobal(context.Background(), Player{ID: "alice"})
	assert.ErrorIs(t, err, memory.ErrNotConnected)
}

func TestSubscribeGlobalPresence(t *testing.T) {
	hub := newHub()
	s := startedSession(t, hub)
	ctx := context.Background()

	events, cancel := s.SubscribeGlobalPresence()
	defer cancel()

	require.NoError(t, s.EnterGlobal(ctx, Player{ID: "alice"}))
	ev := recvPresence(t, events)
	assert.Equal(t, PresenceEvent{Action: Entered, Player: Player{ID: "alice"}}, ev)

	require.NoError(t, s.LeaveGlobal(ctx, Player{ID: "alice"}))
	ev = recvPresence(t, events)
	assert.Equal(t, PresenceEvent{Action: Left, Player: Player{ID: "alice"}}, ev)
}

func TestSubscribeGlobalPresenceCancel(t *testing.T) {
	hub := newHub()
	s := startedSession(t, hub)
	ctx := context.Background()

	events, cancel := s.SubscribeGlobalPresence()
	cancel()
	cancel() // idempotent

	require.NoError(t, s.EnterGlobal(ctx, Player{ID: "alice"}))
	require.Eventually(t, func() bool {
		_, ok := <-events
		return !ok
	}, waitFor, tick, "cancelled stream must close without delivering")
	assert.Zero(t, hub.PresenceSubscribers(GlobalTopic))
}

func recvPresence(t *testing.T, events <-chan PresenceEvent) PresenceEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "presence stream ended")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for presence event")
	}
	return PresenceEvent{}
}
