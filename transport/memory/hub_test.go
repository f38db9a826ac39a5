package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/gamerooms/transport"
)

func newTestHub() *Hub {
	logger := zerolog.Nop()
	return NewHub(&logger)
}

func recvMsg(t *testing.T, ch <-chan transport.Message) transport.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return transport.Message{}
}

func TestHubPublishSubscribe(t *testing.T) {
	hub := newTestHub()

	all, cancelAll := hub.Subscribe("topic", "")
	defer cancelAll()
	named, cancelNamed := hub.Subscribe("topic", "text")
	defer cancelNamed()

	hub.Publish("topic", transport.Message{Name: "text", Data: "hello", ClientID: "alice"})
	hub.Publish("topic", transport.Message{Name: "request", Data: "duel", ClientID: "alice"})

	assert.Equal(t, "hello", recvMsg(t, all).Data)
	assert.Equal(t, "duel", recvMsg(t, all).Data)

	// name filter passes only matching messages
	assert.Equal(t, "hello", recvMsg(t, named).Data)
	select {
	case m := <-named:
		t.Fatalf("unexpected message %+v on filtered subscription", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubPublishOtherTopic(t *testing.T) {
	hub := newTestHub()

	ch, cancel := hub.Subscribe("one", "")
	defer cancel()

	hub.Publish("two", transport.Message{Name: "text", Data: "elsewhere"})
	select {
	case m := <-ch:
		t.Fatalf("message leaked across topics: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubSubscribeCancel(t *testing.T) {
	hub := newTestHub()

	ch, cancel := hub.Subscribe("topic", "")
	require.Equal(t, 1, hub.Subscribers("topic"))

	cancel()
	cancel() // idempotent
	assert.Zero(t, hub.Subscribers("topic"))

	hub.Publish("topic", transport.Message{Name: "text", Data: "late"})
	_, ok := <-ch
	assert.False(t, ok, "cancelled subscription channel must be closed")
}

func TestHubPresence(t *testing.T) {
	hub := newTestHub()

	assert.Empty(t, hub.Presence("topic"))

	hub.Enter("topic", "alice", "no_data")
	hub.Enter("topic", "bob", "no_data")
	assert.ElementsMatch(t, []string{"alice", "bob"}, hub.Presence("topic"))

	// idempotent membership
	hub.Enter("topic", "alice", "no_data")
	assert.Len(t, hub.Presence("topic"), 2)

	hub.Leave("topic", "alice")
	assert.ElementsMatch(t, []string{"bob"}, hub.Presence("topic"))

	// leaving twice or leaving a stranger is a no-op
	hub.Leave("topic", "alice")
	hub.Leave("topic", "nobody")
	assert.Len(t, hub.Presence("topic"), 1)
}

func TestHubPresenceEvents(t *testing.T) {
	hub := newTestHub()

	events, cancel := hub.SubscribePresence("topic")
	defer cancel()

	hub.Enter("topic", "alice", "no_data")
	ev := <-events
	assert.Equal(t, transport.PresenceEvent{Action: transport.ActionEnter, ClientID: "alice"}, ev)

	// re-enter emits nothing
	hub.Enter("topic", "alice", "no_data")

	hub.Leave("topic", "alice")
	ev = <-events
	assert.Equal(t, transport.PresenceEvent{Action: transport.ActionLeave, ClientID: "alice"}, ev)
}

func TestClientConnectState(t *testing.T) {
	hub := newTestHub()
	c := hub.Client()

	states, cancel := c.SubscribeState()
	defer cancel()

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, transport.StateConnected, <-states)

	// reconnecting is a no-op
	require.NoError(t, c.Connect(ctx))

	require.NoError(t, c.Close())
	assert.Equal(t, transport.StateClosed, <-states)

	// closing again is a no-op
	require.NoError(t, c.Close())
}

func TestClientGating(t *testing.T) {
	hub := newTestHub()
	c := hub.Client()
	ctx := context.Background()

	err := c.Publish(ctx, "topic", transport.Message{Name: "text"})
	assert.ErrorIs(t, err, ErrNotConnected)
	err = c.Enter(ctx, "topic", "alice", "")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Presence(ctx, "topic")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientCloseLeavesPresence(t *testing.T) {
	hub := newTestHub()
	c := hub.Client()
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Enter(ctx, "room:lobby", "alice", ""))
	require.NoError(t, c.Enter(ctx, "global", "alice", ""))
	require.Len(t, hub.Presence("room:lobby"), 1)

	require.NoError(t, c.Close())
	assert.Empty(t, hub.Presence("room:lobby"))
	assert.Empty(t, hub.Presence("global"))
}

func TestClientUnsubscribeOwnListenersOnly(t *testing.T) {
	hub := newTestHub()
	c1, c2 := hub.Client(), hub.Client()
	ctx := context.Background()
	require.NoError(t, c1.Connect(ctx))
	require.NoError(t, c2.Connect(ctx))

	ch1, _ := c1.Subscribe("topic", "")
	ch2, _ := c2.Subscribe("topic", "")
	require.Equal(t, 2, hub.Subscribers("topic"))

	c1.Unsubscribe("topic")
	assert.Equal(t, 1, hub.Subscribers("topic"))

	_, ok := <-ch1
	assert.False(t, ok, "own subscription must be closed")

	hub.Publish("topic", transport.Message{Name: "text", Data: "still here"})
	assert.Equal(t, "still here", recvMsg(t, ch2).Data)
}

func TestClientUnsubscribePresenceOwnListenersOnly(t *testing.T) {
	hub := newTestHub()
	c1, c2 := hub.Client(), hub.Client()

	_, _ = c1.SubscribePresence("topic")
	ch2, _ := c2.SubscribePresence("topic")
	require.Equal(t, 2, hub.PresenceSubscribers("topic"))

	c1.UnsubscribePresence("topic")
	assert.Equal(t, 1, hub.PresenceSubscribers("topic"))

	hub.Enter("topic", "alice", "")
	ev := <-ch2
	assert.Equal(t, "alice", ev.ClientID)
}

func TestClientContextCancelled(t *testing.T) {
	hub := newTestHub()
	c := hub.Client()
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Publish(ctx, "topic", transport.Message{Name: "text"})
	assert.ErrorIs(t, err, context.Canceled)
}
