// Package transport defines the pub/sub contract the game layer is built on:
// named topics carrying messages and a presence set each, plus a connection
// whose state changes are observable. Implementations live in subpackages.
package transport

import "context"

// State of the underlying connection.
type State int

const (
	StateConnected State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Message is the wire envelope for a single publish. Name carries the
// application-level message kind, Data the payload, ClientID the publisher.
type Message struct {
	Name     string `json:"name"`
	Data     string `json:"data"`
	ClientID string `json:"client_id"`
}

// PresenceAction discriminates presence events.
type PresenceAction int

const (
	ActionEnter PresenceAction = iota
	ActionLeave
)

func (a PresenceAction) String() string {
	if a == ActionEnter {
		return "enter"
	}
	return "leave"
}

// PresenceEvent is one enter/leave observed on a topic.
type PresenceEvent struct {
	Action   PresenceAction
	ClientID string
}

// CancelFunc releases a subscription's underlying listener. Safe to call more
// than once; after it returns no further items are delivered on the
// subscription's channel and the channel is closed.
type CancelFunc func()

// Transport is a connected pub/sub client. All blocking calls take a context;
// subscription calls register a listener and return immediately.
//
// Channel-returning methods never close their channel on their own: it stays
// open until the returned CancelFunc runs (or, for SubscribeState, until the
// transport is torn down). Unsubscribe/UnsubscribePresence drop every listener
// registered on the topic, closing their channels.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	SubscribeState() (<-chan State, CancelFunc)

	Publish(ctx context.Context, topic string, msg Message) error

	Enter(ctx context.Context, topic, clientID, data string) error
	Leave(ctx context.Context, topic, clientID, data string) error
	Presence(ctx context.Context, topic string) ([]string, error)
	SubscribePresence(topic string) (<-chan PresenceEvent, CancelFunc)
	UnsubscribePresence(topic string)

	Subscribe(topic, name string) (<-chan Message, CancelFunc)
	Unsubscribe(topic string)
}
