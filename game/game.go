// Package game is a session layer on top of a pub/sub transport: a global
// lobby, named rooms, player presence and typed messaging, multiplexed over
// the transport's one-topic-per-name model. Session owns the connection
// lifecycle and the lobby; RoomController does everything room-scoped.
package game

import (
	"errors"
)

// GlobalTopic is the lobby topic every started session's players enter.
const GlobalTopic = "global"

// presence enter/leave carry no payload at this layer
const presencePlaceholder = "no_data"

var (
	// ErrNoTransport is returned by New when the mandatory transport is missing.
	ErrNoTransport = errors.New("transport is not provided")
	// ErrNotStarted is returned by lobby operations gated on a started session.
	ErrNotStarted = errors.New("session has not started yet")
)

// Player is a session-stable opaque identity. Equality is by ID.
type Player struct {
	ID string `json:"id"`
}

// Room is an immutable room identity with an optional display name.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// PresenceAction discriminates presence events surfaced to callers.
type PresenceAction int

const (
	Entered PresenceAction = iota
	Left
)

func (a PresenceAction) String() string {
	if a == Entered {
		return "entered"
	}
	return "left"
}

// PresenceEvent is one player entering or leaving a topic's presence set.
type PresenceEvent struct {
	Action PresenceAction
	Player Player
}

// ReceivedMessage is a decoded message arrival.
type ReceivedMessage struct {
	From    Player
	Message Message
}

// CancelFunc releases a subscription. Idempotent; after it returns no further
// items are delivered and the subscription's channel is closed once pending
// forwarding drains.
type CancelFunc func()
