// Package memory implements the transport contract in process. A Hub is the
// broker: it owns topics, their presence sets and their listeners. Client
// handles (hub.Client()) behave like independently connected transport clients
// sharing that broker, which is what the relay serves over the network and
// what tests run against directly.
package memory

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/gamerooms/transport"
)

const defaultSubBuffer = 32

type msgSub struct {
	name string // empty means all names
	ch   chan transport.Message
}

type presenceSub struct {
	ch chan transport.PresenceEvent
}

type topic struct {
	presence map[string]string // clientID -> data
	subs     map[uint64]*msgSub
	psubs    map[uint64]*presenceSub
}

func newTopic() *topic {
	return &topic{
		presence: make(map[string]string),
		subs:     make(map[uint64]*msgSub),
		psubs:    make(map[uint64]*presenceSub),
	}
}

type Hub struct {
	logger zerolog.Logger
	mx     *sync.Mutex
	topics map[string]*topic
	nextID uint64
}

func NewHub(logger *zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "memory-hub").Logger(),
		mx:     &sync.Mutex{},
		topics: make(map[string]*topic),
	}
}

// topicFor returns the topic, creating it on first use. Callers must hold mx.
func (h *Hub) topicFor(name string) *topic {
	t, ok := h.topics[name]
	if !ok {
		t = newTopic()
		h.topics[name] = t
	}
	return t
}

// Publish delivers msg to every subscriber of the topic whose name filter
// matches. Slow consumers are dropped-from, not waited for.
func (h *Hub) Publish(topicName string, msg transport.Message) {
	h.mx.Lock()
	defer h.mx.Unlock()

	t, ok := h.topics[topicName]
	if !ok {
		h.logger.Debug().
			Str("topic", topicName).
			Str("src", msg.ClientID).
			Msg("publish reached no one, topic has no listeners")
		return
	}
	for _, sub := range t.subs {
		if sub.name != "" && sub.name != msg.Name {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.logger.Error().
				Str("topic", topicName).
				Str("name", msg.Name).
				Msg("dead subscriber, message dropped")
		}
	}
}

// Enter adds clientID to the topic's presence set. Re-entering an already
// present client updates its data without emitting a second enter event, so
// membership stays idempotent.
func (h *Hub) Enter(topicName, clientID, data string) {
	h.mx.Lock()
	defer h.mx.Unlock()

	t := h.topicFor(topicName)
	_, present := t.presence[clientID]
	t.presence[clientID] = data
	if present {
		return
	}
	h.emitPresence(topicName, t, transport.PresenceEvent{
		Action:   transport.ActionEnter,
		ClientID: clientID,
	})
}

// Leave removes clientID from the topic's presence set. Leaving a topic the
// client never entered is a no-op.
func (h *Hub) Leave(topicName, clientID string) {
	h.mx.Lock()
	defer h.mx.Unlock()

	t, ok := h.topics[topicName]
	if !ok {
		return
	}
	if _, present := t.presence[clientID]; !present {
		return
	}
	delete(t.presence, clientID)
	h.emitPresence(topicName, t, transport.PresenceEvent{
		Action:   transport.ActionLeave,
		ClientID: clientID,
	})
}

// emitPresence fans ev out to the topic's presence listeners. Callers must
// hold mx.
func (h *Hub) emitPresence(topicName string, t *topic, ev transport.PresenceEvent) {
	for _, sub := range t.psubs {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Error().
				Str("topic", topicName).
				Str("action", ev.Action.String()).
				Msg("dead presence subscriber, event dropped")
		}
	}
}

// Presence returns the current presence set of the topic. The slice is a
// fresh copy with no ordering guarantee.
func (h *Hub) Presence(topicName string) []string {
	h.mx.Lock()
	defer h.mx.Unlock()

	t, ok := h.topics[topicName]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(t.presence))
	for clientID := range t.presence {
		members = append(members, clientID)
	}
	return members
}

// Subscribe registers a message listener on the topic, filtered by name
// (empty name matches everything). The returned cancel closes the channel and
// is idempotent.
func (h *Hub) Subscribe(topicName, name string) (<-chan transport.Message, transport.CancelFunc) {
	h.mx.Lock()
	defer h.mx.Unlock()

	t := h.topicFor(topicName)
	id := h.nextID
	h.nextID++
	sub := &msgSub{name: name, ch: make(chan transport.Message, defaultSubBuffer)}
	t.subs[id] = sub

	cancel := func() {
		h.mx.Lock()
		defer h.mx.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// SubscribePresence registers a presence listener on the topic.
func (h *Hub) SubscribePresence(topicName string) (<-chan transport.PresenceEvent, transport.CancelFunc) {
	h.mx.Lock()
	defer h.mx.Unlock()

	t := h.topicFor(topicName)
	id := h.nextID
	h.nextID++
	sub := &presenceSub{ch: make(chan transport.PresenceEvent, defaultSubBuffer)}
	t.psubs[id] = sub

	cancel := func() {
		h.mx.Lock()
		defer h.mx.Unlock()
		if _, ok := t.psubs[id]; ok {
			delete(t.psubs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Subscribers reports how many message listeners the topic currently has.
// Used by tests to assert listeners are released.
func (h *Hub) Subscribers(topicName string) int {
	h.mx.Lock()
	defer h.mx.Unlock()
	if t, ok := h.topics[topicName]; ok {
		return len(t.subs)
	}
	return 0
}

// PresenceSubscribers reports how many presence listeners the topic has.
func (h *Hub) PresenceSubscribers(topicName string) int {
	h.mx.Lock()
	defer h.mx.Unlock()
	if t, ok := h.topics[topicName]; ok {
		return len(t.psubs)
	}
	return 0
}
