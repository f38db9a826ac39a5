package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/gamerooms/transport"
)

var ErrNotConnected = errors.New("transport is not connected")

type enteredKey struct {
	topic    string
	clientID string
}

// Client is one connected handle onto a Hub, satisfying transport.Transport.
// Multiple clients of the same hub see each other's publishes and presence,
// like separate connections to one broker.
type Client struct {
	hub *Hub

	mx        *sync.Mutex
	connected bool
	stateSubs map[uint64]chan transport.State
	entered   map[enteredKey]struct{}
	subs      map[string][]transport.CancelFunc // this client's message listeners per topic
	psubs     map[string][]transport.CancelFunc // this client's presence listeners per topic
	nextID    uint64
}

// Client returns a new disconnected handle onto the hub.
func (h *Hub) Client() *Client {
	return &Client{
		hub:       h,
		mx:        &sync.Mutex{},
		stateSubs: make(map[uint64]chan transport.State),
		entered:   make(map[enteredKey]struct{}),
		subs:      make(map[string][]transport.CancelFunc),
		psubs:     make(map[string][]transport.CancelFunc),
	}
}

var _ transport.Transport = (*Client)(nil)

// Connect marks the client connected and notifies state listeners. Connecting
// an already connected client is a no-op.
func (c *Client) Connect(_ context.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.connected {
		return nil
	}
	c.connected = true
	c.notifyState(transport.StateConnected)
	return nil
}

// Close disconnects the client, leaving every presence set it entered, and
// notifies state listeners. Closing a disconnected client is a no-op.
func (c *Client) Close() error {
	c.mx.Lock()
	if !c.connected {
		c.mx.Unlock()
		return nil
	}
	c.connected = false
	entered := make([]enteredKey, 0, len(c.entered))
	for k := range c.entered {
		entered = append(entered, k)
	}
	c.entered = make(map[enteredKey]struct{})
	c.mx.Unlock()

	// hub lock is taken inside, so leave outside the client lock
	for _, k := range entered {
		c.hub.Leave(k.topic, k.clientID)
	}

	c.mx.Lock()
	c.notifyState(transport.StateClosed)
	c.mx.Unlock()
	return nil
}

// notifyState pushes s to every state listener. Callers must hold mx.
func (c *Client) notifyState(s transport.State) {
	for _, ch := range c.stateSubs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (c *Client) SubscribeState() (<-chan transport.State, transport.CancelFunc) {
	c.mx.Lock()
	defer c.mx.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan transport.State, defaultSubBuffer)
	c.stateSubs[id] = ch

	cancel := func() {
		c.mx.Lock()
		defer c.mx.Unlock()
		if _, ok := c.stateSubs[id]; ok {
			delete(c.stateSubs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// guard rejects blocking operations on a disconnected client.
func (c *Client) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, topic string, msg transport.Message) error {
	if err := c.guard(ctx); err != nil {
		return err
	}
	c.hub.Publish(topic, msg)
	return nil
}

func (c *Client) Enter(ctx context.Context, topic, clientID, data string) error {
	if err := c.guard(ctx); err != nil {
		return err
	}
	c.hub.Enter(topic, clientID, data)
	c.mx.Lock()
	c.entered[enteredKey{topic: topic, clientID: clientID}] = struct{}{}
	c.mx.Unlock()
	return nil
}

func (c *Client) Leave(ctx context.Context, topic, clientID, _ string) error {
	if err := c.guard(ctx); err != nil {
		return err
	}
	c.hub.Leave(topic, clientID)
	c.mx.Lock()
	delete(c.entered, enteredKey{topic: topic, clientID: clientID})
	c.mx.Unlock()
	return nil
}

func (c *Client) Presence(ctx context.Context, topic string) ([]string, error) {
	if err := c.guard(ctx); err != nil {
		return nil, err
	}
	return c.hub.Presence(topic), nil
}

// Subscribe registers a message listener with the hub and records it as owned
// by this client, so Unsubscribe only tears down this client's listeners.
func (c *Client) Subscribe(topic, name string) (<-chan transport.Message, transport.CancelFunc) {
	ch, cancel := c.hub.Subscribe(topic, name)
	c.mx.Lock()
	c.subs[topic] = append(c.subs[topic], cancel)
	c.mx.Unlock()
	return ch, cancel
}

// Unsubscribe drops every message listener this client registered on the
// topic. Other clients' listeners are untouched.
func (c *Client) Unsubscribe(topic string) {
	c.mx.Lock()
	cancels := c.subs[topic]
	delete(c.subs, topic)
	c.mx.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (c *Client) SubscribePresence(topic string) (<-chan transport.PresenceEvent, transport.CancelFunc) {
	ch, cancel := c.hub.SubscribePresence(topic)
	c.mx.Lock()
	c.psubs[topic] = append(c.psubs[topic], cancel)
	c.mx.Unlock()
	return ch, cancel
}

// UnsubscribePresence drops every presence listener this client registered on
// the topic.
func (c *Client) UnsubscribePresence(topic string) {
	c.mx.Lock()
	cancels := c.psubs[topic]
	delete(c.psubs, topic)
	c.mx.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
