// Package ws implements the transport contract over a single websocket to a
// relay. Requests (publish, presence ops) are correlated with relay acks by
// uuid; subscriptions are routed back by a client-assigned sub id.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/gamerooms/transport"
)

const (
	defaultSendBuffer = 64
	defaultSubBuffer  = 32

	defaultHandshakeTimeout   = 3 * time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultMaxMessageSize     = 65536

	// defaultPongWait - defaultPingInterval == is how long we give the relay to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultRequestTimeout = 5 * time.Second
)

var (
	ErrNotConnected     = errors.New("transport is not connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrRelay            = errors.New("relay error")
)

// Config carries websocket transport settings. URL points at the relay's
// realtime endpoint; APIKey, when set, is sent as a bearer token.
type Config struct {
	URL    string
	APIKey string
	Logger *zerolog.Logger
}

type pendingResult struct {
	members []string
	err     error
}

type msgRoute struct {
	topic string
	ch    chan transport.Message
}

type presRoute struct {
	topic string
	ch    chan transport.PresenceEvent
}

// Client is a websocket-backed transport. It is built disconnected and
// one-shot: after Close (or a connection loss) it does not reconnect.
type Client struct {
	url    string
	apiKey string
	logger zerolog.Logger

	mx        *sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	done      chan struct{}
	send      chan Frame
	stateSubs map[uint64]chan transport.State
	pending   map[string]chan pendingResult
	msgSubs   map[string]*msgRoute
	presSubs  map[string]*presRoute
	nextID    uint64
}

// New builds a disconnected client. Call Connect to dial the relay.
func New(cfg Config) *Client {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "ws-transport").Logger()
	}
	return &Client{
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		logger:    logger,
		mx:        &sync.Mutex{},
		stateSubs: make(map[uint64]chan transport.State),
		pending:   make(map[string]chan pendingResult),
		msgSubs:   make(map[string]*msgRoute),
		presSubs:  make(map[string]*presRoute),
	}
}

var _ transport.Transport = (*Client)(nil)

// Connect dials the relay and starts the read/write pumps. Connecting an
// already connected client is a no-op; a torn-down client cannot reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.connected {
		return nil
	}
	if c.closed {
		return ErrConnectionClosed
	}

	dialer := &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("Authorization", "Bearer "+c.apiKey)
	}
	conn, resp, err := dialer.DialContext(ctx, c.url, hdr)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return fmt.Errorf("dial relay: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})
	c.send = make(chan Frame, defaultSendBuffer)

	go c.readPump(conn)
	go c.writePump(conn, c.send, c.done)

	c.notifyState(transport.StateConnected)
	c.logger.Debug().Str("url", c.url).Msg("connected to relay")
	return nil
}

// Close shuts the connection down. Closing a disconnected client is a no-op.
func (c *Client) Close() error {
	c.mx.Lock()
	if !c.connected {
		c.mx.Unlock()
		return nil
	}
	conn := c.conn
	c.mx.Unlock()

	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline))
	if wsErr == nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	_ = conn.Close()
	c.teardown()
	return nil
}

// teardown moves the client to its terminal state: pending requests fail,
// subscription channels close, state listeners observe Closed. Idempotent.
func (c *Client) teardown() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.connected {
		return
	}
	c.connected = false
	c.closed = true
	close(c.done)
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- pendingResult{err: ErrConnectionClosed}
	}
	for id, rt := range c.msgSubs {
		delete(c.msgSubs, id)
		close(rt.ch)
	}
	for id, rt := range c.presSubs {
		delete(c.presSubs, id)
		close(rt.ch)
	}
	c.notifyState(transport.StateClosed)
	c.logger.Debug().Msg("transport torn down")
}

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

// request sends a frame and blocks until the relay's ack, ctx cancellation,
// or connection loss.
func (c *Client) request(ctx context.Context, f Frame) ([]string, error) {
	c.mx.Lock()
	if !c.connected {
		c.mx.Unlock()
		return nil, ErrNotConnected
	}
	f.ID = uuid.NewString()
	ch := make(chan pendingResult, 1)
	c.pending[f.ID] = ch
	send, done := c.send, c.done
	c.mx.Unlock()

	select {
	case send <- f:
	case <-done:
		c.dropPending(f.ID)
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		c.dropPending(f.ID)
		return nil, ctx.Err()
	}

	select {
	case res := <-ch:
		return res.members, res.err
	case <-ctx.Done():
		c.dropPending(f.ID)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mx.Lock()
	delete(c.pending, id)
	c.mx.Unlock()
}

func (c *Client) Publish(ctx context.Context, topic string, msg transport.Message) error {
	_, err := c.request(ctx, Frame{
		Type:     FramePublish,
		Topic:    topic,
		Name:     msg.Name,
		Data:     msg.Data,
		ClientID: msg.ClientID,
	})
	return err
}

func (c *Client) Enter(ctx context.Context, topic, clientID, data string) error {
	_, err := c.request(ctx, Frame{Type: FrameEnter, Topic: topic, ClientID: clientID, Data: data})
	return err
}

func (c *Client) Leave(ctx context.Context, topic, clientID, data string) error {
	_, err := c.request(ctx, Frame{Type: FrameLeave, Topic: topic, ClientID: clientID, Data: data})
	return err
}

func (c *Client) Presence(ctx context.Context, topic string) ([]string, error) {
	return c.request(ctx, Frame{Type: FramePresence, Topic: topic})
}

// Subscribe registers a message listener. On a disconnected client the
// returned channel is already closed.
func (c *Client) Subscribe(topic, name string) (<-chan transport.Message, transport.CancelFunc) {
	c.mx.Lock()
	if !c.connected {
		c.mx.Unlock()
		ch := make(chan transport.Message)
		close(ch)
		return ch, func() {}
	}
	subID := uuid.NewString()
	rt := &msgRoute{topic: topic, ch: make(chan transport.Message, defaultSubBuffer)}
	c.msgSubs[subID] = rt
	c.mx.Unlock()

	// wait for the relay's ack so a publish right after Subscribe cannot
	// outrun the registration
	if err := c.syncRequest(Frame{Type: FrameSubscribe, SubID: subID, Topic: topic, Name: name}); err != nil {
		c.logger.Error().Err(err).Str("topic", topic).Msg("subscribe failed")
		c.dropMsgSub(subID)
		return rt.ch, func() {}
	}
	return rt.ch, func() { c.cancelMsgSub(subID) }
}

// syncRequest performs a request with an internal deadline, for calls whose
// contract has no context parameter.
func (c *Client) syncRequest(f Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()
	_, err := c.request(ctx, f)
	return err
}

// dropMsgSub removes the local route without telling the relay.
func (c *Client) dropMsgSub(subID string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if rt, ok := c.msgSubs[subID]; ok {
		delete(c.msgSubs, subID)
		close(rt.ch)
	}
}

func (c *Client) cancelMsgSub(subID string) {
	c.mx.Lock()
	rt, ok := c.msgSubs[subID]
	if ok {
		delete(c.msgSubs, subID)
		close(rt.ch)
	}
	c.mx.Unlock()
	if ok {
		c.enqueue(Frame{Type: FrameUnsubscribe, SubID: subID})
	}
}

// Unsubscribe drops every message listener this client has on the topic.
func (c *Client) Unsubscribe(topic string) {
	c.mx.Lock()
	ids := make([]string, 0, 1)
	for id, rt := range c.msgSubs {
		if rt.topic == topic {
			ids = append(ids, id)
			delete(c.msgSubs, id)
			close(rt.ch)
		}
	}
	c.mx.Unlock()
	for _, id := range ids {
		c.enqueue(Frame{Type: FrameUnsubscribe, SubID: id})
	}
}

func (c *Client) SubscribePresence(topic string) (<-chan transport.PresenceEvent, transport.CancelFunc) {
	c.mx.Lock()
	if !c.connected {
		c.mx.Unlock()
		ch := make(chan transport.PresenceEvent)
		close(ch)
		return ch, func() {}
	}
	subID := uuid.NewString()
	rt := &presRoute{topic: topic, ch: make(chan transport.PresenceEvent, defaultSubBuffer)}
	c.presSubs[subID] = rt
	c.mx.Unlock()

	if err := c.syncRequest(Frame{Type: FramePresenceSubscribe, SubID: subID, Topic: topic}); err != nil {
		c.logger.Error().Err(err).Str("topic", topic).Msg("presence subscribe failed")
		c.dropPresSub(subID)
		return rt.ch, func() {}
	}
	return rt.ch, func() { c.cancelPresSub(subID) }
}

// dropPresSub removes the local route without telling the relay.
func (c *Client) dropPresSub(subID string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if rt, ok := c.presSubs[subID]; ok {
		delete(c.presSubs, subID)
		close(rt.ch)
	}
}

func (c *Client) cancelPresSub(subID string) {
	c.mx.Lock()
	rt, ok := c.presSubs[subID]
	if ok {
		delete(c.presSubs, subID)
		close(rt.ch)
	}
	c.mx.Unlock()
	if ok {
		c.enqueue(Frame{Type: FramePresenceUnsubscribe, SubID: subID})
	}
}

// UnsubscribePresence drops every presence listener this client has on the
// topic.
func (c *Client) UnsubscribePresence(topic string) {
	c.mx.Lock()
	ids := make([]string, 0, 1)
	for id, rt := range c.presSubs {
		if rt.topic == topic {
			ids = append(ids, id)
			delete(c.presSubs, id)
			close(rt.ch)
		}
	}
	c.mx.Unlock()
	for _, id := range ids {
		c.enqueue(Frame{Type: FramePresenceUnsubscribe, SubID: id})
	}
}

func (c *Client) enqueue(f Frame) {
	c.mx.Lock()
	if !c.connected {
		c.mx.Unlock()
		return
	}
	send, done := c.send, c.done
	c.mx.Unlock()
	select {
	case send <- f:
	case <-done:
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	defer c.teardown()

	conn.SetReadLimit(defaultMaxMessageSize)
	readDeadlineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return readDeadlineFunc(defaultPongWait)
	})
	if err := readDeadlineFunc(defaultPongWait); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			if websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				c.logger.Warn().Err(wsErr).Msg("connection closed")
			} else {
				c.logger.Error().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.logger.Error().Err(err).Msg("failed to unmarshall incoming frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Type {
	case FrameAck:
		c.mx.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mx.Unlock()
		if !ok {
			c.logger.Debug().Str("id", f.ID).Msg("ack for unknown request")
			return
		}
		res := pendingResult{members: f.Members}
		if f.Err != "" {
			res.err = fmt.Errorf("%w: %s", ErrRelay, f.Err)
		}
		ch <- res

	case FrameMessage:
		c.mx.Lock()
		if rt, ok := c.msgSubs[f.SubID]; ok {
			select {
			case rt.ch <- transport.Message{Name: f.Name, Data: f.Data, ClientID: f.ClientID}:
			default:
				c.logger.Error().Str("topic", f.Topic).Msg("slow consumer, message dropped")
			}
		}
		c.mx.Unlock()

	case FramePresenceEvent:
		c.mx.Lock()
		if rt, ok := c.presSubs[f.SubID]; ok {
			ev := transport.PresenceEvent{Action: transport.ActionEnter, ClientID: f.ClientID}
			if f.Action == transport.ActionLeave.String() {
				ev.Action = transport.ActionLeave
			}
			select {
			case rt.ch <- ev:
			default:
				c.logger.Error().Str("topic", f.Topic).Msg("slow consumer, presence event dropped")
			}
		}
		c.mx.Unlock()

	default:
		c.logger.Error().Str("type", f.Type).Msg("unexpected frame from relay")
	}
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan Frame, done <-chan struct{}) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()
SendLoop:
	for {
		select {
		case <-done:
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.PingMessage, []byte{}); wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			c.logger.Trace().Msg("ping sent")
		case f := <-send:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteJSON(&f); wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to write outgoing frame")
				break SendLoop
			}
		}
	}
	_ = conn.Close()
}
