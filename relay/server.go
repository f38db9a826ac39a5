// Package relay serves a memory.Hub over websocket using the frame protocol
// from transport/ws, so remote clients get the same topics, presence sets and
// subscriptions in-process callers do. Everything a connection entered or
// subscribed is released when it drops.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/gamerooms/transport"
	"github.com/adwski/gamerooms/transport/memory"
	"github.com/adwski/gamerooms/transport/ws"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize   = 10000
	defaultWebsocketWriteBufferSize  = 10000
	defaultWebSocketMaxMessageSize   = 65536
	defaultWebSocketHandshakeTimeout = 3 * time.Second
	defaultWebSocketWriteDeadline    = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultConnSendBuffer = 64
)

var ErrUnexpected = errors.New("unexpected server error")

type (
	Config struct {
		Logger     *zerolog.Logger
		Hub        *memory.Hub
		ListenAddr string
		APIKey     string // when set, clients must present it as a bearer token
	}

	Server struct {
		hub    *memory.Hub
		apiKey string
		ws     *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "relay-server").Logger(),
		hub:    cfg.Hub,
		apiKey: cfg.APIKey,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/realtime", srv.realtime)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) realtime(w http.ResponseWriter, r *http.Request) {
	if srv.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+srv.apiKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := &connSession{
		logger:      srv.logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		hub:         srv.hub,
		conn:        conn,
		send:        make(chan ws.Frame, defaultConnSendBuffer),
		done:        make(chan struct{}),
		msgCancels:  make(map[string]transport.CancelFunc),
		presCancels: make(map[string]transport.CancelFunc),
		entered:     make(map[enteredKey]struct{}),
	}
	srv.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("client connected")
	go sess.handle()
}

type enteredKey struct {
	topic    string
	clientID string
}

// connSession is one relay-side websocket connection with everything it owns
// on the hub.
type connSession struct {
	logger zerolog.Logger
	hub    *memory.Hub
	conn   *websocket.Conn
	send   chan ws.Frame
	done   chan struct{}

	mx          sync.Mutex
	msgCancels  map[string]transport.CancelFunc
	presCancels map[string]transport.CancelFunc
	entered     map[enteredKey]struct{}
}

func (s *connSession) handle() {
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		s.receiver()
		close(s.done)
		wg.Done()
	}()
	go func() {
		s.sender()
		wg.Done()
	}()
	wg.Wait()
	s.cleanup()
}

// cleanup releases everything the connection held: subscriptions first so the
// forwarders stop, then presence, so other clients observe the leaves.
func (s *connSession) cleanup() {
	_ = s.conn.Close()

	s.mx.Lock()
	msgCancels := s.msgCancels
	presCancels := s.presCancels
	entered := s.entered
	s.msgCancels = make(map[string]transport.CancelFunc)
	s.presCancels = make(map[string]transport.CancelFunc)
	s.entered = make(map[enteredKey]struct{})
	s.mx.Unlock()

	for _, cancel := range msgCancels {
		cancel()
	}
	for _, cancel := range presCancels {
		cancel()
	}
	for k := range entered {
		s.hub.Leave(k.topic, k.clientID)
	}
	s.logger.Debug().Msg("client session cleaned up")
}

func (s *connSession) receiver() {
	s.conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadlineFunc := func(deadline time.Duration) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	s.conn.SetPongHandler(func(string) error {
		s.logger.Trace().Msg("got pong")
		return readDeadlineFunc(defaultPongWait)
	})
	if err := readDeadlineFunc(defaultPongWait); err != nil {
		s.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, wsErr := s.conn.ReadMessage()
		if wsErr != nil {
			if websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				s.logger.Debug().Err(wsErr).Msg("connection closed")
			} else {
				s.logger.Error().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		var f ws.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			s.logger.Error().Err(err).Msg("failed to unmarshall incoming frame")
			continue
		}
		s.dispatch(f)
	}
}

func (s *connSession) dispatch(f ws.Frame) {
	switch f.Type {
	case ws.FramePublish:
		s.hub.Publish(f.Topic, transport.Message{Name: f.Name, Data: f.Data, ClientID: f.ClientID})
		s.ack(f.ID, nil, "")

	case ws.FrameEnter:
		s.hub.Enter(f.Topic, f.ClientID, f.Data)
		s.mx.Lock()
		s.entered[enteredKey{topic: f.Topic, clientID: f.ClientID}] = struct{}{}
		s.mx.Unlock()
		s.ack(f.ID, nil, "")

	case ws.FrameLeave:
		s.hub.Leave(f.Topic, f.ClientID)
		s.mx.Lock()
		delete(s.entered, enteredKey{topic: f.Topic, clientID: f.ClientID})
		s.mx.Unlock()
		s.ack(f.ID, nil, "")

	case ws.FramePresence:
		s.ack(f.ID, s.hub.Presence(f.Topic), "")

	case ws.FrameSubscribe:
		ch, cancel := s.hub.Subscribe(f.Topic, f.Name)
		s.mx.Lock()
		s.msgCancels[f.SubID] = cancel
		s.mx.Unlock()
		go s.forwardMessages(f.SubID, f.Topic, ch)
		s.ack(f.ID, nil, "")

	case ws.FrameUnsubscribe:
		s.mx.Lock()
		cancel, ok := s.msgCancels[f.SubID]
		delete(s.msgCancels, f.SubID)
		s.mx.Unlock()
		if ok {
			cancel()
		}

	case ws.FramePresenceSubscribe:
		ch, cancel := s.hub.SubscribePresence(f.Topic)
		s.mx.Lock()
		s.presCancels[f.SubID] = cancel
		s.mx.Unlock()
		go s.forwardPresence(f.SubID, f.Topic, ch)
		s.ack(f.ID, nil, "")

	case ws.FramePresenceUnsubscribe:
		s.mx.Lock()
		cancel, ok := s.presCancels[f.SubID]
		delete(s.presCancels, f.SubID)
		s.mx.Unlock()
		if ok {
			cancel()
		}

	default:
		s.ack(f.ID, nil, fmt.Sprintf("unknown frame type %q", f.Type))
	}
}

func (s *connSession) ack(id string, members []string, errMsg string) {
	if id == "" {
		return
	}
	s.enqueue(ws.Frame{ID: id, Type: ws.FrameAck, Members: members, Err: errMsg})
}

func (s *connSession) forwardMessages(subID, topicName string, ch <-chan transport.Message) {
	for m := range ch {
		s.enqueue(ws.Frame{
			Type:     ws.FrameMessage,
			SubID:    subID,
			Topic:    topicName,
			Name:     m.Name,
			Data:     m.Data,
			ClientID: m.ClientID,
		})
	}
}

func (s *connSession) forwardPresence(subID, topicName string, ch <-chan transport.PresenceEvent) {
	for ev := range ch {
		s.enqueue(ws.Frame{
			Type:     ws.FramePresenceEvent,
			SubID:    subID,
			Topic:    topicName,
			Action:   ev.Action.String(),
			ClientID: ev.ClientID,
		})
	}
}

func (s *connSession) enqueue(f ws.Frame) {
	select {
	case s.send <- f:
	case <-s.done:
	}
}

func (s *connSession) sender() {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()
SendLoop:
	for {
		select {
		case <-s.done:
			break SendLoop
		case <-pingTicker.C:
			wsErr := s.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = s.conn.WriteMessage(websocket.PingMessage, []byte{}); wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			s.logger.Trace().Msg("ping sent")
		case f := <-s.send:
			wsErr := s.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = s.conn.WriteJSON(&f); wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to write outgoing frame")
				break SendLoop
			}
		}
	}
	_ = s.conn.Close()
}
