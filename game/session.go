package game

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/gamerooms/transport"
)

const defaultStateBuffer = 8

// Config carries Session collaborators. Transport is mandatory.
type Config struct {
	Transport transport.Transport
	Logger    *zerolog.Logger
}

// Session owns the transport connection lifecycle and the global lobby.
// Lobby presence operations are gated on the session being started; the
// gate is driven solely by the transport's connection state notifications.
type Session struct {
	tr     transport.Transport
	logger zerolog.Logger

	mx    *sync.RWMutex
	state State

	rooms *RoomController
}

// New builds a Session around a transport. It does not connect; call Start.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "session").Logger()
	}
	s := &Session{
		tr:     cfg.Transport,
		logger: logger,
		mx:     &sync.RWMutex{},
		rooms: &RoomController{
			tr:     cfg.Transport,
			logger: logger.With().Str("component", "rooms").Logger(),
		},
	}
	// session-lifetime listener keeping the gate in sync with the connection
	states, _ := s.tr.SubscribeState()
	go s.watchState(states)
	return s, nil
}

// Rooms returns the room controller bound to the same transport.
func (s *Session) Rooms() *RoomController {
	return s.rooms
}

// State returns the current session state.
func (s *Session) State() State {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mx.Lock()
	s.state = st
	s.mx.Unlock()
	s.logger.Debug().Str("state", st.String()).Msg("session state changed")
}

func (s *Session) watchState(states <-chan transport.State) {
	for st := range states {
		if mapped, ok := mapState(st); ok {
			s.setState(mapped)
		}
	}
}

func mapState(st transport.State) (State, bool) {
	switch st {
	case transport.StateConnected:
		return StateStarted, true
	case transport.StateClosed:
		return StateStopped, true
	}
	// other transport states are not of interest here
	return 0, false
}

// Start connects the transport (a no-op when already connected) and returns a
// live sequence of Started/Stopped transitions. The sequence stays open until
// ctx is cancelled, which releases the underlying state listener.
func (s *Session) Start(ctx context.Context) (<-chan State, error) {
	states, cancel := s.tr.SubscribeState()
	out := make(chan State, defaultStateBuffer)
	go pumpStates(ctx, states, cancel, out)

	if err := s.tr.Connect(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("start session: %w", err)
	}
	return out, nil
}

func pumpStates(ctx context.Context, in <-chan transport.State, cancel transport.CancelFunc, out chan<- State) {
	defer func() {
		cancel()
		close(out)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-in:
			if !ok {
				return
			}
			mapped, interesting := mapState(st)
			if !interesting {
				continue
			}
			select {
			case out <- mapped:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop closes the transport connection when the session is started,
// otherwise it is a no-op. Consumers of Start sequences observe Stopped.
func (s *Session) Stop() {
	if s.State() != StateStarted {
		return
	}
	if err := s.tr.Close(); err != nil {
		s.logger.Error().Err(err).Msg("failed to close transport")
	}
}

// EnterGlobal puts the player into the global lobby presence set. Fails with
// ErrNotStarted unless the session is started.
func (s *Session) EnterGlobal(ctx context.Context, p Player) error {
	if s.State() != StateStarted {
		return fmt.Errorf("enter global: %w", ErrNotStarted)
	}
	if err := s.tr.Enter(ctx, GlobalTopic, p.ID, presencePlaceholder); err != nil {
		return fmt.Errorf("enter global: %w", err)
	}
	s.logger.Debug().Str("player", p.ID).Msg("player entered global lobby")
	return nil
}

// LeaveGlobal removes the player from the global lobby presence set. Unlike
// EnterGlobal it is not gated on session state: the call passes through and
// surfaces whatever the transport reports.
func (s *Session) LeaveGlobal(ctx context.Context, p Player) error {
	if err := s.tr.Leave(ctx, GlobalTopic, p.ID, presencePlaceholder); err != nil {
		return fmt.Errorf("leave global: %w", err)
	}
	s.logger.Debug().Str("player", p.ID).Msg("player left global lobby")
	return nil
}

// GlobalPlayers returns the lobby presence set, freshly queried on every
// call. It is empty unless the session is started.
func (s *Session) GlobalPlayers(ctx context.Context) ([]Player, error) {
	if s.State() != StateStarted {
		return nil, nil
	}
	members, err := s.tr.Presence(ctx, GlobalTopic)
	if err != nil {
		return nil, fmt.Errorf("global players: %w", err)
	}
	players := make([]Player, 0, len(members))
	for _, id := range members {
		players = append(players, Player{ID: id})
	}
	return players, nil
}

// GlobalPlayerCount returns the live size of the lobby presence set, 0 unless
// the session is started.
func (s *Session) GlobalPlayerCount(ctx context.Context) (int, error) {
	players, err := s.GlobalPlayers(ctx)
	if err != nil {
		return 0, err
	}
	return len(players), nil
}

// IsPlayerPresent reports whether the player is currently in the lobby.
// False for an empty player id or a session that is not started.
func (s *Session) IsPlayerPresent(ctx context.Context, p Player) bool {
	if p.ID == "" {
		return false
	}
	players, err := s.GlobalPlayers(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("presence scan failed")
		return false
	}
	for _, pl := range players {
		if pl.ID == p.ID {
			return true
		}
	}
	return false
}

// SubscribeGlobalPresence streams lobby enter/leave events until cancelled.
func (s *Session) SubscribeGlobalPresence() (<-chan PresenceEvent, CancelFunc) {
	return subscribePresence(s.tr, GlobalTopic)
}
