package game

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/gamerooms/transport"
)

const defaultEventBuffer = 32

// RoomController handles room-scoped presence and messaging. It holds no
// state between calls beyond the transport handle: presence lives at the
// transport, open subscriptions are the caller's to track. Session-state
// gating is not enforced here; operations pass through to the transport.
type RoomController struct {
	tr     transport.Transport
	logger zerolog.Logger
}

// Enter puts the player into the room's presence set.
func (rc *RoomController) Enter(ctx context.Context, p Player, r Room) error {
	if err := rc.tr.Enter(ctx, RoomTopic(r), p.ID, presencePlaceholder); err != nil {
		return fmt.Errorf("player %s enter room %s: %w", p.ID, r.ID, err)
	}
	rc.logger.Debug().Str("player", p.ID).Str("room", r.ID).Msg("player entered room")
	return nil
}

// Leave removes the player from the room's presence set.
func (rc *RoomController) Leave(ctx context.Context, p Player, r Room) error {
	if err := rc.tr.Leave(ctx, RoomTopic(r), p.ID, presencePlaceholder); err != nil {
		return fmt.Errorf("player %s leave room %s: %w", p.ID, r.ID, err)
	}
	rc.logger.Debug().Str("player", p.ID).Str("room", r.ID).Msg("player left room")
	return nil
}

// Players returns the room's presence set, freshly queried on every call.
func (rc *RoomController) Players(ctx context.Context, r Room) ([]Player, error) {
	members, err := rc.tr.Presence(ctx, RoomTopic(r))
	if err != nil {
		return nil, fmt.Errorf("players in room %s: %w", r.ID, err)
	}
	players := make([]Player, 0, len(members))
	for _, id := range members {
		players = append(players, Player{ID: id})
	}
	return players, nil
}

// Count returns the size of the room's presence set.
func (rc *RoomController) Count(ctx context.Context, r Room) (int, error) {
	players, err := rc.Players(ctx, r)
	if err != nil {
		return 0, err
	}
	return len(players), nil
}

// SendToRoom publishes the message on the room topic with the sender's id as
// publisher identity. Delivery beyond the publish acknowledgement is the
// transport's concern.
func (rc *RoomController) SendToRoom(ctx context.Context, from Player, r Room, m Message) error {
	if err := rc.tr.Publish(ctx, RoomTopic(r), encodeMessage(from, m)); err != nil {
		return fmt.Errorf("send to room %s: %w", r.ID, err)
	}
	return nil
}

// SendToPlayer publishes the message on the pair topic shared with the
// receiver, the same topic SubscribePlayerMessages listens on.
func (rc *RoomController) SendToPlayer(ctx context.Context, from, to Player, m Message) error {
	if err := rc.tr.Publish(ctx, PairTopic(from, to), encodeMessage(from, m)); err != nil {
		return fmt.Errorf("send to player %s: %w", to.ID, err)
	}
	return nil
}

// SubscribeRoomMessages streams messages of the given kind published on the
// room topic until cancelled.
func (rc *RoomController) SubscribeRoomMessages(r Room, kind Kind) (<-chan ReceivedMessage, CancelFunc) {
	in, trCancel := rc.tr.Subscribe(RoomTopic(r), kind.String())
	out := make(chan ReceivedMessage, defaultEventBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		rc.forwardMessages(in, out, done)
	}()
	return out, cancelOnce(trCancel, done)
}

// SubscribePlayerMessages opens one pair-topic subscription per current room
// member other than receiver and fans them into a single stream. This is a
// snapshot: players joining the room later are not picked up, so callers
// tracking room presence must cancel and resubscribe on membership changes.
func (rc *RoomController) SubscribePlayerMessages(
	ctx context.Context,
	r Room,
	receiver Player,
	kind Kind,
) (<-chan ReceivedMessage, CancelFunc, error) {
	players, err := rc.Players(ctx, r)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan ReceivedMessage, defaultEventBuffer)
	done := make(chan struct{})
	wg := &sync.WaitGroup{}
	cancels := make([]transport.CancelFunc, 0, len(players))

	for _, p := range players {
		if p.ID == receiver.ID {
			continue
		}
		in, trCancel := rc.tr.Subscribe(PairTopic(p, receiver), kind.String())
		cancels = append(cancels, trCancel)
		wg.Add(1)
		go func(in <-chan transport.Message) {
			defer wg.Done()
			rc.forwardMessages(in, out, done)
		}(in)
		rc.logger.Debug().
			Str("room", r.ID).
			Str("receiver", receiver.ID).
			Str("peer", p.ID).
			Msg("pair subscription opened")
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			for _, c := range cancels {
				c()
			}
			close(done)
			go func() {
				wg.Wait()
				close(out)
			}()
		})
	}
	return out, cancel, nil
}

// UnsubscribePlayerMessages drops every pair-topic listener for receiver in
// the room, iterating the same member enumeration used to open them.
func (rc *RoomController) UnsubscribePlayerMessages(ctx context.Context, r Room, receiver Player) error {
	players, err := rc.Players(ctx, r)
	if err != nil {
		return err
	}
	for _, p := range players {
		if p.ID == receiver.ID {
			continue
		}
		rc.tr.Unsubscribe(PairTopic(p, receiver))
	}
	return nil
}

// SubscribePresence streams the room's enter/leave events until cancelled.
// Streams for different rooms are independent.
func (rc *RoomController) SubscribePresence(r Room) (<-chan PresenceEvent, CancelFunc) {
	return subscribePresence(rc.tr, RoomTopic(r))
}

// UnsubscribePresence drops every presence listener on the room's topic.
func (rc *RoomController) UnsubscribePresence(r Room) {
	rc.tr.UnsubscribePresence(RoomTopic(r))
}

// forwardMessages decodes and forwards one transport subscription's messages
// until the input closes or done is signalled. It never closes out; the
// subscription owner does once all forwarders stopped.
func (rc *RoomController) forwardMessages(in <-chan transport.Message, out chan<- ReceivedMessage, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case tm, ok := <-in:
			if !ok {
				return
			}
			rm, err := decodeMessage(tm)
			if err != nil {
				rc.logger.Error().Err(err).Str("name", tm.Name).Msg("dropping undecodable message")
				continue
			}
			select {
			case out <- rm:
			case <-done:
				return
			}
		}
	}
}

// subscribePresence adapts a transport presence stream to player events.
func subscribePresence(tr transport.Transport, topicName string) (<-chan PresenceEvent, CancelFunc) {
	in, trCancel := tr.SubscribePresence(topicName)
	out := make(chan PresenceEvent, defaultEventBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				mapped := PresenceEvent{Action: Entered, Player: Player{ID: ev.ClientID}}
				if ev.Action == transport.ActionLeave {
					mapped.Action = Left
				}
				select {
				case out <- mapped:
				case <-done:
					return
				}
			}
		}
	}()
	return out, cancelOnce(trCancel, done)
}

// cancelOnce builds an idempotent CancelFunc releasing the transport listener
// and stopping the forwarder.
func cancelOnce(trCancel transport.CancelFunc, done chan struct{}) CancelFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			trCancel()
			close(done)
		})
	}
}
