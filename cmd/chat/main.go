// Command chat is a terminal client for a relay: it starts a session, enters
// the global lobby and a room, streams room traffic and keeps a pairwise
// direct-message subscription rebuilt as room membership changes.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/gamerooms/game"
	"github.com/adwski/gamerooms/transport/ws"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		relayURL = fs.StringP("relay-url", "u", "ws://localhost:8888/realtime", "relay realtime endpoint")
		apiKey   = fs.StringP("api-key", "k", "", "relay api key")
		name     = fs.StringP("name", "n", "", "player name")
		roomID   = fs.StringP("room", "r", "lobby", "room to enter")
		logLevel = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if *name == "" {
		logger.Fatal().Msg("player name is required")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess, err := game.New(game.Config{
		Transport: ws.New(ws.Config{URL: *relayURL, APIKey: *apiKey, Logger: &logger}),
		Logger:    &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build session")
	}

	states, err := sess.Start(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start session")
	}
	if st := <-states; st != game.StateStarted {
		logger.Fatal().Str("state", st.String()).Msg("session did not start")
	}

	me := game.Player{ID: *name}
	room := game.Room{ID: *roomID}
	rooms := sess.Rooms()

	if err = sess.EnterGlobal(ctx, me); err != nil {
		logger.Fatal().Err(err).Msg("failed to enter global lobby")
	}
	if err = rooms.Enter(ctx, me, room); err != nil {
		logger.Fatal().Err(err).Msg("failed to enter room")
	}
	count, _ := rooms.Count(ctx, room)
	fmt.Printf("entered room %s (%d present)\n", room.ID, count)

	roomMsgs, cancelRoom := rooms.SubscribeRoomMessages(room, game.Text)
	defer cancelRoom()
	presence, cancelPresence := rooms.SubscribePresence(room)
	defer cancelPresence()

	// pairwise subscriptions are a snapshot of current members, so they are
	// torn down and reopened on every presence change
	directMsgs, cancelDirect, err := rooms.SubscribePlayerMessages(ctx, room, me, game.Text)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to direct messages")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			cancelDirect()
			_ = rooms.Leave(context.Background(), me, room)
			_ = sess.LeaveGlobal(context.Background(), me)
			sess.Stop()
			return

		case rm, ok := <-roomMsgs:
			if !ok {
				logger.Warn().Msg("room stream ended")
				return
			}
			if rm.From.ID != me.ID {
				fmt.Printf("[%s] %s\n", rm.From.ID, rm.Message.Content)
			}

		case rm, ok := <-directMsgs:
			if !ok {
				continue // rebuild in flight
			}
			fmt.Printf("[%s -> you] %s\n", rm.From.ID, rm.Message.Content)

		case ev, ok := <-presence:
			if !ok {
				logger.Warn().Msg("presence stream ended")
				return
			}
			fmt.Printf("* %s %s the room\n", ev.Player.ID, ev.Action)
			cancelDirect()
			newMsgs, newCancel, rErr := rooms.SubscribePlayerMessages(ctx, room, me, game.Text)
			if rErr != nil {
				logger.Error().Err(rErr).Msg("failed to rebuild direct subscriptions")
				directMsgs, cancelDirect = nil, func() {}
				continue
			}
			directMsgs, cancelDirect = newMsgs, newCancel

		case line, ok := <-lines:
			if !ok {
				lines = nil
				cancel()
				continue
			}
			if to, content, found := strings.Cut(strings.TrimPrefix(line, "@"), " "); found && strings.HasPrefix(line, "@") {
				if err = rooms.SendToPlayer(ctx, me, game.Player{ID: to}, game.Message{Kind: game.Text, Content: content}); err != nil {
					logger.Error().Err(err).Msg("failed to send direct message")
				}
				continue
			}
			if err = rooms.SendToRoom(ctx, me, room, game.Message{Kind: game.Text, Content: line}); err != nil {
				logger.Error().Err(err).Msg("failed to send room message")
			}
		}
	}
}
