package game

import (
	"errors"
	"fmt"

	"github.com/adwski/gamerooms/transport"
)

// Kind tags the message envelope. It travels in the transport message's name
// field so subscriptions can filter on it server-side.
type Kind int

const (
	Text Kind = iota
	Request
)

var ErrUnknownKind = errors.New("unknown message kind")

func (k Kind) String() string {
	if k == Request {
		return "request"
	}
	return "text"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "text":
		return Text, nil
	case "request":
		return Request, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Message is the typed envelope callers exchange. Content is opaque.
type Message struct {
	Kind    Kind
	Content string
}

// encodeMessage maps the envelope onto a transport message: kind in the name,
// content in the data, sender id as the publisher identity.
func encodeMessage(from Player, m Message) transport.Message {
	return transport.Message{
		Name:     m.Kind.String(),
		Data:     m.Content,
		ClientID: from.ID,
	}
}

// decodeMessage is the inverse of encodeMessage.
func decodeMessage(tm transport.Message) (ReceivedMessage, error) {
	kind, err := ParseKind(tm.Name)
	if err != nil {
		return ReceivedMessage{}, err
	}
	return ReceivedMessage{
		From:    Player{ID: tm.ClientID},
		Message: Message{Kind: kind, Content: tm.Data},
	}, nil
}
