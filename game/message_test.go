package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		orig := Message{
			Kind:    rapid.SampledFrom([]Kind{Text, Request}).Draw(t, "kind"),
			Content: rapid.String().Draw(t, "content"),
		}
		from := Player{ID: rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "from")}

		decoded, err := decodeMessage(encodeMessage(from, orig))
		require.NoError(t, err)
		assert.Equal(t, orig, decoded.Message)
		assert.Equal(t, from, decoded.From)
	})
}

func TestMessageRoundTripEmptyContent(t *testing.T) {
	decoded, err := decodeMessage(encodeMessage(Player{ID: "a"}, Message{Kind: Request}))
	require.NoError(t, err)
	assert.Equal(t, Message{Kind: Request, Content: ""}, decoded.Message)
}

func TestParseKind(t *testing.T) {
	for _, kind := range []Kind{Text, Request} {
		parsed, err := ParseKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}
}

func TestParseKindUnknown(t *testing.T) {
	_, err := ParseKind("payload")
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = ParseKind("")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeUnknownKind(t *testing.T) {
	tm := encodeMessage(Player{ID: "a"}, Message{Kind: Text, Content: "hi"})
	tm.Name = "binary"
	_, err := decodeMessage(tm)
	assert.ErrorIs(t, err, ErrUnknownKind)
}
