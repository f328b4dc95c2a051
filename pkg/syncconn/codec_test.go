package syncconn

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-replicas/pkg/change"
)

func TestEncodeCompressesLargeFrames(t *testing.T) {
	small := &Message{Type: TypePing}
	frame, err := Encode(small, 64)
	require.NoError(t, err)
	assert.Equal(t, flagPlain, frame[0])

	big := &Message{Type: TypeChanges, DocumentID: "doc", Records: []*change.Record{
		{DocumentID: "doc", Actor: "aa", Seq: 1, Payload: bytes.Repeat([]byte("x"), 4096)},
	}}
	frame, err = Encode(big, 64)
	require.NoError(t, err)
	assert.Equal(t, flagSnappy, frame[0])
	assert.Less(t, len(frame), 4096)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, big.Records, got.Records)
}

func TestDecodeEmptyFrontier(t *testing.T) {
	frame, err := Encode(&Message{Type: TypeFrontier, DocumentID: "doc", Frontier: change.NewFrontier()}, 0)
	require.NoError(t, err)
	got, err := Decode(frame)
	require.NoError(t, err)
	assert.NotNil(t, got.Frontier)
	assert.Zero(t, got.Frontier.Len())
}

func TestDecodeRejects(t *testing.T) {
	plain := func(s string) []byte { return append([]byte{flagPlain}, s...) }
	cases := map[string][]byte{
		"empty":           nil,
		"bad flag":        {9, '{', '}'},
		"bad snappy":      {flagSnappy, 0xff, 0xff},
		"not json":        plain("nope"),
		"unknown type":    plain(`{"type":"gossip"}`),
		"hello no peer":   plain(`{"type":"hello","version":1}`),
		"frontier no doc": plain(`{"type":"frontier"}`),
		"resend no doc":   plain(`{"type":"resend","frontier":{"a":1}}`),
		"invalid record":  plain(`{"type":"changes","documentId":"d","records":[{"documentId":"d","actor":"a","seq":2}]}`),
		"foreign record":  plain(`{"type":"changes","documentId":"d","records":[{"documentId":"e","actor":"a","seq":1}]}`),
		"empty snapshot":  plain(`{"type":"snapshot"}`),
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocol))
		})
	}
}
