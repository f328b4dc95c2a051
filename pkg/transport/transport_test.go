package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()
	require.NoError(t, a.Send(ctx, []byte("hello")))
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, b.Close())
	require.NoError(t, a.Close())
	_, err = a.Receive(ctx)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(b.Send(ctx, []byte("x")), ErrClosed))
}

func TestMemNetwork(t *testing.T) {
	ctx := context.Background()
	n := NewMemNetwork()
	accepts := n.Listen("peer-1")
	client, err := n.Dial(ctx, "peer-1")
	require.NoError(t, err)
	server := <-accepts
	require.NoError(t, client.Send(ctx, []byte("ping")))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	n.Unlisten("peer-1")
	_, err = n.Dial(ctx, "peer-1")
	assert.Error(t, err)
}

func TestWebsocketRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := Upgrade(w, r)
		if err != nil {
			return
		}
		defer tr.Close()
		for {
			frame, err := tr.Receive(r.Context())
			if err != nil {
				return
			}
			if err := tr.Send(r.Context(), append([]byte("echo:"), frame...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	dial := WebsocketDialer(func(addr string) string {
		return "ws" + strings.TrimPrefix(addr, "http") + "/sync"
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := dial(ctx, srv.URL)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(ctx, []byte{1, 2, 3}))
	got, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("echo:"), 1, 2, 3), got)
}
