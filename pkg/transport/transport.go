// Package transport moves opaque frames between two peers over a reliable, ordered channel.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by operations on a transport that has been closed by either end.
var ErrClosed = errors.New("transport closed")

// Transport is one bidirectional frame channel. Send and Receive may be used concurrently with each other, and Close
// unblocks both.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// DialFunc opens a transport to addr.
type DialFunc func(ctx context.Context, addr string) (Transport, error)

type websocketTransport struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
}

// NewWebsocket wraps an established websocket connection.
func NewWebsocket(conn *websocket.Conn) Transport {
	return &websocketTransport{conn: conn}
}

func (w *websocketTransport) Send(ctx context.Context, frame []byte) error {
	w.writeLock.Lock()
	defer w.writeLock.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

func (w *websocketTransport) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mt, p, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, errors.Wrap(ErrClosed, "peer closed")
			}
			return nil, errors.Wrap(err, "failed to read message")
		}
		switch mt {
		case websocket.BinaryMessage:
			return p, nil
		default:
		}
	}
}

func (w *websocketTransport) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.writeLock.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		w.writeLock.Unlock()
		err = w.conn.Close()
	})
	return err
}

// WebsocketDialer dials ws(s) urls built by urlFor from the address given to the returned DialFunc.
func WebsocketDialer(urlFor func(addr string) string, header http.Header) DialFunc {
	return func(ctx context.Context, addr string) (Transport, error) {
		u := urlFor(addr)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
		if err != nil {
			if resp != nil {
				return nil, errors.Wrapf(err, "failed to dial %s: %s", u, resp.Status)
			}
			return nil, errors.Wrapf(err, "failed to dial %s", u)
		}
		return NewWebsocket(conn), nil
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Upgrade accepts a websocket request on the server side.
func Upgrade(w http.ResponseWriter, r *http.Request) (Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upgrade")
	}
	return NewWebsocket(conn), nil
}
