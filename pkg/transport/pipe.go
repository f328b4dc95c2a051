package transport

import (
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
)

type pipeShared struct {
	done      chan struct{}
	closeOnce sync.Once
}

type pipeEnd struct {
	shared *pipeShared
	in     <-chan []byte
	out    chan<- []byte
}

// Pipe returns two connected in-memory transports. Closing either end closes both.
func Pipe() (Transport, Transport) {
	shared := &pipeShared{done: make(chan struct{})}
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	return &pipeEnd{shared: shared, in: ba, out: ab}, &pipeEnd{shared: shared, in: ab, out: ba}
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- slices.Clone(frame):
		return nil
	case <-p.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns frames sent before Close even when the pipe is already closed.
func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-p.in:
		return f, nil
	default:
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.shared.done:
		select {
		case f := <-p.in:
			return f, nil
		default:
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.shared.closeOnce.Do(func() {
		close(p.shared.done)
	})
	return nil
}

// MemNetwork connects in-memory transports by address.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]chan Transport
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: make(map[string]chan Transport)}
}

// Listen returns the channel on which the server ends of connections to addr arrive.
func (n *MemNetwork) Listen(addr string) <-chan Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan Transport, 16)
	n.listeners[addr] = ch
	return ch
}

// Unlisten makes following dials to addr fail.
func (n *MemNetwork) Unlisten(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, addr)
}

func (n *MemNetwork) Dial(ctx context.Context, addr string) (Transport, error) {
	n.mu.Lock()
	ch, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, errors.Newf("connection refused: %s", addr)
	}
	local, remote := Pipe()
	select {
	case ch <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
