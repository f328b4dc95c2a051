// Package events is the closed set of notifications the replication core publishes to whoever sits above it.
package events

import (
	"log/slog"
	"sync"

	"github.com/astromechza/automerge-replicas/pkg/change"
)

type Kind int

const (
	LocalChange Kind = iota + 1
	RemoteChange
	PeerConnected
	PeerDisconnected
	Error
)

func (k Kind) String() string {
	switch k {
	case LocalChange:
		return "local-change"
	case RemoteChange:
		return "remote-change"
	case PeerConnected:
		return "peer-connected"
	case PeerDisconnected:
		return "peer-disconnected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Event carries the record for change events, the peer for peer events, and Err plus whichever of DocumentID and
// PeerID applies for error events.
type Event struct {
	Kind       Kind
	DocumentID string
	PeerID     string
	Record     *change.Record
	Err        error
}

func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", e.Kind.String())}
	if e.DocumentID != "" {
		attrs = append(attrs, slog.String("doc", e.DocumentID))
	}
	if e.PeerID != "" {
		attrs = append(attrs, slog.String("peer", e.PeerID))
	}
	if e.Record != nil {
		attrs = append(attrs, slog.String("change", e.Record.ID().String()))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.Any("err", e.Err))
	}
	return slog.GroupValue(attrs...)
}

type Handler func(Event)

type subscription struct {
	id    uint64
	kinds map[Kind]bool
	fn    Handler
}

// Bus delivers events synchronously, in subscription order, on the publishing goroutine. Handlers must not block.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for the given kinds, or for every kind when none are given. The returned function removes
// the subscription.
func (b *Bus) Subscribe(fn Handler, kinds ...Kind) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	var filter map[Kind]bool
	if len(kinds) > 0 {
		filter = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			filter[k] = true
		}
	}
	b.subs = append(b.subs, subscription{id: id, kinds: filter, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		if s.kinds == nil || s.kinds[e.Kind] {
			s.fn(e)
		}
	}
}

// Channel subscribes a buffered channel. Events that do not fit are dropped rather than blocking the publisher.
func (b *Bus) Channel(size int, kinds ...Kind) (<-chan Event, func()) {
	ch := make(chan Event, size)
	var once sync.Once
	var mu sync.Mutex
	closed := false
	unsub := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			slog.Warn("dropped event", "event", e)
		}
	}, kinds...)
	return ch, func() {
		once.Do(func() {
			unsub()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}
