// Package discovery finds the peers that share a discovery key.
package discovery

import (
	"context"
	"sync"
	"time"
)

// Peer is one remote replica. Lost is closed when discovery stops reporting it, or when the stream that produced it
// ends.
type Peer struct {
	ID   string
	Addr string
	Lost <-chan struct{}
}

// Discovery streams the peers sharing key until ctx is done, after which the channel is closed. Implementations also
// advertise the local replica under key for as long as ctx lives.
type Discovery interface {
	FindPeers(ctx context.Context, key string) (<-chan Peer, error)
}

// Static reports a fixed set of peers that are never lost while the stream lives.
type Static []Peer

func (s Static) FindPeers(ctx context.Context, key string) (<-chan Peer, error) {
	t := newTracker(ctx)
	go func() {
		defer t.stop()
		for _, p := range s {
			t.seen(p)
		}
		<-ctx.Done()
	}()
	return t.out, nil
}

type tracked struct {
	lost chan struct{}
	seen time.Time
}

// tracker turns observations of peers into the Peer stream, owning the Lost channels.
type tracker struct {
	ctx context.Context
	out chan Peer

	mu      sync.Mutex
	peers   map[string]*tracked
	stopped bool
}

func newTracker(ctx context.Context) *tracker {
	return &tracker{ctx: ctx, out: make(chan Peer), peers: make(map[string]*tracked)}
}

// seen records p and emits it when it is new. It blocks until the consumer takes the peer or ctx is done.
func (t *tracker) seen(p Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	if tr, ok := t.peers[p.ID]; ok {
		tr.seen = time.Now()
		return false
	}
	lost := make(chan struct{})
	p.Lost = lost
	select {
	case t.out <- p:
	case <-t.ctx.Done():
		return false
	}
	t.peers[p.ID] = &tracked{lost: lost, seen: time.Now()}
	return true
}

func (t *tracker) lose(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.peers[id]; ok {
		close(tr.lost)
		delete(t.peers, id)
	}
}

// retain loses every peer not in ids.
func (t *tracker) retain(ids map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tr := range t.peers {
		if !ids[id] {
			close(tr.lost)
			delete(t.peers, id)
		}
	}
}

// expire loses every peer not seen within ttl.
func (t *tracker) expire(ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	for id, tr := range t.peers {
		if tr.seen.Before(cutoff) {
			close(tr.lost)
			delete(t.peers, id)
		}
	}
}

func (t *tracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	for id, tr := range t.peers {
		close(tr.lost)
		delete(t.peers, id)
	}
	close(t.out)
}
