package discovery

import (
	"context"
	"sync"
)

// Hub is an in-process rendezvous point. Every Discovery it hands out sees the others joined under the same key.
type Hub struct {
	mu      sync.Mutex
	members map[string]map[string]*hubMember
}

type hubMember struct {
	peer    Peer
	tracker *tracker
}

func NewHub() *Hub {
	return &Hub{members: make(map[string]map[string]*hubMember)}
}

// Discovery returns the view of the hub for the replica id reachable at addr.
func (h *Hub) Discovery(id, addr string) Discovery {
	return &hubDiscovery{hub: h, self: Peer{ID: id, Addr: addr}}
}

type hubDiscovery struct {
	hub  *Hub
	self Peer
}

func (d *hubDiscovery) FindPeers(ctx context.Context, key string) (<-chan Peer, error) {
	me := &hubMember{peer: d.self, tracker: newTracker(ctx)}
	go d.hub.join(ctx, key, me)
	return me.tracker.out, nil
}

// join announces me to the group for the lifetime of ctx. Membership changes are applied under the hub lock so that
// every pair of members sees each other exactly once; consumers must keep reading their streams.
func (h *Hub) join(ctx context.Context, key string, me *hubMember) {
	h.mu.Lock()
	group, ok := h.members[key]
	if !ok {
		group = make(map[string]*hubMember)
		h.members[key] = group
	}
	for _, m := range group {
		m.tracker.seen(me.peer)
		me.tracker.seen(m.peer)
	}
	group[me.peer.ID] = me
	h.mu.Unlock()

	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	group = h.members[key]
	if group[me.peer.ID] == me {
		delete(group, me.peer.ID)
	}
	if len(group) == 0 {
		delete(h.members, key)
	}
	for _, m := range group {
		m.tracker.lose(me.peer.ID)
	}
	me.tracker.stop()
}
