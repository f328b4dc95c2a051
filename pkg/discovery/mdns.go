package discovery

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/grandcat/zeroconf"
)

const (
	DefaultMDNSService = "_localfirst._tcp"
	DefaultMDNSDomain  = "local."
)

// MDNS advertises the local replica on the LAN and browses for others with the same discovery key. Browsing runs in
// rounds; a peer missing from the rounds for TTL is lost.
type MDNS struct {
	ID   string
	Port int

	Service        string
	Domain         string
	BrowseInterval time.Duration
	TTL            time.Duration
	Logger         *slog.Logger
}

func (m *MDNS) defaults() {
	if m.Service == "" {
		m.Service = DefaultMDNSService
	}
	if m.Domain == "" {
		m.Domain = DefaultMDNSDomain
	}
	if m.BrowseInterval <= 0 {
		m.BrowseInterval = 10 * time.Second
	}
	if m.TTL <= 0 {
		m.TTL = 3 * m.BrowseInterval
	}
	if m.Logger == nil {
		m.Logger = slog.Default()
	}
}

func (m *MDNS) FindPeers(ctx context.Context, key string) (<-chan Peer, error) {
	m.defaults()
	logger := m.Logger.With("component", "mdns", "service", m.Service)
	server, err := zeroconf.Register(m.ID, m.Service, m.Domain, m.Port, txtRecord(key, m.ID), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register mdns service")
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, errors.Wrap(err, "failed to initialize mdns resolver")
	}
	logger.Info("registered mdns service", "port", m.Port)

	t := newTracker(ctx)
	go func() {
		defer server.Shutdown()
		defer t.stop()
		for ctx.Err() == nil {
			if err := m.browse(ctx, resolver, key, t); err != nil {
				logger.Warn("failed to browse", "err", err)
			}
			t.expire(m.TTL)
		}
	}()
	return t.out, nil
}

func (m *MDNS) browse(ctx context.Context, resolver *zeroconf.Resolver, key string, t *tracker) error {
	round, cancel := context.WithTimeout(ctx, m.BrowseInterval)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(round, m.Service, m.Domain, entries); err != nil {
		return err
	}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				<-round.Done()
				return nil
			}
			if p, ok := peerFromEntry(e, key, m.ID); ok {
				t.seen(p)
			}
		case <-round.Done():
			return nil
		}
	}
}

func txtRecord(key, id string) []string {
	return []string{"key=" + key, "peer=" + id}
}

// peerFromEntry accepts entries advertising key from replicas other than self.
func peerFromEntry(e *zeroconf.ServiceEntry, key, self string) (Peer, bool) {
	if e == nil {
		return Peer{}, false
	}
	var entryKey, id string
	for _, kv := range e.Text {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "key":
			entryKey = v
		case "peer":
			id = v
		}
	}
	if entryKey != key || id == "" || id == self {
		return Peer{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Peer{}, false
	}
	return Peer{ID: id, Addr: net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))}, true
}
