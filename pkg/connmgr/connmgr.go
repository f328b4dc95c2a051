// Package connmgr keeps one synchronization connection per discovered peer alive, reconnecting with backoff, and fans
// new changes out to every connection.
package connmgr

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/discovery"
	"github.com/astromechza/automerge-replicas/pkg/events"
	"github.com/astromechza/automerge-replicas/pkg/syncconn"
	"github.com/astromechza/automerge-replicas/pkg/transport"
)

var (
	ErrClosed     = errors.New("connection manager closed")
	ErrNotStarted = errors.New("connection manager not started")
)

// Repository is the document repository as seen by the manager.
type Repository interface {
	syncconn.Repository
	Bus() *events.Bus
}

// DialPolicy decides which side of a pair of discovered peers opens the connection.
type DialPolicy int

const (
	// DialLowerID dials only peers with a higher id, so two replicas that discover each other open one connection.
	DialLowerID DialPolicy = iota
	// DialAlways dials every discovered peer. Clients of a relay server use it.
	DialAlways
)

const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
)

type Options struct {
	LocalID string
	// Name labels the metrics and logs of this manager. Defaults to LocalID.
	Name      string
	Repo      Repository
	Discovery discovery.Discovery
	Dial      transport.DialFunc
	Policy    DialPolicy

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// ConnMetrics is shared by every connection. Nil disables message counting.
	ConnMetrics *syncconn.Metrics
	// ConnOptions tunes the options of each new connection.
	ConnOptions func(*syncconn.Options)
}

type SlotState int

const (
	Discovered SlotState = iota
	Connecting
	Connected
	Disconnected
)

func (s SlotState) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s SlotState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type slot struct {
	peer  discovery.Peer
	state SlotState
	// passive slots wait for the peer to dial; their state follows the accepted connections
	passive bool
}

type Manager struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	key     string
	started bool
	closed  bool
	slots   map[string]*slot
	conns   map[*syncconn.Conn]struct{}
	unsub   func()
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = opts.LocalID
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	m := &Manager{
		opts:   opts,
		logger: opts.Logger.With("component", "connmgr", "name", opts.Name),
		slots:  make(map[string]*slot),
		conns:  make(map[*syncconn.Conn]struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.metrics = newMetrics(opts.Registerer, opts.Name, m.ConnectionCount)
	m.unsub = opts.Repo.Bus().Subscribe(func(e events.Event) {
		m.BroadcastLocalChange(e.Record)
	}, events.LocalChange, events.RemoteChange)
	return m
}

// Start begins discovering peers sharing key. The manager stops when ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return errors.Newf("already started with %s", m.key)
	}
	m.key = key
	m.started = true
	if m.opts.Discovery != nil {
		peers, err := m.opts.Discovery.FindPeers(m.ctx, key)
		if err != nil {
			return errors.Wrap(err, "failed to start discovery")
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range peers {
				m.discovered(p)
			}
		}()
	}
	stop := context.AfterFunc(ctx, m.cancel)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-m.ctx.Done()
		stop()
	}()
	m.logger.Info("started", "key", key)
	return nil
}

func (m *Manager) discovered(p discovery.Peer) {
	if p.ID == m.opts.LocalID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	s := &slot{peer: p, passive: m.opts.Policy == DialLowerID && m.opts.LocalID > p.ID}
	m.slots[p.ID] = s
	if s.passive {
		m.followInboundLocked(s)
	}
	m.logger.Info("discovered peer", "peer", p.ID, "addr", p.Addr)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSlot(s)
	}()
}

func (m *Manager) setSlot(s *slot, state SlotState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.state = state
}

// runSlot owns one discovered peer until discovery loses it.
func (m *Manager) runSlot(s *slot) {
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	go func() {
		select {
		case <-s.peer.Lost:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer func() {
		var inbound []*syncconn.Conn
		m.mu.Lock()
		if m.slots[s.peer.ID] == s {
			delete(m.slots, s.peer.ID)
			for c := range m.conns {
				if c.PeerID() == s.peer.ID {
					inbound = append(inbound, c)
				}
			}
		}
		m.mu.Unlock()
		for _, c := range inbound {
			_ = c.Close()
		}
		m.logger.Info("peer lost", "peer", s.peer.ID, "closed", len(inbound))
	}()

	if s.passive {
		<-ctx.Done()
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialBackoff
	b.MaxInterval = m.opts.MaxBackoff
	b.MaxElapsedTime = 0
	for {
		m.setSlot(s, Connecting)
		connected, err := m.dial(ctx, s)
		m.setSlot(s, Disconnected)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}
		if errors.Is(err, syncconn.ErrProtocol) {
			m.logger.Warn("not reconnecting to peer until it is rediscovered", "peer", s.peer.ID, "err", err)
			<-ctx.Done()
			return
		}
		wait := b.NextBackOff()
		m.logger.Info("reconnecting", "peer", s.peer.ID, "in", wait, "err", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// dial connects to the peer and runs the connection until it ends. connected reports whether the handshake succeeded.
func (m *Manager) dial(ctx context.Context, s *slot) (connected bool, err error) {
	tr, err := m.opts.Dial(ctx, s.peer.Addr)
	if err != nil {
		m.metrics.Dials.WithLabelValues("failed").Inc()
		err = errors.Mark(errors.Wrapf(err, "failed to dial %s", s.peer.Addr), syncconn.ErrTransport)
		m.publishError(s.peer.ID, err)
		return false, err
	}
	m.metrics.Dials.WithLabelValues("ok").Inc()
	err = m.run(ctx, s.peer.ID, tr, func() {
		connected = true
		m.setSlot(s, Connected)
	})
	return connected, err
}

// Accept runs an inbound connection until it ends. peerID may be empty when the caller does not know it.
func (m *Manager) Accept(ctx context.Context, peerID string, tr transport.Transport) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		_ = tr.Close()
		return ErrNotStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()
	return m.run(ctx, peerID, tr, nil)
}

func (m *Manager) run(ctx context.Context, expected string, tr transport.Transport, connected func()) error {
	opts := syncconn.Options{
		LocalID:        m.opts.LocalID,
		DiscoveryKey:   m.key,
		ExpectedPeerID: expected,
		Repo:           m.opts.Repo,
		Transport:      tr,
		Logger:         m.opts.Logger,
		Metrics:        m.opts.ConnMetrics,
		OnStateChange: func(c *syncconn.Conn, _, to syncconn.State) {
			if to == syncconn.Syncing {
				if connected != nil {
					connected()
				} else {
					m.followInbound(c.PeerID())
				}
				m.opts.Repo.Bus().Publish(events.Event{Kind: events.PeerConnected, PeerID: c.PeerID()})
			}
		},
	}
	if m.opts.ConnOptions != nil {
		m.opts.ConnOptions(&opts)
	}
	conn := syncconn.New(opts)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = tr.Close()
		return ErrClosed
	}
	m.conns[conn] = struct{}{}
	m.mu.Unlock()

	err := conn.Run(ctx)

	m.mu.Lock()
	delete(m.conns, conn)
	m.mu.Unlock()
	if connected == nil {
		m.followInbound(conn.PeerID())
	}
	peer := conn.PeerID()
	if peer != "" {
		m.opts.Repo.Bus().Publish(events.Event{Kind: events.PeerDisconnected, PeerID: peer})
	} else {
		peer = expected
	}
	if err != nil {
		m.publishError(peer, err)
	}
	return err
}

// followInbound updates the passive slot of peer, if there is one, from its open inbound connections.
func (m *Manager) followInbound(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[peer]; ok && s.passive {
		m.followInboundLocked(s)
	}
}

func (m *Manager) followInboundLocked(s *slot) {
	for c := range m.conns {
		if c.PeerID() == s.peer.ID && c.State() != syncconn.Closed {
			s.state = Connected
			return
		}
	}
	if s.state == Connected {
		s.state = Disconnected
	}
}

func (m *Manager) publishError(peer string, err error) {
	m.opts.Repo.Bus().Publish(events.Event{Kind: events.Error, PeerID: peer, Err: err})
}

// BroadcastLocalChange queues rec on every open connection. Each connection skips records its peer already has.
func (m *Manager) BroadcastLocalChange(rec *change.Record) {
	if rec == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for c := range m.conns {
		c.Send(rec)
	}
}

func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Slots returns the state of every discovered peer.
func (m *Manager) Slots() map[string]SlotState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]SlotState, len(m.slots))
	for id, s := range m.slots {
		out[id] = s.state
	}
	return out
}

// Peers lists the ids of the peers with an open connection.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for c := range m.conns {
		if id := c.PeerID(); id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Close tears down every connection and slot and waits for them. Nothing is sent after it returns.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*syncconn.Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	clear(m.conns)
	m.mu.Unlock()

	m.unsub()
	m.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	m.wg.Wait()
	for _, c := range conns {
		<-c.Done()
	}
	m.logger.Info("closed")
	return nil
}
