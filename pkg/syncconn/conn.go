// Package syncconn runs the pairwise synchronization protocol with one remote peer over one transport.
//
// After a hello exchange each side announces its frontier for every document it holds and then sends synced. A side
// answers each peer frontier with the records the peer is missing, and once it has seen the peer's synced it only
// forwards new changes. The peer frontiers, kept as per document cursors, stop records from being sent twice. A side
// that failed to store a received record asks for it again with a resend on its next ping.
package syncconn

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/transport"
)

var (
	// ErrTransport marks connection level failures. They are retried with backoff.
	ErrTransport = errors.New("transport error")
	// ErrProtocol marks malformed or unexpected messages. The peer is not retried automatically.
	ErrProtocol = errors.New("protocol error")
)

type State int32

const (
	Handshaking State = iota
	Syncing
	Steady
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Syncing:
		return "syncing"
	case Steady:
		return "steady"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Repository is what a connection needs from the document repository.
type Repository interface {
	Documents(ctx context.Context) ([]string, error)
	Frontier(ctx context.Context, id string) (change.Frontier, error)
	ChangesSince(ctx context.Context, id string, f change.Frontier) iter.Seq2[*change.Record, error]
	Receive(ctx context.Context, rec *change.Record) (bool, error)
	ExportSnapshot(ctx context.Context, id string) (*change.Snapshot, error)
	ReceiveSnapshot(ctx context.Context, snap *change.Snapshot) (int, error)
}

const (
	DefaultBatchSize         = 100
	DefaultSnapshotThreshold = 500
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultPingInterval      = 15 * time.Second
	DefaultIdleTimeout       = 45 * time.Second
)

type Options struct {
	LocalID      string
	DiscoveryKey string
	// ExpectedPeerID, when set, must match the id the peer presents in its hello.
	ExpectedPeerID string

	Repo      Repository
	Transport transport.Transport
	Logger    *slog.Logger
	Metrics   *Metrics
	// OnStateChange is called after every state transition, on the goroutine that caused it. It must not block.
	OnStateChange func(c *Conn, from, to State)

	BatchSize int
	// SnapshotThreshold is the number of records a peer with an empty frontier must be missing before it is sent a
	// snapshot instead. Negative disables snapshots.
	SnapshotThreshold int
	CompressThreshold int
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	IdleTimeout       time.Duration
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.SnapshotThreshold == 0 {
		o.SnapshotThreshold = DefaultSnapshotThreshold
	}
	if o.CompressThreshold == 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
}

// Stats counts what went over the wire.
type Stats struct {
	RecordsSent       int64
	RecordsReceived   int64
	SnapshotsSent     int64
	SnapshotsReceived int64
}

type Conn struct {
	opts   Options
	logger *slog.Logger

	state  atomic.Int32
	peerID atomic.Pointer[string]
	stats  struct{ recordsSent, recordsReceived, snapshotsSent, snapshotsReceived atomic.Int64 }

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	closeOnce sync.Once
	local     atomic.Bool

	// outbound records queued by Send, consumed by the control loop
	queueLock sync.Mutex
	queue     []*change.Record
	queued    chan struct{}

	// encoded frames waiting for the writer
	framesLock sync.Mutex
	frames     [][]byte
	framed     chan struct{}

	// owned by the control loop
	cursors   map[string]change.Frontier
	announced map[string]bool
	// documents with a received record that could not be applied
	stale map[string]bool
}

func New(opts Options) *Conn {
	opts.defaults()
	c := &Conn{
		opts:      opts,
		logger:    opts.Logger.With("component", "syncconn"),
		done:      make(chan struct{}),
		queued:    make(chan struct{}, 1),
		framed:    make(chan struct{}, 1),
		cursors:   make(map[string]change.Frontier),
		announced: make(map[string]bool),
		stale:     make(map[string]bool),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// setState moves to s unless the connection is already closed.
func (c *Conn) setState(s State) {
	for {
		old := State(c.state.Load())
		if old == Closed || old == s {
			return
		}
		if c.state.CompareAndSwap(int32(old), int32(s)) {
			c.log().Debug("state changed", "from", old, "to", s)
			if c.opts.OnStateChange != nil {
				c.opts.OnStateChange(c, old, s)
			}
			return
		}
	}
}

// PeerID is empty until the handshake completed.
func (c *Conn) PeerID() string {
	if p := c.peerID.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Conn) Stats() Stats {
	return Stats{
		RecordsSent:       c.stats.recordsSent.Load(),
		RecordsReceived:   c.stats.recordsReceived.Load(),
		SnapshotsSent:     c.stats.snapshotsSent.Load(),
		SnapshotsReceived: c.stats.snapshotsReceived.Load(),
	}
}

// Done is closed once Run has returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err is the reason the connection ended. It is nil for a local Close and only valid after Done.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// Send queues a record for the peer. It never blocks, and records sent after Close are dropped; they remain in the
// repository and are resynced on the next connection.
func (c *Conn) Send(rec *change.Record) {
	if c.State() == Closed {
		return
	}
	c.queueLock.Lock()
	c.queue = append(c.queue, rec)
	c.queueLock.Unlock()
	select {
	case c.queued <- struct{}{}:
	default:
	}
}

// Close stops the connection and releases the transport. It may be called any number of times from any goroutine.
func (c *Conn) Close() error {
	c.local.Store(true)
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.setState(Closed)
		c.cancel()
		_ = c.opts.Transport.Close()
	})
}

func (c *Conn) log() *slog.Logger {
	if peer := c.PeerID(); peer != "" {
		return c.logger.With("peer", peer)
	}
	return c.logger
}

// Run performs the handshake and then drives the connection until it is closed or fails. The returned error is
// marked ErrTransport or ErrProtocol, or nil after Close or cancellation of ctx.
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.done)
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	err := c.run()
	c.shutdown()
	c.queueLock.Lock()
	c.queue = nil
	c.queueLock.Unlock()
	c.cursors = nil

	if c.local.Load() {
		err = nil
	}
	if err != nil {
		c.log().Warn("connection failed", "err", err)
	}
	c.err = err
	return err
}

func (c *Conn) run() error {
	peer, err := c.handshake()
	if err != nil {
		return err
	}
	c.peerID.Store(&peer)
	c.setState(Syncing)

	inbox := make(chan *Message)
	failed := make(chan error, 2)
	wg := new(sync.WaitGroup)
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop(inbox, failed)
	}()
	go func() {
		defer wg.Done()
		c.writeLoop(failed)
	}()
	defer func() {
		c.shutdown()
		wg.Wait()
	}()

	if err := c.announceAll(); err != nil {
		return err
	}
	return c.controlLoop(inbox, failed)
}

func (c *Conn) handshake() (string, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.HandshakeTimeout)
	defer cancel()
	hello, err := Encode(&Message{
		Type: TypeHello, Version: ProtocolVersion, PeerID: c.opts.LocalID, DiscoveryKey: c.opts.DiscoveryKey,
	}, c.opts.CompressThreshold)
	if err != nil {
		return "", err
	}
	if err := c.opts.Transport.Send(ctx, hello); err != nil {
		return "", errors.Mark(errors.Wrap(err, "failed to send hello"), ErrTransport)
	}
	frame, err := c.opts.Transport.Receive(ctx)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "failed to receive hello"), ErrTransport)
	}
	m, err := Decode(frame)
	if err != nil {
		return "", err
	}
	c.count("in", m.Type)
	switch {
	case m.Type == TypeError:
		return "", errors.Wrapf(ErrProtocol, "peer refused: %s", m.Reason)
	case m.Type != TypeHello:
		return "", c.refuse(errors.Newf("expected hello, got %s", m.Type))
	case m.Version != ProtocolVersion:
		return "", c.refuse(errors.Newf("protocol version %d, want %d", m.Version, ProtocolVersion))
	case m.DiscoveryKey != c.opts.DiscoveryKey:
		return "", c.refuse(errors.Newf("discovery key %q does not match", m.DiscoveryKey))
	case c.opts.ExpectedPeerID != "" && m.PeerID != c.opts.ExpectedPeerID:
		return "", c.refuse(errors.Newf("peer id %s, want %s", m.PeerID, c.opts.ExpectedPeerID))
	case m.PeerID == c.opts.LocalID:
		return "", c.refuse(errors.New("connected to self"))
	}
	return m.PeerID, nil
}

// refuse tells the peer why it is being dropped, best effort, and returns err as a protocol error.
func (c *Conn) refuse(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if frame, encErr := Encode(&Message{Type: TypeError, Reason: err.Error()}, 0); encErr == nil {
		_ = c.opts.Transport.Send(ctx, frame)
	}
	return errors.Mark(err, ErrProtocol)
}

func (c *Conn) readLoop(inbox chan<- *Message, failed chan<- error) {
	for {
		frame, err := c.opts.Transport.Receive(c.ctx)
		if err != nil {
			failed <- errors.Mark(errors.Wrap(err, "failed to receive"), ErrTransport)
			return
		}
		m, err := Decode(frame)
		if err != nil {
			failed <- err
			return
		}
		c.count("in", m.Type)
		select {
		case inbox <- m:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) writeLoop(failed chan<- error) {
	for {
		select {
		case <-c.framed:
		case <-c.ctx.Done():
			return
		}
		for {
			c.framesLock.Lock()
			if len(c.frames) == 0 {
				c.framesLock.Unlock()
				break
			}
			frame := c.frames[0]
			c.frames = c.frames[1:]
			c.framesLock.Unlock()
			if err := c.opts.Transport.Send(c.ctx, frame); err != nil {
				failed <- errors.Mark(errors.Wrap(err, "failed to send"), ErrTransport)
				return
			}
		}
	}
}

// write hands a message to the writer without blocking the control loop.
func (c *Conn) write(m *Message) error {
	frame, err := Encode(m, c.opts.CompressThreshold)
	if err != nil {
		return err
	}
	c.count("out", m.Type)
	c.framesLock.Lock()
	c.frames = append(c.frames, frame)
	c.framesLock.Unlock()
	select {
	case c.framed <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) count(direction string, t MessageType) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Messages.WithLabelValues(direction, string(t)).Inc()
	}
}

func (c *Conn) controlLoop(inbox <-chan *Message, failed <-chan error) error {
	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()
	idle := time.NewTimer(c.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case m := <-inbox:
			idle.Reset(c.opts.IdleTimeout)
			if err := c.handle(m); err != nil {
				if errors.Is(err, ErrProtocol) {
					return c.refuse(err)
				}
				return err
			}
		case <-c.queued:
			if c.State() == Steady {
				if err := c.flushQueue(); err != nil {
					return err
				}
			}
		case <-ping.C:
			if err := c.resendStale(); err != nil {
				return err
			}
			if err := c.write(&Message{Type: TypePing}); err != nil {
				return err
			}
		case <-idle.C:
			return errors.Wrapf(ErrTransport, "no traffic for %s", c.opts.IdleTimeout)
		case err := <-failed:
			if errors.Is(err, ErrProtocol) {
				return c.refuse(err)
			}
			return err
		case <-c.ctx.Done():
			return nil
		}
	}
}

func (c *Conn) announceAll() error {
	docs, err := c.opts.Repo.Documents(c.ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list documents")
	}
	for _, doc := range docs {
		if err := c.announce(doc); err != nil {
			return err
		}
	}
	return c.write(&Message{Type: TypeSynced})
}

func (c *Conn) announce(doc string) error {
	f, err := c.opts.Repo.Frontier(c.ctx, doc)
	if err != nil {
		// a broken document is left out of the exchange; the others carry on
		c.log().Warn("failed to read frontier", "doc", doc, "err", err)
		return nil
	}
	c.announced[doc] = true
	return c.write(&Message{Type: TypeFrontier, DocumentID: doc, Frontier: f})
}

func (c *Conn) handle(m *Message) error {
	switch m.Type {
	case TypeFrontier:
		// records already sent may still be in flight, so the cursor only moves forward
		c.cursor(m.DocumentID).Merge(m.Frontier)
		if !c.announced[m.DocumentID] {
			if err := c.announce(m.DocumentID); err != nil {
				return err
			}
		}
		return c.sendMissing(m.DocumentID, true)
	case TypeResend:
		c.cursors[m.DocumentID] = m.Frontier.Clone()
		c.log().Info("peer asked for a resend", "doc", m.DocumentID, "frontier", m.Frontier)
		return c.sendMissing(m.DocumentID, false)
	case TypeChanges:
		return c.receive(m)
	case TypeSnapshot:
		n, err := c.opts.Repo.ReceiveSnapshot(c.ctx, m.Snapshot)
		if err != nil {
			if errors.Is(err, change.ErrInvalidRecord) {
				return errors.Mark(err, ErrProtocol)
			}
			c.log().Error("failed to receive snapshot", "doc", m.Snapshot.DocumentID, "err", err)
			return nil
		}
		c.stats.snapshotsReceived.Add(1)
		c.cursor(m.Snapshot.DocumentID).Merge(m.Snapshot.Covered)
		c.log().Info("received snapshot", "doc", m.Snapshot.DocumentID, "applied", n)
		return nil
	case TypeSynced:
		if c.State() == Steady {
			return nil
		}
		c.setState(Steady)
		c.log().Info("synced")
		for doc := range c.cursors {
			if err := c.sendMissing(doc, false); err != nil {
				return err
			}
		}
		return c.flushQueue()
	case TypePing:
		return nil
	case TypeError:
		return errors.Wrapf(ErrProtocol, "peer reported: %s", m.Reason)
	case TypeHello:
		return errors.Wrap(ErrProtocol, "unexpected hello")
	}
	return nil
}

func (c *Conn) cursor(doc string) change.Frontier {
	f, ok := c.cursors[doc]
	if !ok {
		f = change.NewFrontier()
		c.cursors[doc] = f
	}
	return f
}

func (c *Conn) receive(m *Message) error {
	cursor := c.cursor(m.DocumentID)
	for _, rec := range m.Records {
		cursor.Observe(rec.ID())
		c.stats.recordsReceived.Add(1)
		if _, err := c.opts.Repo.Receive(c.ctx, rec); err != nil {
			if errors.Is(err, change.ErrInvalidRecord) {
				return errors.Mark(err, ErrProtocol)
			}
			c.stale[m.DocumentID] = true
			c.log().Error("failed to receive change", "doc", m.DocumentID, "change", rec.ID(), "err", err)
		}
	}
	if !c.announced[m.DocumentID] {
		return c.announce(m.DocumentID)
	}
	return nil
}

// resendStale tells the peer the real frontier of every document that failed to take a received record, so that
// the peer sends it again. Documents that still cannot be read are retried on the next call.
func (c *Conn) resendStale() error {
	for doc := range c.stale {
		f, err := c.opts.Repo.Frontier(c.ctx, doc)
		if err != nil {
			c.log().Warn("failed to read frontier for resend", "doc", doc, "err", err)
			continue
		}
		delete(c.stale, doc)
		if err := c.write(&Message{Type: TypeResend, DocumentID: doc, Frontier: f}); err != nil {
			return err
		}
	}
	return nil
}

// sendMissing sends every record of doc not covered by the peer cursor. initial allows replacing a full history
// with a snapshot.
func (c *Conn) sendMissing(doc string, initial bool) error {
	cursor := c.cursor(doc)
	local, err := c.opts.Repo.Frontier(c.ctx, doc)
	if err != nil {
		c.log().Warn("failed to read frontier", "doc", doc, "err", err)
		return nil
	}
	if cursor.CoversAll(local) {
		return nil
	}
	if initial && c.opts.SnapshotThreshold > 0 && cursor.Len() == 0 && local.Len() >= uint64(c.opts.SnapshotThreshold) {
		snap, err := c.opts.Repo.ExportSnapshot(c.ctx, doc)
		if err == nil {
			c.stats.snapshotsSent.Add(1)
			cursor.Merge(snap.Covered)
			c.log().Info("sending snapshot", "doc", doc, "covered", snap.Covered)
			return c.write(&Message{Type: TypeSnapshot, Snapshot: snap})
		}
		c.log().Warn("failed to export snapshot, sending changes", "doc", doc, "err", err)
	}
	batch := make([]*change.Record, 0, c.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := c.write(&Message{Type: TypeChanges, DocumentID: doc, Records: batch})
		batch = make([]*change.Record, 0, c.opts.BatchSize)
		return err
	}
	for rec, err := range c.opts.Repo.ChangesSince(c.ctx, doc, cursor.Clone()) {
		if err != nil {
			c.log().Warn("failed to read changes", "doc", doc, "err", err)
			return flush()
		}
		batch = append(batch, rec)
		cursor.Observe(rec.ID())
		c.stats.recordsSent.Add(1)
		if len(batch) >= c.opts.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (c *Conn) flushQueue() error {
	c.queueLock.Lock()
	queue := c.queue
	c.queue = nil
	c.queueLock.Unlock()

	behind := map[string]bool{}
	for _, rec := range queue {
		doc := rec.DocumentID
		cursor, ok := c.cursors[doc]
		if !ok {
			if !c.announced[doc] {
				if err := c.announce(doc); err != nil {
					return err
				}
			}
			continue
		}
		if cursor.Covers(rec.ID()) || behind[doc] {
			continue
		}
		if !rec.ApplicableTo(cursor) {
			behind[doc] = true
			continue
		}
		cursor.Observe(rec.ID())
		c.stats.recordsSent.Add(1)
		if err := c.write(&Message{Type: TypeChanges, DocumentID: doc, Records: []*change.Record{rec}}); err != nil {
			return err
		}
	}
	for doc := range behind {
		if err := c.sendMissing(doc, false); err != nil {
			return err
		}
	}
	return nil
}
