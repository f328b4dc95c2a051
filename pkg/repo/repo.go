// Package repo is the single source of truth for documents: it owns the durable change log and snapshots of one
// storage namespace and the cached state built from them.
package repo

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/events"
	"github.com/astromechza/automerge-replicas/pkg/identity"
	"github.com/astromechza/automerge-replicas/pkg/merge"
	"github.com/astromechza/automerge-replicas/pkg/storage"
)

var (
	// ErrStorageCorrupt means the persisted log of a document cannot be replayed. Only that document is affected.
	ErrStorageCorrupt = errors.New("storage corrupt")
	ErrClosed         = errors.New("repository closed")
)

const (
	DefaultSnapshotThreshold  = 100
	DefaultCompactionInterval = 30 * time.Second
)

type Options struct {
	Adapter storage.Adapter
	Engine  merge.Engine
	// ActorID identifies local edits. It defaults to a fresh identity.NewActorID.
	ActorID string
	Bus     *events.Bus
	Logger  *slog.Logger
	// Registerer receives the repository metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// SnapshotThreshold is the number of records since the last snapshot that makes a document eligible for
	// compaction.
	SnapshotThreshold  int
	CompactionInterval time.Duration
}

type Repository struct {
	adapter   storage.Adapter
	engine    merge.Engine
	actor     string
	bus       *events.Bus
	logger    *slog.Logger
	metrics   *metrics
	threshold int
	interval  time.Duration

	release func()
	closed  atomic.Bool

	mu   sync.Mutex
	docs map[string]*document
}

// Open attaches the adapter and claims its namespace. Documents are loaded lazily on first access.
func Open(ctx context.Context, opts Options) (*Repository, error) {
	if opts.Adapter == nil || opts.Engine == nil {
		return nil, errors.New("an adapter and an engine are required")
	}
	if opts.ActorID == "" {
		opts.ActorID = identity.NewActorID()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SnapshotThreshold <= 0 {
		opts.SnapshotThreshold = DefaultSnapshotThreshold
	}
	if opts.CompactionInterval <= 0 {
		opts.CompactionInterval = DefaultCompactionInterval
	}
	ns := opts.Adapter.Namespace()
	release, err := storage.Claim(ns)
	if err != nil {
		return nil, err
	}
	if err := opts.Adapter.Open(ctx); err != nil {
		release()
		return nil, errors.Wrapf(err, "failed to open storage %s", ns)
	}
	r := &Repository{
		adapter:   opts.Adapter,
		engine:    opts.Engine,
		actor:     opts.ActorID,
		bus:       opts.Bus,
		logger:    opts.Logger.With("component", "repo", "ns", ns),
		metrics:   newMetrics(opts.Registerer, ns),
		threshold: opts.SnapshotThreshold,
		interval:  opts.CompactionInterval,
		release:   release,
		docs:      make(map[string]*document),
	}
	r.logger.Info("opened repository", "actor", r.actor)
	return r, nil
}

func (r *Repository) ActorID() string {
	return r.actor
}

func (r *Repository) Namespace() string {
	return r.adapter.Namespace()
}

func (r *Repository) Bus() *events.Bus {
	return r.bus
}

func (r *Repository) doc(id string) (*document, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if id == "" {
		return nil, errors.New("empty document id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		d = &document{id: id}
		r.docs[id] = d
	}
	return d, nil
}

// lock acquires the document for exclusive use and makes sure its state is loaded. The caller must unlock d.mu.
func (r *Repository) lock(ctx context.Context, id string) (*document, error) {
	d, err := r.doc(id)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if r.closed.Load() {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if err := r.load(ctx, d); err != nil {
		d.mu.Unlock()
		r.publishError(id, err)
		return nil, err
	}
	return d, nil
}

func (r *Repository) publish(kind events.Kind, recs ...*change.Record) {
	for _, rec := range recs {
		r.bus.Publish(events.Event{Kind: kind, DocumentID: rec.DocumentID, Record: rec})
	}
}

func (r *Repository) publishError(id string, err error) {
	r.bus.Publish(events.Event{Kind: events.Error, DocumentID: id, Err: err})
}

// LoadOrCreate returns the materialized document. When nothing has been persisted for it and init is given, init
// is recorded as the bootstrap change.
func (r *Repository) LoadOrCreate(ctx context.Context, id string, init merge.Mutator) (map[string]any, error) {
	d, err := r.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	var created *change.Record
	if init != nil && d.frontier.Len() == 0 {
		if created, err = r.mutateLocked(ctx, d, r.mutation(init)); err != nil {
			d.mu.Unlock()
			r.publishError(id, err)
			return nil, err
		}
	}
	out, err := r.engine.Materialize(d.state)
	d.mu.Unlock()
	if created != nil {
		r.publish(events.LocalChange, created)
	}
	return out, err
}

// Mutate applies a local edit and returns its record once the record is durable.
func (r *Repository) Mutate(ctx context.Context, id string, fn merge.Mutator) (*change.Record, error) {
	return r.edit(ctx, id, r.mutation(fn))
}

// Delete tombstones the document with a local change. The engine must implement merge.Deleter.
func (r *Repository) Delete(ctx context.Context, id string) (*change.Record, error) {
	del, ok := r.engine.(merge.Deleter)
	if !ok {
		return nil, errors.Newf("engine %T cannot delete documents", r.engine)
	}
	return r.edit(ctx, id, func(s merge.State) (merge.State, *change.Record, error) {
		return del.MarkDeleted(s, r.actor)
	})
}

// Deleted reports whether the document carries a tombstone. It is always false for engines without merge.Deleter.
func (r *Repository) Deleted(ctx context.Context, id string) (bool, error) {
	del, ok := r.engine.(merge.Deleter)
	if !ok {
		return false, nil
	}
	deleted := false
	err := r.View(ctx, id, func(s merge.State) error {
		deleted = del.IsDeleted(s)
		return nil
	})
	return deleted, err
}

type editFunc func(merge.State) (merge.State, *change.Record, error)

func (r *Repository) mutation(fn merge.Mutator) editFunc {
	return func(s merge.State) (merge.State, *change.Record, error) {
		return r.engine.Mutate(s, r.actor, fn)
	}
}

func (r *Repository) edit(ctx context.Context, id string, fn editFunc) (*change.Record, error) {
	d, err := r.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := r.mutateLocked(ctx, d, fn)
	d.mu.Unlock()
	if err != nil {
		if errors.Is(err, storage.ErrStorageIO) {
			r.publishError(id, err)
		}
		return nil, err
	}
	r.publish(events.LocalChange, rec)
	return rec, nil
}

func (r *Repository) mutateLocked(ctx context.Context, d *document, fn editFunc) (*change.Record, error) {
	state, rec, err := fn(d.state)
	if err != nil {
		d.invalidate()
		return nil, errors.Wrapf(err, "failed to mutate %s", d.id)
	}
	d.state = state
	rec.DocumentID = d.id
	if err := r.adapter.AppendChanges(ctx, rec); err != nil {
		d.invalidate()
		return nil, errors.Wrapf(err, "failed to persist %s", rec.ID())
	}
	d.observe(rec)
	r.metrics.Applied.WithLabelValues("local").Inc()
	return rec, nil
}

// Receive folds a record from a peer into its document. It returns true when the record was applied now; records
// already seen, and records still waiting for their dependencies, return false.
func (r *Repository) Receive(ctx context.Context, rec *change.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	d, err := r.lock(ctx, rec.DocumentID)
	if err != nil {
		return false, err
	}
	applied, err := r.receiveLocked(ctx, d, rec)
	d.mu.Unlock()
	r.publish(events.RemoteChange, applied...)
	if err != nil {
		r.publishError(rec.DocumentID, err)
		return false, err
	}
	return slices.Contains(applied, rec), nil
}

func (r *Repository) receiveLocked(ctx context.Context, d *document, rec *change.Record) ([]*change.Record, error) {
	id := rec.ID()
	switch {
	case d.frontier.Covers(id):
		r.metrics.Duplicates.Inc()
	case d.pending[id] != nil && !rec.ApplicableTo(d.frontier):
		r.metrics.Duplicates.Inc()
	default:
		if !rec.ApplicableTo(d.frontier) {
			r.metrics.Buffered.Inc()
			r.logger.Debug("buffered", "doc", d.id, "change", id, "frontier", d.frontier)
		}
		d.pending[id] = rec
	}
	return r.drainLocked(ctx, d)
}

// drainLocked applies buffered records until none of them is applicable. Records left behind by an earlier failed
// apply are picked up here too.
func (r *Repository) drainLocked(ctx context.Context, d *document) ([]*change.Record, error) {
	var applied []*change.Record
	for next := d.nextPending(); next != nil; next = d.nextPending() {
		if err := r.applyLocked(ctx, d, next); err != nil {
			return applied, err
		}
		applied = append(applied, next)
		delete(d.pending, next.ID())
	}
	return applied, nil
}

func (r *Repository) applyLocked(ctx context.Context, d *document, rec *change.Record) error {
	state, err := r.engine.Apply(d.state, rec)
	if err != nil {
		d.invalidate()
		return errors.Wrapf(err, "failed to apply %s to %s", rec.ID(), d.id)
	}
	d.state = state
	if err := r.adapter.AppendChanges(ctx, rec); err != nil {
		d.invalidate()
		return errors.Wrapf(err, "failed to persist %s", rec.ID())
	}
	d.observe(rec)
	r.metrics.Applied.WithLabelValues("remote").Inc()
	return nil
}

// Snapshot compacts the document when enough records have accumulated since its last snapshot. The snapshot is
// written before covered records are removed; a failed removal only leaves garbage behind.
func (r *Repository) Snapshot(ctx context.Context, id string) (bool, error) {
	d, err := r.lock(ctx, id)
	if err != nil {
		return false, err
	}
	if d.sinceSnapshot < r.threshold {
		d.mu.Unlock()
		return false, nil
	}
	ok, err := r.snapshotLocked(ctx, d)
	d.mu.Unlock()
	if err != nil {
		r.publishError(id, err)
	}
	return ok, err
}

func (r *Repository) snapshotLocked(ctx context.Context, d *document) (bool, error) {
	raw, err := r.engine.Save(d.state)
	if err != nil {
		r.metrics.SnapshotFailures.Inc()
		return false, errors.Wrapf(err, "failed to save %s", d.id)
	}
	snap := &change.Snapshot{ID: d.id, DocumentID: d.id, State: raw, Covered: d.frontier.Clone()}
	if err := r.adapter.PutSnapshot(ctx, snap); err != nil {
		r.metrics.SnapshotFailures.Inc()
		r.logger.Warn("failed to write snapshot, compaction deferred", "doc", d.id, "err", err)
		return false, errors.Wrapf(err, "failed to write snapshot of %s", d.id)
	}
	d.snapshotCovered = snap.Covered.Clone()
	d.sinceSnapshot = 0
	r.metrics.Snapshots.Inc()
	if err := r.adapter.DeleteChanges(ctx, d.id, snap.Covered); err != nil {
		r.logger.Warn("failed to delete compacted changes", "doc", d.id, "err", err)
	}
	r.logger.Info("snapshotted", "doc", d.id, "covered", snap.Covered)
	return true, nil
}

// ChangesSince yields, in dependency order, every record of the document that a replica at f is missing. The
// sequence is evaluated when ranged over and can be ranged over again.
func (r *Repository) ChangesSince(ctx context.Context, id string, f change.Frontier) iter.Seq2[*change.Record, error] {
	return func(yield func(*change.Record, error) bool) {
		recs, err := r.changesSince(ctx, id, f)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, rec := range recs {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (r *Repository) changesSince(ctx context.Context, id string, f change.Frontier) ([]*change.Record, error) {
	d, err := r.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer d.mu.Unlock()
	if f.CoversAll(d.frontier) {
		return nil, nil
	}
	if !f.CoversAll(d.snapshotCovered) {
		// part of what the peer needs only exists inside the snapshot
		recs, err := r.engine.ChangesBetween(f, d.state)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compute changes of %s", id)
		}
		for _, rec := range recs {
			rec.DocumentID = id
		}
		return recs, nil
	}
	logged, err := r.adapter.GetChanges(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read changes of %s", id)
	}
	out := make([]*change.Record, 0)
	for _, rec := range logged {
		if !f.Covers(rec.ID()) && d.frontier.Covers(rec.ID()) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Frontier returns a copy of the applied frontier of the document.
func (r *Repository) Frontier(ctx context.Context, id string) (change.Frontier, error) {
	d, err := r.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer d.mu.Unlock()
	return d.frontier.Clone(), nil
}

// Pending returns how many records of the document are waiting for dependencies.
func (r *Repository) Pending(ctx context.Context, id string) (int, error) {
	d, err := r.lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return len(d.pending), nil
}

// View runs fn against the current state while holding the document. fn must not retain the state.
func (r *Repository) View(ctx context.Context, id string, fn func(merge.State) error) error {
	d, err := r.lock(ctx, id)
	if err != nil {
		return err
	}
	defer d.mu.Unlock()
	return fn(d.state)
}

func (r *Repository) Materialize(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := r.View(ctx, id, func(s merge.State) (err error) {
		out, err = r.engine.Materialize(s)
		return err
	})
	return out, err
}

func (r *Repository) HasData(ctx context.Context) (bool, error) {
	if r.closed.Load() {
		return false, ErrClosed
	}
	return r.adapter.HasData(ctx)
}

// Documents lists every document with persisted data or cached state.
func (r *Repository) Documents(ctx context.Context) ([]string, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	seen := map[string]bool{}
	for rec, err := range r.adapter.Changes(ctx) {
		if err != nil {
			return nil, errors.Wrap(err, "failed to list changes")
		}
		seen[rec.DocumentID] = true
	}
	for snap, err := range r.adapter.Snapshots(ctx) {
		if err != nil {
			return nil, errors.Wrap(err, "failed to list snapshots")
		}
		seen[snap.DocumentID] = true
	}
	r.mu.Lock()
	for id, d := range r.docs {
		if d.known() {
			seen[id] = true
		}
	}
	r.mu.Unlock()
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// ExportSnapshot builds a snapshot of the current state without persisting it, for handing to a peer.
func (r *Repository) ExportSnapshot(ctx context.Context, id string) (*change.Snapshot, error) {
	d, err := r.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer d.mu.Unlock()
	raw, err := r.engine.Save(d.state)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to save %s", id)
	}
	return &change.Snapshot{ID: id, DocumentID: id, State: raw, Covered: d.frontier.Clone()}, nil
}

// ReceiveSnapshot folds a peer snapshot in by extracting the records it holds beyond the local frontier and
// receiving each of them, so the local log stays complete. It returns the number of records applied.
func (r *Repository) ReceiveSnapshot(ctx context.Context, snap *change.Snapshot) (int, error) {
	if snap == nil || snap.DocumentID == "" {
		return 0, errors.Wrap(change.ErrInvalidRecord, "snapshot without document")
	}
	remote, err := r.engine.Load(snap.State)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "failed to load snapshot of %s", snap.DocumentID), change.ErrInvalidRecord)
	}
	local, err := r.Frontier(ctx, snap.DocumentID)
	if err != nil {
		return 0, err
	}
	recs, err := r.engine.ChangesBetween(local, remote)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to extract changes of %s", snap.DocumentID)
	}
	n := 0
	for _, rec := range recs {
		rec.DocumentID = snap.DocumentID
		applied, err := r.Receive(ctx, rec)
		if err != nil {
			return n, err
		}
		if applied {
			n++
		}
	}
	return n, nil
}

// Run compacts eligible documents every CompactionInterval until ctx is done.
func (r *Repository) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.compactAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Repository) compactAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if _, err := r.Snapshot(ctx, id); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			r.logger.Error("failed to compact", "doc", id, "err", err)
		}
	}
}

// Close waits for in-flight document operations, then releases the namespace and the adapter.
func (r *Repository) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	docs := make([]*document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.Unlock()
	for _, d := range docs {
		d.mu.Lock()
		d.invalidate()
		d.mu.Unlock()
	}
	defer r.release()
	if err := r.adapter.Close(ctx); err != nil {
		return errors.Wrap(err, "failed to close storage")
	}
	r.logger.Info("closed repository")
	return nil
}
