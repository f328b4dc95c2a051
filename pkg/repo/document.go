package repo

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/merge"
	"github.com/astromechza/automerge-replicas/pkg/storage"
)

// document is the cached state of one document. Every field is guarded by mu.
type document struct {
	mu sync.Mutex
	id string

	loaded bool
	// broken is set once replay failed with ErrStorageCorrupt; it is sticky until the repository is reopened.
	broken error

	state    merge.State
	frontier change.Frontier
	// pending holds received records whose dependencies have not been applied yet. They are not persisted.
	pending map[change.ID]*change.Record

	snapshotCovered change.Frontier
	sinceSnapshot   int
}

// invalidate drops the cached state so the next access rebuilds it from storage. Buffered records survive since
// nothing else will bring them back.
func (d *document) invalidate() {
	d.loaded = false
	d.state = nil
	d.frontier = nil
}

func (d *document) observe(rec *change.Record) {
	d.frontier.Observe(rec.ID())
	d.sinceSnapshot++
}

// nextPending returns a buffered record that has become applicable, or nil.
func (d *document) nextPending() *change.Record {
	for _, rec := range d.pending {
		if rec.ApplicableTo(d.frontier) {
			return rec
		}
	}
	return nil
}

func (d *document) known() bool {
	return d.loaded && (d.frontier.Len() > 0 || len(d.pending) > 0)
}

// load rebuilds the state from the latest snapshot plus the logged records after it.
func (r *Repository) load(ctx context.Context, d *document) error {
	if d.broken != nil {
		return d.broken
	}
	if d.loaded {
		return nil
	}
	state, err := r.engine.Init()
	if err != nil {
		return errors.Wrap(err, "failed to init document")
	}
	frontier := change.NewFrontier()
	covered := change.NewFrontier()

	snap, err := r.adapter.GetSnapshot(ctx, d.id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return errors.Wrapf(err, "failed to read snapshot of %s", d.id)
	default:
		if state, err = r.engine.Load(snap.State); err != nil {
			return r.corrupt(d, errors.Wrapf(err, "failed to load snapshot of %s", d.id))
		}
		frontier = snap.Covered.Clone()
		covered = snap.Covered.Clone()
	}

	logged, err := r.adapter.GetChanges(ctx, d.id)
	if err != nil {
		return errors.Wrapf(err, "failed to read changes of %s", d.id)
	}
	waiting := make(map[change.ID]*change.Record)
	for _, rec := range logged {
		if !frontier.Covers(rec.ID()) {
			waiting[rec.ID()] = rec
		}
	}
	replayed := 0
	for progress := true; progress; {
		progress = false
		for id, rec := range waiting {
			if !rec.ApplicableTo(frontier) {
				continue
			}
			if state, err = r.engine.Apply(state, rec); err != nil {
				return r.corrupt(d, errors.Wrapf(err, "failed to replay %s of %s", id, d.id))
			}
			frontier.Observe(id)
			delete(waiting, id)
			replayed++
			progress = true
		}
	}
	if len(waiting) > 0 {
		missing := make([]change.ID, 0, len(waiting))
		for id := range waiting {
			missing = append(missing, id)
		}
		change.SortIDs(missing)
		return r.corrupt(d, errors.Newf("%s has %d unreplayable changes %v at frontier %s", d.id, len(missing), missing, frontier))
	}

	d.state = state
	d.frontier = frontier
	d.snapshotCovered = covered
	d.sinceSnapshot = replayed
	if d.pending == nil {
		d.pending = make(map[change.ID]*change.Record)
	}
	for id := range d.pending {
		if frontier.Covers(id) {
			delete(d.pending, id)
		}
	}
	d.loaded = true
	if replayed > 0 || snap != nil {
		r.logger.Debug("loaded", "doc", d.id, "frontier", frontier, "replayed", replayed)
	}
	return nil
}

func (r *Repository) corrupt(d *document, err error) error {
	d.broken = errors.Mark(err, ErrStorageCorrupt)
	r.metrics.Corrupt.Inc()
	r.logger.Error("document is corrupt", "doc", d.id, "err", err)
	return d.broken
}
