// Package memstore is a storage.Adapter held entirely in memory. Data survives Close so that a later repository can
// reopen the same store, which makes it useful for restart scenarios in tests.
package memstore

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/storage"
)

// Op names an adapter operation that can be made to fail.
type Op string

const (
	OpAppend        Op = "append"
	OpPutSnapshot   Op = "put-snapshot"
	OpDeleteChanges Op = "delete-changes"
	OpRead          Op = "read"
)

type Store struct {
	namespace string

	mu     sync.Mutex
	log    []*change.Record
	snaps  map[string]*change.Snapshot
	faults map[Op]error
}

var _ storage.Adapter = (*Store)(nil)

func New(namespace string) *Store {
	return &Store{
		namespace: namespace,
		snaps:     make(map[string]*change.Snapshot),
		faults:    make(map[Op]error),
	}
}

// SetFault makes every following call of op fail with err wrapped as a storage io error. A nil err clears it.
func (s *Store) SetFault(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
	} else {
		s.faults[op] = err
	}
}

func (s *Store) fault(op Op) error {
	if err, ok := s.faults[op]; ok {
		return storage.IOError(err, "failed to %s", op)
	}
	return nil
}

func (s *Store) Namespace() string {
	return s.namespace
}

func (s *Store) Open(ctx context.Context) error {
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}

func (s *Store) HasData(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpRead); err != nil {
		return false, err
	}
	return len(s.log) > 0 || len(s.snaps) > 0, nil
}

func (s *Store) AppendChanges(ctx context.Context, recs ...*change.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpAppend); err != nil {
		return err
	}
	for _, r := range recs {
		cp := *r
		cp.Deps = slices.Clone(r.Deps)
		s.log = append(s.log, &cp)
	}
	return nil
}

func (s *Store) Changes(ctx context.Context) iter.Seq2[*change.Record, error] {
	return func(yield func(*change.Record, error) bool) {
		s.mu.Lock()
		if err := s.fault(OpRead); err != nil {
			s.mu.Unlock()
			yield(nil, err)
			return
		}
		log := slices.Clone(s.log)
		s.mu.Unlock()
		for _, r := range log {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (s *Store) GetChanges(ctx context.Context, documentID string) ([]*change.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpRead); err != nil {
		return nil, err
	}
	out := make([]*change.Record, 0)
	for _, r := range s.log {
		if r.DocumentID == documentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) DeleteChanges(ctx context.Context, documentID string, upTo change.Frontier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpDeleteChanges); err != nil {
		return err
	}
	s.log = slices.DeleteFunc(s.log, func(r *change.Record) bool {
		return r.DocumentID == documentID && upTo.Covers(r.ID())
	})
	return nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap *change.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpPutSnapshot); err != nil {
		return err
	}
	cp := *snap
	cp.Covered = snap.Covered.Clone()
	s.snaps[snap.ID] = &cp
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, documentID string) (*change.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpRead); err != nil {
		return nil, err
	}
	for _, snap := range s.snaps {
		if snap.DocumentID == documentID {
			return snap, nil
		}
	}
	return nil, errors.Wrapf(storage.ErrNotFound, "snapshot of %s", documentID)
}

func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, id)
	return nil
}

func (s *Store) Snapshots(ctx context.Context) iter.Seq2[*change.Snapshot, error] {
	return func(yield func(*change.Snapshot, error) bool) {
		s.mu.Lock()
		if err := s.fault(OpRead); err != nil {
			s.mu.Unlock()
			yield(nil, err)
			return
		}
		ids := make([]string, 0, len(s.snaps))
		for id := range s.snaps {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		snaps := make([]*change.Snapshot, 0, len(ids))
		for _, id := range ids {
			snaps = append(snaps, s.snaps[id])
		}
		s.mu.Unlock()
		for _, snap := range snaps {
			if !yield(snap, nil) {
				return
			}
		}
	}
}
