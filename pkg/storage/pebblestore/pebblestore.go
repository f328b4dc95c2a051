// Package pebblestore keeps change logs and snapshots in a pebble LSM. Keys are laid out per namespace, where <ns> is
// the uvarint length of the namespace followed by the namespace itself:
//
//	<ns>/c/<pos>               change record, pos is the big endian append position
//	<ns>/i/<doc>\x00<pos>      per document index into the change log
//	<ns>/s/<id>                snapshot
package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"iter"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/storage"
)

type Store struct {
	db        *pebble.DB
	namespace string
	ownsDB    bool
	logger    *slog.Logger

	mu      sync.Mutex
	nextPos uint64
}

var _ storage.Adapter = (*Store)(nil)

// New uses an already opened database that may be shared between namespaces.
func New(db *pebble.DB, namespace string) *Store {
	return &Store{db: db, namespace: namespace, logger: slog.Default().With("component", "pebblestore", "ns", namespace)}
}

// OpenDir opens (creating if needed) a database in dir. opts may be nil; tests pass an in-memory vfs through it.
func OpenDir(dir string, opts *pebble.Options, namespace string) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, storage.IOError(err, "failed to open pebble at %s", dir)
	}
	s := New(db, namespace)
	s.ownsDB = true
	return s, nil
}

func (s *Store) prefix(kind string) []byte {
	out := binary.AppendUvarint(nil, uint64(len(s.namespace)))
	out = append(out, s.namespace...)
	return append(out, "/"+kind+"/"...)
}

func (s *Store) changeKey(pos uint64) []byte {
	return binary.BigEndian.AppendUint64(s.prefix("c"), pos)
}

func (s *Store) docPrefix(doc string) []byte {
	return append(append(s.prefix("i"), doc...), 0)
}

func (s *Store) indexKey(doc string, pos uint64) []byte {
	return binary.BigEndian.AppendUint64(s.docPrefix(doc), pos)
}

func (s *Store) snapshotKey(id string) []byte {
	return append(s.prefix("s"), id...)
}

// upperBound returns the smallest key greater than every key starting with prefix.
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) scan(prefix []byte) (*pebble.Iterator, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, storage.IOError(err, "failed to create iterator")
	}
	return it, nil
}

func (s *Store) Namespace() string {
	return s.namespace
}

// Open recovers the next append position from the tail of the log.
func (s *Store) Open(ctx context.Context) error {
	it, err := s.scan(s.prefix("c"))
	if err != nil {
		return err
	}
	defer it.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPos = 0
	if it.Last() {
		s.nextPos = binary.BigEndian.Uint64(it.Key()[len(s.prefix("c")):]) + 1
	}
	if err := it.Error(); err != nil {
		return storage.IOError(err, "failed to find log tail")
	}
	s.logger.Debug("opened", "next", s.nextPos)
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if !s.ownsDB {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return storage.IOError(err, "failed to close pebble")
	}
	return nil
}

func (s *Store) any(prefix []byte) (bool, error) {
	it, err := s.scan(prefix)
	if err != nil {
		return false, err
	}
	defer it.Close()
	found := it.First()
	if err := it.Error(); err != nil {
		return false, storage.IOError(err, "failed to scan")
	}
	return found, nil
}

func (s *Store) HasData(ctx context.Context) (bool, error) {
	if ok, err := s.any(s.prefix("c")); err != nil || ok {
		return ok, err
	}
	return s.any(s.prefix("s"))
}

func (s *Store) AppendChanges(ctx context.Context, recs ...*change.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewBatch()
	defer b.Close()
	pos := s.nextPos
	for _, r := range recs {
		raw, err := json.Marshal(r)
		if err != nil {
			return errors.Wrapf(err, "failed to encode %s", r.ID())
		}
		if err := b.Set(s.changeKey(pos), raw, nil); err != nil {
			return storage.IOError(err, "failed to stage %s", r.ID())
		}
		if err := b.Set(s.indexKey(r.DocumentID, pos), nil, nil); err != nil {
			return storage.IOError(err, "failed to stage index of %s", r.ID())
		}
		pos++
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return storage.IOError(err, "failed to commit changes")
	}
	s.nextPos = pos
	return nil
}

func decodeRecord(raw []byte) (*change.Record, error) {
	var r change.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.Wrap(err, "failed to decode change")
	}
	return &r, nil
}

func (s *Store) Changes(ctx context.Context) iter.Seq2[*change.Record, error] {
	return func(yield func(*change.Record, error) bool) {
		it, err := s.scan(s.prefix("c"))
		if err != nil {
			yield(nil, err)
			return
		}
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			rec, err := decodeRecord(it.Value())
			if !yield(rec, err) || err != nil {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(nil, storage.IOError(err, "failed to iterate changes"))
		}
	}
}

// positions lists the log positions of a document in append order.
func (s *Store) positions(doc string) ([]uint64, error) {
	prefix := s.docPrefix(doc)
	it, err := s.scan(prefix)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	out := make([]uint64, 0)
	for valid := it.First(); valid; valid = it.Next() {
		out = append(out, binary.BigEndian.Uint64(it.Key()[len(prefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, storage.IOError(err, "failed to iterate index of %s", doc)
	}
	return out, nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errors.Wrapf(storage.ErrNotFound, "key %q", key)
		}
		return nil, storage.IOError(err, "failed to get %q", key)
	}
	defer closer.Close()
	return bytes.Clone(v), nil
}

func (s *Store) GetChanges(ctx context.Context, documentID string) ([]*change.Record, error) {
	positions, err := s.positions(documentID)
	if err != nil {
		return nil, err
	}
	out := make([]*change.Record, 0, len(positions))
	for _, pos := range positions {
		raw, err := s.get(s.changeKey(pos))
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) DeleteChanges(ctx context.Context, documentID string, upTo change.Frontier) error {
	positions, err := s.positions(documentID)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, pos := range positions {
		raw, err := s.get(s.changeKey(pos))
		if err != nil {
			return err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if !upTo.Covers(rec.ID()) {
			continue
		}
		if err := b.Delete(s.changeKey(pos), nil); err != nil {
			return storage.IOError(err, "failed to stage delete")
		}
		if err := b.Delete(s.indexKey(documentID, pos), nil); err != nil {
			return storage.IOError(err, "failed to stage delete")
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return storage.IOError(err, "failed to delete changes of %s", documentID)
	}
	return nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap *change.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrapf(err, "failed to encode snapshot %s", snap.ID)
	}
	if err := s.db.Set(s.snapshotKey(snap.ID), raw, pebble.Sync); err != nil {
		return storage.IOError(err, "failed to put snapshot %s", snap.ID)
	}
	return nil
}

func decodeSnapshot(raw []byte) (*change.Snapshot, error) {
	var snap change.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, errors.Wrap(err, "failed to decode snapshot")
	}
	return &snap, nil
}

// GetSnapshot relies on the single snapshot slot per document being keyed by the document id.
func (s *Store) GetSnapshot(ctx context.Context, documentID string) (*change.Snapshot, error) {
	raw, err := s.get(s.snapshotKey(documentID))
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(raw)
}

func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	if err := s.db.Delete(s.snapshotKey(id), pebble.Sync); err != nil {
		return storage.IOError(err, "failed to delete snapshot %s", id)
	}
	return nil
}

func (s *Store) Snapshots(ctx context.Context) iter.Seq2[*change.Snapshot, error] {
	return func(yield func(*change.Snapshot, error) bool) {
		it, err := s.scan(s.prefix("s"))
		if err != nil {
			yield(nil, err)
			return
		}
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			snap, err := decodeSnapshot(it.Value())
			if !yield(snap, err) || err != nil {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(nil, storage.IOError(err, "failed to iterate snapshots"))
		}
	}
}
