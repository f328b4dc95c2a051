// Package storage defines the durable backing of a document repository: an append-only change log keyed by document
// and one snapshot slot per document, scoped to a namespace.
package storage

import (
	"context"
	"iter"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/astromechza/automerge-replicas/pkg/change"
)

var (
	// ErrStorageIO marks every failure of the underlying medium. It is never retried by the repository.
	ErrStorageIO = errors.New("storage io error")
	// ErrNamespaceInUse is returned when a second repository tries to attach to a namespace in the same process.
	ErrNamespaceInUse = errors.New("storage namespace already in use")
	// ErrNotFound is returned by lookups of absent snapshots.
	ErrNotFound = errors.New("not found")
)

// IOError marks err as an ErrStorageIO failure while keeping its message.
func IOError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrStorageIO)
}

// Adapter is implemented by every storage medium. Changes and Snapshots return sequences that restart from the
// beginning each time they are ranged over.
type Adapter interface {
	Namespace() string
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	HasData(ctx context.Context) (bool, error)

	AppendChanges(ctx context.Context, recs ...*change.Record) error
	Changes(ctx context.Context) iter.Seq2[*change.Record, error]
	// GetChanges returns the log of one document in append order.
	GetChanges(ctx context.Context, documentID string) ([]*change.Record, error)
	// DeleteChanges drops every record of the document covered by upTo.
	DeleteChanges(ctx context.Context, documentID string, upTo change.Frontier) error

	PutSnapshot(ctx context.Context, snap *change.Snapshot) error
	// GetSnapshot returns ErrNotFound when the document has no snapshot.
	GetSnapshot(ctx context.Context, documentID string) (*change.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
	Snapshots(ctx context.Context) iter.Seq2[*change.Snapshot, error]
}

// Key derives the namespace used for a database and discovery key.
func Key(databaseName, discoveryKey string) string {
	if len(discoveryKey) > 12 {
		discoveryKey = discoveryKey[:12]
	}
	return "lf_" + databaseName + "_" + discoveryKey
}

var (
	claimsLock sync.Mutex
	claims     = map[string]struct{}{}
)

// Claim takes exclusive ownership of a namespace within this process. The returned function releases it and may be
// called more than once.
func Claim(namespace string) (func(), error) {
	claimsLock.Lock()
	defer claimsLock.Unlock()
	if _, ok := claims[namespace]; ok {
		return nil, errors.Wrapf(ErrNamespaceInUse, "namespace %s", namespace)
	}
	claims[namespace] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			claimsLock.Lock()
			defer claimsLock.Unlock()
			delete(claims, namespace)
		})
	}, nil
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	out := make([]T, 0)
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
