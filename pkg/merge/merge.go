// Package merge defines the contract the repository expects from a CRDT engine. The engine owns the meaning of
// document state; the repository only ever routes records through it.
package merge

import (
	"github.com/astromechza/automerge-replicas/pkg/change"
)

// State is an engine specific materialized document. The repository never looks inside it.
type State any

// Mutator performs a local edit against a document state.
type Mutator func(State) error

// Engine folds change records into document states.
//
// Apply must be deterministic, idempotent and commutative with respect to other independently applicable records.
// Engines may update the given state in place; callers treat the returned state as the only valid one.
type Engine interface {
	Init() (State, error)
	Apply(state State, rec *change.Record) (State, error)

	// Mutate runs fn against state as actor and returns the record describing the edit. The record's DocumentID is
	// left for the caller to fill in.
	Mutate(state State, actor string, fn Mutator) (State, *change.Record, error)

	// ChangesBetween returns, in dependency order, the records contained in to but not covered by from.
	ChangesBetween(from change.Frontier, to State) ([]*change.Record, error)
	DiffFrontiers(local, remote change.Frontier) (needFromRemote, haveForRemote change.Frontier)

	Save(state State) ([]byte, error)
	Load(data []byte) (State, error)

	// Materialize converts the state into plain go values for presentation.
	Materialize(state State) (map[string]any, error)
}

// Deleter is implemented by engines able to tombstone a whole document.
type Deleter interface {
	MarkDeleted(state State, actor string) (State, *change.Record, error)
	IsDeleted(state State) bool
}
