// Package change holds the data model shared by the repository, the sync protocol and the storage adapters.
package change

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
)

// ErrInvalidRecord is returned for records that can never be applied, regardless of ordering.
var ErrInvalidRecord = errors.New("invalid change record")

// ID identifies a single change: the actor that produced it and its position in that actor's sequence.
type ID struct {
	Actor string `json:"actor"`
	Seq   uint64 `json:"seq"`
}

func (id ID) String() string {
	return fmt.Sprintf("%s@%d", id.Actor, id.Seq)
}

// Record is one immutable, dependency tracked edit to a document.
type Record struct {
	DocumentID string `json:"documentId"`
	Actor      string `json:"actor"`
	Seq        uint64 `json:"seq"`
	Deps       []ID   `json:"deps,omitempty"`
	Payload    []byte `json:"payload"`
}

func (r *Record) ID() ID {
	return ID{Actor: r.Actor, Seq: r.Seq}
}

// Validate checks the structural rules every record must satisfy. A record with Seq > 1 must list its actor's
// previous change as a dependency, which is what allows a Frontier to be a plain version vector.
func (r *Record) Validate() error {
	if r == nil {
		return errors.Wrap(ErrInvalidRecord, "nil record")
	}
	if r.DocumentID == "" {
		return errors.Wrap(ErrInvalidRecord, "missing document id")
	}
	if r.Actor == "" || r.Seq == 0 {
		return errors.Wrapf(ErrInvalidRecord, "bad id %s", r.ID())
	}
	prev := false
	for _, d := range r.Deps {
		if d.Actor == "" || d.Seq == 0 {
			return errors.Wrapf(ErrInvalidRecord, "bad dependency %s of %s", d, r.ID())
		}
		if d.Actor == r.Actor {
			if d.Seq >= r.Seq {
				return errors.Wrapf(ErrInvalidRecord, "%s depends on its own future %s", r.ID(), d)
			}
			if d.Seq == r.Seq-1 {
				prev = true
			}
		}
	}
	if r.Seq > 1 && !prev {
		return errors.Wrapf(ErrInvalidRecord, "%s does not depend on its predecessor", r.ID())
	}
	return nil
}

// ApplicableTo reports whether every dependency of the record is already reflected in the frontier and the record
// itself is the next change expected from its actor.
func (r *Record) ApplicableTo(f Frontier) bool {
	if f[r.Actor] != r.Seq-1 {
		return false
	}
	for _, d := range r.Deps {
		if !f.Covers(d) {
			return false
		}
	}
	return true
}

func (r *Record) String() string {
	return fmt.Sprintf("%s/%s deps=%v (%d bytes)", r.DocumentID, r.ID(), r.Deps, len(r.Payload))
}

// Snapshot is the compaction of every change of a document up to (and including) Covered.
type Snapshot struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"documentId"`
	State      []byte   `json:"state"`
	Covered    Frontier `json:"covered"`
}

// SortIDs orders ids by actor then sequence, for stable output.
func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Actor != ids[j].Actor {
			return ids[i].Actor < ids[j].Actor
		}
		return ids[i].Seq < ids[j].Seq
	})
}
