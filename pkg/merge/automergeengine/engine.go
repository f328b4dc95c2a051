// Package automergeengine implements merge.Engine on top of automerge. Each change record carries exactly one encoded
// automerge change, and the record's (actor, seq) is the automerge actor id and actor sequence of that change.
package automergeengine

import (
	"github.com/automerge/automerge-go"
	"github.com/cockroachdb/errors"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/merge"
)

// DeletedKey marks a tombstoned document.
const DeletedKey = "__DELETED"

// Doc is the engine's document state: the automerge document plus an index from change hash to change id so that
// dependency hashes can be translated without walking the full history.
type Doc struct {
	*automerge.Doc
	ids map[automerge.ChangeHash]change.ID
}

func newDoc(d *automerge.Doc) (*Doc, error) {
	out := &Doc{Doc: d, ids: make(map[automerge.ChangeHash]change.ID)}
	changes, err := d.Changes()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list changes")
	}
	for _, c := range changes {
		out.ids[c.Hash()] = change.ID{Actor: c.ActorID(), Seq: c.ActorSeq()}
	}
	return out, nil
}

// Edit adapts a function over the automerge document into a merge.Mutator. The function must not commit.
func Edit(fn func(d *automerge.Doc) error) merge.Mutator {
	return func(s merge.State) error {
		d, err := asDoc(s)
		if err != nil {
			return err
		}
		return fn(d.Doc)
	}
}

// Set returns a mutator that writes the given top level keys.
func Set(values map[string]any) merge.Mutator {
	return Edit(func(d *automerge.Doc) error {
		for k, v := range values {
			if err := d.Path(k).Set(v); err != nil {
				return errors.Wrapf(err, "failed to set %s", k)
			}
		}
		return nil
	})
}

// Increment adds delta to the counter at key, creating it when the key is unset. Concurrent increments add up.
func Increment(key string, delta int64) merge.Mutator {
	return Edit(func(d *automerge.Doc) error {
		v, err := d.Path(key).Get()
		if err != nil {
			return errors.Wrapf(err, "failed to get %s", key)
		}
		if v.Kind() == automerge.KindVoid {
			return d.Path(key).Set(automerge.NewCounter(delta))
		}
		return d.Path(key).Counter().Inc(delta)
	})
}

func asDoc(s merge.State) (*Doc, error) {
	d, ok := s.(*Doc)
	if !ok || d == nil || d.Doc == nil {
		return nil, errors.Newf("state is %T, not an automerge document", s)
	}
	return d, nil
}

type Engine struct{}

var _ merge.Engine = (*Engine)(nil)
var _ merge.Deleter = (*Engine)(nil)

func New() *Engine {
	return &Engine{}
}

func (e *Engine) Init() (merge.State, error) {
	return newDoc(automerge.New())
}

func (e *Engine) Apply(s merge.State, rec *change.Record) (merge.State, error) {
	d, err := asDoc(s)
	if err != nil {
		return nil, err
	}
	changes, err := automerge.LoadChanges(rec.Payload)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to decode payload of %s", rec.ID()), change.ErrInvalidRecord)
	}
	if len(changes) != 1 {
		return nil, errors.Wrapf(change.ErrInvalidRecord, "%s carries %d changes", rec.ID(), len(changes))
	}
	c := changes[0]
	if c.ActorID() != rec.Actor || c.ActorSeq() != rec.Seq {
		return nil, errors.Wrapf(change.ErrInvalidRecord, "%s carries change %s@%d", rec.ID(), c.ActorID(), c.ActorSeq())
	}
	if _, seen := d.ids[c.Hash()]; seen {
		return d, nil
	}
	for _, h := range c.Dependencies() {
		if _, ok := d.ids[h]; !ok {
			return nil, errors.Wrapf(change.ErrInvalidRecord, "%s depends on unknown change %s", rec.ID(), h)
		}
	}
	if err := d.Doc.Apply(c); err != nil {
		return nil, errors.Wrapf(err, "failed to apply %s", rec.ID())
	}
	d.ids[c.Hash()] = rec.ID()
	return d, nil
}

func (e *Engine) Mutate(s merge.State, actor string, fn merge.Mutator) (merge.State, *change.Record, error) {
	d, err := asDoc(s)
	if err != nil {
		return nil, nil, err
	}
	if d.ActorID() != actor {
		if err := d.SetActorID(actor); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to set actor %s", actor)
		}
	}
	before := d.Heads()
	if err := fn(d); err != nil {
		return nil, nil, err
	}
	if _, err := d.Commit("", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, nil, errors.Wrap(err, "failed to commit")
	}
	changes, err := d.Changes(before...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read committed change")
	}
	if len(changes) != 1 {
		return nil, nil, errors.Newf("mutation produced %d changes, expected 1", len(changes))
	}
	rec, err := d.record(changes[0])
	if err != nil {
		return nil, nil, err
	}
	d.ids[changes[0].Hash()] = rec.ID()
	return d, rec, nil
}

func (d *Doc) record(c *automerge.Change) (*change.Record, error) {
	rec := &change.Record{Actor: c.ActorID(), Seq: c.ActorSeq(), Payload: c.Save()}
	hasPrev := false
	for _, h := range c.Dependencies() {
		id, ok := d.ids[h]
		if !ok {
			return nil, errors.Newf("change %s depends on unindexed %s", c.Hash(), h)
		}
		if id.Actor == rec.Actor && id.Seq == rec.Seq-1 {
			hasPrev = true
		}
		rec.Deps = append(rec.Deps, id)
	}
	if rec.Seq > 1 && !hasPrev {
		rec.Deps = append(rec.Deps, change.ID{Actor: rec.Actor, Seq: rec.Seq - 1})
	}
	change.SortIDs(rec.Deps)
	return rec, nil
}

func (e *Engine) ChangesBetween(from change.Frontier, to merge.State) ([]*change.Record, error) {
	d, err := asDoc(to)
	if err != nil {
		return nil, err
	}
	changes, err := d.Changes()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list changes")
	}
	out := make([]*change.Record, 0)
	for _, c := range changes {
		if from.Covers(change.ID{Actor: c.ActorID(), Seq: c.ActorSeq()}) {
			continue
		}
		rec, err := d.record(c)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (e *Engine) DiffFrontiers(local, remote change.Frontier) (change.Frontier, change.Frontier) {
	return change.DiffFrontiers(local, remote)
}

func (e *Engine) Save(s merge.State) ([]byte, error) {
	d, err := asDoc(s)
	if err != nil {
		return nil, err
	}
	return d.Doc.Save(), nil
}

func (e *Engine) Load(data []byte) (merge.State, error) {
	raw, err := automerge.Load(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load doc")
	}
	return newDoc(raw)
}

func (e *Engine) Materialize(s merge.State) (map[string]any, error) {
	d, err := asDoc(s)
	if err != nil {
		return nil, err
	}
	out, err := automerge.As[map[string]any](d.Root())
	if err != nil {
		return nil, errors.Wrap(err, "failed to materialize")
	}
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range out {
		if out[k], err = plain(v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// plain replaces counters with their values.
func plain(v any) (any, error) {
	switch t := v.(type) {
	case *automerge.Counter:
		return t.Get()
	case map[string]any:
		for k, inner := range t {
			var err error
			if t[k], err = plain(inner); err != nil {
				return nil, err
			}
		}
	case []any:
		for i, inner := range t {
			var err error
			if t[i], err = plain(inner); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

func (e *Engine) MarkDeleted(s merge.State, actor string) (merge.State, *change.Record, error) {
	return e.Mutate(s, actor, Set(map[string]any{DeletedKey: true}))
}

func (e *Engine) IsDeleted(s merge.State) bool {
	d, err := asDoc(s)
	if err != nil {
		return false
	}
	deleted, err := automerge.As[bool](d.Path(DeletedKey).Get())
	return err == nil && deleted
}
