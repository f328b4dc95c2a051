// Package storagetest holds the behaviour every storage.Adapter must share, so each adapter package can run it
// against its own medium.
package storagetest

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/storage"
)

// Factory returns an opened, empty adapter.
type Factory func(t *testing.T) storage.Adapter

func rec(doc, actor string, seq uint64, payload string) *change.Record {
	r := &change.Record{DocumentID: doc, Actor: actor, Seq: seq, Payload: []byte(payload)}
	if seq > 1 {
		r.Deps = []change.ID{{Actor: actor, Seq: seq - 1}}
	}
	return r
}

func Run(t *testing.T, newAdapter Factory) {
	t.Run("empty", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()
		has, err := a.HasData(ctx)
		require.NoError(t, err)
		assert.False(t, has)

		all, err := storage.Collect(a.Changes(ctx))
		require.NoError(t, err)
		assert.Empty(t, all)

		_, err = a.GetSnapshot(ctx, "nope")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("append and read back in order", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()
		require.NoError(t, a.AppendChanges(ctx, rec("d1", "aa", 1, "x"), rec("d2", "bb", 1, "y")))
		require.NoError(t, a.AppendChanges(ctx, rec("d1", "aa", 2, "z")))

		has, err := a.HasData(ctx)
		require.NoError(t, err)
		assert.True(t, has)

		d1, err := a.GetChanges(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, d1, 2)
		assert.Equal(t, rec("d1", "aa", 1, "x"), d1[0])
		assert.Equal(t, rec("d1", "aa", 2, "z"), d1[1])

		// restartable
		for i := 0; i < 2; i++ {
			all, err := storage.Collect(a.Changes(ctx))
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "d1", all[0].DocumentID)
			assert.Equal(t, "d2", all[1].DocumentID)
			assert.Equal(t, uint64(2), all[2].Seq)
		}
	})

	t.Run("snapshots", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()
		snap := &change.Snapshot{ID: "d1", DocumentID: "d1", State: []byte("state"), Covered: change.Frontier{"aa": 2}}
		require.NoError(t, a.PutSnapshot(ctx, snap))
		got, err := a.GetSnapshot(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, snap, got)

		snap2 := &change.Snapshot{ID: "d1", DocumentID: "d1", State: []byte("newer"), Covered: change.Frontier{"aa": 3, "bb": 1}}
		require.NoError(t, a.PutSnapshot(ctx, snap2))
		all, err := storage.Collect(a.Snapshots(ctx))
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, snap2, all[0])

		require.NoError(t, a.DeleteSnapshot(ctx, "d1"))
		_, err = a.GetSnapshot(ctx, "d1")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("delete covered changes", func(t *testing.T) {
		a := newAdapter(t)
		ctx := context.Background()
		require.NoError(t, a.AppendChanges(ctx,
			rec("d1", "aa", 1, "1"), rec("d1", "aa", 2, "2"), rec("d1", "bb", 1, "3"),
			rec("d1", "aa", 3, "4"), rec("d2", "aa", 1, "5"),
		))
		require.NoError(t, a.DeleteChanges(ctx, "d1", change.Frontier{"aa": 2, "bb": 1}))

		d1, err := a.GetChanges(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, d1, 1)
		assert.Equal(t, change.ID{Actor: "aa", Seq: 3}, d1[0].ID())

		d2, err := a.GetChanges(ctx, "d2")
		require.NoError(t, err)
		assert.Len(t, d2, 1)
	})
}
