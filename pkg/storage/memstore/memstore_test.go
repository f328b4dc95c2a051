package memstore

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/storage"
	"github.com/astromechza/automerge-replicas/pkg/storage/storagetest"
)

func TestAdapter(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Adapter {
		return New("lf_test_mem")
	})
}

func TestFaults(t *testing.T) {
	s := New("lf_test_faults")
	ctx := context.Background()
	s.SetFault(OpAppend, errors.New("full"))
	err := s.AppendChanges(ctx, &change.Record{DocumentID: "d", Actor: "a", Seq: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStorageIO))

	s.SetFault(OpAppend, nil)
	require.NoError(t, s.AppendChanges(ctx, &change.Record{DocumentID: "d", Actor: "a", Seq: 1}))

	s.SetFault(OpRead, errors.New("unreadable"))
	_, err = storage.Collect(s.Changes(ctx))
	assert.True(t, errors.Is(err, storage.ErrStorageIO))
}
