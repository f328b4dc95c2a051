package sqlstore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/storage"
	"github.com/astromechza/automerge-replicas/pkg/storage/storagetest"
)

func TestAdapterSqlite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Adapter {
		ctx := context.Background()
		s, err := Connect(ctx, "sqlite3", ":memory:", "lf_test_sql")
		require.NoError(t, err)
		require.NoError(t, s.Open(ctx))
		t.Cleanup(func() {
			assert.NoError(t, s.Close(ctx))
		})
		return s
	})
}

func TestNamespacesShareTables(t *testing.T) {
	ctx := context.Background()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	a, b := New(db, "lf_a"), New(db, "lf_b")
	require.NoError(t, a.Open(ctx))
	require.NoError(t, b.Open(ctx))
	require.NoError(t, a.AppendChanges(ctx, &change.Record{DocumentID: "d", Actor: "aa", Seq: 1}))

	has, err := b.HasData(ctx)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = a.HasData(ctx)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestAppendFailureIsStorageIO(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Logf("Failed to close mock db: %v", closeErr)
		}
	}()

	s := New(sqlx.NewDb(db, "sqlmock"), "lf_mock")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lf_changes").
		WithArgs("lf_mock", "d", "aa", int64(1), "null", []byte("p")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.AppendChanges(context.Background(), &change.Record{DocumentID: "d", Actor: "aa", Seq: 1, Payload: []byte("p")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStorageIO))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotQueryFailureIsStorageIO(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(sqlx.NewDb(db, "sqlmock"), "lf_mock")
	mock.ExpectQuery("SELECT id, document_id, state, covered FROM lf_snapshots").
		WillReturnError(errors.New("connection reset"))

	_, err = storage.Collect(s.Snapshots(context.Background()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStorageIO))
	assert.NoError(t, mock.ExpectationsWereMet())
}
