package repo

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/events"
	"github.com/astromechza/automerge-replicas/pkg/merge"
	"github.com/astromechza/automerge-replicas/pkg/merge/automergeengine"
	"github.com/astromechza/automerge-replicas/pkg/storage"
	"github.com/astromechza/automerge-replicas/pkg/storage/memstore"
)

const (
	actorA = "aa01"
	actorB = "bb02"
	actorC = "cc03"
)

func openRepo(t *testing.T, store storage.Adapter, actor string, threshold int) (*Repository, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	r, err := Open(context.Background(), Options{
		Adapter:           store,
		Engine:            automergeengine.New(),
		ActorID:           actor,
		Bus:               bus,
		SnapshotThreshold: threshold,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close(context.Background())
	})
	return r, bus
}

func set(k string, v any) merge.Mutator {
	return automergeengine.Set(map[string]any{k: v})
}

func increment(key string) merge.Mutator {
	return automergeengine.Edit(func(d *automerge.Doc) error {
		v, err := d.Path(key).Get()
		if err != nil {
			return err
		}
		n, _ := automerge.As[int64](v)
		return d.Path(key).Set(n + 1)
	})
}

func materialize(t *testing.T, r *Repository, id string) map[string]any {
	t.Helper()
	m, err := r.Materialize(context.Background(), id)
	require.NoError(t, err)
	return m
}

func logLen(t *testing.T, store storage.Adapter, id string) int {
	t.Helper()
	recs, err := store.GetChanges(context.Background(), id)
	require.NoError(t, err)
	return len(recs)
}

func TestOpenClaimsNamespace(t *testing.T) {
	store := memstore.New("lf_test_claim")
	r, _ := openRepo(t, store, actorA, 0)

	_, err := Open(context.Background(), Options{Adapter: store, Engine: automergeengine.New()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNamespaceInUse))

	require.NoError(t, r.Close(context.Background()))
	require.NoError(t, r.Close(context.Background()))
	_, err = r.Mutate(context.Background(), "doc", set("x", int64(1)))
	assert.True(t, errors.Is(err, ErrClosed))

	openRepo(t, store, actorA, 0)
}

func TestLoadOrCreateSeedsOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New("lf_test_seed")
	r, bus := openRepo(t, store, actorA, 0)
	local, cancel := bus.Channel(10, events.LocalChange)
	defer cancel()

	m, err := r.LoadOrCreate(ctx, "doc", set("title", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", m["title"])
	assert.Equal(t, 1, logLen(t, store, "doc"))
	e := <-local
	assert.Equal(t, "doc", e.DocumentID)

	m, err = r.LoadOrCreate(ctx, "doc", set("title", "again"))
	require.NoError(t, err)
	assert.Equal(t, "hello", m["title"])
	assert.Equal(t, 1, logLen(t, store, "doc"))

	// without an initial state the document simply starts empty
	m, err = r.LoadOrCreate(ctx, "empty", nil)
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestReceiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, _ := openRepo(t, memstore.New("lf_test_idem_a"), actorA, 0)
	storeB := memstore.New("lf_test_idem_b")
	b, _ := openRepo(t, storeB, actorB, 0)

	rec, err := a.Mutate(ctx, "doc", set("x", int64(1)))
	require.NoError(t, err)

	applied, err := b.Receive(ctx, rec)
	require.NoError(t, err)
	assert.True(t, applied)
	before := materialize(t, b, "doc")

	applied, err = b.Receive(ctx, rec)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, before, materialize(t, b, "doc"))
	assert.Equal(t, 1, logLen(t, storeB, "doc"))
}

func TestReceiveBuffersOutOfOrder(t *testing.T) {
	ctx := context.Background()
	a, _ := openRepo(t, memstore.New("lf_test_ooo_a"), actorA, 0)
	storeB := memstore.New("lf_test_ooo_b")
	b, busB := openRepo(t, storeB, actorB, 0)
	remote, cancel := busB.Channel(10, events.RemoteChange)
	defer cancel()

	c1, err := a.Mutate(ctx, "doc", set("x", int64(1)))
	require.NoError(t, err)
	c2, err := a.Mutate(ctx, "doc", set("y", int64(2)))
	require.NoError(t, err)
	c3, err := a.Mutate(ctx, "doc", set("x", int64(3)))
	require.NoError(t, err)

	applied, err := b.Receive(ctx, c3)
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = b.Receive(ctx, c2)
	require.NoError(t, err)
	assert.False(t, applied)
	// duplicate of a buffered record
	applied, err = b.Receive(ctx, c2)
	require.NoError(t, err)
	assert.False(t, applied)

	pending, err := b.Pending(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
	assert.Equal(t, 0, logLen(t, storeB, "doc"))

	applied, err = b.Receive(ctx, c1)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, materialize(t, a, "doc"), materialize(t, b, "doc"))
	assert.Equal(t, 3, logLen(t, storeB, "doc"))
	pending, err = b.Pending(ctx, "doc")
	require.NoError(t, err)
	assert.Zero(t, pending)

	seen := []change.ID{(<-remote).Record.ID(), (<-remote).Record.ID(), (<-remote).Record.ID()}
	assert.Equal(t, []change.ID{c1.ID(), c2.ID(), c3.ID()}, seen)
}

func TestFailedEditKeepsBufferedRecords(t *testing.T) {
	ctx := context.Background()
	a, _ := openRepo(t, memstore.New("lf_test_keep_a"), actorA, 0)
	b, _ := openRepo(t, memstore.New("lf_test_keep_b"), actorB, 0)

	c1, err := a.Mutate(ctx, "doc", set("x", int64(1)))
	require.NoError(t, err)
	c2, err := a.Mutate(ctx, "doc", set("y", int64(2)))
	require.NoError(t, err)

	_, err = b.Receive(ctx, c2)
	require.NoError(t, err)
	_, err = b.Mutate(ctx, "doc", automergeengine.Edit(func(d *automerge.Doc) error {
		return errors.New("rejected")
	}))
	require.Error(t, err)

	pending, err := b.Pending(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	applied, err := b.Receive(ctx, c1)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, materialize(t, a, "doc"), materialize(t, b, "doc"))
	f, err := b.Frontier(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, change.Frontier{actorA: 2}, f)
}

func TestFailedApplyKeepsRecordBuffered(t *testing.T) {
	ctx := context.Background()
	a, _ := openRepo(t, memstore.New("lf_test_retry_a"), actorA, 0)
	storeB := memstore.New("lf_test_retry_b")
	b, _ := openRepo(t, storeB, actorB, 0)

	var recs []*change.Record
	for i := int64(1); i <= 3; i++ {
		rec, err := a.Mutate(ctx, "doc", set("x", i))
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	_, err := b.Receive(ctx, recs[1])
	require.NoError(t, err)
	storeB.SetFault(memstore.OpAppend, errors.New("disk full"))
	_, err = b.Receive(ctx, recs[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStorageIO))
	storeB.SetFault(memstore.OpAppend, nil)

	// both earlier records are still held and get applied once anything else arrives
	applied, err := b.Receive(ctx, recs[2])
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(3), materialize(t, b, "doc")["x"])
	assert.Equal(t, 3, logLen(t, storeB, "doc"))
	pending, err := b.Pending(ctx, "doc")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestConvergenceUnderAnyOrder(t *testing.T) {
	ctx := context.Background()
	a, _ := openRepo(t, memstore.New("lf_test_conv_a"), actorA, 0)
	b, _ := openRepo(t, memstore.New("lf_test_conv_b"), actorB, 0)

	var all []*change.Record
	for i := 0; i < 4; i++ {
		ra, err := a.Mutate(ctx, "doc", set("a", int64(i)))
		require.NoError(t, err)
		rb, err := b.Mutate(ctx, "doc", set("shared", fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
		rs, err := a.Mutate(ctx, "doc", set("shared", fmt.Sprintf("a%d", i)))
		require.NoError(t, err)
		all = append(all, ra, rb, rs)
	}

	rng := rand.New(rand.NewSource(7))
	var states []map[string]any
	for round := 0; round < 4; round++ {
		c, _ := openRepo(t, memstore.New(fmt.Sprintf("lf_test_conv_c%d", round)), actorC, 0)
		order := rng.Perm(len(all))
		for _, i := range order {
			_, err := c.Receive(ctx, all[i])
			require.NoError(t, err)
		}
		pending, err := c.Pending(ctx, "doc")
		require.NoError(t, err)
		require.Zero(t, pending)
		states = append(states, materialize(t, c, "doc"))
	}
	for _, s := range states[1:] {
		assert.Equal(t, states[0], s)
	}
	assert.Equal(t, int64(3), states[0]["a"])
}

func TestSnapshotReplayRoundTrip(t *testing.T) {
	ctx := context.Background()
	for prefix := 0; prefix <= 5; prefix++ {
		t.Run(fmt.Sprintf("compact after %d", prefix), func(t *testing.T) {
			store := memstore.New(fmt.Sprintf("lf_test_rt_%d", prefix))
			r, _ := openRepo(t, store, actorA, 1)
			peer, _ := openRepo(t, memstore.New(fmt.Sprintf("lf_test_rt_peer_%d", prefix)), actorB, 0)

			for i := 0; i < 5; i++ {
				if i == prefix {
					ok, err := r.Snapshot(ctx, "doc")
					require.NoError(t, err)
					assert.Equal(t, prefix > 0, ok)
				}
				_, err := r.Mutate(ctx, "doc", increment("counter"))
				require.NoError(t, err)
				if i == 2 {
					rec, err := peer.Mutate(ctx, "doc", set("peer", true))
					require.NoError(t, err)
					_, err = r.Receive(ctx, rec)
					require.NoError(t, err)
				}
			}
			if prefix == 5 {
				ok, err := r.Snapshot(ctx, "doc")
				require.NoError(t, err)
				assert.True(t, ok)
			}
			want := materialize(t, r, "doc")
			wantFrontier, err := r.Frontier(ctx, "doc")
			require.NoError(t, err)
			require.NoError(t, r.Close(ctx))

			reopened, _ := openRepo(t, store, actorA, 1)
			got, err := reopened.LoadOrCreate(ctx, "doc", nil)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			gotFrontier, err := reopened.Frontier(ctx, "doc")
			require.NoError(t, err)
			assert.Equal(t, wantFrontier, gotFrontier)
			assert.Equal(t, int64(5), got["counter"])

			// local sequence numbers continue after the restart
			rec, err := reopened.Mutate(ctx, "doc", increment("counter"))
			require.NoError(t, err)
			assert.Equal(t, uint64(6), rec.Seq)
		})
	}
}

func TestSnapshotCompactsLog(t *testing.T) {
	ctx := context.Background()
	store := memstore.New("lf_test_compact")
	r, _ := openRepo(t, store, actorA, 3)

	for i := 0; i < 2; i++ {
		_, err := r.Mutate(ctx, "doc", increment("n"))
		require.NoError(t, err)
	}
	ok, err := r.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, ok, "below threshold")

	_, err = r.Mutate(ctx, "doc", increment("n"))
	require.NoError(t, err)
	ok, err = r.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, logLen(t, store, "doc"))
	snap, err := store.GetSnapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, change.Frontier{actorA: 3}, snap.Covered)
}

func TestSnapshotFailureIsDeferred(t *testing.T) {
	ctx := context.Background()
	store := memstore.New("lf_test_snapfail")
	r, bus := openRepo(t, store, actorA, 1)
	errs, cancel := bus.Channel(10, events.Error)
	defer cancel()

	_, err := r.Mutate(ctx, "doc", set("x", int64(1)))
	require.NoError(t, err)

	store.SetFault(memstore.OpPutSnapshot, errors.New("quota"))
	ok, err := r.Snapshot(ctx, "doc")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, storage.ErrStorageIO))
	assert.Equal(t, 1, logLen(t, store, "doc"))
	e := <-errs
	assert.True(t, errors.Is(e.Err, storage.ErrStorageIO))

	// the document keeps working and a later attempt succeeds
	_, err = r.Mutate(ctx, "doc", set("x", int64(2)))
	require.NoError(t, err)
	store.SetFault(memstore.OpPutSnapshot, nil)

	// removal of compacted records may fail, which only leaves garbage behind
	store.SetFault(memstore.OpDeleteChanges, errors.New("busy"))
	ok, err = r.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, logLen(t, store, "doc"))

	require.NoError(t, r.Close(ctx))
	reopened, _ := openRepo(t, store, actorA, 1)
	assert.Equal(t, int64(2), materialize(t, reopened, "doc")["x"])
}

func TestAppendFailureInvalidatesOnlyThatDocument(t *testing.T) {
	ctx := context.Background()
	store := memstore.New("lf_test_appendfail")
	r, bus := openRepo(t, store, actorA, 0)
	errs, cancel := bus.Channel(10, events.Error)
	defer cancel()

	_, err := r.Mutate(ctx, "doc", set("x", int64(1)))
	require.NoError(t, err)

	store.SetFault(memstore.OpAppend, errors.New("disk full"))
	_, err = r.Mutate(ctx, "doc", set("x", int64(2)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStorageIO))
	e := <-errs
	assert.Equal(t, "doc", e.DocumentID)
	store.SetFault(memstore.OpAppend, nil)

	// the failed edit is not visible and the next one takes its sequence number
	assert.Equal(t, int64(1), materialize(t, r, "doc")["x"])
	rec, err := r.Mutate(ctx, "doc", set("x", int64(3)))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Seq)
	assert.Equal(t, 2, logLen(t, store, "doc"))
}

func TestCorruptDocumentIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := memstore.New("lf_test_corrupt")
	r, _ := openRepo(t, store, actorA, 0)
	for i := 0; i < 2; i++ {
		_, err := r.Mutate(ctx, "docA", increment("n"))
		require.NoError(t, err)
	}
	_, err := r.Mutate(ctx, "docB", increment("n"))
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx))

	// lose the first record of docA
	require.NoError(t, store.DeleteChanges(ctx, "docA", change.Frontier{actorA: 1}))

	r, bus := openRepo(t, store, actorA, 0)
	errs, cancel := bus.Channel(10, events.Error)
	defer cancel()

	_, err = r.LoadOrCreate(ctx, "docA", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorageCorrupt))
	_, err = r.Mutate(ctx, "docA", increment("n"))
	assert.True(t, errors.Is(err, ErrStorageCorrupt))
	e := <-errs
	assert.Equal(t, "docA", e.DocumentID)
	assert.True(t, errors.Is(e.Err, ErrStorageCorrupt))

	_, err = r.Mutate(ctx, "docB", increment("n"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), materialize(t, r, "docB")["n"])

	peer, _ := openRepo(t, memstore.New("lf_test_corrupt_peer"), actorB, 0)
	rec, err := peer.Mutate(ctx, "docB", set("from", "peer"))
	require.NoError(t, err)
	applied, err := r.Receive(ctx, rec)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "peer", materialize(t, r, "docB")["from"])
}

func TestChangesSince(t *testing.T) {
	ctx := context.Background()
	store := memstore.New("lf_test_since")
	r, _ := openRepo(t, store, actorA, 3)
	for i := 0; i < 3; i++ {
		_, err := r.Mutate(ctx, "doc", increment("n"))
		require.NoError(t, err)
	}
	ok, err := r.Snapshot(ctx, "doc")
	require.NoError(t, err)
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		_, err := r.Mutate(ctx, "doc", increment("n"))
		require.NoError(t, err)
	}

	// served from the log
	seq := r.ChangesSince(ctx, "doc", change.Frontier{actorA: 4})
	for i := 0; i < 2; i++ {
		recs, err := storage.Collect(seq)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, uint64(5), recs[0].Seq)
		assert.Equal(t, uint64(6), recs[1].Seq)
	}

	// regenerated through the engine because the log no longer holds the start
	recs, err := storage.Collect(r.ChangesSince(ctx, "doc", change.NewFrontier()))
	require.NoError(t, err)
	require.Len(t, recs, 6)
	fresh, _ := openRepo(t, memstore.New("lf_test_since_fresh"), actorB, 0)
	for _, rec := range recs {
		assert.Equal(t, "doc", rec.DocumentID)
		applied, err := fresh.Receive(ctx, rec)
		require.NoError(t, err)
		assert.True(t, applied)
	}
	assert.Equal(t, materialize(t, r, "doc"), materialize(t, fresh, "doc"))

	recs, err = storage.Collect(r.ChangesSince(ctx, "doc", change.Frontier{actorA: 6}))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReceiveSnapshot(t *testing.T) {
	ctx := context.Background()
	a, _ := openRepo(t, memstore.New("lf_test_rsnap_a"), actorA, 0)
	storeB := memstore.New("lf_test_rsnap_b")
	b, _ := openRepo(t, storeB, actorB, 0)

	for i := 0; i < 4; i++ {
		_, err := a.Mutate(ctx, "doc", increment("n"))
		require.NoError(t, err)
	}
	_, err := b.Mutate(ctx, "doc", set("b", true))
	require.NoError(t, err)

	snap, err := a.ExportSnapshot(ctx, "doc")
	require.NoError(t, err)
	n, err := b.ReceiveSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 5, logLen(t, storeB, "doc"))

	got := materialize(t, b, "doc")
	assert.Equal(t, int64(4), got["n"])
	assert.Equal(t, true, got["b"])

	n, err = b.ReceiveSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = b.ReceiveSnapshot(ctx, &change.Snapshot{ID: "doc", DocumentID: "doc", State: []byte("junk")})
	assert.True(t, errors.Is(err, change.ErrInvalidRecord))
}

func TestDocuments(t *testing.T) {
	ctx := context.Background()
	store := memstore.New("lf_test_docs")
	r, _ := openRepo(t, store, actorA, 1)
	for _, id := range []string{"b", "a", "c"} {
		_, err := r.Mutate(ctx, id, set("x", id))
		require.NoError(t, err)
	}
	ok, err := r.Snapshot(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)

	docs, err := r.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, docs)

	has, err := r.HasData(ctx)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRunCompactsPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := memstore.New("lf_test_run")
	r, err := Open(ctx, Options{
		Adapter: store, Engine: automergeengine.New(), ActorID: actorA,
		SnapshotThreshold: 1, CompactionInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer r.Close(context.Background())

	_, err = r.Mutate(ctx, "doc", set("x", int64(1)))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		_, err := store.GetSnapshot(context.Background(), "doc")
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestDeleteTombstonesAndReplicates(t *testing.T) {
	ctx := context.Background()
	a, _ := openRepo(t, memstore.New("lf_test_delete_a"), actorA, 0)
	b, _ := openRepo(t, memstore.New("lf_test_delete_b"), actorB, 0)

	created, err := a.Mutate(ctx, "doc", set("x", int64(1)))
	require.NoError(t, err)
	deleted, err := a.Delete(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), deleted.Seq)

	gone, err := a.Deleted(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, gone)

	for _, rec := range []*change.Record{created, deleted} {
		_, err := b.Receive(ctx, rec)
		require.NoError(t, err)
	}
	gone, err = b.Deleted(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, gone)

	gone, err = b.Deleted(ctx, "other")
	require.NoError(t, err)
	assert.False(t, gone)
}
