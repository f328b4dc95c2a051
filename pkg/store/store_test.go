package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/astromechza/automerge-replicas/pkg/discovery"
	"github.com/astromechza/automerge-replicas/pkg/identity"
	"github.com/astromechza/automerge-replicas/pkg/merge"
	"github.com/astromechza/automerge-replicas/pkg/merge/automergeengine"
	"github.com/astromechza/automerge-replicas/pkg/storage"
	"github.com/astromechza/automerge-replicas/pkg/storage/memstore"
	"github.com/astromechza/automerge-replicas/pkg/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testKey = "0123456789abcdef"

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

func todoReducer(state State, action Action) (ChangeMap, error) {
	switch action.Type {
	case "add":
		id := action.Payload.(string)
		return ChangeMap{
			id:       automergeengine.Set(map[string]any{"title": id, "done": false}),
			GlobalID: increment("count"),
		}, nil
	case "complete":
		id := action.Payload.(string)
		if _, ok := state[id]; !ok {
			return nil, errors.Newf("no todo %s", id)
		}
		return ChangeMap{id: automergeengine.Set(map[string]any{"done": true})}, nil
	case "remove":
		return ChangeMap{action.Payload.(string): nil}, nil
	}
	return nil, nil
}

type peer struct {
	store *Store
	actor string
}

func fixedID(id string) identity.ActorIDFunc {
	return func() string { return id }
}

func openPeer(t *testing.T, network *transport.MemNetwork, hub *discovery.Hub, actor string, create bool) *peer {
	t.Helper()
	opts := Options{
		DatabaseName: "todos",
		Reducer:      todoReducer,
		InitialState: State{GlobalID: {"count": int64(0)}},
		Identity:     identity.NewFileStore(filepath.Join(t.TempDir(), "identity.json"), fixedID(actor)),
		Discovery:    hub.Discovery(actor, actor),
		Dial:         network.Dial,
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	ctx := context.Background()
	var s *Store
	if create {
		s, err = m.CreateStore(ctx, testKey)
	} else {
		s, err = m.JoinStore(ctx, testKey)
	}
	require.NoError(t, err)
	keys, err := m.KnownDiscoveryKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{testKey}, keys)

	accepts := network.Listen(actor)
	acceptCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case tr := <-accepts:
				go func() {
					_ = s.Connections().Accept(acceptCtx, "", tr)
				}()
			case <-acceptCtx.Done():
				return
			}
		}
	}()
	t.Cleanup(func() {
		network.Unlisten(actor)
		cancel()
		<-done
		require.NoError(t, s.Close(context.Background()))
	})
	return &peer{store: s, actor: actor}
}

func (p *peer) state(t *testing.T) State {
	t.Helper()
	s, err := p.store.State(context.Background())
	require.NoError(t, err)
	return s
}

func TestCreateAndJoin(t *testing.T) {
	network, hub := transport.NewMemNetwork(), discovery.NewHub()
	a := openPeer(t, network, hub, "aa01", true)
	assert.Equal(t, State{GlobalID: {"count": int64(0)}}, a.state(t))

	b := openPeer(t, network, hub, "bb02", false)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(a.state(t), b.state(t))
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.store.ConnectionCount() == 1 && b.store.ConnectionCount() == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDispatchReplicates(t *testing.T) {
	ctx := context.Background()
	network, hub := transport.NewMemNetwork(), discovery.NewHub()
	a := openPeer(t, network, hub, "aa01", true)
	b := openPeer(t, network, hub, "bb02", false)

	require.NoError(t, a.store.Dispatch(ctx, Action{Type: "add", Payload: "milk"}))
	// the count is a plain register, so the second add waits for the first
	require.Eventually(t, func() bool {
		return b.state(t)[GlobalID]["count"] == int64(1)
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, b.store.Dispatch(ctx, Action{Type: "add", Payload: "eggs"}))
	require.Eventually(t, func() bool {
		s := b.state(t)
		return len(s) == 3 && s[GlobalID]["count"] == int64(2)
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, b.store.Dispatch(ctx, Action{Type: "complete", Payload: "milk"}))
	require.NoError(t, a.store.Dispatch(ctx, Action{Type: "remove", Payload: "eggs"}))
	want := State{
		GlobalID: {"count": int64(2)},
		"milk":   {"title": "milk", "done": true},
	}
	for _, p := range []*peer{a, b} {
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual(want, p.state(t))
		}, 5*time.Second, 5*time.Millisecond, p.actor)
	}

	err := a.store.Dispatch(ctx, Action{Type: "complete", Payload: "eggs"})
	assert.Error(t, err)
}

func TestCreateDoesNotReseed(t *testing.T) {
	ctx := context.Background()
	stores := map[string]*memstore.Store{}
	persistent := func(o *Options) {
		o.Storage = func(ns string) (storage.Adapter, error) {
			if _, ok := stores[ns]; !ok {
				stores[ns] = memstore.New(ns)
			}
			return stores[ns], nil
		}
	}
	m, err := NewManager(Options{DatabaseName: "todos", Reducer: todoReducer, InitialState: State{GlobalID: {"count": int64(0)}}})
	require.NoError(t, err)
	persistent(&m.opts)

	first, err := m.CreateStore(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, first.Dispatch(ctx, Action{Type: "add", Payload: "milk"}))
	require.NoError(t, first.Close(ctx))
	require.NoError(t, first.Close(ctx))

	second, err := m.CreateStore(ctx, testKey)
	require.NoError(t, err)
	defer second.Close(ctx)
	state, err := second.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state[GlobalID]["count"])
	logged, err := stores[storage.Key("todos", testKey)].GetChanges(ctx, GlobalID)
	require.NoError(t, err)
	assert.Len(t, logged, 2)
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(Options{Reducer: todoReducer})
	assert.Error(t, err)
	_, err = NewManager(Options{DatabaseName: "todos"})
	assert.Error(t, err)
	m, err := NewManager(Options{DatabaseName: "todos", Reducer: todoReducer})
	require.NoError(t, err)
	_, err = m.JoinStore(context.Background(), "")
	assert.Error(t, err)
}
