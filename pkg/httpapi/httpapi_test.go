package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-replicas/pkg/connmgr"
	"github.com/astromechza/automerge-replicas/pkg/discovery"
	"github.com/astromechza/automerge-replicas/pkg/identity"
	"github.com/astromechza/automerge-replicas/pkg/merge/automergeengine"
	"github.com/astromechza/automerge-replicas/pkg/store"
	"github.com/astromechza/automerge-replicas/pkg/transport"
)

const testKey = "0123456789abcdef"

func setCounter(n int64) store.Action {
	return store.Action{Type: store.ActionSet, Payload: store.SetPayload{Doc: store.GlobalID, Values: map[string]any{"counter": n}}}
}

func fixedID(id string) identity.ActorIDFunc {
	return func() string { return id }
}

func newServer(t *testing.T) (*Server, *httptest.Server, *store.Manager) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := store.NewManager(store.Options{
		DatabaseName: "counters",
		Reducer:      store.DocumentsReducer,
		InitialState: store.State{store.GlobalID: {"counter": int64(0)}},
		Identity:     identity.NewFileStore(filepath.Join(t.TempDir(), "identity.json"), fixedID("aa01")),
		Registerer:   reg,
	})
	require.NoError(t, err)
	api, err := New(Options{Open: m.CreateStore, Engine: automergeengine.New(), Gatherer: reg})
	require.NoError(t, err)
	srv := httptest.NewServer(api.Handler())
	return api, srv, m
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func TestReadEndpoints(t *testing.T) {
	ctx := context.Background()
	api, srv, _ := newServer(t)
	defer func() {
		srv.Close()
		require.NoError(t, api.Close(ctx))
	}()

	code, body := get(t, srv.URL+"/stores/"+testKey+"/latest")
	require.Equal(t, http.StatusOK, code)
	var state store.State
	require.NoError(t, json.Unmarshal([]byte(body), &state))
	assert.Equal(t, float64(0), state[store.GlobalID]["counter"])

	st, err := api.Store(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, st.Dispatch(ctx, setCounter(5)))

	code, body = get(t, srv.URL+"/stores/"+testKey+"/documents/"+store.GlobalID)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"counter":5}`, body)
	assert.Equal(t, 2, api.cache.Len())

	code, body = get(t, srv.URL+"/stores/"+testKey+"/documents/"+store.GlobalID+"/graph.svg?path=counter")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<svg")
	assert.Contains(t, body, "aa01@2 5")

	code, _ = get(t, srv.URL+"/stores/"+testKey+"/documents/missing/graph.svg")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "replicas_connections")
}

func TestSyncOverWebsocket(t *testing.T) {
	ctx := context.Background()
	api, srv, _ := newServer(t)
	defer func() {
		srv.Close()
		require.NoError(t, api.Close(ctx))
	}()
	server, err := api.Store(ctx, testKey)
	require.NoError(t, err)

	urlFor := func(addr string) string {
		return "ws" + strings.TrimPrefix(addr, "http") + "/stores/" + testKey + "/sync?peer=bb02"
	}
	m, err := store.NewManager(store.Options{
		DatabaseName: "counters",
		Reducer:      store.DocumentsReducer,
		Identity:     identity.NewFileStore(filepath.Join(t.TempDir(), "identity.json"), fixedID("bb02")),
		Discovery:    discovery.Static{{ID: "aa01", Addr: srv.URL}},
		Dial:         transport.WebsocketDialer(urlFor, nil),
		Policy:       connmgr.DialAlways,
	})
	require.NoError(t, err)
	client, err := m.JoinStore(ctx, testKey)
	require.NoError(t, err)
	defer client.Close(ctx)

	require.Eventually(t, func() bool {
		s, err := client.State(ctx)
		return err == nil && s[store.GlobalID]["counter"] == int64(0)
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Dispatch(ctx, setCounter(3)))
	require.Eventually(t, func() bool {
		s, err := server.State(ctx)
		return err == nil && s[store.GlobalID]["counter"] == int64(3)
	}, 5*time.Second, 5*time.Millisecond)

	code, body := get(t, srv.URL+"/stores/"+testKey+"/peers")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "bb02")
}

func TestPostAction(t *testing.T) {
	ctx := context.Background()
	api, srv, _ := newServer(t)
	defer func() {
		srv.Close()
		require.NoError(t, api.Close(ctx))
	}()
	post := func(body string) int {
		resp, err := http.Post(srv.URL+"/stores/"+testKey+"/actions", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNoContent, post(`{"type":"set","payload":{"doc":"__global","values":{"counter":7}}}`))
	assert.Equal(t, http.StatusBadRequest, post(`{"type":"launch"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, post(`{"type":"delete","payload":{"doc":"missing"}}`))

	_, body := get(t, srv.URL+"/stores/"+testKey+"/documents/"+store.GlobalID)
	assert.JSONEq(t, `{"counter":7}`, body)
}

func TestNewRequiresOpen(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
