// Package httpapi serves stores over http: the websocket sync endpoint peers connect to, read-only document
// endpoints and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/merge"
	"github.com/astromechza/automerge-replicas/pkg/repo"
	"github.com/astromechza/automerge-replicas/pkg/store"
	"github.com/astromechza/automerge-replicas/pkg/transport"
	"github.com/astromechza/automerge-replicas/pkg/viz"
)

const (
	DefaultCacheSize = 256
	maxActionSize    = 1 << 20
)

// OpenFunc opens the store for a discovery key.
type OpenFunc func(ctx context.Context, key string) (*store.Store, error)

type Options struct {
	Open OpenFunc
	// Engine labels rendered change graphs. Optional.
	Engine    merge.Engine
	Gatherer  prometheus.Gatherer
	CacheSize int
	Logger    *slog.Logger
}

type Server struct {
	open     OpenFunc
	engine   merge.Engine
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	// materialized documents keyed by store, document and frontier
	cache *lru.Cache[string, map[string]any]

	mu     sync.Mutex
	stores map[string]*store.Store
	closed bool
}

func New(opts Options) (*Server, error) {
	if opts.Open == nil {
		return nil, errors.New("an open function is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache, err := lru.New[string, map[string]any](opts.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cache")
	}
	return &Server{
		open:     opts.Open,
		engine:   opts.Engine,
		gatherer: opts.Gatherer,
		logger:   opts.Logger.With("component", "http"),
		cache:    cache,
		stores:   make(map[string]*store.Store),
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/stores/{store}/sync").HandlerFunc(s.syncStore)
	r.Methods(http.MethodGet).Path("/stores/{store}/latest").HandlerFunc(s.getStore)
	r.Methods(http.MethodGet).Path("/stores/{store}/documents/{doc}").HandlerFunc(s.getDocument)
	r.Methods(http.MethodGet).Path("/stores/{store}/documents/{doc}/graph.svg").HandlerFunc(s.getGraph)
	r.Methods(http.MethodGet).Path("/stores/{store}/peers").HandlerFunc(s.getPeers)
	r.Methods(http.MethodPost).Path("/stores/{store}/actions").HandlerFunc(s.postAction)
	if s.gatherer != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Store returns the open store for key, opening it on first use.
func (s *Server) Store(ctx context.Context, key string) (*store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("server closed")
	}
	if st, ok := s.stores[key]; ok {
		return st, nil
	}
	st, err := s.open(ctx, key)
	if err != nil {
		return nil, err
	}
	s.stores[key] = st
	return st, nil
}

// Close closes every store opened by the server.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	stores := s.stores
	s.stores = map[string]*store.Store{}
	s.mu.Unlock()
	var err error
	for key, st := range stores {
		if closeErr := st.Close(ctx); closeErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(closeErr, "failed to close %s", key))
		}
	}
	return err
}

func (s *Server) lookup(writer http.ResponseWriter, request *http.Request) (*store.Store, bool) {
	st, err := s.Store(request.Context(), mux.Vars(request)["store"])
	if err != nil {
		s.logger.Error("failed to open store", "err", err)
		writer.WriteHeader(http.StatusServiceUnavailable)
		return nil, false
	}
	return st, true
}

func (s *Server) syncStore(writer http.ResponseWriter, request *http.Request) {
	st, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	tr, err := transport.Upgrade(writer, request)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	peer := request.URL.Query().Get("peer")
	if err := st.Connections().Accept(request.Context(), peer, tr); err != nil {
		s.logger.Warn("sync ended", "store", st.Key(), "peer", peer, "err", err)
	}
}

func (s *Server) materialize(ctx context.Context, st *store.Store, id string) (map[string]any, bool, error) {
	f, err := st.Repo().Frontier(ctx, id)
	if err != nil {
		return nil, false, err
	}
	key := st.Key() + "/" + id + "/" + f.String()
	if doc, ok := s.cache.Get(key); ok {
		return doc, true, nil
	}
	doc, ok, err := st.Document(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	s.cache.Add(key, doc)
	return doc, true, nil
}

func (s *Server) getStore(writer http.ResponseWriter, request *http.Request) {
	st, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	ids, err := st.Repo().Documents(request.Context())
	if err != nil {
		s.fail(writer, err)
		return
	}
	out := store.State{}
	for _, id := range ids {
		doc, ok, err := s.materialize(request.Context(), st, id)
		if errors.Is(err, repo.ErrStorageCorrupt) {
			continue
		} else if err != nil {
			s.fail(writer, err)
			return
		}
		if ok {
			out[id] = doc
		}
	}
	s.writeJSON(writer, out)
}

func (s *Server) getDocument(writer http.ResponseWriter, request *http.Request) {
	st, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	doc, ok, err := s.materialize(request.Context(), st, mux.Vars(request)["doc"])
	if err != nil {
		s.fail(writer, err)
		return
	}
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	s.writeJSON(writer, doc)
}

func (s *Server) getGraph(writer http.ResponseWriter, request *http.Request) {
	st, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	var recs []*change.Record
	for rec, err := range st.Repo().ChangesSince(request.Context(), mux.Vars(request)["doc"], change.NewFrontier()) {
		if err != nil {
			s.fail(writer, err)
			return
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	var label *viz.Label
	if path := request.URL.Query().Get("path"); path != "" && s.engine != nil {
		label = &viz.Label{Engine: s.engine, Path: path}
	}
	writer.Header().Add("Content-Type", "image/svg+xml")
	if err := viz.RenderSVG(recs, label, writer); err != nil {
		s.logger.Error("failed to render", "err", err)
	}
}

func (s *Server) getPeers(writer http.ResponseWriter, request *http.Request) {
	st, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	s.writeJSON(writer, map[string]any{
		"actor": st.Repo().ActorID(),
		"peers": st.Connections().Peers(),
		"slots": st.Connections().Slots(),
	})
}

// postAction dispatches a json encoded action; see store.DecodeAction.
func (s *Server) postAction(writer http.ResponseWriter, request *http.Request) {
	st, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(request.Body, maxActionSize))
	if err != nil {
		s.fail(writer, err)
		return
	}
	action, err := store.DecodeAction(raw)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	if err := st.Dispatch(request.Context(), action); err != nil {
		http.Error(writer, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(writer http.ResponseWriter, err error) {
	s.logger.Error("request failed", "err", err)
	writer.WriteHeader(http.StatusInternalServerError)
}

func (s *Server) writeJSON(writer http.ResponseWriter, v any) {
	writer.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}
