// Package store ties a repository and a connection manager together into an application facing store: actions are
// reduced into per document edits, and the state is the set of live documents.
package store

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/astromechza/automerge-replicas/pkg/connmgr"
	"github.com/astromechza/automerge-replicas/pkg/discovery"
	"github.com/astromechza/automerge-replicas/pkg/events"
	"github.com/astromechza/automerge-replicas/pkg/identity"
	"github.com/astromechza/automerge-replicas/pkg/merge"
	"github.com/astromechza/automerge-replicas/pkg/merge/automergeengine"
	"github.com/astromechza/automerge-replicas/pkg/repo"
	"github.com/astromechza/automerge-replicas/pkg/storage"
	"github.com/astromechza/automerge-replicas/pkg/storage/memstore"
	"github.com/astromechza/automerge-replicas/pkg/syncconn"
	"github.com/astromechza/automerge-replicas/pkg/transport"
)

// GlobalID is the document holding state that belongs to no collection.
const GlobalID = "__global"

type Action struct {
	Type    string
	Payload any
}

// ChangeMap maps document ids to the edit to make to them. A nil edit deletes the document.
type ChangeMap map[string]merge.Mutator

// State holds every live document, materialized.
type State map[string]map[string]any

// Reducer turns an action into edits, given the current state. It must not modify state.
type Reducer func(state State, action Action) (ChangeMap, error)

type Options struct {
	DatabaseName string
	Reducer      Reducer
	// InitialState is written when a store is created over empty storage.
	InitialState State
	// Seed turns an initial document into its bootstrap edit. Defaults to automergeengine.Set.
	Seed   func(map[string]any) merge.Mutator
	Engine merge.Engine
	// Storage opens the adapter for a namespace. Defaults to in-memory storage.
	Storage func(namespace string) (storage.Adapter, error)
	// Identity persists client ids and known keys. Without it every store gets a fresh actor id.
	Identity *identity.FileStore

	Discovery discovery.Discovery
	Dial      transport.DialFunc
	// DialFor builds the dialer of each store from its discovery key and takes precedence over Dial.
	DialFor func(key string) transport.DialFunc
	Policy  connmgr.DialPolicy
	// InitialBackoff and MaxBackoff bound redial delays; zero uses the connmgr defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	SnapshotThreshold  int
	CompactionInterval time.Duration
	ConnOptions        func(*syncconn.Options)

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Manager creates and joins stores of one database.
type Manager struct {
	opts        Options
	logger      *slog.Logger
	connMetrics *syncconn.Metrics
}

func NewManager(opts Options) (*Manager, error) {
	if opts.DatabaseName == "" {
		return nil, errors.New("a database name is required")
	}
	if opts.Reducer == nil {
		return nil, errors.New("a reducer is required")
	}
	if opts.Engine == nil {
		opts.Engine = automergeengine.New()
	}
	if opts.Seed == nil {
		opts.Seed = automergeengine.Set
	}
	if opts.Storage == nil {
		opts.Storage = func(ns string) (storage.Adapter, error) {
			return memstore.New(ns), nil
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts:        opts,
		logger:      opts.Logger.With("component", "store", "db", opts.DatabaseName),
		connMetrics: syncconn.NewMetrics(opts.Registerer),
	}, nil
}

// CreateStore opens the store for key, writing the initial state when its storage is empty.
func (m *Manager) CreateStore(ctx context.Context, key string) (*Store, error) {
	return m.open(ctx, key, true)
}

// JoinStore opens the store for key and waits for peers to fill it.
func (m *Manager) JoinStore(ctx context.Context, key string) (*Store, error) {
	return m.open(ctx, key, false)
}

// KnownDiscoveryKeys lists the keys created or joined before. It is empty without an identity store.
func (m *Manager) KnownDiscoveryKeys() ([]string, error) {
	if m.opts.Identity == nil {
		return nil, nil
	}
	return m.opts.Identity.KnownKeys()
}

func (m *Manager) actorID() (string, error) {
	if m.opts.Identity == nil {
		return identity.NewActorID(), nil
	}
	return m.opts.Identity.ClientID(m.opts.DatabaseName)
}

func (m *Manager) open(ctx context.Context, key string, creating bool) (*Store, error) {
	if key == "" {
		return nil, errors.New("a discovery key is required")
	}
	actor, err := m.actorID()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get client id")
	}
	ns := storage.Key(m.opts.DatabaseName, key)
	adapter, err := m.opts.Storage(ns)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create storage %s", ns)
	}
	bus := events.NewBus()
	r, err := repo.Open(ctx, repo.Options{
		Adapter:            adapter,
		Engine:             m.opts.Engine,
		ActorID:            actor,
		Bus:                bus,
		Logger:             m.opts.Logger,
		Registerer:         m.opts.Registerer,
		SnapshotThreshold:  m.opts.SnapshotThreshold,
		CompactionInterval: m.opts.CompactionInterval,
	})
	if err != nil {
		return nil, err
	}
	s := &Store{key: key, repo: r, bus: bus, reducer: m.opts.Reducer, logger: m.logger.With("key", key)}
	if creating {
		if err := s.seed(ctx, m.opts.InitialState, m.opts.Seed); err != nil {
			_ = r.Close(ctx)
			return nil, err
		}
	}
	if m.opts.Identity != nil {
		if err := m.opts.Identity.RememberKey(key); err != nil {
			m.logger.Warn("failed to remember discovery key", "err", err)
		}
	}

	dial := m.opts.Dial
	if m.opts.DialFor != nil {
		dial = m.opts.DialFor(key)
	}
	s.conns = connmgr.New(connmgr.Options{
		LocalID:        actor,
		Name:           ns,
		Repo:           r,
		Discovery:      m.opts.Discovery,
		Dial:           dial,
		Policy:         m.opts.Policy,
		InitialBackoff: m.opts.InitialBackoff,
		MaxBackoff:     m.opts.MaxBackoff,
		Logger:         m.opts.Logger,
		Registerer:     m.opts.Registerer,
		ConnMetrics:    m.connMetrics,
		ConnOptions:    m.opts.ConnOptions,
	})
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if err := s.conns.Start(runCtx, key); err != nil {
		cancel()
		_ = s.conns.Close()
		_ = r.Close(ctx)
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.Run(runCtx)
	}()
	s.logger.Info("opened store", "actor", actor, "created", creating)
	return s, nil
}

type Store struct {
	key     string
	repo    *repo.Repository
	conns   *connmgr.Manager
	bus     *events.Bus
	reducer Reducer
	logger  *slog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func (s *Store) seed(ctx context.Context, initial State, seed func(map[string]any) merge.Mutator) error {
	has, err := s.repo.HasData(ctx)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	ids := make([]string, 0, len(initial))
	for id := range initial {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if _, err := s.repo.LoadOrCreate(ctx, id, seed(initial[id])); err != nil {
			return errors.Wrapf(err, "failed to seed %s", id)
		}
	}
	return nil
}

func (s *Store) Key() string {
	return s.key
}

func (s *Store) Repo() *repo.Repository {
	return s.repo
}

func (s *Store) Connections() *connmgr.Manager {
	return s.conns
}

func (s *Store) ConnectionCount() int {
	return s.conns.ConnectionCount()
}

// Subscribe registers fn for store events; see events.Bus.Subscribe.
func (s *Store) Subscribe(fn events.Handler, kinds ...events.Kind) func() {
	return s.bus.Subscribe(fn, kinds...)
}

// Dispatch reduces action against the current state and applies the resulting edits in document id order. It stops
// at the first failing edit; edits already applied stay.
func (s *Store) Dispatch(ctx context.Context, action Action) error {
	state, err := s.State(ctx)
	if err != nil {
		return err
	}
	changes, err := s.reducer(state, action)
	if err != nil {
		return errors.Wrapf(err, "failed to reduce %s", action.Type)
	}
	ids := make([]string, 0, len(changes))
	for id := range changes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if fn := changes[id]; fn == nil {
			_, err = s.repo.Delete(ctx, id)
		} else {
			_, err = s.repo.Mutate(ctx, id, fn)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to apply %s to %s", action.Type, id)
		}
	}
	return nil
}

// State materializes every live document. Deleted documents are left out, and so are documents that cannot be
// loaded; those are reported through error events.
func (s *Store) State(ctx context.Context) (State, error) {
	ids, err := s.repo.Documents(ctx)
	if err != nil {
		return nil, err
	}
	out := make(State, len(ids))
	for _, id := range ids {
		doc, ok, err := s.Document(ctx, id)
		if err != nil {
			if errors.Is(err, repo.ErrStorageCorrupt) {
				s.logger.Warn("skipping unreadable document", "doc", id, "err", err)
				continue
			}
			return nil, err
		}
		if ok {
			out[id] = doc
		}
	}
	return out, nil
}

// Document materializes one document. ok is false for deleted documents.
func (s *Store) Document(ctx context.Context, id string) (doc map[string]any, ok bool, err error) {
	deleted, err := s.repo.Deleted(ctx, id)
	if err != nil || deleted {
		return nil, false, err
	}
	doc, err = s.repo.Materialize(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Close disconnects from every peer and closes the storage.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		err := s.conns.Close()
		s.cancel()
		s.wg.Wait()
		s.closeErr = errors.CombineErrors(err, s.repo.Close(ctx))
		s.logger.Info("closed store")
	})
	return s.closeErr
}
