// Package identity produces actor ids and remembers per database client ids and the discovery keys a user has
// joined. Nothing here is global: callers construct what they need and pass it down.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
)

// ActorIDFunc generates a new actor id. Actor ids are lower case hex so that any merge engine can use them verbatim.
type ActorIDFunc func() string

// NewActorID returns the 16 bytes of a fresh ULID as hex. The ULID time prefix keeps ids roughly sortable by age.
func NewActorID() string {
	return hex.EncodeToString(ulid.Make().Bytes())
}

type state struct {
	ClientIDs map[string]string `json:"clientIds"`
	Keys      []string          `json:"knownDiscoveryKeys"`
}

// FileStore persists client ids and known discovery keys as a json file.
type FileStore struct {
	path    string
	newID   ActorIDFunc
	mu      sync.Mutex
	current *state
}

// NewFileStore uses path for persistence. A nil newID uses NewActorID.
func NewFileStore(path string, newID ActorIDFunc) *FileStore {
	if newID == nil {
		newID = NewActorID
	}
	return &FileStore{path: path, newID: newID}
}

func (f *FileStore) load() (*state, error) {
	if f.current != nil {
		return f.current, nil
	}
	s := &state{ClientIDs: map[string]string{}}
	raw, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(err, "failed to read %s", f.path)
	} else if err == nil {
		if err := json.Unmarshal(raw, s); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s", f.path)
		}
		if s.ClientIDs == nil {
			s.ClientIDs = map[string]string{}
		}
	}
	f.current = s
	return s, nil
}

func (f *FileStore) save(s *state) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode identity")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create identity dir")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	return errors.Wrap(os.Rename(tmp, f.path), "failed to replace identity file")
}

// ClientID returns the id for databaseName, creating and persisting one on first use.
func (f *FileStore) ClientID(databaseName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.load()
	if err != nil {
		return "", err
	}
	if id, ok := s.ClientIDs[databaseName]; ok {
		return id, nil
	}
	id := f.newID()
	s.ClientIDs[databaseName] = id
	if err := f.save(s); err != nil {
		delete(s.ClientIDs, databaseName)
		return "", err
	}
	return id, nil
}

// RememberKey records a discovery key the user has created or joined.
func (f *FileStore) RememberKey(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.load()
	if err != nil {
		return err
	}
	if slices.Contains(s.Keys, key) {
		return nil
	}
	s.Keys = append(s.Keys, key)
	if err := f.save(s); err != nil {
		s.Keys = s.Keys[:len(s.Keys)-1]
		return err
	}
	return nil
}

func (f *FileStore) KnownKeys() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.load()
	if err != nil {
		return nil, err
	}
	return slices.Clone(s.Keys), nil
}
