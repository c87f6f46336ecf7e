package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/meigma/archivefs/protocol"
)

// Store loads and saves state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
}

// FileStore keeps state in a single CBOR file. Saves are atomic: the new
// state is written to a temporary file and renamed over the old one.
type FileStore struct {
	path string
	perm os.FileMode
	mu   sync.Mutex
}

// NewFileStore returns a store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, perm: 0o600}
}

// Path returns the state file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields an empty state.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewState(), nil
	}
	if err != nil {
		return State{}, err
	}
	var st State
	if err := protocol.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode state %s: %w", s.path, err)
	}
	if st.Mounts == nil {
		st.Mounts = make(map[string]MountState)
	}
	return st, nil
}

// Save writes st atomically.
func (s *FileStore) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.Version = StateVersion
	data, err := protocol.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, s.perm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// MemoryStore keeps an encoded copy of the state in memory.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load decodes the saved state, or returns an empty state.
func (s *MemoryStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return NewState(), nil
	}
	var st State
	if err := protocol.Unmarshal(s.data, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

// Save encodes st.
func (s *MemoryStore) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.Version = StateVersion
	data, err := protocol.Marshal(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}
