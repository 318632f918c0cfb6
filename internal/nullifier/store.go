package nullifier

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrAlreadyUsed is returned by Add when the token has been recorded before.
var ErrAlreadyUsed = errors.New("nullifier already used")

// Store is a persistent set of replay tokens.
type Store interface {
	Add(ctx context.Context, token common.Hash) error
	Contains(ctx context.Context, token common.Hash) (bool, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	used map[common.Hash]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{used: make(map[common.Hash]struct{})}
}

func (m *MemoryStore) Add(_ context.Context, token common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.used[token]; ok {
		return ErrAlreadyUsed
	}
	m.used[token] = struct{}{}
	return nil
}

func (m *MemoryStore) Contains(_ context.Context, token common.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.used[token]
	return ok, nil
}

// FileStore keeps the set in memory and rewrites a JSON file on every add.
// Fine for a single node; use Postgres or Redis when replicas share the set.
type FileStore struct {
	path string
	mu   sync.Mutex
	used map[common.Hash]struct{}
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		used: make(map[common.Hash]struct{}),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	var tokens []common.Hash
	if err := json.Unmarshal(blob, &tokens); err != nil {
		return err
	}
	for _, t := range tokens {
		f.used[t] = struct{}{}
	}
	return nil
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tokens := make([]common.Hash, 0, len(f.used))
	for t := range f.used {
		tokens = append(tokens, t)
	}
	blob, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Add(_ context.Context, token common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.used[token]; ok {
		return ErrAlreadyUsed
	}
	f.used[token] = struct{}{}
	if err := f.persist(); err != nil {
		delete(f.used, token)
		return err
	}
	return nil
}

func (f *FileStore) Contains(_ context.Context, token common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.used[token]
	return ok, nil
}
