package keyregistry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnauthorized = errors.New("caller is not the registry authority")
	ErrInvalidKey   = errors.New("invalid key hash")
)

// Store holds the currently valid notary key hashes per provider.
type Store interface {
	Add(ctx context.Context, provider string, hash common.Hash) error
	Remove(ctx context.Context, provider string, hash common.Hash) error
	Contains(ctx context.Context, provider string, hash common.Hash) (bool, error)
	List(ctx context.Context, provider string) ([]common.Hash, error)
}

// Registry gates mutations of the key-hash set behind a single authority.
type Registry struct {
	store     Store
	authority common.Address
	log       *logrus.Logger
}

func New(store Store, authority common.Address, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{store: store, authority: authority, log: log}
}

func (r *Registry) AddKeyHash(ctx context.Context, caller common.Address, provider string, hash common.Hash) error {
	if caller != r.authority {
		return ErrUnauthorized
	}
	provider = normalize(provider)
	if provider == "" || hash == (common.Hash{}) {
		return ErrInvalidKey
	}
	if err := r.store.Add(ctx, provider, hash); err != nil {
		return fmt.Errorf("add key hash: %w", err)
	}
	r.log.WithFields(logrus.Fields{"provider": provider, "key_hash": hash.Hex()}).Info("notary key hash added")
	return nil
}

func (r *Registry) RemoveKeyHash(ctx context.Context, caller common.Address, provider string, hash common.Hash) error {
	if caller != r.authority {
		return ErrUnauthorized
	}
	provider = normalize(provider)
	if err := r.store.Remove(ctx, provider, hash); err != nil {
		return fmt.Errorf("remove key hash: %w", err)
	}
	r.log.WithFields(logrus.Fields{"provider": provider, "key_hash": hash.Hex()}).Info("notary key hash removed")
	return nil
}

// IsValidKeyHash reports whether hash is currently accepted for provider.
// Store errors are treated as "not valid" so a flaky backend never admits a proof.
func (r *Registry) IsValidKeyHash(ctx context.Context, provider string, hash common.Hash) bool {
	ok, err := r.store.Contains(ctx, normalize(provider), hash)
	if err != nil {
		r.log.WithError(err).WithField("provider", provider).Error("key hash lookup failed")
		return false
	}
	return ok
}

func (r *Registry) KeyHashes(ctx context.Context, provider string) ([]common.Hash, error) {
	return r.store.List(ctx, normalize(provider))
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]map[common.Hash]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]map[common.Hash]struct{})}
}

func (m *MemoryStore) Add(_ context.Context, provider string, hash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.keys[provider]
	if !ok {
		set = make(map[common.Hash]struct{})
		m.keys[provider] = set
	}
	set[hash] = struct{}{}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, provider string, hash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys[provider], hash)
	return nil
}

func (m *MemoryStore) Contains(_ context.Context, provider string, hash common.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[provider][hash]
	return ok, nil
}

func (m *MemoryStore) List(_ context.Context, provider string) ([]common.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]common.Hash, 0, len(m.keys[provider]))
	for h := range m.keys[provider] {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Big().Cmp(out[j].Big()) < 0 })
	return out, nil
}
