package identity

import (
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/baiyu-yu/aidice/internal/conversation"
)

// keyPrefix namespaces identity records in the blob store.
const keyPrefix = "AI_"

// Storage is the blob-store surface the manager persists through.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
}

// Manager hands out identities, caching a bounded number of live records
// and loading the rest from storage on demand. Eviction is safe because
// every mutation path saves explicitly.
type Manager struct {
	store  Storage
	logger *slog.Logger
	cache  *lru.Cache[string, *Identity]
	mu     sync.Mutex
}

// NewManager builds a manager with a cache of at most cacheSize live
// identities.
func NewManager(store Storage, cacheSize int, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheSize <= 0 {
		cacheSize = 64
	}
	cache, err := lru.New[string, *Identity](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("identity cache: %w", err)
	}
	return &Manager{store: store, logger: logger, cache: cache}, nil
}

// Get returns the identity for id, creating it lazily. Storage failures
// and malformed blobs degrade to a fresh default; the caller always gets
// a usable identity.
func (m *Manager) Get(id string) *Identity {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ident, ok := m.cache.Get(id); ok {
		return ident
	}

	blob, found, err := m.store.Get(keyPrefix + id)
	if err != nil {
		m.logger.Error("load identity", "identity", id, "error", err)
	}
	var ident *Identity
	if found {
		ident = fromStored(id, blob, m.logger)
	} else {
		ident = newIdentity(id, m.logger)
	}
	m.cache.Add(id, ident)
	return ident
}

// Save persists the identity's full record.
func (m *Manager) Save(ident *Identity) error {
	blob, err := ident.toStored()
	if err != nil {
		return fmt.Errorf("encode identity %s: %w", ident.ID, err)
	}
	if err := m.store.Set(keyPrefix+ident.ID, blob); err != nil {
		return fmt.Errorf("save identity %s: %w", ident.ID, err)
	}
	return nil
}

// Flush persists every cached identity. Called on shutdown.
func (m *Manager) Flush() {
	m.mu.Lock()
	keys := m.cache.Keys()
	m.mu.Unlock()

	for _, id := range keys {
		if ident, ok := m.cache.Peek(id); ok {
			if err := m.Save(ident); err != nil {
				m.logger.Error("flush identity", "identity", id, "error", err)
			}
		}
	}
}

// RememberedGroups returns the groups named in the given identity's
// long-term memory. Wired into group resolution as the memory callback.
func (m *Manager) RememberedGroups(userKey string) []conversation.RememberedGroup {
	return m.Get(userKey).Memory.RememberedGroups()
}
