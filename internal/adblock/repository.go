package adblock

import (
	"sort"
	"sync"
)

// Repository is the concurrency-safe stream session registry. It holds at
// most one session per channel.
type Repository interface {
	// GetOrCreate returns the session for channel, creating it if needed.
	// created reports whether a new session was registered.
	GetOrCreate(channel string) (s *Session, created bool)

	// Get returns the session for channel.
	Get(channel string) (*Session, bool)

	// Remove deletes the session for channel. Removing an unknown channel is
	// a no-op and returns false.
	Remove(channel string) bool

	// Channels returns the registered channels in sorted order.
	Channels() []string

	// ActiveSessionCount returns the number of registered sessions.
	// Used for metrics.
	ActiveSessionCount() int
}

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// It uses a Store for storage; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// GetOrCreate implements Repository.GetOrCreate.
func (r *InMemoryRepository) GetOrCreate(channel string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.store.GetSession(channel)
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateSessionLocked(channel)
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(channel string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetSession(channel)
}

// Remove implements Repository.Remove.
func (r *InMemoryRepository) Remove(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.DeleteSession(channel)
}

// Channels implements Repository.Channels.
func (r *InMemoryRepository) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := r.store.ListChannels()
	sort.Strings(channels)
	return channels
}

// ActiveSessionCount implements Repository.ActiveSessionCount.
func (r *InMemoryRepository) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListChannels())
}

// getOrCreateSessionLocked returns an existing session or registers a new one.
// Caller must hold r.mu in write mode.
func (r *InMemoryRepository) getOrCreateSessionLocked(channel string) (*Session, bool) {
	if s, ok := r.store.GetSession(channel); ok {
		return s, false
	}

	s := NewSession(channel)
	r.store.SetSession(s)
	return s, true
}
