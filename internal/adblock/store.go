package adblock

// Store is the storage abstraction for stream sessions.
// The Repository uses Store for all reads and writes and owns the locking;
// Store implementations need not be safe for concurrent use.
type Store interface {
	GetSession(channel string) (*Session, bool)
	SetSession(s *Session)
	DeleteSession(channel string) bool
	ListChannels() []string
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	sessions map[string]*Session
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
	}
}

// GetSession implements Store.GetSession.
func (s *InMemoryStore) GetSession(channel string) (*Session, bool) {
	sess, ok := s.sessions[channel]
	return sess, ok
}

// SetSession implements Store.SetSession.
func (s *InMemoryStore) SetSession(sess *Session) {
	s.sessions[sess.Channel] = sess
}

// DeleteSession implements Store.DeleteSession.
func (s *InMemoryStore) DeleteSession(channel string) bool {
	if _, ok := s.sessions[channel]; !ok {
		return false
	}
	delete(s.sessions, channel)
	return true
}

// ListChannels implements Store.ListChannels.
func (s *InMemoryStore) ListChannels() []string {
	channels := make([]string, 0, len(s.sessions))
	for ch := range s.sessions {
		channels = append(channels, ch)
	}
	return channels
}
