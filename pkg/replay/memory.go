package replay

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	firstSeen time.Time
	expiresAt time.Time
}

// MemoryStore is a process-local Store. Entries expire lazily on read and
// are swept periodically by a janitor goroutine.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

// NewMemoryStore starts a store that sweeps expired keys every interval.
func NewMemoryStore(interval time.Duration) *MemoryStore {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s := &MemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
		ticker:  time.NewTicker(interval),
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	return ok && s.now().Before(e.expiresAt), nil
}

func (s *MemoryStore) Reserve(_ context.Context, key string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = entry{firstSeen: now, expiresAt: until}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, e := range s.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) janitor() {
	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// Close stops the janitor. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.stop)
	})
	return nil
}
