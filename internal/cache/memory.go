package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps reports in process memory. It is unbounded and never
// expires entries unless configured otherwise.
type MemoryStore struct {
	// mu makes the capacity check and Add atomic and Clear's count exact.
	mu         sync.Mutex
	items      *gocache.Cache
	maxEntries int
}

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	TTL        time.Duration // 0 = entries never expire
	MaxEntries int           // 0 = unbounded
}

// NewMemoryStore creates an in-process store.
// With a TTL, expired entries are swept every TTL interval.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	expiration := gocache.NoExpiration
	cleanup := time.Duration(0)
	if cfg.TTL > 0 {
		expiration = cfg.TTL
		cleanup = cfg.TTL
	}

	return &MemoryStore{
		items:      gocache.New(expiration, cleanup),
		maxEntries: cfg.MaxEntries,
	}
}

// Get retrieves a report from memory.
func (s *MemoryStore) Get(_ context.Context, fp Fingerprint) (string, bool, error) {
	v, ok := s.items.Get(string(fp))
	if !ok {
		return "", false, nil
	}
	text, ok := v.(string)
	return text, ok, nil
}

// Add inserts text unless fp is already present.
func (s *MemoryStore) Add(_ context.Context, fp Fingerprint, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.items.Get(string(fp)); ok {
		if existing, ok := v.(string); ok {
			return existing, nil
		}
	}

	if s.maxEntries > 0 && s.items.ItemCount() >= s.maxEntries {
		s.items.DeleteExpired()
		if s.items.ItemCount() >= s.maxEntries {
			return text, ErrFull
		}
	}

	if err := s.items.Add(string(fp), text, gocache.DefaultExpiration); err != nil {
		// Only an unexpired duplicate makes Add fail, and mu rules that out.
		return text, err
	}
	return text, nil
}

// Clear removes all items and returns how many there were.
func (s *MemoryStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.items.Items())
	s.items.Flush()
	return n, nil
}

// Len returns the number of unexpired items.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	return len(s.items.Items()), nil
}

// Close is a no-op; the janitor goroutine is released with the store.
func (s *MemoryStore) Close() error { return nil }
