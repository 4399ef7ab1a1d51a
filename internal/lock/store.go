package lock

import (
	"context"
	"sync"
	"time"
)

// Store is the backing key-value store for distributed locks.
// Every mutating operation must be a single atomic action against the
// store; implementations must never split a compare and its write into
// separate calls.
type Store interface {
	// AcquireIfAbsent sets key to token with the given TTL only if the key
	// is currently unheld (absent or expired). Returns true when the token
	// now owns the key.
	AcquireIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes the key only if it is currently held by
	// token. Returns true when the key was actually removed.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)

	// CompareAndExtend resets the key's TTL only if it is currently held by
	// token. Returns true when the lease was extended.
	CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Holder returns the token currently holding the key, or the empty
	// string when the key is unheld or its lease has expired.
	Holder(ctx context.Context, key string) (string, error)
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is a process-local Store with lease expiry. It is used in
// tests and single-node setups; production deployments use the MongoDB
// store in internal/database.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
	}
}

// AcquireIfAbsent implements Store.
func (s *MemoryStore) AcquireIfAbsent(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if entry, ok := s.entries[key]; ok && entry.expiresAt.After(now) {
		return false, nil
	}

	s.entries[key] = memoryEntry{
		token:     token,
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

// CompareAndDelete implements Store.
func (s *MemoryStore) CompareAndDelete(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.token != token || !entry.expiresAt.After(time.Now()) {
		return false, nil
	}

	delete(s.entries, key)
	return true, nil
}

// CompareAndExtend implements Store.
func (s *MemoryStore) CompareAndExtend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.token != token || !entry.expiresAt.After(time.Now()) {
		return false, nil
	}

	entry.expiresAt = time.Now().Add(ttl)
	s.entries[key] = entry
	return true, nil
}

// Holder implements Store.
func (s *MemoryStore) Holder(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || !entry.expiresAt.After(time.Now()) {
		return "", nil
	}
	return entry.token, nil
}

// ExpireNow forcibly expires the lease on key. Test helper for simulating
// a lease lost to clock expiry.
func (s *MemoryStore) ExpireNow(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		entry.expiresAt = time.Now().Add(-time.Millisecond)
		s.entries[key] = entry
	}
}
