package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/eventpipe/contracts"
)

type memoryEntry struct {
	processedAt time.Time
	expiresAt   *time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return e.expiresAt != nil && !now.Before(*e.expiresAt)
}

// MemoryStore is a process-local Store. Records do not survive a restart
// and are not shared between consumer instances.
type MemoryStore struct {
	entries map[string]memoryEntry
	mu      sync.Mutex
	now     func() time.Time
}

// MemoryStoreOption configures a MemoryStore
type MemoryStoreOption func(*MemoryStore)

// WithClock overrides the time source, used in tests
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) TryMarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.entries[eventID]; ok && !entry.expired(now) {
		return false, nil
	}

	s.entries[eventID] = memoryEntry{
		processedAt: now,
		expiresAt:   expiry(now, ttl),
	}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, eventID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, eventID string) (*contracts.ProcessedEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[eventID]
	if !ok || entry.expired(s.now()) {
		return nil, ErrNotFound
	}
	return &contracts.ProcessedEventRecord{
		EventID:     eventID,
		ProcessedAt: entry.processedAt,
	}, nil
}

// PurgeExpired removes expired records and returns how many were dropped
func (s *MemoryStore) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purged := 0
	for id, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, id)
			purged++
		}
	}
	return purged
}

// Len returns the number of live records
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, entry := range s.entries {
		if !entry.expired(now) {
			n++
		}
	}
	return n
}
