package idempotency

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

const DefaultTTL = 24 * time.Hour

type State int

const (
	// StateNew means the key was free and is now reserved for the caller.
	StateNew State = iota
	// StatePending means another request holds the key.
	StatePending
	// StateCompleted means a stored response can be replayed.
	StateCompleted
	// StateMismatch means the key was used for a different request.
	StateMismatch
)

var ErrNotReserved = errors.New("idempotency: key is not reserved by this request")

// Record is what a store keeps per key.
type Record struct {
	Fingerprint string      `json:"fingerprint"`
	Completed   bool        `json:"completed"`
	Status      int         `json:"status,omitempty"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body,omitempty"`
}

type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (State, Record, error)
	Complete(ctx context.Context, key string, record Record, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (State, Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.entries[key]; ok && entry.expiresAt.After(now) {
		return classify(entry.record, fingerprint), entry.record, nil
	}

	s.entries[key] = memoryEntry{
		record:    Record{Fingerprint: fingerprint},
		expiresAt: now.Add(ttl),
	}
	return StateNew, Record{}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, record Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.record.Fingerprint != record.Fingerprint {
		return ErrNotReserved
	}
	record.Completed = true
	s.entries[key] = memoryEntry{record: record, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func classify(existing Record, fingerprint string) State {
	switch {
	case existing.Fingerprint != fingerprint:
		return StateMismatch
	case existing.Completed:
		return StateCompleted
	default:
		return StatePending
	}
}
