package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned for reads of sessions that do not exist or have
// expired.
var ErrNotFound = errors.New("session not found")

// Store persists sessions. Update runs the mutation against the current
// state atomically with respect to other updates of the same session,
// creating the session on first touch. Get returns a snapshot.
type Store interface {
	Update(ctx context.Context, id string, fn func(*Session) error) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore is the default in-process store. A janitor goroutine evicts
// sessions idle past the TTL.
type MemoryStore struct {
	limits Limits
	ttl    time.Duration

	mu       sync.Mutex
	sessions map[string]*memorySession
	stop     chan struct{}
	stopOnce sync.Once
}

type memorySession struct {
	mu   sync.Mutex
	data *Session
}

func NewMemoryStore(limits Limits, ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		limits:   limits,
		ttl:      ttl,
		sessions: make(map[string]*memorySession),
		stop:     make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	interval := s.ttl / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *MemoryStore) evictExpired() {
	cutoff := time.Now().UTC().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.sessions {
		entry.mu.Lock()
		expired := entry.data.UpdatedAt.Before(cutoff)
		entry.mu.Unlock()
		if expired {
			delete(s.sessions, id)
			slog.Debug("Evicted expired session", "session_id", id)
		}
	}
}

func (s *MemoryStore) entry(id string, create bool) (*memorySession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok && create {
		entry = &memorySession{data: New(id, s.limits)}
		s.sessions[id] = entry
		ok = true
	}
	return entry, ok
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry, _ := s.entry(id, true)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.data)
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := s.entry(id, false)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return snapshot(entry.data, s.limits), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions), nil
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func snapshot(src *Session, limits Limits) *Session {
	dup := &Session{
		ID:        src.ID,
		CreatedAt: src.CreatedAt,
		UpdatedAt: src.UpdatedAt,
		Entries:   make([]Entry, len(src.Entries)),
		Sources:   make([]string, len(src.Sources)),
		limits:    limits,
	}
	copy(dup.Entries, src.Entries)
	copy(dup.Sources, src.Sources)
	return dup
}
