// Package memory provides an in-memory storage backend. It backs the
// `memory` storage type and the engine's tests; nothing survives a restart.
package memory

import (
	"context"
	"sync"

	"github.com/tabtime/tabtime/internal/storage"
)

// Store implements the storage.Store interface in process memory.
type Store struct {
	state *stateStore
}

// Open creates a new in-memory store.
func Open() *Store {
	return &Store{state: &stateStore{}}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// State returns the state store.
func (s *Store) State() storage.StateStore { return s.state }

type stateStore struct {
	mu       sync.RWMutex
	limits   *storage.LimitState
	sessions map[int]storage.TrackingSession
}

func (s *stateStore) GetLimits(ctx context.Context) (*storage.LimitState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.limits == nil {
		return nil, storage.ErrNotFound
	}
	return s.limits.Clone(), nil
}

func (s *stateStore) PutLimits(ctx context.Context, state *storage.LimitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = state.Clone()
	return nil
}

func (s *stateStore) GetSessions(ctx context.Context) (map[int]storage.TrackingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]storage.TrackingSession, len(s.sessions))
	for id, session := range s.sessions {
		out[id] = session
	}
	return out, nil
}

func (s *stateStore) PutSessions(ctx context.Context, sessions map[int]storage.TrackingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[int]storage.TrackingSession, len(sessions))
	for id, session := range sessions {
		s.sessions[id] = session
	}
	return nil
}
