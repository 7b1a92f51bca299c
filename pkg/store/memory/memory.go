// Package memory is an in-process store.ModelStore.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hed1ad/tokenwise/pkg/store"
)

// Store is an in-memory implementation of store.ModelStore.
type Store struct {
	mu         sync.RWMutex
	states     map[string]store.EntityState
	watermarks map[string]time.Time
	saves      map[string]int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		states:     make(map[string]store.EntityState),
		watermarks: make(map[string]time.Time),
		saves:      make(map[string]int),
	}
}

// Exists reports whether a trained pair is stored.
func (s *Store) Exists(_ context.Context, entityID string) (bool, error) {
	if err := store.ValidateEntityID(entityID); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.states[entityID]
	return ok, nil
}

// Load returns a copy of the stored pair.
func (s *Store) Load(_ context.Context, entityID string) (*store.EntityState, error) {
	if err := store.ValidateEntityID(entityID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[entityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	st.EntityID = entityID
	st.Model = append([]byte(nil), st.Model...)
	return &st, nil
}

// Save stores a copy of the pair.
func (s *Store) Save(_ context.Context, entityID string, state *store.EntityState) error {
	if err := store.ValidateState(entityID, state); err != nil {
		return err
	}

	cp := *state
	cp.Model = append([]byte(nil), state.Model...)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[entityID] = cp
	s.saves[entityID]++
	return nil
}

// LoadWatermark returns the stored watermark.
func (s *Store) LoadWatermark(_ context.Context, entityID string) (time.Time, bool, error) {
	if err := store.ValidateEntityID(entityID); err != nil {
		return time.Time{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	wm, ok := s.watermarks[entityID]
	return wm, ok, nil
}

// SaveWatermark stores the watermark.
func (s *Store) SaveWatermark(_ context.Context, entityID string, watermark time.Time) error {
	if err := store.ValidateEntityID(entityID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.watermarks[entityID] = watermark
	return nil
}

// SaveCount returns how many times Save was called for entityID.
func (s *Store) SaveCount(entityID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves[entityID]
}
