// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/secnews/internal/triage"
)

// Store holds the processed state in memory. Suitable for dev/testing.
type Store struct {
	mu    sync.RWMutex
	state *triage.State
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{state: triage.NewState()}
}

// Load returns a copy of the stored state.
func (s *Store) Load(_ context.Context) (*triage.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone(), nil
}

// Save stores a copy of st. If another writer saved since st was loaded,
// the stored records are merged into st first.
func (s *Store) Save(_ context.Context, st *triage.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Revision != st.Revision {
		st.Merge(s.state)
	}
	st.Revision = s.state.Revision + 1
	s.state = st.Clone()
	return nil
}
