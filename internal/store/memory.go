package store

import (
	"context"
	"sync"
	"time"

	"github.com/quotaguard/quotamux/internal/models"
)

// MemoryStore provides an in-memory account store.
// It is thread-safe and used by tests and ephemeral deployments.
type MemoryStore struct {
	mu    sync.Mutex
	state *models.ConnectorState
	now   func() time.Time
}

// NewMemoryStore creates a new in-memory store holding a fresh state.
func NewMemoryStore(defaults Defaults) *MemoryStore {
	return &MemoryStore{
		state: defaults.newState(time.Now().UTC()),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NewMemoryStoreWithState creates a store seeded with a copy of state.
func NewMemoryStoreWithState(state *models.ConnectorState) *MemoryStore {
	return &MemoryStore{
		state: state.Clone(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Read returns a snapshot of the current state.
func (s *MemoryStore) Read(ctx context.Context) (*models.ConnectorState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), nil
}

// Update applies mutate under the store lock.
func (s *MemoryStore) Update(ctx context.Context, mutate Mutator) (*models.ConnectorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	next, err := apply(s.state, mutate, s.now())
	if err != nil {
		return nil, err
	}
	s.state = next
	return next.Clone(), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
