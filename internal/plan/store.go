package plan

import (
	"context"
	"sync"
)

// Store persists one plan per user.
type Store interface {
	PushPlan(ctx context.Context, userID string, p *Plan) error
	GetPlan(ctx context.Context, userID string) (*Plan, error)
}

// MemoryStore keeps plans in process memory. Used when no plan service is
// configured.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]Plan)}
}

// PushPlan replaces the user's plan.
func (s *MemoryStore) PushPlan(ctx context.Context, userID string, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[userID] = clone(p)
	return nil
}

// GetPlan returns a copy of the user's plan.
func (s *MemoryStore) GetPlan(ctx context.Context, userID string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := clone(&p)
	return &c, nil
}

func clone(p *Plan) Plan {
	c := *p
	c.Exercises = append([]Exercise(nil), p.Exercises...)
	return c
}
