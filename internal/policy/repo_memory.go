package policy

import (
	"context"
	"sync"
	"time"
)

type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]Policy
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: map[string]Policy{}}
}

func (r *MemoryRepo) Get(_ context.Context, tenantID string) (Policy, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[tenantID]
	return p, ok, nil
}

func (r *MemoryRepo) Put(_ context.Context, tenantID string, p Policy, _ string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[tenantID] = p
	return nil
}
