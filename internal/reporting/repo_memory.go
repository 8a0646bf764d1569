package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"salon-loyalty/internal/wallet"
)

// MemoryRepo is a simple in-memory reporting repository for tests.
// It enforces tenant isolation on reads.
type MemoryRepo struct {
	mu      sync.Mutex
	Entries []wallet.LedgerEntry
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListLedgerRange(ctx context.Context, tenantID string, from, to time.Time) ([]wallet.LedgerEntry, error) {
	if tenantID == "" {
		return nil, errors.New("tenant_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wallet.LedgerEntry, 0)
	for _, e := range r.Entries {
		if e.TenantID != tenantID {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
