package wallet

import (
	"fmt"
	"sort"
	"time"
)

// Wallet is the per-client aggregate root. It owns the client's grants and
// keeps the cached totals in lock-step with them. Callers mutate it only
// through its methods; stores hydrate it with Restore and read it back with
// State and Grants.
type Wallet struct {
	state  State
	grants []Grant

	// Grants touched since load, persisted by SaveWallet.
	dirty map[string]struct{}
}

// New returns an empty wallet for a freshly created client.
func New(tenantID, clientID string, now time.Time) *Wallet {
	now = now.UTC()
	return &Wallet{
		state: State{
			TenantID:  tenantID,
			ClientID:  clientID,
			CreatedAt: now,
			UpdatedAt: now,
		},
		dirty: map[string]struct{}{},
	}
}

// Restore rebuilds a wallet from persisted state. Grants are kept in FIFO
// (oldest first) order; equal timestamps keep their load order.
func Restore(s State, grants []Grant) *Wallet {
	gs := make([]Grant, len(grants))
	copy(gs, grants)
	sort.SliceStable(gs, func(i, j int) bool { return gs[i].CreatedAt.Before(gs[j].CreatedAt) })
	return &Wallet{state: s, grants: gs, dirty: map[string]struct{}{}}
}

func (w *Wallet) TenantID() string { return w.state.TenantID }
func (w *Wallet) ClientID() string { return w.state.ClientID }
func (w *Wallet) Balance() int64   { return w.state.Balance }
func (w *Wallet) Version() int64   { return w.state.Version }

// State returns a copy of the cached totals.
func (w *Wallet) State() State {
	s := w.state
	if s.LastSettledAt != nil {
		t := *s.LastSettledAt
		s.LastSettledAt = &t
	}
	return s
}

// Grants returns a copy of every grant, including spent and expired ones.
func (w *Wallet) Grants() []Grant {
	out := make([]Grant, len(w.grants))
	copy(out, w.grants)
	return out
}

func (w *Wallet) Snapshot() Snapshot {
	s := Snapshot{State: w.State(), Grants: w.Grants()}
	if s.ServiceCount > 0 {
		s.AverageSpend = s.TotalSpent / s.ServiceCount
	}
	return s
}

// ApplyConsumption moves n from the spendable balance to lifetime usage.
func (w *Wallet) ApplyConsumption(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: consumption %d", ErrInvalidAmount, n)
	}
	if n > w.state.Balance {
		return fmt.Errorf("%w: consumption %d exceeds balance %d", ErrInsufficientBalance, n, w.state.Balance)
	}
	w.state.Balance -= n
	w.state.TotalUsed += n
	return nil
}

// ApplyGrant adds newly issued credit to the balance.
func (w *Wallet) ApplyGrant(n int64) error {
	if n <= 0 {
		return fmt.Errorf("%w: grant %d", ErrInvalidAmount, n)
	}
	w.state.Balance += n
	w.state.TotalGranted += n
	return nil
}

// RecordSpend adds the amount actually paid for a service.
func (w *Wallet) RecordSpend(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: spend %d", ErrInvalidAmount, n)
	}
	w.state.TotalSpent += n
	return nil
}

// RecordVisit counts a settled service for client statistics.
func (w *Wallet) RecordVisit(at time.Time) {
	at = at.UTC()
	w.state.ServiceCount++
	w.state.LastSettledAt = &at
}

// ApplyExpiry removes forfeited credit from the balance.
func (w *Wallet) ApplyExpiry(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: expiry %d", ErrInvalidAmount, n)
	}
	if n > w.state.Balance {
		return fmt.Errorf("%w: expiry %d exceeds balance %d", ErrInsufficientBalance, n, w.state.Balance)
	}
	w.state.Balance -= n
	w.state.TotalExpired += n
	return nil
}

// SumRemaining is the credit actually backed by grants.
func (w *Wallet) SumRemaining() int64 {
	var sum int64
	for _, g := range w.grants {
		sum += g.Remaining
	}
	return sum
}

// Consistent reports whether the cached balance matches the grants.
func (w *Wallet) Consistent() bool {
	return w.state.Balance == w.SumRemaining()
}

func (w *Wallet) touch(now time.Time) {
	w.state.UpdatedAt = now.UTC()
}

func (w *Wallet) dirtyGrants() []Grant {
	out := make([]Grant, 0, len(w.dirty))
	for _, g := range w.grants {
		if _, ok := w.dirty[g.ID]; ok {
			out = append(out, g)
		}
	}
	return out
}

// markSaved records a successful save: the version moves forward and the
// grant change set starts over.
func (w *Wallet) markSaved() {
	w.state.Version++
	w.dirty = map[string]struct{}{}
}

func (w *Wallet) clone() *Wallet {
	c := Restore(w.State(), w.grants)
	for id := range w.dirty {
		c.dirty[id] = struct{}{}
	}
	return c
}
