package wallet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SelectEligible returns the grants that can be drawn on at now, oldest
// first. Each call builds a fresh slice from current state.
func (w *Wallet) SelectEligible(now time.Time) []Grant {
	out := make([]Grant, 0, len(w.grants))
	for _, g := range w.grants {
		if g.Eligible(now) {
			out = append(out, g)
		}
	}
	return out
}

// Consume draws amount from one grant. It does not touch the cached totals;
// pair it with ApplyConsumption.
func (w *Wallet) Consume(grantID string, amount int64) error {
	i := w.indexOf(grantID)
	if i < 0 {
		return fmt.Errorf("%w: unknown grant %s", ErrInvalidConsumption, grantID)
	}
	g := &w.grants[i]
	if amount <= 0 || amount > g.Remaining {
		return fmt.Errorf("%w: grant %s has %d remaining, asked %d", ErrInvalidConsumption, g.ID, g.Remaining, amount)
	}
	g.Remaining -= amount
	g.Consumed += amount
	w.dirty[g.ID] = struct{}{}
	return nil
}

// IssueGrant appends a new grant with its full amount remaining. It does not
// touch the cached totals; pair it with ApplyGrant.
func (w *Wallet) IssueGrant(amount int64, source GrantSource, sourceRef string, createdAt time.Time, expiresAt *time.Time) (Grant, error) {
	if amount <= 0 {
		return Grant{}, fmt.Errorf("%w: grant %d", ErrInvalidAmount, amount)
	}
	switch source {
	case GrantSourceService, GrantSourceManual:
	default:
		return Grant{}, fmt.Errorf("%w: grant source %q", ErrInvalidArgument, source)
	}
	var exp *time.Time
	if expiresAt != nil {
		t := expiresAt.UTC()
		exp = &t
	}
	g := Grant{
		ID:        uuid.NewString(),
		Amount:    amount,
		Remaining: amount,
		Source:    source,
		SourceRef: sourceRef,
		CreatedAt: createdAt.UTC(),
		ExpiresAt: exp,
	}
	w.grants = append(w.grants, g)
	w.dirty[g.ID] = struct{}{}
	return g, nil
}

// ExpireDue forfeits what is left on every grant whose expiry has passed and
// returns the total forfeited. Pair it with ApplyExpiry.
func (w *Wallet) ExpireDue(now time.Time) int64 {
	var total int64
	for i := range w.grants {
		g := &w.grants[i]
		if !g.lapsed(now) {
			continue
		}
		total += g.Remaining
		g.Expired += g.Remaining
		g.Remaining = 0
		w.dirty[g.ID] = struct{}{}
	}
	return total
}

func (w *Wallet) indexOf(grantID string) int {
	for i := range w.grants {
		if w.grants[i].ID == grantID {
			return i
		}
	}
	return -1
}
