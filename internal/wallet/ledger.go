package wallet

import (
	"context"
	"fmt"
	"time"

	"salon-loyalty/pkg/pagination"

	"github.com/google/uuid"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryDeposit, EntryWithdraw, EntryExpire:
		return true
	default:
		return false
	}
}

// Validate is the only check Append performs; BalanceAfter is trusted.
func (e LedgerEntry) Validate() error {
	if e.TenantID == "" || e.ClientID == "" {
		return fmt.Errorf("%w: ledger entry needs tenant and client", ErrInvalidArgument)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: ledger entry type %q", ErrInvalidArgument, e.Type)
	}
	if e.Amount <= 0 {
		return fmt.Errorf("%w: ledger amount %d", ErrInvalidAmount, e.Amount)
	}
	if e.BalanceAfter < 0 {
		return fmt.Errorf("%w: negative balance_after %d", ErrInvalidAmount, e.BalanceAfter)
	}
	return nil
}

// NewEntry stamps an entry with the wallet's current balance as BalanceAfter.
// Call it right after the mutation it documents.
func NewEntry(w *Wallet, typ EntryType, amount int64, at time.Time) LedgerEntry {
	return LedgerEntry{
		ID:           newEntryID(),
		TenantID:     w.TenantID(),
		ClientID:     w.ClientID(),
		Type:         typ,
		Amount:       amount,
		BalanceAfter: w.Balance(),
		CreatedAt:    at.UTC(),
	}
}

// Entry ids are UUIDv7 so entries written in the same instant still list in
// the order they were appended.
func newEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// LedgerReader serves paginated audit reads, newest first.
type LedgerReader interface {
	ListLedger(ctx context.Context, tenantID, clientID string, after *pagination.Cursor, limit int) ([]LedgerEntry, error)
	// ListLedgerRange returns all entries of a tenant created in [from, to).
	ListLedgerRange(ctx context.Context, tenantID string, from, to time.Time) ([]LedgerEntry, error)
}
