package wallet

import (
	"context"
)

// Store is the wallet persistence boundary. Every money mutation runs inside
// WithinTx: fn's writes commit together or not at all.
type Store interface {
	LedgerReader

	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetWallet is a plain read with no lock.
	GetWallet(ctx context.Context, tenantID, clientID string) (*Wallet, error)
}

// Tx is one unit of work. Implementations lock the wallet on LoadWallet
// where the backend supports it.
type Tx interface {
	LoadWallet(ctx context.Context, tenantID, clientID string) (*Wallet, error)
	CreateWallet(ctx context.Context, w *Wallet) error

	// SaveWallet persists totals and touched grants, failing with
	// ErrConcurrencyConflict when the stored version moved since load.
	SaveWallet(ctx context.Context, w *Wallet) error

	AppendLedger(ctx context.Context, e LedgerEntry) error

	FindSettlement(ctx context.Context, tenantID, idempotencyKey string) (SettlementRecord, bool, error)
	SaveSettlement(ctx context.Context, rec SettlementRecord) error

	// AttachService sets related_service_id on the settlement's ledger entries
	// that do not have one yet and returns how many rows changed.
	AttachService(ctx context.Context, tenantID, settlementID, serviceID string) (int64, error)
}
