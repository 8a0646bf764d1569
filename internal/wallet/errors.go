package wallet

import "errors"

var (
	// ErrInvalidAmount rejects non-positive money amounts before any mutation.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientBalance means a consumption exceeded the tracked balance.
	// Settlement caps deductions at the balance, so this is a bookkeeping fault.
	ErrInsufficientBalance = errors.New("insufficient wallet balance")

	// ErrInvalidConsumption means a grant was asked for more than it has left.
	ErrInvalidConsumption = errors.New("invalid grant consumption")

	// ErrConcurrencyConflict is an optimistic version mismatch on save.
	ErrConcurrencyConflict = errors.New("wallet concurrency conflict")

	// ErrPersistence wraps store failures; the transaction was rolled back.
	ErrPersistence = errors.New("wallet persistence failure")

	ErrWalletNotFound     = errors.New("wallet not found")
	ErrWalletExists       = errors.New("wallet already exists")
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrInvalidArgument    = errors.New("invalid argument")
)
