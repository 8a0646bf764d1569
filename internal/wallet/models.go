package wallet

import (
	"encoding/json"
	"time"
)

type GrantSource string

const (
	GrantSourceService GrantSource = "service"
	GrantSourceManual  GrantSource = "manual"
)

// Grant is one unit of gift credit with its own remaining balance and expiry.
// Grants are never deleted; a spent or expired grant stays as an audit record.
//
// Consumed + Expired == Amount - Remaining.
type Grant struct {
	ID        string      `json:"id" db:"id"`
	Amount    int64       `json:"amount" db:"amount"`
	Remaining int64       `json:"remaining" db:"remaining"`
	Consumed  int64       `json:"consumed" db:"consumed"`
	Expired   int64       `json:"expired" db:"expired"`
	Source    GrantSource `json:"source" db:"source"`
	SourceRef string      `json:"source_ref,omitempty" db:"source_ref"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty" db:"expires_at"`
}

// Eligible reports whether the grant can be drawn on at now.
func (g Grant) Eligible(now time.Time) bool {
	return g.Remaining > 0 && (g.ExpiresAt == nil || g.ExpiresAt.After(now))
}

func (g Grant) lapsed(now time.Time) bool {
	return g.Remaining > 0 && g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// State is the persisted row shape of a client wallet's cached totals.
// All amounts are integer minor units.
type State struct {
	TenantID string `json:"tenant_id" db:"tenant_id"`
	ClientID string `json:"client_id" db:"client_id"`

	Balance      int64 `json:"balance" db:"balance"`
	TotalGranted int64 `json:"total_granted" db:"total_granted"`
	TotalUsed    int64 `json:"total_used" db:"total_used"`
	TotalSpent   int64 `json:"total_spent" db:"total_spent"`
	TotalExpired int64 `json:"total_expired" db:"total_expired"`

	ServiceCount  int64      `json:"service_count" db:"service_count"`
	LastSettledAt *time.Time `json:"last_settled_at,omitempty" db:"last_settled_at"`

	// Version is bumped on every save and checked optimistically.
	Version int64 `json:"version" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Snapshot is the read model handed to API callers.
type Snapshot struct {
	State
	AverageSpend int64   `json:"average_spend"`
	Grants       []Grant `json:"grants"`
}

type EntryType string

const (
	EntryDeposit  EntryType = "deposit"
	EntryWithdraw EntryType = "withdraw"
	EntryExpire   EntryType = "expire"
)

// LedgerEntry is an immutable record of one balance-affecting event.
// BalanceAfter is the wallet balance observed right after the entry applied.
type LedgerEntry struct {
	ID               string    `json:"id" db:"id"`
	TenantID         string    `json:"tenant_id" db:"tenant_id"`
	ClientID         string    `json:"client_id" db:"client_id"`
	Type             EntryType `json:"type" db:"type"`
	Amount           int64     `json:"amount" db:"amount"`
	BalanceAfter     int64     `json:"balance_after" db:"balance_after"`
	Description      string    `json:"description,omitempty" db:"description"`
	RelatedServiceID string    `json:"related_service_id,omitempty" db:"related_service_id"`
	PerformedBy      string    `json:"performed_by,omitempty" db:"performed_by"`
	SettlementID     string    `json:"settlement_id,omitempty" db:"settlement_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// SettlementRecord persists a settlement outcome so a retried request with the
// same idempotency key replays it instead of settling twice. GrantID names the
// gift grant the settlement issued, if any.
type SettlementRecord struct {
	ID             string          `json:"id" db:"id"`
	TenantID       string          `json:"tenant_id" db:"tenant_id"`
	ClientID       string          `json:"client_id" db:"client_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	ServiceID      string          `json:"service_id,omitempty" db:"service_id"`
	GrantID        string          `json:"grant_id,omitempty" db:"grant_id"`
	Result         json.RawMessage `json:"result" db:"result"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
