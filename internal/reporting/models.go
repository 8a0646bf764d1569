package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// WalletSummaryRequest requests aggregated gift-credit movement.
// Tenant isolation: TenantID is required.
type WalletSummaryRequest struct {
	TenantID string    `json:"tenant_id"`
	Range    TimeRange `json:"range"`
	ClientID string    `json:"client_id,omitempty"`
}

// WalletSummary is derived from immutable ledger entries scoped to a tenant.
// All amounts are integer minor units.
type WalletSummary struct {
	TenantID string    `json:"tenant_id"`
	ClientID string    `json:"client_id,omitempty"`
	Range    TimeRange `json:"range"`

	DepositedMinor int64 `json:"deposited_minor"`
	WithdrawnMinor int64 `json:"withdrawn_minor"`
	ExpiredMinor   int64 `json:"expired_minor"`
	NetDeltaMinor  int64 `json:"net_delta_minor"`

	Entries       int `json:"entries"`
	Settlements   int `json:"settlements"`
	ActiveClients int `json:"active_clients"`
}
