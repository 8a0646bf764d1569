package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - tenant_id is required for tenancy isolation.
// - actor and ip capture are best-effort; do not block wallet flows on audit failures.
type Event struct {
	ID       string `json:"id" db:"id" bson:"_id"`
	TenantID string `json:"tenant_id" db:"tenant_id" bson:"tenant_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type" bson:"type"`

	// ActorUserID is the authenticated user causing the event (if applicable).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id" bson:"actor_user_id,omitempty"`
	// ActorRole may include hidden roles.
	ActorRole string `json:"actor_role,omitempty" db:"actor_role" bson:"actor_role,omitempty"`

	// IPAddress is the client IP as resolved by the edge.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address" bson:"ip_address,omitempty"`

	// Target identifiers (optional, depending on the event type).
	ClientID    string `json:"client_id,omitempty" db:"client_id" bson:"client_id,omitempty"`
	ReferenceID string `json:"reference_id,omitempty" db:"reference_id" bson:"reference_id,omitempty"`
	Amount      int64  `json:"amount,omitempty" db:"amount" bson:"amount,omitempty"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message" bson:"message,omitempty"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata" bson:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at" bson:"created_at"`
}

type EventType string

const (
	EventTypeWalletTopUp  EventType = "wallet_top_up"
	EventTypePolicyChange EventType = "settlement_policy_change"
)
