// Package events publishes wallet facts for downstream collaborators, such as
// the SMS notifier, after the owning transaction has committed.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TypeSettlementCompleted = "settlement.completed"
	TypeWalletToppedUp      = "wallet.topped_up"
)

type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	ClientID   string    `json:"client_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

func New(typ, tenantID, clientID string, at time.Time, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		TenantID:   tenantID,
		ClientID:   clientID,
		OccurredAt: at.UTC(),
		Payload:    payload,
	}
}

// Publisher delivers events at most once per call. Callers treat failures as
// non-fatal: the wallet state is already committed.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
