package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to tenant users by default.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.TenantID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogWalletTopUp records credit added by hand to a client wallet.
func (s *Service) LogWalletTopUp(ctx context.Context, tenantID, actorUserID, actorRole, ip, clientID, topUpID string, amount int64, reason string) error {
	return s.Append(ctx, Event{
		TenantID:    tenantID,
		Type:        EventTypeWalletTopUp,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		ClientID:    clientID,
		ReferenceID: topUpID,
		Amount:      amount,
		Message:     reason,
	})
}

// LogPolicyChange records a tenant settlement policy update. metadata holds
// the new policy as JSON.
func (s *Service) LogPolicyChange(ctx context.Context, tenantID, actorUserID, actorRole, ip, metadata string) error {
	return s.Append(ctx, Event{
		TenantID:    tenantID,
		Type:        EventTypePolicyChange,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     "settlement policy updated",
		Metadata:    metadata,
	})
}
