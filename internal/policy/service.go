package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Service is the settings collaborator: it validates policies at the
// boundary so the settlement engine can trust what it is handed.
type Service struct {
	repo     Repository
	cache    Cache
	defaults Policy
	log      *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

// NewService wires a repository with an optional cache. defaults must be valid.
func NewService(repo Repository, cache Cache, defaults Policy, log *slog.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("policy repository is required")
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, cache: cache, defaults: defaults, log: log, clock: time.Now}, nil
}

// Get returns the tenant's policy, falling back to defaults. Cache errors
// degrade to a repository read.
func (s *Service) Get(ctx context.Context, tenantID string) (Policy, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Policy{}, ErrInvalidArgument
	}
	if s.cache != nil {
		p, ok, err := s.cache.Get(ctx, tenantID)
		if err != nil {
			s.log.WarnContext(ctx, "policy cache read failed", "tenant_id", tenantID, "error", err)
		} else if ok {
			return p, nil
		}
	}

	p, found, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return Policy{}, err
	}
	if !found {
		p = s.defaults
	}
	// Stored rows predate validation changes; never hand out a bad policy.
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, tenantID, p); err != nil {
			s.log.WarnContext(ctx, "policy cache write failed", "tenant_id", tenantID, "error", err)
		}
	}
	return p, nil
}

func (s *Service) Put(ctx context.Context, tenantID string, p Policy, actorID string) (Policy, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Policy{}, ErrInvalidArgument
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	if err := s.repo.Put(ctx, tenantID, p, actorID, s.clock().UTC()); err != nil {
		return Policy{}, err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, tenantID); err != nil {
			s.log.WarnContext(ctx, "policy cache invalidate failed", "tenant_id", tenantID, "error", err)
		}
	}
	s.log.InfoContext(ctx, "settlement policy updated",
		"tenant_id", tenantID,
		"gift_percentage", p.GiftPercentage,
		"credit_expiry_days", p.CreditExpiryDays,
		"actor_id", actorID,
	)
	return p, nil
}
