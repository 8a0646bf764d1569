package reporting

import (
	"context"
	"errors"
	"time"

	"salon-loyalty/internal/wallet"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// MaxRange bounds one summary query so a report cannot scan a tenant's
// whole history.
const MaxRange = 366 * 24 * time.Hour

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Methods must enforce tenant filtering.
// - Implementations read the immutable wallet ledger only.
type Repository interface {
	ListLedgerRange(ctx context.Context, tenantID string, from, to time.Time) ([]wallet.LedgerEntry, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) WalletSummary(ctx context.Context, req WalletSummaryRequest) (WalletSummary, error) {
	if req.TenantID == "" {
		return WalletSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return WalletSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > MaxRange {
		return WalletSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return WalletSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListLedgerRange(ctx, req.TenantID, req.Range.From, req.Range.To)
	if err != nil {
		return WalletSummary{}, err
	}

	out := WalletSummary{TenantID: req.TenantID, ClientID: req.ClientID, Range: req.Range}
	clients := map[string]struct{}{}
	settlements := map[string]struct{}{}
	for _, e := range rows {
		if req.ClientID != "" && e.ClientID != req.ClientID {
			continue
		}
		out.Entries++
		clients[e.ClientID] = struct{}{}
		if e.SettlementID != "" {
			settlements[e.SettlementID] = struct{}{}
		}
		switch e.Type {
		case wallet.EntryDeposit:
			out.DepositedMinor += e.Amount
		case wallet.EntryWithdraw:
			out.WithdrawnMinor += e.Amount
		case wallet.EntryExpire:
			out.ExpiredMinor += e.Amount
		}
	}
	out.NetDeltaMinor = out.DepositedMinor - out.WithdrawnMinor - out.ExpiredMinor
	out.ActiveClients = len(clients)
	out.Settlements = len(settlements)
	return out, nil
}
