package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"salon-loyalty/pkg/pagination"
)

// Service covers the non-settlement wallet operations: opening a wallet when
// a client is created, and reads for the API and audit collaborators.
//
// Money invariants:
// - balance equals the sum of grant remainders
// - no balance change without a ledger entry
// - all mutations run inside Store.WithinTx
//
// Tenancy invariant:
// - tenant_id is required and scopes every query
type Service struct {
	store Store
	log   *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log, clock: time.Now}
}

// Open creates the empty wallet for a new client. It is called once, at
// client creation; reads never create wallets on demand.
func (s *Service) Open(ctx context.Context, tenantID, clientID string) (Snapshot, error) {
	if err := requireIDs(tenantID, clientID); err != nil {
		return Snapshot{}, err
	}
	w := New(tenantID, clientID, s.clock())
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateWallet(ctx, w)
	})
	if err != nil {
		return Snapshot{}, err
	}
	s.log.InfoContext(ctx, "wallet opened", "tenant_id", tenantID, "client_id", clientID)
	return w.Snapshot(), nil
}

func (s *Service) Get(ctx context.Context, tenantID, clientID string) (Snapshot, error) {
	if err := requireIDs(tenantID, clientID); err != nil {
		return Snapshot{}, err
	}
	w, err := s.store.GetWallet(ctx, tenantID, clientID)
	if err != nil {
		return Snapshot{}, err
	}
	return w.Snapshot(), nil
}

type LedgerPage struct {
	Entries    []LedgerEntry `json:"entries"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// ListLedger returns one page of a client's ledger, newest first. An empty
// NextCursor means there are no older entries.
func (s *Service) ListLedger(ctx context.Context, tenantID, clientID, cursor string, limit int) (LedgerPage, error) {
	if err := requireIDs(tenantID, clientID); err != nil {
		return LedgerPage{}, err
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return LedgerPage{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	limit = pagination.ClampLimit(limit)

	// One extra row tells us whether another page exists.
	rows, err := s.store.ListLedger(ctx, tenantID, clientID, after, limit+1)
	if err != nil {
		return LedgerPage{}, err
	}
	page := LedgerPage{Entries: rows}
	if len(rows) > limit {
		page.Entries = rows[:limit]
		last := page.Entries[limit-1]
		page.NextCursor = pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	if page.Entries == nil {
		page.Entries = []LedgerEntry{}
	}
	return page, nil
}

func requireIDs(tenantID, clientID string) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(clientID) == "" {
		return fmt.Errorf("%w: tenant_id and client_id are required", ErrInvalidArgument)
	}
	return nil
}
