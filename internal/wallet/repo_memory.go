package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"salon-loyalty/pkg/pagination"
)

// MemoryStore is an in-process Store for tests and local runs. A transaction
// stages its writes and applies them on commit after re-checking wallet
// versions, so a failed fn leaves nothing behind.
type MemoryStore struct {
	mu          sync.Mutex
	wallets     map[walletKey]*Wallet
	ledger      []LedgerEntry
	settlements map[string]SettlementRecord // tenant/id
	keys        map[string]string           // tenant/idempotency key -> settlement id

	// FailOn, when set, is called before every Tx operation with its name
	// (e.g. "AppendLedger"). A non-nil return aborts the transaction.
	FailOn func(op string) error

	clock func() time.Time
}

type walletKey struct{ tenantID, clientID string }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     map[walletKey]*Wallet{},
		settlements: map[string]SettlementRecord{},
		keys:        map[string]string{},
		clock:       time.Now,
	}
}

// Seed stores a wallet as-is, bypassing the transaction path. Tests use it to
// load fixtures, including legacy balances not backed by grants.
func (s *MemoryStore) Seed(w *Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := w.clone()
	c.dirty = map[string]struct{}{}
	s.wallets[walletKey{c.TenantID(), c.ClientID()}] = c
}

// Ledger returns every entry for a client in append order.
func (s *MemoryStore) Ledger(tenantID, clientID string) []LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LedgerEntry
	for _, e := range s.ledger {
		if e.TenantID == tenantID && e.ClientID == clientID {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	tx := &memTx{s: s, wallets: map[walletKey]*stagedWallet{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) GetWallet(_ context.Context, tenantID, clientID string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletKey{tenantID, clientID}]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return w.clone(), nil
}

func (s *MemoryStore) ListLedger(_ context.Context, tenantID, clientID string, after *pagination.Cursor, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}

	s.mu.Lock()
	var rows []LedgerEntry
	for _, e := range s.ledger {
		if e.TenantID != tenantID || e.ClientID != clientID {
			continue
		}
		if after != nil && !after.After(e.CreatedAt, e.ID) {
			continue
		}
		rows = append(rows, e)
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *MemoryStore) ListLedgerRange(_ context.Context, tenantID string, from, to time.Time) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LedgerEntry
	for _, e := range s.ledger {
		if e.TenantID != tenantID {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type stagedWallet struct {
	w       *Wallet
	base    int64 // version read at load
	created bool
}

type attachOp struct {
	tenantID, settlementID, serviceID string
}

type memTx struct {
	s           *MemoryStore
	wallets     map[walletKey]*stagedWallet
	ledger      []LedgerEntry
	settlements []SettlementRecord
	attaches    []attachOp
}

func (t *memTx) fail(op string) error {
	if t.s.FailOn == nil {
		return nil
	}
	err := t.s.FailOn(op)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConcurrencyConflict):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
	}
}

func (t *memTx) LoadWallet(_ context.Context, tenantID, clientID string) (*Wallet, error) {
	if err := t.fail("LoadWallet"); err != nil {
		return nil, err
	}
	k := walletKey{tenantID, clientID}
	if sw, ok := t.wallets[k]; ok {
		return sw.w.clone(), nil
	}
	t.s.mu.Lock()
	w, ok := t.s.wallets[k]
	t.s.mu.Unlock()
	if !ok {
		return nil, ErrWalletNotFound
	}
	return w.clone(), nil
}

func (t *memTx) CreateWallet(_ context.Context, w *Wallet) error {
	if err := t.fail("CreateWallet"); err != nil {
		return err
	}
	k := walletKey{w.TenantID(), w.ClientID()}
	t.s.mu.Lock()
	_, exists := t.s.wallets[k]
	t.s.mu.Unlock()
	if _, staged := t.wallets[k]; exists || staged {
		return ErrWalletExists
	}
	t.wallets[k] = &stagedWallet{w: w.clone(), base: w.Version(), created: true}
	return nil
}

func (t *memTx) SaveWallet(_ context.Context, w *Wallet) error {
	if err := t.fail("SaveWallet"); err != nil {
		return err
	}
	k := walletKey{w.TenantID(), w.ClientID()}

	sw, ok := t.wallets[k]
	if !ok {
		t.s.mu.Lock()
		cur, exists := t.s.wallets[k]
		t.s.mu.Unlock()
		if !exists {
			return ErrWalletNotFound
		}
		if cur.Version() != w.Version() {
			return fmt.Errorf("%w: client %s at version %d", ErrConcurrencyConflict, w.ClientID(), w.Version())
		}
		sw = &stagedWallet{base: w.Version()}
		t.wallets[k] = sw
	} else if sw.w.Version() != w.Version() {
		return fmt.Errorf("%w: client %s at version %d", ErrConcurrencyConflict, w.ClientID(), w.Version())
	}

	w.touch(t.s.clock())
	w.markSaved()
	sw.w = w.clone()
	return nil
}

func (t *memTx) AppendLedger(_ context.Context, e LedgerEntry) error {
	if err := t.fail("AppendLedger"); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	t.ledger = append(t.ledger, e)
	return nil
}

func (t *memTx) FindSettlement(_ context.Context, tenantID, idempotencyKey string) (SettlementRecord, bool, error) {
	if err := t.fail("FindSettlement"); err != nil {
		return SettlementRecord{}, false, err
	}
	for _, r := range t.settlements {
		if r.TenantID == tenantID && r.IdempotencyKey == idempotencyKey {
			return r, true, nil
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	id, ok := t.s.keys[tenantID+"/"+idempotencyKey]
	if !ok {
		return SettlementRecord{}, false, nil
	}
	return t.s.settlements[tenantID+"/"+id], true, nil
}

func (t *memTx) SaveSettlement(_ context.Context, r SettlementRecord) error {
	if err := t.fail("SaveSettlement"); err != nil {
		return err
	}
	t.settlements = append(t.settlements, r)
	return nil
}

func (t *memTx) AttachService(_ context.Context, tenantID, settlementID, serviceID string) (int64, error) {
	if err := t.fail("AttachService"); err != nil {
		return 0, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	rec, ok := t.s.settlements[tenantID+"/"+settlementID]
	if !ok {
		return 0, ErrSettlementNotFound
	}
	if rec.ServiceID != "" && rec.ServiceID != serviceID {
		return 0, fmt.Errorf("%w: settlement %s already attached to service %s", ErrInvalidArgument, settlementID, rec.ServiceID)
	}
	var n int64
	for _, e := range t.s.ledger {
		if e.TenantID == tenantID && e.SettlementID == settlementID && e.RelatedServiceID == "" {
			n++
		}
	}
	t.attaches = append(t.attaches, attachOp{tenantID, settlementID, serviceID})
	return n, nil
}

func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, sw := range t.wallets {
		cur, exists := s.wallets[k]
		switch {
		case sw.created && exists:
			return ErrWalletExists
		case !sw.created && !exists:
			return ErrWalletNotFound
		case !sw.created && cur.Version() != sw.base:
			return fmt.Errorf("%w: client %s moved to version %d", ErrConcurrencyConflict, k.clientID, cur.Version())
		}
	}
	for _, r := range t.settlements {
		if r.IdempotencyKey == "" {
			continue
		}
		if _, taken := s.keys[r.TenantID+"/"+r.IdempotencyKey]; taken {
			return fmt.Errorf("%w: idempotency key %q", ErrConcurrencyConflict, r.IdempotencyKey)
		}
	}

	for k, sw := range t.wallets {
		c := sw.w.clone()
		c.dirty = map[string]struct{}{}
		s.wallets[k] = c
	}
	s.ledger = append(s.ledger, t.ledger...)
	for _, r := range t.settlements {
		s.settlements[r.TenantID+"/"+r.ID] = r
		if r.IdempotencyKey != "" {
			s.keys[r.TenantID+"/"+r.IdempotencyKey] = r.ID
		}
	}
	for _, a := range t.attaches {
		rec := s.settlements[a.tenantID+"/"+a.settlementID]
		rec.ServiceID = a.serviceID
		s.settlements[a.tenantID+"/"+a.settlementID] = rec
		for i := range s.ledger {
			e := &s.ledger[i]
			if e.TenantID == a.tenantID && e.SettlementID == a.settlementID && e.RelatedServiceID == "" {
				e.RelatedServiceID = a.serviceID
			}
		}
		if w, ok := s.wallets[walletKey{rec.TenantID, rec.ClientID}]; ok && rec.GrantID != "" {
			if i := w.indexOf(rec.GrantID); i >= 0 && w.grants[i].SourceRef == "" {
				w.grants[i].SourceRef = a.serviceID
			}
		}
	}
	return nil
}
