package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"salon-loyalty/pkg/pagination"
	"salon-loyalty/pkg/utils"
)

// NOTE: This repository assumes the following tables exist:
// - client_wallets      PRIMARY KEY (tenant_id, client_id), version BIGINT
// - wallet_grants       PRIMARY KEY (id), never deleted
// - wallet_ledger       append-only; related_service_id is filled once, when NULL
// - wallet_settlements  UNIQUE (tenant_id, idempotency_key); grant_id names the gift grant
//
// All amounts are BIGINT minor units. Every query is scoped by tenant_id.

type PostgresStore struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var fnErr error
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		fnErr = fn(ctx, &pgTx{tx: tx, clock: s.clock})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		// begin or commit failed
		return dbErr("transaction", err)
	}
	return nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, tenantID, clientID string) (*Wallet, error) {
	st, err := scanWallet(s.db.QueryRowContext(ctx, selectWalletSQL, tenantID, clientID))
	if err != nil {
		return nil, err
	}
	grants, err := queryGrants(ctx, s.db, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	return Restore(st, grants), nil
}

func (s *PostgresStore) ListLedger(ctx context.Context, tenantID, clientID string, after *pagination.Cursor, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		const q = `
SELECT ` + ledgerColumns + `
FROM wallet_ledger
WHERE tenant_id = $1 AND client_id = $2
ORDER BY created_at DESC, id DESC
LIMIT $3
`
		rows, err = s.db.QueryContext(ctx, q, tenantID, clientID, limit)
	} else {
		const q = `
SELECT ` + ledgerColumns + `
FROM wallet_ledger
WHERE tenant_id = $1 AND client_id = $2
  AND (created_at, id) < ($3, $4::uuid)
ORDER BY created_at DESC, id DESC
LIMIT $5
`
		rows, err = s.db.QueryContext(ctx, q, tenantID, clientID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, dbErr("list ledger", err)
	}
	return collectLedger(rows)
}

func (s *PostgresStore) ListLedgerRange(ctx context.Context, tenantID string, from, to time.Time) ([]LedgerEntry, error) {
	const q = `
SELECT ` + ledgerColumns + `
FROM wallet_ledger
WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC, id ASC
`
	rows, err := s.db.QueryContext(ctx, q, tenantID, from, to)
	if err != nil {
		return nil, dbErr("list ledger range", err)
	}
	return collectLedger(rows)
}

type pgTx struct {
	tx    *sql.Tx
	clock func() time.Time
}

func (t *pgTx) LoadWallet(ctx context.Context, tenantID, clientID string) (*Wallet, error) {
	// Lock the wallet row to serialize concurrent settlements per client.
	st, err := scanWallet(t.tx.QueryRowContext(ctx, selectWalletSQL+"FOR UPDATE\n", tenantID, clientID))
	if err != nil {
		return nil, err
	}
	grants, err := queryGrants(ctx, t.tx, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	return Restore(st, grants), nil
}

func (t *pgTx) CreateWallet(ctx context.Context, w *Wallet) error {
	const q = `
INSERT INTO client_wallets (
  tenant_id, client_id, balance, total_granted, total_used, total_spent, total_expired,
  service_count, last_settled_at, version, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (tenant_id, client_id) DO NOTHING
`
	st := w.state
	res, err := t.tx.ExecContext(ctx, q,
		st.TenantID,
		st.ClientID,
		st.Balance,
		st.TotalGranted,
		st.TotalUsed,
		st.TotalSpent,
		st.TotalExpired,
		st.ServiceCount,
		nullTime(st.LastSettledAt),
		st.Version,
		st.CreatedAt,
		st.UpdatedAt,
	)
	if err != nil {
		return dbErr("create wallet", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return dbErr("create wallet", err)
	} else if n == 0 {
		return ErrWalletExists
	}
	return t.upsertGrants(ctx, w)
}

func (t *pgTx) SaveWallet(ctx context.Context, w *Wallet) error {
	const q = `
UPDATE client_wallets
SET balance = $3,
    total_granted = $4,
    total_used = $5,
    total_spent = $6,
    total_expired = $7,
    service_count = $8,
    last_settled_at = $9,
    updated_at = $10,
    version = version + 1
WHERE tenant_id = $1 AND client_id = $2 AND version = $11
`
	w.touch(t.clock())
	st := w.state
	res, err := t.tx.ExecContext(ctx, q,
		st.TenantID,
		st.ClientID,
		st.Balance,
		st.TotalGranted,
		st.TotalUsed,
		st.TotalSpent,
		st.TotalExpired,
		st.ServiceCount,
		nullTime(st.LastSettledAt),
		st.UpdatedAt,
		st.Version,
	)
	if err != nil {
		return dbErr("save wallet", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr("save wallet", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: client %s at version %d", ErrConcurrencyConflict, st.ClientID, st.Version)
	}
	if err := t.upsertGrants(ctx, w); err != nil {
		return err
	}
	w.markSaved()
	return nil
}

func (t *pgTx) upsertGrants(ctx context.Context, w *Wallet) error {
	const q = `
INSERT INTO wallet_grants (
  id, tenant_id, client_id, amount, remaining, consumed, expired, source, source_ref, created_at, expires_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (id)
DO UPDATE SET remaining = EXCLUDED.remaining,
              consumed = EXCLUDED.consumed,
              expired = EXCLUDED.expired
`
	for _, g := range w.dirtyGrants() {
		if _, err := t.tx.ExecContext(ctx, q,
			g.ID,
			w.state.TenantID,
			w.state.ClientID,
			g.Amount,
			g.Remaining,
			g.Consumed,
			g.Expired,
			g.Source,
			nullString(g.SourceRef),
			g.CreatedAt,
			nullTime(g.ExpiresAt),
		); err != nil {
			return dbErr("save grant", err)
		}
	}
	return nil
}

func (t *pgTx) AppendLedger(ctx context.Context, e LedgerEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	const q = `
INSERT INTO wallet_ledger (
  id, tenant_id, client_id, type, amount, balance_after, description,
  related_service_id, performed_by, settlement_id, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
`
	_, err := t.tx.ExecContext(ctx, q,
		e.ID,
		e.TenantID,
		e.ClientID,
		e.Type,
		e.Amount,
		e.BalanceAfter,
		e.Description,
		nullString(e.RelatedServiceID),
		e.PerformedBy,
		nullString(e.SettlementID),
		e.CreatedAt,
	)
	if err != nil {
		return dbErr("append ledger", err)
	}
	return nil
}

func (t *pgTx) FindSettlement(ctx context.Context, tenantID, idempotencyKey string) (SettlementRecord, bool, error) {
	const q = `
SELECT id, tenant_id, client_id, idempotency_key, service_id, grant_id, result, created_at
FROM wallet_settlements
WHERE tenant_id = $1 AND idempotency_key = $2
LIMIT 1
`
	var (
		r               SettlementRecord
		key, svc, grant sql.NullString
		resultRaw       []byte
	)
	err := t.tx.QueryRowContext(ctx, q, tenantID, idempotencyKey).Scan(
		&r.ID,
		&r.TenantID,
		&r.ClientID,
		&key,
		&svc,
		&grant,
		&resultRaw,
		&r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SettlementRecord{}, false, nil
		}
		return SettlementRecord{}, false, dbErr("find settlement", err)
	}
	r.IdempotencyKey = key.String
	r.ServiceID = svc.String
	r.GrantID = grant.String
	r.Result = resultRaw
	return r, true, nil
}

func (t *pgTx) SaveSettlement(ctx context.Context, r SettlementRecord) error {
	const q = `
INSERT INTO wallet_settlements (id, tenant_id, client_id, idempotency_key, service_id, grant_id, result, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	_, err := t.tx.ExecContext(ctx, q,
		r.ID,
		r.TenantID,
		r.ClientID,
		nullString(r.IdempotencyKey),
		nullString(r.ServiceID),
		nullString(r.GrantID),
		[]byte(r.Result),
		r.CreatedAt,
	)
	if err != nil {
		if utils.IsUniqueViolation(err) {
			// Another request with the same key won the race; a retry replays it.
			return fmt.Errorf("%w: idempotency key %q", ErrConcurrencyConflict, r.IdempotencyKey)
		}
		return dbErr("save settlement", err)
	}
	return nil
}

func (t *pgTx) AttachService(ctx context.Context, tenantID, settlementID, serviceID string) (int64, error) {
	const lockQ = `
SELECT service_id, grant_id
FROM wallet_settlements
WHERE tenant_id = $1 AND id = $2
FOR UPDATE
`
	var current, grantID sql.NullString
	if err := t.tx.QueryRowContext(ctx, lockQ, tenantID, settlementID).Scan(&current, &grantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrSettlementNotFound
		}
		return 0, dbErr("attach service", err)
	}
	if current.Valid && current.String != serviceID {
		return 0, fmt.Errorf("%w: settlement %s already attached to service %s", ErrInvalidArgument, settlementID, current.String)
	}

	const settlementQ = `
UPDATE wallet_settlements SET service_id = $3
WHERE tenant_id = $1 AND id = $2
`
	if _, err := t.tx.ExecContext(ctx, settlementQ, tenantID, settlementID, serviceID); err != nil {
		return 0, dbErr("attach service", err)
	}

	const ledgerQ = `
UPDATE wallet_ledger SET related_service_id = $3
WHERE tenant_id = $1 AND settlement_id = $2 AND related_service_id IS NULL
`
	res, err := t.tx.ExecContext(ctx, ledgerQ, tenantID, settlementID, serviceID)
	if err != nil {
		return 0, dbErr("attach service", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbErr("attach service", err)
	}

	if grantID.Valid {
		const grantQ = `
UPDATE wallet_grants SET source_ref = $3
WHERE tenant_id = $1 AND id = $2 AND source_ref IS NULL
`
		if _, err := t.tx.ExecContext(ctx, grantQ, tenantID, grantID.String, serviceID); err != nil {
			return 0, dbErr("attach service", err)
		}
	}
	return n, nil
}

const selectWalletSQL = `
SELECT tenant_id, client_id, balance, total_granted, total_used, total_spent, total_expired,
       service_count, last_settled_at, version, created_at, updated_at
FROM client_wallets
WHERE tenant_id = $1 AND client_id = $2
`

const ledgerColumns = `id, tenant_id, client_id, type, amount, balance_after, description,
       related_service_id, performed_by, settlement_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanWallet(row rowScanner) (State, error) {
	var (
		st          State
		lastSettled sql.NullTime
	)
	if err := row.Scan(
		&st.TenantID,
		&st.ClientID,
		&st.Balance,
		&st.TotalGranted,
		&st.TotalUsed,
		&st.TotalSpent,
		&st.TotalExpired,
		&st.ServiceCount,
		&lastSettled,
		&st.Version,
		&st.CreatedAt,
		&st.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return State{}, ErrWalletNotFound
		}
		return State{}, dbErr("load wallet", err)
	}
	if lastSettled.Valid {
		t := lastSettled.Time.UTC()
		st.LastSettledAt = &t
	}
	return st, nil
}

func queryGrants(ctx context.Context, q queryer, tenantID, clientID string) ([]Grant, error) {
	const sqlq = `
SELECT id, amount, remaining, consumed, expired, source, source_ref, created_at, expires_at
FROM wallet_grants
WHERE tenant_id = $1 AND client_id = $2
ORDER BY created_at ASC, id ASC
`
	rows, err := q.QueryContext(ctx, sqlq, tenantID, clientID)
	if err != nil {
		return nil, dbErr("load grants", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var (
			g         Grant
			sourceRef sql.NullString
			expiresAt sql.NullTime
		)
		if err := rows.Scan(
			&g.ID,
			&g.Amount,
			&g.Remaining,
			&g.Consumed,
			&g.Expired,
			&g.Source,
			&sourceRef,
			&g.CreatedAt,
			&expiresAt,
		); err != nil {
			return nil, dbErr("load grants", err)
		}
		g.SourceRef = sourceRef.String
		if expiresAt.Valid {
			t := expiresAt.Time.UTC()
			g.ExpiresAt = &t
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("load grants", err)
	}
	return out, nil
}

func collectLedger(rows *sql.Rows) ([]LedgerEntry, error) {
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var (
			e               LedgerEntry
			svc, settlement sql.NullString
		)
		if err := rows.Scan(
			&e.ID,
			&e.TenantID,
			&e.ClientID,
			&e.Type,
			&e.Amount,
			&e.BalanceAfter,
			&e.Description,
			&svc,
			&e.PerformedBy,
			&settlement,
			&e.CreatedAt,
		); err != nil {
			return nil, dbErr("scan ledger", err)
		}
		e.RelatedServiceID = svc.String
		e.SettlementID = settlement.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("scan ledger", err)
	}
	return out, nil
}

// dbErr classifies a driver error: write conflicts are retryable, anything
// else is a persistence failure.
func dbErr(op string, err error) error {
	if utils.IsSerializationConflict(err) {
		return fmt.Errorf("%w: %s: %v", ErrConcurrencyConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
