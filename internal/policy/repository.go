package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository stores one policy row per tenant.
type Repository interface {
	// Get reports found=false when the tenant has no saved policy.
	Get(ctx context.Context, tenantID string) (p Policy, found bool, err error)
	Put(ctx context.Context, tenantID string, p Policy, updatedBy string, at time.Time) error
}

// NOTE: This repository assumes the following table exists:
// - tenant_settlement_policies PRIMARY KEY (tenant_id)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context, tenantID string) (Policy, bool, error) {
	const q = `
SELECT gift_percentage, credit_expiry_days, wallet_enabled_by_default
FROM tenant_settlement_policies
WHERE tenant_id = $1
`
	var p Policy
	err := r.db.QueryRowContext(ctx, q, tenantID).Scan(
		&p.GiftPercentage,
		&p.CreditExpiryDays,
		&p.WalletEnabledByDefault,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Policy{}, false, nil
		}
		return Policy{}, false, fmt.Errorf("get settlement policy: %w", err)
	}
	return p, true, nil
}

func (r *PostgresRepo) Put(ctx context.Context, tenantID string, p Policy, updatedBy string, at time.Time) error {
	const q = `
INSERT INTO tenant_settlement_policies (
  tenant_id, gift_percentage, credit_expiry_days, wallet_enabled_by_default, updated_by, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6
)
ON CONFLICT (tenant_id)
DO UPDATE SET gift_percentage = EXCLUDED.gift_percentage,
              credit_expiry_days = EXCLUDED.credit_expiry_days,
              wallet_enabled_by_default = EXCLUDED.wallet_enabled_by_default,
              updated_by = EXCLUDED.updated_by,
              updated_at = EXCLUDED.updated_at
`
	if _, err := r.db.ExecContext(ctx, q,
		tenantID,
		p.GiftPercentage,
		p.CreditExpiryDays,
		p.WalletEnabledByDefault,
		updatedBy,
		at,
	); err != nil {
		return fmt.Errorf("put settlement policy: %w", err)
	}
	return nil
}
