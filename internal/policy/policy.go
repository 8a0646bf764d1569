package policy

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPolicy = errors.New("invalid settlement policy")

// Policy parameterizes settlement for one tenant.
type Policy struct {
	// GiftPercentage of the requested amount issued back as credit, 0..100.
	GiftPercentage int `json:"gift_percentage"`
	// CreditExpiryDays is how long issued credit stays spendable, >= 1.
	CreditExpiryDays       int  `json:"credit_expiry_days"`
	WalletEnabledByDefault bool `json:"wallet_enabled_by_default"`
}

// Defaults applies to tenants that never saved their own settings.
func Defaults() Policy {
	return Policy{GiftPercentage: 10, CreditExpiryDays: 365, WalletEnabledByDefault: true}
}

func (p Policy) Validate() error {
	var errs []error
	if p.GiftPercentage < 0 || p.GiftPercentage > 100 {
		errs = append(errs, fmt.Errorf("%w: gift_percentage must be within 0..100, got %d", ErrInvalidPolicy, p.GiftPercentage))
	}
	if p.CreditExpiryDays < 1 {
		errs = append(errs, fmt.Errorf("%w: credit_expiry_days must be >= 1, got %d", ErrInvalidPolicy, p.CreditExpiryDays))
	}
	return errors.Join(errs...)
}

// GiftFor returns floor(requested * GiftPercentage / 100) for requested >= 0.
func (p Policy) GiftFor(requested int64) int64 {
	if requested <= 0 || p.GiftPercentage <= 0 {
		return 0
	}
	return requested * int64(p.GiftPercentage) / 100
}

// ExpiresAt is when credit issued at t stops being spendable.
func (p Policy) ExpiresAt(t time.Time) time.Time {
	return t.Add(time.Duration(p.CreditExpiryDays) * 24 * time.Hour)
}
