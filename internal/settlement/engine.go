// Package settlement applies a billable service to a client's wallet: it
// spends eligible gift credit oldest first, works out what is still owed,
// issues new gift credit and writes the ledger, all in one transaction.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"salon-loyalty/internal/events"
	"salon-loyalty/internal/policy"
	"salon-loyalty/internal/wallet"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
)

type Request struct {
	TenantID        string
	ClientID        string
	RequestedAmount int64
	UseWallet       bool
	Policy          policy.Policy
	Description     string
	ActorID         string
	// ServiceID may be empty when the service record is created after
	// settlement; see Engine.AttachService.
	ServiceID      string
	IdempotencyKey string
}

type ConsumedGrant struct {
	GrantID     string `json:"grant_id"`
	AmountTaken int64  `json:"amount_taken"`
}

// Result is what the service-recording collaborator stores and shows. It is
// also the payload persisted for idempotent replay.
type Result struct {
	SettlementID     string               `json:"settlement_id"`
	RequestedAmount  int64                `json:"requested_amount"`
	WalletUsedAmount int64                `json:"wallet_used_amount"`
	FinalAmount      int64                `json:"final_amount"`
	ConsumedGrants   []ConsumedGrant      `json:"consumed_grants"`
	GiftAmount       int64                `json:"gift_amount"`
	GrantedCredit    *wallet.Grant        `json:"granted_credit,omitempty"`
	ExpiredAmount    int64                `json:"expired_amount"`
	NewBalance       int64                `json:"new_balance"`
	LedgerEntries    []wallet.LedgerEntry `json:"ledger_entries"`
	Replayed         bool                 `json:"replayed"`
}

// AuditLogger receives internal audit records for manual balance changes.
type AuditLogger interface {
	LogWalletTopUp(ctx context.Context, tenantID, actorUserID, actorRole, ip, clientID, topUpID string, amount int64, reason string) error
}

// Options tune conflict retries. Zero values fall back to defaults.
type Options struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 20 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 500 * time.Millisecond
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = o.RetryBaseDelay
	}
	return o
}

// DefaultOptions retries a conflicted settlement three times.
func DefaultOptions() Options {
	return Options{MaxRetries: 3}.withDefaults()
}

// Deps are the engine's collaborators. Only Store is required.
type Deps struct {
	Store     wallet.Store
	Locker    Locker
	Publisher events.Publisher
	Audit     AuditLogger
	Metrics   *Metrics
	Log       *slog.Logger
}

// Engine owns every balance-changing wallet operation.
//
// Concurrency:
// - one client's operations are serialized by Locker for their whole run
// - SaveWallet re-checks the wallet version; a conflict reruns the attempt
// - different clients never share a lock
type Engine struct {
	store     wallet.Store
	locker    Locker
	publisher events.Publisher
	audit     AuditLogger
	metrics   *Metrics
	log       *slog.Logger
	opts      Options
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewEngine(d Deps, opts Options) (*Engine, error) {
	if d.Store == nil {
		return nil, errors.New("settlement: wallet store is required")
	}
	e := &Engine{
		store:     d.Store,
		locker:    d.Locker,
		publisher: d.Publisher,
		audit:     d.Audit,
		metrics:   d.Metrics,
		log:       d.Log,
		opts:      opts.withDefaults(),
		clock:     time.Now,
	}
	if e.locker == nil {
		e.locker = NewKeyedMutex()
	}
	if e.publisher == nil {
		e.publisher = events.NoopPublisher{}
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e, nil
}

func (r Request) validate() error {
	if strings.TrimSpace(r.TenantID) == "" || strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("%w: tenant_id and client_id are required", wallet.ErrInvalidArgument)
	}
	if r.RequestedAmount <= 0 {
		return fmt.Errorf("%w: requested amount must be > 0, got %d", wallet.ErrInvalidAmount, r.RequestedAmount)
	}
	return r.Policy.Validate()
}

// Settle applies one billable service to the client's wallet. Either every
// effect commits or none does. With an IdempotencyKey, a repeated call
// returns the stored Result with Replayed set and changes nothing.
func (e *Engine) Settle(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := e.settle(ctx, req)
	e.metrics.Operations.WithLabelValues("settle", outcome(err, res.Replayed)).Inc()
	e.metrics.Duration.WithLabelValues("settle").Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, err
	}

	if res.Replayed {
		e.log.InfoContext(ctx, "settlement replayed",
			"tenant_id", req.TenantID,
			"client_id", req.ClientID,
			"settlement_id", res.SettlementID,
		)
		return res, nil
	}

	e.metrics.WalletUsed.Add(float64(res.WalletUsedAmount))
	e.metrics.GiftIssued.Add(float64(res.GiftAmount))
	e.metrics.CreditExpired.Add(float64(res.ExpiredAmount))
	e.log.InfoContext(ctx, "settlement completed",
		"tenant_id", req.TenantID,
		"client_id", req.ClientID,
		"settlement_id", res.SettlementID,
		"requested", res.RequestedAmount,
		"wallet_used", res.WalletUsedAmount,
		"final", res.FinalAmount,
		"gift", res.GiftAmount,
		"new_balance", res.NewBalance,
	)
	e.publish(ctx, events.New(events.TypeSettlementCompleted, req.TenantID, req.ClientID, e.clock(), res))
	return res, nil
}

func (e *Engine) settle(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	unlock, err := e.locker.Lock(ctx, lockKey(req.TenantID, req.ClientID))
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	return retrying(ctx, e, "settle", func() (Result, error) {
		return e.settleOnce(ctx, req)
	})
}

// Settlement keys live next to top-up keys in one table; each kind gets its
// own prefix so a caller-chosen key can never reach the other kind's record.
const settleKeyPrefix = "settle:"

func (e *Engine) settleOnce(ctx context.Context, req Request) (Result, error) {
	now := e.clock().UTC().Truncate(time.Microsecond)
	var res Result
	key := ""
	if req.IdempotencyKey != "" {
		key = settleKeyPrefix + req.IdempotencyKey
	}

	err := e.store.WithinTx(ctx, func(ctx context.Context, tx wallet.Tx) error {
		if key != "" {
			found, err := replay(ctx, tx, req.TenantID, req.ClientID, key, &res)
			if err != nil || found {
				return err
			}
		}

		w, err := tx.LoadWallet(ctx, req.TenantID, req.ClientID)
		if err != nil {
			return err
		}
		res, err = e.apply(ctx, w, req, now)
		if err != nil {
			return err
		}
		for _, entry := range res.LedgerEntries {
			if err := tx.AppendLedger(ctx, entry); err != nil {
				return err
			}
		}
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}

		payload, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("%w: encode settlement: %v", wallet.ErrPersistence, err)
		}
		rec := wallet.SettlementRecord{
			ID:             res.SettlementID,
			TenantID:       req.TenantID,
			ClientID:       req.ClientID,
			IdempotencyKey: key,
			ServiceID:      req.ServiceID,
			Result:         payload,
			CreatedAt:      now,
		}
		if res.GrantedCredit != nil {
			rec.GrantID = res.GrantedCredit.ID
		}
		return tx.SaveSettlement(ctx, rec)
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// apply runs the settlement arithmetic against a loaded wallet. It only
// mutates w and builds the ledger entries; persisting them is the caller's job.
func (e *Engine) apply(ctx context.Context, w *wallet.Wallet, req Request, now time.Time) (Result, error) {
	res := Result{
		SettlementID:    uuid.NewString(),
		RequestedAmount: req.RequestedAmount,
		ConsumedGrants:  []ConsumedGrant{},
	}
	stamp := func(entry wallet.LedgerEntry, description string) {
		entry.Description = description
		entry.RelatedServiceID = req.ServiceID
		entry.PerformedBy = req.ActorID
		entry.SettlementID = res.SettlementID
		res.LedgerEntries = append(res.LedgerEntries, entry)
	}

	// Lapsed credit leaves the balance before anything is spent. The balance
	// can hold less than the lapsed grants when it predates grant tracking;
	// only what the balance holds is forfeited.
	if lapsed := w.ExpireDue(now); lapsed > 0 {
		expired := min(lapsed, w.Balance())
		if expired < lapsed {
			e.metrics.Divergence.Inc()
			e.log.WarnContext(ctx, "lapsed grants exceed wallet balance",
				"tenant_id", req.TenantID,
				"client_id", req.ClientID,
				"balance", w.Balance(),
				"lapsed", lapsed,
			)
		}
		if expired > 0 {
			if err := w.ApplyExpiry(expired); err != nil {
				return Result{}, err
			}
			res.ExpiredAmount = expired
			stamp(wallet.NewEntry(w, wallet.EntryExpire, expired, now), "gift credit expired")
		}
	}

	if req.UseWallet && w.Balance() > 0 {
		toDeduct := min(w.Balance(), req.RequestedAmount)
		left := toDeduct
		for _, g := range w.SelectEligible(now) {
			if left == 0 {
				break
			}
			take := min(g.Remaining, left)
			if err := w.Consume(g.ID, take); err != nil {
				return Result{}, err
			}
			res.ConsumedGrants = append(res.ConsumedGrants, ConsumedGrant{GrantID: g.ID, AmountTaken: take})
			left -= take
		}
		if left > 0 {
			// Balance carried from before grants were tracked. It is still
			// honored, but the books no longer add up.
			e.metrics.Divergence.Inc()
			e.log.WarnContext(ctx, "wallet balance not backed by grants",
				"tenant_id", req.TenantID,
				"client_id", req.ClientID,
				"balance", w.Balance(),
				"grant_remaining", w.SumRemaining(),
				"shortfall", left,
			)
		}
		res.WalletUsedAmount = toDeduct
	}

	res.FinalAmount = req.RequestedAmount - res.WalletUsedAmount
	if err := w.ApplyConsumption(res.WalletUsedAmount); err != nil {
		return Result{}, err
	}
	if err := w.RecordSpend(res.FinalAmount); err != nil {
		return Result{}, err
	}
	w.RecordVisit(now)

	if res.WalletUsedAmount > 0 {
		desc := req.Description
		if desc == "" {
			desc = "gift credit used for service"
		}
		stamp(wallet.NewEntry(w, wallet.EntryWithdraw, res.WalletUsedAmount, now), desc)
	}

	// Gift is earned on the full price, before wallet deduction.
	if gift := req.Policy.GiftFor(req.RequestedAmount); gift > 0 {
		exp := req.Policy.ExpiresAt(now)
		g, err := w.IssueGrant(gift, wallet.GrantSourceService, req.ServiceID, now, &exp)
		if err != nil {
			return Result{}, err
		}
		if err := w.ApplyGrant(gift); err != nil {
			return Result{}, err
		}
		res.GiftAmount = gift
		res.GrantedCredit = &g
		stamp(wallet.NewEntry(w, wallet.EntryDeposit, gift, now),
			fmt.Sprintf("gift credit %d%% of %d", req.Policy.GiftPercentage, req.RequestedAmount))
	}

	res.NewBalance = w.Balance()
	if res.LedgerEntries == nil {
		res.LedgerEntries = []wallet.LedgerEntry{}
	}
	return res, nil
}

// replay loads a stored outcome for key into out. A key reused for another
// client is rejected rather than replayed.
func replay(ctx context.Context, tx wallet.Tx, tenantID, clientID, key string, out any) (bool, error) {
	rec, found, err := tx.FindSettlement(ctx, tenantID, key)
	if err != nil || !found {
		return false, err
	}
	if rec.ClientID != clientID {
		return false, fmt.Errorf("%w: idempotency key %q was used for another client", wallet.ErrInvalidArgument, key)
	}
	if err := json.Unmarshal(rec.Result, out); err != nil {
		return false, fmt.Errorf("%w: decode stored result %s: %v", wallet.ErrPersistence, rec.ID, err)
	}
	switch v := out.(type) {
	case *Result:
		v.Replayed = true
	case *TopUpResult:
		v.Replayed = true
	}
	return true, nil
}

// retrying reruns fn while it fails with ErrConcurrencyConflict, with
// exponential backoff, and surfaces the last error once retries run out.
func retrying[T any](ctx context.Context, e *Engine, op string, fn func() (T, error)) (T, error) {
	rp := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return errors.Is(err, wallet.ErrConcurrencyConflict)
		}).
		WithMaxRetries(e.opts.MaxRetries).
		WithBackoff(e.opts.RetryBaseDelay, e.opts.RetryMaxDelay).
		WithJitterFactor(0.1).
		Build()

	var (
		attempts int
		lastErr  error
	)
	out, err := failsafe.With(rp).WithContext(ctx).Get(func() (T, error) {
		attempts++
		v, err := fn()
		lastErr = err
		return v, err
	})
	if attempts > 1 {
		e.metrics.Retries.WithLabelValues(op).Add(float64(attempts - 1))
	}
	if err != nil {
		var zero T
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if lastErr != nil {
			return zero, lastErr
		}
		return zero, err
	}
	return out, nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.metrics.PublishFailures.Inc()
		e.log.WarnContext(ctx, "event publish failed",
			"event_type", ev.Type,
			"tenant_id", ev.TenantID,
			"client_id", ev.ClientID,
			"error", err,
		)
	}
}
