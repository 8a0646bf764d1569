package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"salon-loyalty/internal/events"
	"salon-loyalty/internal/policy"
	"salon-loyalty/internal/wallet"
	"salon-loyalty/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

const (
	tenant = "salon-1"
	client = "client-1"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type auditCall struct {
	tenantID, actorID, role, clientID, topUpID string
	amount                                     int64
}

type recordingAudit struct {
	mu    sync.Mutex
	calls []auditCall
}

func (a *recordingAudit) LogWalletTopUp(_ context.Context, tenantID, actorUserID, actorRole, _, clientID, topUpID string, amount int64, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, auditCall{tenantID, actorUserID, actorRole, clientID, topUpID, amount})
	return nil
}

type fixture struct {
	store  *wallet.MemoryStore
	engine *Engine
	pub    *recordingPublisher
	audit  *recordingAudit
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: wallet.NewMemoryStore(),
		pub:   &recordingPublisher{},
		audit: &recordingAudit{},
		now:   t0,
	}
	e, err := NewEngine(Deps{
		Store:     f.store,
		Publisher: f.pub,
		Audit:     f.audit,
		Log:       logger.Discard(),
	}, Options{MaxRetries: 3, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	require.NoError(t, err)
	e.clock = func() time.Time { return f.now }
	f.engine = e

	f.store.Seed(wallet.New(tenant, client, t0))
	return f
}

// credit adds a manual grant created at `at`.
func (f *fixture) credit(t *testing.T, amount int64, at time.Time, expiresAt *time.Time) wallet.Grant {
	t.Helper()
	f.now = at
	res, err := f.engine.TopUp(context.Background(), TopUpRequest{
		TenantID:  tenant,
		ClientID:  client,
		Amount:    amount,
		ExpiresAt: expiresAt,
		ActorID:   "manager-1",
	})
	require.NoError(t, err)
	return res.Grant
}

func (f *fixture) settle(t *testing.T, requested int64, useWallet bool) Result {
	t.Helper()
	res, err := f.engine.Settle(context.Background(), Request{
		TenantID:        tenant,
		ClientID:        client,
		RequestedAmount: requested,
		UseWallet:       useWallet,
		Policy:          policy.Defaults(),
		ActorID:         "staff-1",
		ServiceID:       "svc-1",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) current(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), tenant, client)
	require.NoError(t, err)
	return w
}

func ptr(t time.Time) *time.Time { return &t }

func TestSettle_SpendsCreditAndIssuesGiftOnFullPrice(t *testing.T) {
	f := newFixture(t)
	g := f.credit(t, 1000, t0, nil)

	f.now = t0.Add(time.Hour)
	res := f.settle(t, 700, true)

	assert.Equal(t, int64(700), res.WalletUsedAmount)
	assert.Equal(t, int64(0), res.FinalAmount)
	assert.Equal(t, int64(70), res.GiftAmount)
	assert.Equal(t, int64(370), res.NewBalance)
	assert.Equal(t, []ConsumedGrant{{GrantID: g.ID, AmountTaken: 700}}, res.ConsumedGrants)
	require.NotNil(t, res.GrantedCredit)
	assert.Equal(t, wallet.GrantSourceService, res.GrantedCredit.Source)
	assert.Equal(t, "svc-1", res.GrantedCredit.SourceRef)
	require.NotNil(t, res.GrantedCredit.ExpiresAt)
	assert.True(t, res.GrantedCredit.ExpiresAt.Equal(f.now.Add(365*24*time.Hour)))

	require.Len(t, res.LedgerEntries, 2)
	assert.Equal(t, wallet.EntryWithdraw, res.LedgerEntries[0].Type)
	assert.Equal(t, int64(700), res.LedgerEntries[0].Amount)
	assert.Equal(t, int64(300), res.LedgerEntries[0].BalanceAfter)
	assert.Equal(t, wallet.EntryDeposit, res.LedgerEntries[1].Type)
	assert.Equal(t, int64(70), res.LedgerEntries[1].Amount)
	assert.Equal(t, int64(370), res.LedgerEntries[1].BalanceAfter)
	for _, e := range res.LedgerEntries {
		assert.Equal(t, res.SettlementID, e.SettlementID)
		assert.Equal(t, "svc-1", e.RelatedServiceID)
		assert.Equal(t, "staff-1", e.PerformedBy)
	}

	w := f.current(t)
	st := w.State()
	assert.Equal(t, int64(370), st.Balance)
	assert.Equal(t, int64(1070), st.TotalGranted)
	assert.Equal(t, int64(700), st.TotalUsed)
	assert.Equal(t, int64(0), st.TotalSpent)
	assert.Equal(t, int64(1), st.ServiceCount)
	assert.True(t, w.Consistent())

	grants := w.Grants()
	require.Len(t, grants, 2)
	assert.Equal(t, int64(300), grants[0].Remaining)
	assert.Equal(t, int64(700), grants[0].Consumed)
	assert.Equal(t, int64(70), grants[1].Remaining)

	assert.Equal(t, []string{events.TypeWalletToppedUp, events.TypeSettlementCompleted}, f.pub.types())
}

func TestSettle_EmptyWalletStillEarnsGift(t *testing.T) {
	f := newFixture(t)
	res := f.settle(t, 50, true)

	assert.Equal(t, int64(0), res.WalletUsedAmount)
	assert.Equal(t, int64(50), res.FinalAmount)
	assert.Equal(t, int64(5), res.GiftAmount)
	assert.Equal(t, int64(5), res.NewBalance)
	assert.Empty(t, res.ConsumedGrants)
	require.Len(t, res.LedgerEntries, 1)
	assert.Equal(t, wallet.EntryDeposit, res.LedgerEntries[0].Type)

	st := f.current(t).State()
	assert.Equal(t, int64(50), st.TotalSpent)
}

func TestSettle_ConsumesOldestGrantsFirst(t *testing.T) {
	f := newFixture(t)
	g1 := f.credit(t, 100, t0, nil)
	g2 := f.credit(t, 200, t0.Add(time.Minute), nil)
	g3 := f.credit(t, 300, t0.Add(2*time.Minute), nil)

	f.now = t0.Add(time.Hour)
	res := f.settle(t, 250, true)

	assert.Equal(t, []ConsumedGrant{
		{GrantID: g1.ID, AmountTaken: 100},
		{GrantID: g2.ID, AmountTaken: 150},
	}, res.ConsumedGrants)

	byID := map[string]wallet.Grant{}
	for _, g := range f.current(t).Grants() {
		byID[g.ID] = g
	}
	assert.Equal(t, int64(0), byID[g1.ID].Remaining)
	assert.Equal(t, int64(50), byID[g2.ID].Remaining)
	assert.Equal(t, int64(300), byID[g3.ID].Remaining)
}

func TestSettle_ExpiredCreditIsForfeitedNotSpent(t *testing.T) {
	f := newFixture(t)
	old := f.credit(t, 100, t0, ptr(t0.Add(time.Hour)))
	fresh := f.credit(t, 200, t0.Add(time.Minute), nil)

	f.now = t0.Add(2 * time.Hour)
	res := f.settle(t, 150, true)

	assert.Equal(t, int64(100), res.ExpiredAmount)
	assert.Equal(t, []ConsumedGrant{{GrantID: fresh.ID, AmountTaken: 150}}, res.ConsumedGrants)
	assert.Equal(t, int64(150), res.WalletUsedAmount)
	assert.Equal(t, int64(0), res.FinalAmount)

	require.Len(t, res.LedgerEntries, 3)
	assert.Equal(t, wallet.EntryExpire, res.LedgerEntries[0].Type)
	assert.Equal(t, int64(200), res.LedgerEntries[0].BalanceAfter)
	assert.Equal(t, int64(50), res.LedgerEntries[1].BalanceAfter)
	assert.Equal(t, int64(65), res.LedgerEntries[2].BalanceAfter)

	w := f.current(t)
	for _, g := range w.Grants() {
		if g.ID == old.ID {
			assert.Equal(t, int64(0), g.Remaining)
			assert.Equal(t, int64(0), g.Consumed)
			assert.Equal(t, int64(100), g.Expired)
		}
	}
	assert.Equal(t, int64(100), w.State().TotalExpired)
	assert.True(t, w.Consistent())
}

func TestSettle_GrantExpiringExactlyNowIsNotSpent(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 100, t0, ptr(t0.Add(time.Hour)))

	f.now = t0.Add(time.Hour)
	res := f.settle(t, 40, true)

	assert.Equal(t, int64(0), res.WalletUsedAmount)
	assert.Equal(t, int64(40), res.FinalAmount)
	assert.Equal(t, int64(4), res.NewBalance)
}

func TestSettle_DeductionCappedAtBalance(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 30, t0, nil)

	res := f.settle(t, 100, true)
	assert.Equal(t, int64(30), res.WalletUsedAmount)
	assert.Equal(t, int64(70), res.FinalAmount)
	assert.Equal(t, res.RequestedAmount, res.WalletUsedAmount+res.FinalAmount)
	assert.Equal(t, int64(10), res.NewBalance)
}

func TestSettle_WalletOptOutKeepsBalance(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 100, t0, nil)

	res := f.settle(t, 80, false)
	assert.Equal(t, int64(0), res.WalletUsedAmount)
	assert.Equal(t, int64(80), res.FinalAmount)
	assert.Equal(t, int64(108), res.NewBalance)
	assert.Empty(t, res.ConsumedGrants)
}

func TestSettle_LegacyBalanceIsHonoredAndFlagged(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(wallet.Restore(wallet.State{
		TenantID: tenant, ClientID: "legacy", Balance: 300, TotalGranted: 300, CreatedAt: t0,
	}, nil))

	res, err := f.engine.Settle(context.Background(), Request{
		TenantID:        tenant,
		ClientID:        "legacy",
		RequestedAmount: 200,
		UseWallet:       true,
		Policy:          policy.Defaults(),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(200), res.WalletUsedAmount)
	assert.Equal(t, int64(0), res.FinalAmount)
	assert.Empty(t, res.ConsumedGrants)
	assert.Equal(t, int64(120), res.NewBalance)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.engine.metrics.Divergence))
}

func TestSettle_LapsedCreditBeyondBalanceDoesNotBlockSettlement(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(wallet.Restore(wallet.State{
		TenantID: tenant, ClientID: "drifted", Balance: 40, TotalGranted: 100, TotalUsed: 60, CreatedAt: t0.Add(-72 * time.Hour),
	}, []wallet.Grant{{
		ID: "g-old", Amount: 100, Remaining: 100, Source: wallet.GrantSourceManual,
		CreatedAt: t0.Add(-72 * time.Hour), ExpiresAt: ptr(t0.Add(-24 * time.Hour)),
	}}))

	res, err := f.engine.Settle(context.Background(), Request{
		TenantID:        tenant,
		ClientID:        "drifted",
		RequestedAmount: 50,
		Policy:          policy.Defaults(),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(40), res.ExpiredAmount)
	assert.Equal(t, int64(50), res.FinalAmount)
	assert.Equal(t, int64(5), res.NewBalance)
	require.Len(t, res.LedgerEntries, 2)
	assert.Equal(t, wallet.EntryExpire, res.LedgerEntries[0].Type)
	assert.Equal(t, int64(0), res.LedgerEntries[0].BalanceAfter)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.engine.metrics.Divergence))

	w, err := f.store.GetWallet(context.Background(), tenant, "drifted")
	require.NoError(t, err)
	assert.Equal(t, int64(5), w.Balance())
	assert.Equal(t, int64(40), w.State().TotalExpired)
	assert.True(t, w.Consistent())
}

func TestSettle_RejectsBadInputWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 100, t0, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"zero amount", Request{TenantID: tenant, ClientID: client, Policy: policy.Defaults()}, wallet.ErrInvalidAmount},
		{"negative amount", Request{TenantID: tenant, ClientID: client, RequestedAmount: -5, Policy: policy.Defaults()}, wallet.ErrInvalidAmount},
		{"missing tenant", Request{ClientID: client, RequestedAmount: 10, Policy: policy.Defaults()}, wallet.ErrInvalidArgument},
		{"bad policy", Request{TenantID: tenant, ClientID: client, RequestedAmount: 10, Policy: policy.Policy{GiftPercentage: 101, CreditExpiryDays: 1}}, policy.ErrInvalidPolicy},
		{"unknown client", Request{TenantID: tenant, ClientID: "ghost", RequestedAmount: 10, Policy: policy.Defaults()}, wallet.ErrWalletNotFound},
		{"other tenant", Request{TenantID: "salon-2", ClientID: client, RequestedAmount: 10, Policy: policy.Defaults()}, wallet.ErrWalletNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Settle(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}

	assert.Equal(t, int64(100), f.current(t).Balance())
	assert.Len(t, f.store.Ledger(tenant, client), 1)
}

func TestSettle_FailureRollsBackEverything(t *testing.T) {
	for _, op := range []string{"LoadWallet", "AppendLedger", "SaveWallet", "SaveSettlement"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t)
			g := f.credit(t, 500, t0, nil)
			before := f.current(t).State()

			f.store.FailOn = func(name string) error {
				if name == op {
					return errors.New("disk full")
				}
				return nil
			}
			_, err := f.engine.Settle(context.Background(), Request{
				TenantID: tenant, ClientID: client, RequestedAmount: 200, UseWallet: true, Policy: policy.Defaults(),
			})
			require.ErrorIs(t, err, wallet.ErrPersistence)
			f.store.FailOn = nil

			w := f.current(t)
			assert.Equal(t, before, w.State())
			require.Len(t, w.Grants(), 1)
			assert.Equal(t, g.Remaining, w.Grants()[0].Remaining)
			assert.Len(t, f.store.Ledger(tenant, client), 1)
			assert.Equal(t, []string{events.TypeWalletToppedUp}, f.pub.types())
		})
	}
}

func TestSettle_IdempotencyKeyReplaysStoredResult(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 500, t0, nil)
	ctx := context.Background()
	req := Request{
		TenantID: tenant, ClientID: client, RequestedAmount: 200, UseWallet: true,
		Policy: policy.Defaults(), IdempotencyKey: "visit-42",
	}

	first, err := f.engine.Settle(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.engine.Settle(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.SettlementID, second.SettlementID)
	assert.Equal(t, first.WalletUsedAmount, second.WalletUsedAmount)
	assert.Equal(t, first.FinalAmount, second.FinalAmount)
	assert.Equal(t, first.NewBalance, second.NewBalance)
	assert.Equal(t, first.ConsumedGrants, second.ConsumedGrants)

	assert.Equal(t, int64(320), f.current(t).Balance())
	assert.Len(t, f.store.Ledger(tenant, client), 3)
	assert.Equal(t, []string{events.TypeWalletToppedUp, events.TypeSettlementCompleted}, f.pub.types())

	f.store.Seed(wallet.New(tenant, "client-2", t0))
	req.ClientID = "client-2"
	_, err = f.engine.Settle(ctx, req)
	require.ErrorIs(t, err, wallet.ErrInvalidArgument)
}

func TestSettle_KeyShapedLikeTopUpKeyStillSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.TopUp(ctx, TopUpRequest{
		TenantID: tenant, ClientID: client, Amount: 500, ActorID: "owner-1", IdempotencyKey: "abc",
	})
	require.NoError(t, err)

	res, err := f.engine.Settle(ctx, Request{
		TenantID: tenant, ClientID: client, RequestedAmount: 300, UseWallet: true,
		Policy: policy.Defaults(), IdempotencyKey: "top-up:abc",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.NotEmpty(t, res.SettlementID)
	assert.Equal(t, int64(300), res.WalletUsedAmount)
	assert.Equal(t, int64(0), res.FinalAmount)
	assert.Equal(t, int64(230), res.NewBalance)
	assert.Equal(t, int64(230), f.current(t).Balance())

	again, err := f.engine.Settle(ctx, Request{
		TenantID: tenant, ClientID: client, RequestedAmount: 300, UseWallet: true,
		Policy: policy.Defaults(), IdempotencyKey: "top-up:abc",
	})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.SettlementID, again.SettlementID)
	assert.Equal(t, int64(230), f.current(t).Balance())
}

func TestSettle_RetriesVersionConflicts(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 500, t0, nil)

	saves := 0
	f.store.FailOn = func(op string) error {
		if op != "SaveWallet" {
			return nil
		}
		saves++
		if saves <= 2 {
			return wallet.ErrConcurrencyConflict
		}
		return nil
	}

	res := f.settle(t, 100, true)
	assert.Equal(t, int64(100), res.WalletUsedAmount)
	assert.Equal(t, 3, saves)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.engine.metrics.Retries.WithLabelValues("settle")))
	assert.Len(t, f.store.Ledger(tenant, client), 3)
}

func TestSettle_ConflictSurfacesAfterRetriesRunOut(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 500, t0, nil)

	saves := 0
	f.store.FailOn = func(op string) error {
		if op == "SaveWallet" {
			saves++
			return wallet.ErrConcurrencyConflict
		}
		return nil
	}

	_, err := f.engine.Settle(context.Background(), Request{
		TenantID: tenant, ClientID: client, RequestedAmount: 100, UseWallet: true, Policy: policy.Defaults(),
	})
	require.ErrorIs(t, err, wallet.ErrConcurrencyConflict)
	assert.Equal(t, 4, saves)

	f.store.FailOn = nil
	assert.Equal(t, int64(500), f.current(t).Balance())
}

func TestSettle_ConcurrentRequestsNeverOverspend(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 1000, t0, nil)
	noGift := policy.Policy{GiftPercentage: 0, CreditExpiryDays: 1}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		used int64
		errs []error
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Settle(context.Background(), Request{
				TenantID: tenant, ClientID: client, RequestedAmount: 100, UseWallet: true, Policy: noGift,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			used += res.WalletUsedAmount
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, int64(1000), used)
	w := f.current(t)
	assert.Equal(t, int64(0), w.Balance())
	assert.True(t, w.Consistent())
	assert.Equal(t, int64(20), w.State().ServiceCount)
	assert.Equal(t, 0, f.engine.locker.(*KeyedMutex).Len())
}

func TestSettle_LedgerExplainsEveryBalanceChange(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 100, t0, ptr(t0.Add(time.Hour)))
	f.credit(t, 250, t0.Add(time.Minute), nil)

	f.now = t0.Add(2 * time.Hour)
	f.settle(t, 120, true)
	f.settle(t, 90, false)
	f.settle(t, 500, true)

	var running int64
	for _, e := range f.store.Ledger(tenant, client) {
		switch e.Type {
		case wallet.EntryDeposit:
			running += e.Amount
		case wallet.EntryWithdraw, wallet.EntryExpire:
			running -= e.Amount
		}
		require.Equal(t, running, e.BalanceAfter, "entry %s %s", e.Type, e.ID)
		require.GreaterOrEqual(t, e.BalanceAfter, int64(0))
	}
	w := f.current(t)
	assert.Equal(t, running, w.Balance())
	assert.True(t, w.Consistent())
}

func TestSettle_PublishFailureDoesNotFailSettlement(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("broker down")

	res := f.settle(t, 100, true)
	assert.Equal(t, int64(10), res.NewBalance)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.engine.metrics.PublishFailures))
}

func TestTopUp_AddsManualGrantAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.TopUp(ctx, TopUpRequest{
		TenantID: tenant, ClientID: client, Amount: 250, Reason: "birthday",
		ActorID: "owner-1", ActorRole: "owner", IdempotencyKey: "bday-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(250), res.NewBalance)
	assert.Equal(t, wallet.GrantSourceManual, res.Grant.Source)
	assert.Nil(t, res.Grant.ExpiresAt)
	assert.Equal(t, wallet.EntryDeposit, res.Entry.Type)
	assert.Equal(t, "birthday", res.Entry.Description)
	assert.Empty(t, res.Entry.SettlementID)

	again, err := f.engine.TopUp(ctx, TopUpRequest{
		TenantID: tenant, ClientID: client, Amount: 250, ActorID: "owner-1", IdempotencyKey: "bday-1",
	})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.TopUpID, again.TopUpID)
	assert.Equal(t, int64(250), f.current(t).Balance())

	require.Len(t, f.audit.calls, 1)
	assert.Equal(t, auditCall{tenant, "owner-1", "owner", client, res.TopUpID, 250}, f.audit.calls[0])
	assert.Equal(t, []string{events.TypeWalletToppedUp}, f.pub.types())

	// A settlement key with the same text is a different key.
	s, err := f.engine.Settle(ctx, Request{
		TenantID: tenant, ClientID: client, RequestedAmount: 10, Policy: policy.Defaults(), IdempotencyKey: "bday-1",
	})
	require.NoError(t, err)
	assert.False(t, s.Replayed)
}

func TestTopUp_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.TopUp(ctx, TopUpRequest{TenantID: tenant, ClientID: client, Amount: 0})
	require.ErrorIs(t, err, wallet.ErrInvalidAmount)

	_, err = f.engine.TopUp(ctx, TopUpRequest{TenantID: tenant, ClientID: client, Amount: 10, ExpiresAt: ptr(t0)})
	require.ErrorIs(t, err, wallet.ErrInvalidArgument)

	_, err = f.engine.TopUp(ctx, TopUpRequest{TenantID: tenant, ClientID: "ghost", Amount: 10})
	require.ErrorIs(t, err, wallet.ErrWalletNotFound)

	assert.Empty(t, f.audit.calls)
}

func TestAttachService_FillsMissingServiceOnce(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 100, t0, nil)
	ctx := context.Background()

	res, err := f.engine.Settle(ctx, Request{
		TenantID: tenant, ClientID: client, RequestedAmount: 60, UseWallet: true, Policy: policy.Defaults(),
	})
	require.NoError(t, err)
	for _, e := range res.LedgerEntries {
		require.Empty(t, e.RelatedServiceID)
	}

	n, err := f.engine.AttachService(ctx, tenant, res.SettlementID, "svc-9")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	for _, e := range f.store.Ledger(tenant, client) {
		if e.SettlementID == res.SettlementID {
			assert.Equal(t, "svc-9", e.RelatedServiceID)
		}
	}

	require.NotNil(t, res.GrantedCredit)
	for _, g := range f.current(t).Grants() {
		if g.ID == res.GrantedCredit.ID {
			assert.Equal(t, "svc-9", g.SourceRef)
		} else {
			assert.NotEqual(t, "svc-9", g.SourceRef, "manual grant %s", g.ID)
		}
	}

	n, err = f.engine.AttachService(ctx, tenant, res.SettlementID, "svc-9")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = f.engine.AttachService(ctx, tenant, res.SettlementID, "svc-10")
	require.ErrorIs(t, err, wallet.ErrInvalidArgument)

	_, err = f.engine.AttachService(ctx, tenant, "missing", "svc-9")
	require.ErrorIs(t, err, wallet.ErrSettlementNotFound)

	_, err = f.engine.AttachService(ctx, "salon-2", res.SettlementID, "svc-9")
	require.ErrorIs(t, err, wallet.ErrSettlementNotFound)
}

func TestNewEngine_RequiresStore(t *testing.T) {
	_, err := NewEngine(Deps{}, DefaultOptions())
	require.Error(t, err)
}
