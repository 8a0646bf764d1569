package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"salon-loyalty/internal/events"
	"salon-loyalty/internal/wallet"

	"github.com/google/uuid"
)

// TopUpRequest adds credit by hand, e.g. a goodwill gesture from the front
// desk manager. The credit is a manual grant so it is spent FIFO like any
// other; a nil ExpiresAt never expires.
type TopUpRequest struct {
	TenantID       string
	ClientID       string
	Amount         int64
	ExpiresAt      *time.Time
	Reason         string
	ActorID        string
	ActorRole      string
	IPAddress      string
	IdempotencyKey string
}

type TopUpResult struct {
	TopUpID    string             `json:"top_up_id"`
	Grant      wallet.Grant       `json:"grant"`
	Entry      wallet.LedgerEntry `json:"entry"`
	NewBalance int64              `json:"new_balance"`
	Replayed   bool               `json:"replayed"`
}

// See settleKeyPrefix.
const topUpKeyPrefix = "top-up:"

func (e *Engine) TopUp(ctx context.Context, req TopUpRequest) (TopUpResult, error) {
	start := time.Now()
	res, err := e.topUp(ctx, req)
	e.metrics.Operations.WithLabelValues("top_up", outcome(err, res.Replayed)).Inc()
	e.metrics.Duration.WithLabelValues("top_up").Observe(time.Since(start).Seconds())
	if err != nil {
		return TopUpResult{}, err
	}
	if res.Replayed {
		return res, nil
	}

	e.metrics.ToppedUp.Add(float64(req.Amount))
	e.log.InfoContext(ctx, "wallet topped up",
		"tenant_id", req.TenantID,
		"client_id", req.ClientID,
		"amount", req.Amount,
		"actor_id", req.ActorID,
		"new_balance", res.NewBalance,
	)
	if e.audit != nil {
		// Best-effort: the credit is already committed.
		if err := e.audit.LogWalletTopUp(ctx, req.TenantID, req.ActorID, req.ActorRole, req.IPAddress, req.ClientID, res.TopUpID, req.Amount, req.Reason); err != nil {
			e.log.WarnContext(ctx, "audit append failed", "tenant_id", req.TenantID, "error", err)
		}
	}
	e.publish(ctx, events.New(events.TypeWalletToppedUp, req.TenantID, req.ClientID, e.clock(), res))
	return res, nil
}

func (e *Engine) topUp(ctx context.Context, req TopUpRequest) (TopUpResult, error) {
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.ClientID) == "" {
		return TopUpResult{}, fmt.Errorf("%w: tenant_id and client_id are required", wallet.ErrInvalidArgument)
	}
	if req.Amount <= 0 {
		return TopUpResult{}, fmt.Errorf("%w: top-up amount must be > 0, got %d", wallet.ErrInvalidAmount, req.Amount)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(e.clock()) {
		return TopUpResult{}, fmt.Errorf("%w: expires_at must be in the future", wallet.ErrInvalidArgument)
	}

	unlock, err := e.locker.Lock(ctx, lockKey(req.TenantID, req.ClientID))
	if err != nil {
		return TopUpResult{}, err
	}
	defer unlock()

	return retrying(ctx, e, "top_up", func() (TopUpResult, error) {
		return e.topUpOnce(ctx, req)
	})
}

func (e *Engine) topUpOnce(ctx context.Context, req TopUpRequest) (TopUpResult, error) {
	now := e.clock().UTC().Truncate(time.Microsecond)
	var res TopUpResult
	key := ""
	if req.IdempotencyKey != "" {
		key = topUpKeyPrefix + req.IdempotencyKey
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
		res.TopUpID = uuid.NewString()
		g, err := w.IssueGrant(req.Amount, wallet.GrantSourceManual, res.TopUpID, now, req.ExpiresAt)
		if err != nil {
			return err
		}
		if err := w.ApplyGrant(req.Amount); err != nil {
			return err
		}
		entry := wallet.NewEntry(w, wallet.EntryDeposit, req.Amount, now)
		entry.Description = req.Reason
		if entry.Description == "" {
			entry.Description = "manual top-up"
		}
		entry.PerformedBy = req.ActorID

		if err := tx.AppendLedger(ctx, entry); err != nil {
			return err
		}
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		res.Grant = g
		res.Entry = entry
		res.NewBalance = w.Balance()

		if key == "" {
			return nil
		}
		payload, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("%w: encode top-up: %v", wallet.ErrPersistence, err)
		}
		return tx.SaveSettlement(ctx, wallet.SettlementRecord{
			ID:             res.TopUpID,
			TenantID:       req.TenantID,
			ClientID:       req.ClientID,
			IdempotencyKey: key,
			Result:         payload,
			CreatedAt:      now,
		})
	})
	if err != nil {
		return TopUpResult{}, err
	}
	return res, nil
}

// AttachService links a settlement made before its service record existed.
// It fills related_service_id only where it is still empty and refuses to
// move a settlement to a different service.
func (e *Engine) AttachService(ctx context.Context, tenantID, settlementID, serviceID string) (int64, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(settlementID) == "" || strings.TrimSpace(serviceID) == "" {
		return 0, fmt.Errorf("%w: tenant_id, settlement_id and service_id are required", wallet.ErrInvalidArgument)
	}
	var n int64
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx wallet.Tx) error {
		var err error
		n, err = tx.AttachService(ctx, tenantID, settlementID, serviceID)
		return err
	})
	e.metrics.Operations.WithLabelValues("attach_service", outcome(err, false)).Inc()
	if err != nil {
		return 0, err
	}
	e.log.InfoContext(ctx, "service attached to settlement",
		"tenant_id", tenantID,
		"settlement_id", settlementID,
		"service_id", serviceID,
		"entries", n,
	)
	return n, nil
}
