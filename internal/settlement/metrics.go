package settlement

import (
	"errors"

	"salon-loyalty/internal/policy"
	"salon-loyalty/internal/wallet"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus collectors. NewMetrics(nil) builds
// unregistered collectors, which is what tests use.
type Metrics struct {
	Operations      *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
	Retries         *prometheus.CounterVec
	WalletUsed      prometheus.Counter
	GiftIssued      prometheus.Counter
	CreditExpired   prometheus.Counter
	ToppedUp        prometheus.Counter
	Divergence      prometheus.Counter
	PublishFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "settlement",
				Name:      "operations_total",
				Help:      "Wallet operations by kind and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "loyalty",
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "Wall time of wallet operations including lock wait and retries.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"operation"},
		),
		Retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "settlement",
				Name:      "conflict_retries_total",
				Help:      "Attempts repeated after an optimistic version conflict.",
			},
			[]string{"operation"},
		),
		WalletUsed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "settlement",
			Name:      "wallet_used_minor_units_total",
			Help:      "Gift credit applied against services.",
		}),
		GiftIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "settlement",
			Name:      "gift_issued_minor_units_total",
			Help:      "Gift credit issued by settlements.",
		}),
		CreditExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "settlement",
			Name:      "credit_expired_minor_units_total",
			Help:      "Gift credit forfeited by the expiry sweep.",
		}),
		ToppedUp: f.NewCounter(prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "settlement",
			Name:      "topped_up_minor_units_total",
			Help:      "Credit added by manual top-ups.",
		}),
		Divergence: f.NewCounter(prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "settlement",
			Name:      "balance_divergence_total",
			Help:      "Settlements where eligible grants could not cover the deducted balance.",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "settlement",
			Name:      "event_publish_failures_total",
			Help:      "Post-commit events that could not be published.",
		}),
	}
}

func outcome(err error, replayed bool) string {
	switch {
	case err == nil && replayed:
		return "replayed"
	case err == nil:
		return "ok"
	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidArgument),
		errors.Is(err, policy.ErrInvalidPolicy):
		return "invalid"
	case errors.Is(err, wallet.ErrWalletNotFound), errors.Is(err, wallet.ErrSettlementNotFound):
		return "not_found"
	case errors.Is(err, wallet.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, wallet.ErrPersistence):
		return "persistence"
	default:
		return "error"
	}
}
