// Package breaker implements the process-wide emergency halt switch.
// Once tripped it blocks admission of new signals only; in-flight orders
// run to completion. It stays tripped until an operator explicitly
// resets it. There is no automatic recovery: loss events require human
// re-approval.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds the trip thresholds. A threshold <= 0 disables that check.
type Config struct {
	// MaxConsecutiveAdapterFailures trips after this many adapter errors
	// without an intervening success.
	MaxConsecutiveAdapterFailures int

	// MaxFailedOrdersPerHour trips when terminal Failed orders exceed
	// this rate.
	MaxFailedOrdersPerHour int

	// DailyLossTripRatio trips when loss_accrued_today / max_daily_loss
	// reaches this ratio (1.0 = at the limit).
	DailyLossTripRatio float64
}

// Breaker is the process-wide circuit breaker.
type Breaker struct {
	cfg    Config
	logger *zap.Logger

	halted     atomic.Bool
	tripReason atomic.Value // string

	consecutiveAdapterFailures atomic.Int64

	mu           sync.Mutex
	failedOrders []time.Time // trailing-hour window

	onTrip func(reason string)
}

// New creates a breaker in the closed (trading allowed) state.
func New(cfg Config, logger *zap.Logger, onTrip func(reason string)) *Breaker {
	b := &Breaker{cfg: cfg, logger: logger, onTrip: onTrip}
	b.tripReason.Store("")
	return b
}

// Halted reports whether new signal admission is blocked.
func (b *Breaker) Halted() bool {
	return b.halted.Load()
}

// TripReason returns the reason recorded at trip time, empty when closed.
func (b *Breaker) TripReason() string {
	reason, _ := b.tripReason.Load().(string)
	return reason
}

// Trip halts admission. Idempotent: only the first trip records the reason
// and fires the callback.
func (b *Breaker) Trip(reason string) {
	if b.halted.CompareAndSwap(false, true) {
		b.tripReason.Store(reason)
		b.logger.Error("emergency breaker tripped", zap.String("reason", reason))
		if b.onTrip != nil {
			b.onTrip(reason)
		}
	}
}

// Reset re-opens admission. This is only reachable from the operator
// surface; nothing inside the pipeline calls it.
func (b *Breaker) Reset() {
	b.halted.Store(false)
	b.tripReason.Store("")
	b.consecutiveAdapterFailures.Store(0)
	b.mu.Lock()
	b.failedOrders = nil
	b.mu.Unlock()
	b.logger.Warn("emergency breaker manually reset")
}

// RecordAdapterFailure counts a failed adapter call and trips on a storm.
func (b *Breaker) RecordAdapterFailure(venue string) {
	failures := b.consecutiveAdapterFailures.Add(1)
	max := int64(b.cfg.MaxConsecutiveAdapterFailures)
	if max > 0 && failures >= max {
		b.Trip("adapter failure storm: " + venue)
	}
}

// RecordAdapterSuccess clears the consecutive failure counter.
func (b *Breaker) RecordAdapterSuccess() {
	b.consecutiveAdapterFailures.Store(0)
}

// RecordOrderFailed counts a terminal Failed order against the hourly rate.
func (b *Breaker) RecordOrderFailed() {
	if b.cfg.MaxFailedOrdersPerHour <= 0 {
		return
	}
	now := time.Now()
	cutoff := now.Add(-time.Hour)

	b.mu.Lock()
	kept := b.failedOrders[:0]
	for _, t := range b.failedOrders {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failedOrders = append(kept, now)
	count := len(b.failedOrders)
	b.mu.Unlock()

	if count >= b.cfg.MaxFailedOrdersPerHour {
		b.Trip("failed order rate exceeded")
	}
}

// ObserveDailyLoss trips when accrued loss reaches the configured ratio of
// the daily limit. Called by the coordinator after each ledger mutation.
func (b *Breaker) ObserveDailyLoss(lossAccrued, maxDailyLoss decimal.Decimal) {
	if b.cfg.DailyLossTripRatio <= 0 || !maxDailyLoss.IsPositive() {
		return
	}
	threshold := maxDailyLoss.Mul(decimal.NewFromFloat(b.cfg.DailyLossTripRatio))
	if lossAccrued.GreaterThanOrEqual(threshold) {
		b.Trip("daily loss limit reached")
	}
}
