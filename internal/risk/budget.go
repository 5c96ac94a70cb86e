package risk

import (
	"github.com/shopspring/decimal"
)

// Budget carries the hard limits the gate enforces plus the running daily
// loss counter. It is owned by the execution coordinator: all mutation
// happens under the coordinator's single-writer discipline, never through
// a shared global.
type Budget struct {
	MaxRiskPerTradePct     decimal.Decimal
	MaxDailyLossAbs        decimal.Decimal
	MaxConcurrentPositions int

	// LossAccruedToday is monotonically increasing; it is reset only at
	// the daily boundary and never decremented by profits.
	LossAccruedToday decimal.Decimal
}

// AccrueLoss adds a realized loss (positive magnitude) to the daily counter.
func (b *Budget) AccrueLoss(loss decimal.Decimal) {
	if loss.IsPositive() {
		b.LossAccruedToday = b.LossAccruedToday.Add(loss)
	}
}

// ResetDaily zeroes the daily loss counter at the day boundary.
func (b *Budget) ResetDaily() {
	b.LossAccruedToday = decimal.Zero
}

// DailyLimitReached reports whether no further orders may be admitted today.
func (b *Budget) DailyLimitReached() bool {
	return b.MaxDailyLossAbs.IsPositive() && b.LossAccruedToday.GreaterThanOrEqual(b.MaxDailyLossAbs)
}
