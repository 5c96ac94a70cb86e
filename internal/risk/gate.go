// Package risk implements the pre-admission risk gate. Evaluate is a pure
// function of its inputs: identical inputs always produce the identical
// decision, which makes audit replay and property testing possible.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/meridianx/execpipe/internal/ledger"
	"github.com/meridianx/execpipe/internal/model"
)

var (
	ErrDailyLimitBreached       = errors.New("daily loss limit breached")
	ErrPerTradeLimitBreached    = errors.New("per-trade risk limit breached")
	ErrConcurrencyLimitBreached = errors.New("concurrent position limit breached")
)

// Action is the outcome class of a gate evaluation.
type Action int

const (
	ActionAccept Action = iota
	ActionResize
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionResize:
		return "resize"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision is the gate's verdict on a candidate order. On Accept or Resize,
// Order carries the (possibly reduced) quantity to submit. On Reject,
// Reason is one of the Err* sentinels above.
type Decision struct {
	Action Action
	Order  model.Order
	Reason error

	// LossAtStop is the estimated worst-case loss of the sized order,
	// recorded for the audit trail.
	LossAtStop decimal.Decimal
}

// quantityPrecision bounds resized quantities so venues accept them.
const quantityPrecision = 8

// Evaluate applies the risk checks, in priority order, to a candidate
// order against a ledger snapshot and the current budget.
//
// Check order is load-bearing: the daily loss check is absolute and runs
// before everything else; no resizing can save an order once the daily
// limit is reached. The check runs again on the sized order: an admitted
// order's worst-case loss must fit the remaining daily headroom, so no
// accepted order can settle the day past the cap.
func Evaluate(candidate model.Order, snap ledger.Snapshot, budget Budget) Decision {
	if budget.DailyLimitReached() {
		return Decision{Action: ActionReject, Order: candidate, Reason: ErrDailyLimitBreached}
	}

	if budget.MaxConcurrentPositions > 0 && snap.OpenPositionCount >= budget.MaxConcurrentPositions {
		if snap.Position(candidate.Symbol).NetQuantity.IsZero() {
			return Decision{Action: ActionReject, Order: candidate, Reason: ErrConcurrencyLimitBreached}
		}
		// Adjusting an already-open position does not add to the count.
	}

	if candidate.StopDistance.LessThanOrEqual(decimal.Zero) {
		// Without a stop estimate the worst-case loss is unbounded.
		return Decision{Action: ActionReject, Order: candidate, Reason: ErrPerTradeLimitBreached}
	}

	d := sizeToPerTradeLimit(candidate, snap, budget)
	if d.Action == ActionReject {
		return d
	}

	// The daily limit bounds worst-case settlement, not only the losses
	// already booked. Sizing stops at the per-trade rule: an order that
	// does not fit the remaining headroom is rejected, never shrunk
	// further to squeeze under the daily cap.
	if budget.MaxDailyLossAbs.IsPositive() {
		headroom := budget.MaxDailyLossAbs.Sub(budget.LossAccruedToday)
		if d.LossAtStop.GreaterThan(headroom) {
			return Decision{
				Action:     ActionReject,
				Order:      candidate,
				Reason:     ErrDailyLimitBreached,
				LossAtStop: d.LossAtStop,
			}
		}
	}
	return d
}

// sizeToPerTradeLimit accepts the candidate as-is when its worst-case loss
// is within the per-trade risk budget, otherwise resizes it down to the
// largest quantity that fits.
func sizeToPerTradeLimit(candidate model.Order, snap ledger.Snapshot, budget Budget) Decision {
	maxRisk := snap.Equity.Mul(budget.MaxRiskPerTradePct).Div(decimal.NewFromInt(100))
	lossAtStop := candidate.Quantity.Mul(candidate.StopDistance)

	if lossAtStop.LessThanOrEqual(maxRisk) {
		return Decision{Action: ActionAccept, Order: candidate, LossAtStop: lossAtStop}
	}

	// Resize down to the largest quantity within budget rather than
	// rejecting a signal that has a valid smaller size.
	maxQty := maxRisk.Div(candidate.StopDistance).RoundDown(quantityPrecision)
	if maxQty.LessThanOrEqual(decimal.Zero) {
		return Decision{Action: ActionReject, Order: candidate, Reason: ErrPerTradeLimitBreached}
	}

	resized := candidate
	resized.Quantity = maxQty
	return Decision{
		Action:     ActionResize,
		Order:      resized,
		LossAtStop: maxQty.Mul(candidate.StopDistance),
	}
}
