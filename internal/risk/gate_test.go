package risk

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianx/execpipe/internal/ledger"
	"github.com/meridianx/execpipe/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testBudget() Budget {
	return Budget{
		MaxRiskPerTradePct:     dec("2"),
		MaxDailyLossAbs:        dec("250"),
		MaxConcurrentPositions: 5,
		LossAccruedToday:       decimal.Zero,
	}
}

func snapWithEquity(equity string) ledger.Snapshot {
	return ledger.Snapshot{
		Positions: map[string]model.Position{},
		Equity:    dec(equity),
	}
}

func candidate(qty, stop string) model.Order {
	o := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, qty, stop)
	return *o
}

func TestEvaluateAcceptsWithinBudget(t *testing.T) {
	// 10,000 equity at 2% allows 200 of risk; 1 unit with a 150 stop
	// distance risks 150.
	d := Evaluate(candidate("1", "150"), snapWithEquity("10000"), testBudget())

	assert.Equal(t, ActionAccept, d.Action)
	assert.True(t, d.Order.Quantity.Equal(dec("1")))
	assert.True(t, d.LossAtStop.Equal(dec("150")))
}

func TestEvaluateResizesDownNotReject(t *testing.T) {
	// 1.5 units at a 200 stop risks 300 against a 200 budget. The gate
	// must shrink the order to 1 unit, not reject it.
	d := Evaluate(candidate("1.5", "200"), snapWithEquity("10000"), testBudget())

	require.Equal(t, ActionResize, d.Action)
	assert.True(t, d.Order.Quantity.Equal(dec("1")), "got %s", d.Order.Quantity)
	assert.True(t, d.LossAtStop.Equal(dec("200")))
}

func TestEvaluateDailyLimitIsAbsolute(t *testing.T) {
	budget := testBudget()
	budget.LossAccruedToday = dec("250")

	// Even a tiny, otherwise-acceptable order is rejected once the daily
	// limit is reached. No resize can save it.
	d := Evaluate(candidate("0.001", "1"), snapWithEquity("10000"), budget)

	require.Equal(t, ActionReject, d.Action)
	assert.ErrorIs(t, d.Reason, ErrDailyLimitBreached)
}

func TestEvaluateDailyLimitNearBoundary(t *testing.T) {
	budget := testBudget()
	budget.LossAccruedToday = dec("249")

	// 1 of headroom left: new orders are rejected whatever their size, and
	// none are shrunk to squeeze under the daily cap.
	d := Evaluate(candidate("1", "150"), snapWithEquity("10000"), budget)
	require.Equal(t, ActionReject, d.Action)
	assert.ErrorIs(t, d.Reason, ErrDailyLimitBreached)

	d = Evaluate(candidate("1.5", "200"), snapWithEquity("10000"), budget)
	require.Equal(t, ActionReject, d.Action,
		"resizing must not rescue an order past the daily headroom")
	assert.ErrorIs(t, d.Reason, ErrDailyLimitBreached)

	budget.LossAccruedToday = dec("250")
	d = Evaluate(candidate("1", "150"), snapWithEquity("10000"), budget)
	require.Equal(t, ActionReject, d.Action, "reaching the limit exactly must reject")
	assert.ErrorIs(t, d.Reason, ErrDailyLimitBreached)
}

func TestEvaluateRejectsWhenSettlementWouldBreachDailyCap(t *testing.T) {
	budget := testBudget()
	budget.LossAccruedToday = dec("100")

	// 150 of headroom remains. A 200 loss-at-stop order passes the
	// per-trade check but would settle the day at 300, past the 250 cap.
	d := Evaluate(candidate("1", "200"), snapWithEquity("10000"), budget)
	require.Equal(t, ActionReject, d.Action)
	assert.ErrorIs(t, d.Reason, ErrDailyLimitBreached)
}

func TestRandomSignalStreamNeverBreachesDailyCap(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 25; trial++ {
		budget := testBudget()
		snap := snapWithEquity("10000")
		for i := 0; i < 200; i++ {
			qty := decimal.NewFromFloat(rng.Float64()*2 + 0.01).Round(4)
			stop := decimal.NewFromFloat(rng.Float64()*250 + 1).Round(4)

			d := Evaluate(candidate(qty.String(), stop.String()), snap, budget)
			if d.Action == ActionReject {
				continue
			}

			// Worst case: the admitted order settles at its stop.
			budget.AccrueLoss(d.LossAtStop)
			require.True(t, budget.LossAccruedToday.LessThanOrEqual(budget.MaxDailyLossAbs),
				"trial %d signal %d: accrued %s past cap %s",
				trial, i, budget.LossAccruedToday, budget.MaxDailyLossAbs)
		}
	}
}

func TestEvaluateConcurrencyCap(t *testing.T) {
	budget := testBudget()
	budget.MaxConcurrentPositions = 2

	snap := snapWithEquity("10000")
	snap.OpenPositionCount = 2
	snap.Positions = map[string]model.Position{
		"ETH-USD": {Symbol: "ETH-USD", NetQuantity: dec("1")},
		"SOL-USD": {Symbol: "SOL-USD", NetQuantity: dec("5")},
	}

	d := Evaluate(candidate("0.1", "50"), snap, budget)
	require.Equal(t, ActionReject, d.Action)
	assert.ErrorIs(t, d.Reason, ErrConcurrencyLimitBreached)
}

func TestEvaluateConcurrencyCapAllowsExistingSymbol(t *testing.T) {
	budget := testBudget()
	budget.MaxConcurrentPositions = 1

	snap := snapWithEquity("10000")
	snap.OpenPositionCount = 1
	snap.Positions = map[string]model.Position{
		"BTC-USD": {Symbol: "BTC-USD", NetQuantity: dec("1")},
	}

	// Adjusting the already-open BTC position does not add a slot.
	d := Evaluate(candidate("0.1", "50"), snap, budget)
	assert.Equal(t, ActionAccept, d.Action)
}

func TestEvaluateMissingStopDistanceRejected(t *testing.T) {
	d := Evaluate(candidate("1", "0"), snapWithEquity("10000"), testBudget())
	require.Equal(t, ActionReject, d.Action)
	assert.ErrorIs(t, d.Reason, ErrPerTradeLimitBreached)
}

func TestEvaluateRejectsWhenResizeRoundsToZero(t *testing.T) {
	// Budget so small that even the minimum representable quantity
	// exceeds it.
	budget := testBudget()
	d := Evaluate(candidate("1", "100000000000000"), snapWithEquity("100"), budget)
	require.Equal(t, ActionReject, d.Action)
	assert.ErrorIs(t, d.Reason, ErrPerTradeLimitBreached)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	cand := candidate("3", "175")
	snap := snapWithEquity("25000")
	budget := testBudget()

	first := Evaluate(cand, snap, budget)
	for i := 0; i < 50; i++ {
		again := Evaluate(cand, snap, budget)
		assert.Equal(t, first.Action, again.Action)
		assert.True(t, first.Order.Quantity.Equal(again.Order.Quantity))
	}
}

func TestBudgetAccrueLossIgnoresProfits(t *testing.T) {
	b := testBudget()
	b.AccrueLoss(dec("100"))
	b.AccrueLoss(dec("-40")) // a profit must not claw back the counter
	assert.True(t, b.LossAccruedToday.Equal(dec("100")))

	b.ResetDaily()
	assert.True(t, b.LossAccruedToday.IsZero())
}
