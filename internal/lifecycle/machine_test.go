package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianx/execpipe/internal/adapters"
	"github.com/meridianx/execpipe/internal/events"
	"github.com/meridianx/execpipe/internal/journal"
	"github.com/meridianx/execpipe/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testSymbols() map[string]adapters.SymbolInfo {
	return map[string]adapters.SymbolInfo{
		"BTC-USD": {Symbol: "BTC-USD", TickSize: dec("0.01"), MinQty: dec("0.0001")},
	}
}

func newTestMachine(t *testing.T, paper *adapters.Paper, order *model.Order, hooks Hooks) *Machine {
	t.Helper()
	log := zaptest.NewLogger(t)
	jnl, err := journal.Open(log, filepath.Join(t.TempDir(), "orders.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	m := New(order, paper, jnl, events.NewInMemoryBus(log), log, 5, hooks)
	// No real waiting in tests.
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return m
}

func TestTransitionTableTotality(t *testing.T) {
	all := []model.OrderState{
		model.OrderStateProposed,
		model.OrderStateSubmitted,
		model.OrderStateAcknowledged,
		model.OrderStatePartiallyFilled,
		model.OrderStateFilled,
		model.OrderStateCancelled,
		model.OrderStateRejected,
		model.OrderStateFailed,
	}
	for _, from := range all {
		outgoing := 0
		for _, to := range all {
			if CanTransition(from, to) {
				outgoing++
			}
		}
		if from.IsTerminal() {
			assert.Zero(t, outgoing, "terminal state %s must admit no transitions", from)
		} else {
			assert.Positive(t, outgoing, "non-terminal state %s must have a way forward", from)
		}
	}

	// Spot checks on specific edges.
	assert.True(t, CanTransition(model.OrderStateProposed, model.OrderStateSubmitted))
	assert.True(t, CanTransition(model.OrderStatePartiallyFilled, model.OrderStatePartiallyFilled))
	assert.False(t, CanTransition(model.OrderStateProposed, model.OrderStateAcknowledged))
	assert.False(t, CanTransition(model.OrderStateFilled, model.OrderStateCancelled))
}

func TestSubmitHappyPath(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "1", "100")
	m := newTestMachine(t, paper, order, Hooks{})

	require.NoError(t, m.Submit(context.Background()))
	assert.Equal(t, model.OrderStateAcknowledged, order.State)
	assert.NotEmpty(t, order.VenueOrderID)
	assert.Zero(t, order.RetryCount)
	assert.Equal(t, 1, paper.SubmitCount())
}

func TestSubmitRetriesTransientWithoutDuplicating(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	// First four attempts fail transiently; the fifth succeeds.
	paper.SubmitHook = func(attempt int, order *model.Order) error {
		if attempt <= 4 {
			return adapters.NewError(adapters.KindTransient, "paper", "submit",
				errors.New("connection reset"))
		}
		return nil
	}

	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "1", "100")
	m := newTestMachine(t, paper, order, Hooks{})

	require.NoError(t, m.Submit(context.Background()))
	assert.Equal(t, model.OrderStateAcknowledged, order.State)
	assert.Equal(t, 4, order.RetryCount)
	assert.Equal(t, 5, paper.Attempts(order.OrderID))
	assert.Equal(t, 1, paper.SubmitCount(), "retries must not create extra venue orders")
}

func TestSubmitExhaustedRetriesFails(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	paper.SubmitHook = func(int, *model.Order) error {
		return adapters.NewError(adapters.KindTransient, "paper", "submit",
			errors.New("still down"))
	}

	var failedHookFired bool
	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "1", "100")
	m := newTestMachine(t, paper, order, Hooks{
		OrderFailed: func(*model.Order) { failedHookFired = true },
	})

	err := m.Submit(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.OrderStateFailed, order.State)
	assert.True(t, failedHookFired)
	assert.Equal(t, 5, paper.Attempts(order.OrderID))
}

func TestSubmitAuthErrorIsFatal(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	paper.SubmitHook = func(int, *model.Order) error {
		return adapters.NewError(adapters.KindAuth, "paper", "submit",
			errors.New("invalid api key"))
	}

	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "1", "100")
	m := newTestMachine(t, paper, order, Hooks{})

	err := m.Submit(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.OrderStateFailed, order.State)
	assert.Equal(t, 1, paper.Attempts(order.OrderID), "auth errors must not be retried")
}

func TestSubmitVenueRejection(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "0", "100")
	m := newTestMachine(t, paper, order, Hooks{})

	err := m.Submit(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.OrderStateRejected, order.State)
}

func TestApplyFillPartialThenFull(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "2", "100")
	m := newTestMachine(t, paper, order, Hooks{})
	require.NoError(t, m.Submit(context.Background()))

	fill := model.FillEvent{
		FillID: "f1", OrderID: order.OrderID, Venue: "paper",
		Symbol: "BTC-USD", Side: model.OrderSideBuy,
		Quantity: dec("1"), Price: dec("50000"), Timestamp: time.Now(),
	}
	require.NoError(t, m.ApplyFill(fill))
	assert.Equal(t, model.OrderStatePartiallyFilled, order.State)

	fill.FillID = "f2"
	require.NoError(t, m.ApplyFill(fill))
	assert.Equal(t, model.OrderStateFilled, order.State)
	assert.True(t, order.FilledQuantity.Equal(dec("2")))
}

func TestCancelAfterFilledIsNoOp(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "1", "100")
	m := newTestMachine(t, paper, order, Hooks{})
	require.NoError(t, m.Submit(context.Background()))
	require.NoError(t, m.ApplyFill(model.FillEvent{
		FillID: "f1", OrderID: order.OrderID, Quantity: dec("1"), Price: dec("100"),
	}))
	require.Equal(t, model.OrderStateFilled, order.State)

	// The fill won the race; cancel must not fail or change state.
	require.NoError(t, m.Cancel(context.Background()))
	assert.Equal(t, model.OrderStateFilled, order.State)
}

func TestCancelAcknowledgedOrder(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "1", "100")
	m := newTestMachine(t, paper, order, Hooks{})
	require.NoError(t, m.Submit(context.Background()))

	require.NoError(t, m.Cancel(context.Background()))
	assert.Equal(t, model.OrderStateCancelled, order.State)
}

func TestReconcileReturnsMissedFillAsGap(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "1", "100")
	m := newTestMachine(t, paper, order, Hooks{})
	require.NoError(t, m.Submit(context.Background()))

	// The venue filled the order but the stream event was lost.
	require.NoError(t, paper.Fill(order.OrderID, dec("1"), dec("50000")))

	gap, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	require.NotNil(t, gap, "missed venue fill must surface as a fill event")
	assert.True(t, gap.Quantity.Equal(dec("1")))
	assert.True(t, gap.Price.Equal(dec("50000")))
	assert.Equal(t, order.OrderID, gap.OrderID)
	assert.Equal(t, "BTC-USD", gap.Symbol)

	// Reconcile itself does not advance the order; the routed fill does.
	assert.Equal(t, model.OrderStateAcknowledged, order.State)
	require.NoError(t, m.ApplyFill(*gap))
	assert.Equal(t, model.OrderStateFilled, order.State)
	assert.True(t, order.FilledQuantity.Equal(dec("1")))

	// A second pass sees no gap and keeps the same state.
	gap, err = m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Nil(t, gap)
}

func TestReconcileGapFillIDIsDeterministic(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "1", "100")
	m := newTestMachine(t, paper, order, Hooks{})
	require.NoError(t, m.Submit(context.Background()))
	require.NoError(t, paper.Fill(order.OrderID, dec("1"), dec("50000")))

	first, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.FillID, second.FillID,
		"the same gap must carry the same fill id so the ledger deduplicates it")
}

func TestReconcileRecoversOrderStrandedBeforeAck(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "1", "100")
	m := newTestMachine(t, paper, order, Hooks{})
	require.NoError(t, m.Submit(context.Background()))
	venueID := order.VenueOrderID

	// Crash replay left a snapshot from before the ack arrived: the venue
	// knows the order, the local copy does not.
	stranded := *order
	stranded.State = model.OrderStateSubmitted
	stranded.VenueOrderID = ""
	stranded.LastTransitionAt = time.Now().UTC()
	m2 := newTestMachine(t, paper, &stranded, Hooks{})

	gap, err := m2.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Nil(t, gap)
	assert.Equal(t, model.OrderStateAcknowledged, stranded.State)
	assert.Equal(t, venueID, stranded.VenueOrderID)
}

func TestReconcileUnknownSubmitWaitsInsideHorizon(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "1", "100")
	m := newTestMachine(t, paper, order, Hooks{})
	require.NoError(t, m.transition(model.OrderStateSubmitted, "submitting to venue"))

	// The venue has no record yet; the submit may still be in flight.
	gap, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Nil(t, gap)
	assert.Equal(t, model.OrderStateSubmitted, order.State)
}

func TestReconcileUnknownSubmitFailsPastHorizon(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "1", "100")

	var failedHookFired bool
	m := newTestMachine(t, paper, order, Hooks{
		OrderFailed: func(*model.Order) { failedHookFired = true },
	})
	require.NoError(t, m.transition(model.OrderStateSubmitted, "submitting to venue"))
	order.LastTransitionAt = time.Now().UTC().Add(-time.Hour)

	_, err := m.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.OrderStateFailed, order.State)
	assert.True(t, failedHookFired)
}

func TestInvalidTransitionRejected(t *testing.T) {
	paper := adapters.NewPaper(testSymbols())
	order := model.NewOrderForTest("paper", "BTC-USD", model.OrderSideBuy, "1", "100")
	m := newTestMachine(t, paper, order, Hooks{})

	err := m.transition(model.OrderStateFilled, "skip ahead")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, model.OrderStateProposed, order.State)
}

func TestBackoffDoublesAndSaturates(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, backoffFor(1))
	assert.Equal(t, time.Second, backoffFor(2))
	assert.Equal(t, 2*time.Second, backoffFor(3))
	assert.Equal(t, 16*time.Second, backoffFor(6))
	assert.Equal(t, 30*time.Second, backoffFor(7))
	assert.Equal(t, 30*time.Second, backoffFor(40))
}
