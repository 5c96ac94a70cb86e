package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianx/execpipe/internal/adapters"
	"github.com/meridianx/execpipe/internal/breaker"
	"github.com/meridianx/execpipe/internal/certify"
	"github.com/meridianx/execpipe/internal/config"
	"github.com/meridianx/execpipe/internal/events"
	"github.com/meridianx/execpipe/internal/journal"
	"github.com/meridianx/execpipe/internal/ledger"
	"github.com/meridianx/execpipe/internal/metrics"
	"github.com/meridianx/execpipe/internal/model"
	"github.com/meridianx/execpipe/internal/risk"
)

const testSecret = "coordinator-test-signing-key"

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	coord  *Coordinator
	paper  *adapters.Paper
	ledger *ledger.Ledger
	brk    *breaker.Breaker
	jnl    *journal.Journal
}

func testConfig() *config.Config {
	return &config.Config{
		Risk: config.RiskConfig{
			MaxRiskPerTradePct:     2.0,
			MaxDailyLossAbs:        250,
			MaxConcurrentPositions: 5,
			PortfolioEquity:        10000,
			DailyLossTripRatio:     1.0,
		},
		RetryMaxAttempts: 5,
		Workers:          4,
		ReconcileEvery:   time.Hour,
	}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)

	jnl, err := journal.Open(log, filepath.Join(t.TempDir(), "orders.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	led := ledger.New(log, decimal.NewFromFloat(cfg.Risk.PortfolioEquity))
	t.Cleanup(led.Close)

	paper := adapters.NewPaper(map[string]adapters.SymbolInfo{
		"BTC-USD": {Symbol: "BTC-USD", TickSize: dec("0.01"), MinQty: dec("0.00001")},
		"ETH-USD": {Symbol: "ETH-USD", TickSize: dec("0.01"), MinQty: dec("0.0001")},
	})
	registry := adapters.NewRegistry()
	require.NoError(t, registry.Register(paper))

	brk := breaker.New(breaker.Config{
		DailyLossTripRatio: cfg.Risk.DailyLossTripRatio,
	}, log, nil)

	coord := New(Deps{
		Logger:   log,
		Config:   cfg,
		Registry: registry,
		Verifier: certify.NewVerifier(testSecret, 0),
		Ledger:   led,
		Journal:  jnl,
		Breaker:  brk,
		Bus:      events.NewInMemoryBus(log),
		Metrics:  metrics.New(),
	})
	return &fixture{coord: coord, paper: paper, ledger: led, brk: brk, jnl: jnl}
}

func signal(t *testing.T, symbol, qty, stop string) model.Signal {
	t.Helper()
	token, err := certify.IssueToken(testSecret, "momentum-v3", "bt-1", time.Hour)
	require.NoError(t, err)
	return model.Signal{
		ID:                 uuid.New(),
		Symbol:             symbol,
		Side:               model.OrderSideBuy,
		Strength:           0.9,
		StrategyID:         "momentum-v3",
		CertificationToken: token,
		StopDistance:       dec(stop),
		Quantity:           dec(qty),
		Venue:              "paper",
		IssuedAt:           time.Now(),
	}
}

func TestHandleSignalAdmitsAndAcknowledges(t *testing.T) {
	f := newFixture(t, testConfig())

	require.NoError(t, f.coord.HandleSignal(context.Background(), signal(t, "BTC-USD", "0.5", "100")))

	orders := f.coord.InFlightOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderStateAcknowledged, orders[0].State)
	assert.NotEmpty(t, orders[0].VenueOrderID)
	assert.Equal(t, 1, f.paper.SubmitCount())
}

func TestHandleSignalRejectsUncertified(t *testing.T) {
	f := newFixture(t, testConfig())

	sig := signal(t, "BTC-USD", "0.5", "100")
	sig.CertificationToken = "not-a-token"
	err := f.coord.HandleSignal(context.Background(), sig)

	assert.ErrorIs(t, err, certify.ErrUncertified)
	assert.Empty(t, f.coord.InFlightOrders())
	assert.Zero(t, f.paper.SubmitCount())
}

func TestHandleSignalRejectsWhileHalted(t *testing.T) {
	f := newFixture(t, testConfig())
	f.brk.Trip("unit test")

	err := f.coord.HandleSignal(context.Background(), signal(t, "BTC-USD", "0.5", "100"))
	assert.ErrorIs(t, err, ErrHalted)
	assert.Zero(t, f.paper.SubmitCount())
}

func TestHandleSignalResizesOversizedOrder(t *testing.T) {
	f := newFixture(t, testConfig())

	// 10,000 equity at 2% allows 200 of risk; 1.5 units with a 200 stop
	// would risk 300, so the gate shrinks the order to 1 unit.
	require.NoError(t, f.coord.HandleSignal(context.Background(), signal(t, "BTC-USD", "1.5", "200")))

	orders := f.coord.InFlightOrders()
	require.Len(t, orders, 1)
	assert.True(t, orders[0].Quantity.Equal(dec("1")), "got %s", orders[0].Quantity)
}

func TestHandleSignalRejectsAtDailyLimit(t *testing.T) {
	f := newFixture(t, testConfig())

	// Accrue 250 of realized loss: buy 1 at 1000, sell 1 at 750.
	require.NoError(t, f.ledger.ApplyFill(model.FillEvent{
		FillID: "pre-1", OrderID: uuid.New(), Symbol: "ETH-USD",
		Side: model.OrderSideBuy, Quantity: dec("1"), Price: dec("1000"),
	}))
	require.NoError(t, f.ledger.ApplyFill(model.FillEvent{
		FillID: "pre-2", OrderID: uuid.New(), Symbol: "ETH-USD",
		Side: model.OrderSideSell, Quantity: dec("1"), Price: dec("750"),
	}))

	err := f.coord.HandleSignal(context.Background(), signal(t, "BTC-USD", "0.001", "1"))
	assert.ErrorIs(t, err, risk.ErrDailyLimitBreached)
	assert.Zero(t, f.paper.SubmitCount())
}

func TestTransientRetryDoesNotDuplicateOrders(t *testing.T) {
	f := newFixture(t, testConfig())
	f.paper.SubmitHook = func(attempt int, order *model.Order) error {
		if attempt == 1 {
			return adapters.NewError(adapters.KindTransient, "paper", "submit",
				errors.New("connection reset"))
		}
		return nil
	}

	require.NoError(t, f.coord.HandleSignal(context.Background(), signal(t, "BTC-USD", "0.5", "100")))

	orders := f.coord.InFlightOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, 2, f.paper.Attempts(orders[0].OrderID))
	assert.Equal(t, 1, f.paper.SubmitCount(), "retry reused the idempotency key")
}

func TestHandleFillUpdatesLedgerAndOrder(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.coord.HandleSignal(context.Background(), signal(t, "BTC-USD", "1", "100")))
	order := f.coord.InFlightOrders()[0]

	fill := model.FillEvent{
		FillID: "f1", OrderID: order.OrderID, VenueOrderID: order.VenueOrderID,
		Venue: "paper", Symbol: "BTC-USD", Side: model.OrderSideBuy,
		Quantity: dec("1"), Price: dec("61000"), Timestamp: time.Now(),
	}
	require.NoError(t, f.coord.HandleFill(fill))

	snap := f.ledger.Snapshot()
	assert.True(t, snap.Position("BTC-USD").NetQuantity.Equal(dec("1")))
	// The order completed, so it left the in-flight set.
	assert.Empty(t, f.coord.InFlightOrders())

	// Replaying the identical fill is silent and changes nothing.
	require.NoError(t, f.coord.HandleFill(fill))
	assert.True(t, f.ledger.Snapshot().Position("BTC-USD").NetQuantity.Equal(dec("1")))
}

func TestHandleFillForUnknownOrderStillCounts(t *testing.T) {
	f := newFixture(t, testConfig())

	fill := model.FillEvent{
		FillID: "orphan-1", OrderID: uuid.New(), Venue: "paper",
		Symbol: "BTC-USD", Side: model.OrderSideBuy,
		Quantity: dec("2"), Price: dec("60000"),
	}
	require.NoError(t, f.coord.HandleFill(fill))
	assert.True(t, f.ledger.Snapshot().Position("BTC-USD").NetQuantity.Equal(dec("2")))
}

func TestRealizedLossTripsBreaker(t *testing.T) {
	f := newFixture(t, testConfig())

	require.NoError(t, f.coord.HandleFill(model.FillEvent{
		FillID: "l1", OrderID: uuid.New(), Symbol: "ETH-USD",
		Side: model.OrderSideBuy, Quantity: dec("1"), Price: dec("1000"),
	}))
	require.NoError(t, f.coord.HandleFill(model.FillEvent{
		FillID: "l2", OrderID: uuid.New(), Symbol: "ETH-USD",
		Side: model.OrderSideSell, Quantity: dec("1"), Price: dec("700"),
	}))

	assert.True(t, f.brk.Halted(), "300 realized loss against a 250 daily cap must halt")
	err := f.coord.HandleSignal(context.Background(), signal(t, "BTC-USD", "0.001", "1"))
	assert.ErrorIs(t, err, ErrHalted)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.coord.HandleSignal(context.Background(), signal(t, "BTC-USD", "1", "100")))
	order := f.coord.InFlightOrders()[0]

	require.NoError(t, f.coord.CancelOrder(context.Background(), order.OrderID))
	assert.Empty(t, f.coord.InFlightOrders())

	assert.Error(t, f.coord.CancelOrder(context.Background(), order.OrderID),
		"cancelling an order that already left the in-flight set must error")
}

func TestResetDailyClearsBudget(t *testing.T) {
	f := newFixture(t, testConfig())

	require.NoError(t, f.coord.HandleFill(model.FillEvent{
		FillID: "l1", OrderID: uuid.New(), Symbol: "ETH-USD",
		Side: model.OrderSideBuy, Quantity: dec("1"), Price: dec("1000"),
	}))
	require.NoError(t, f.coord.HandleFill(model.FillEvent{
		FillID: "l2", OrderID: uuid.New(), Symbol: "ETH-USD",
		Side: model.OrderSideSell, Quantity: dec("1"), Price: dec("900"),
	}))
	require.True(t, f.coord.Budget().LossAccruedToday.Equal(dec("100")))

	require.NoError(t, f.coord.ResetDaily())
	assert.True(t, f.coord.Budget().LossAccruedToday.IsZero())
	assert.True(t, f.ledger.Snapshot().LossAccruedToday.IsZero())
}

func TestConcurrentSignalsAcrossSymbols(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.MaxConcurrentPositions = 10
	f := newFixture(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		symbol := "BTC-USD"
		if i%2 == 1 {
			symbol = "ETH-USD"
		}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			assert.NoError(t, f.coord.HandleSignal(context.Background(),
				signal(t, symbol, "0.001", "10")))
		}(symbol)
	}
	wg.Wait()

	assert.Len(t, f.coord.InFlightOrders(), 8)
	assert.Equal(t, 8, f.paper.SubmitCount())
}

func TestReconcileHealsMissedFill(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.coord.HandleSignal(context.Background(), signal(t, "BTC-USD", "1", "100")))
	order := f.coord.InFlightOrders()[0]

	// The venue filled the order but no stream event was consumed.
	require.NoError(t, f.paper.Fill(order.OrderID, dec("1"), dec("61000")))
	require.True(t, f.ledger.Snapshot().Position("BTC-USD").NetQuantity.IsZero())

	f.coord.reconcileAll(context.Background())

	snap := f.ledger.Snapshot()
	assert.True(t, snap.Position("BTC-USD").NetQuantity.Equal(dec("1")),
		"reconciled fill must reach the ledger, got %s", snap.Position("BTC-USD").NetQuantity)
	assert.Empty(t, f.coord.InFlightOrders(), "fully filled order must leave the in-flight set")

	// Another pass must not double-count the same gap.
	f.coord.reconcileAll(context.Background())
	assert.True(t, f.ledger.Snapshot().Position("BTC-USD").NetQuantity.Equal(dec("1")))
}

func TestDuplicateFillAfterCheckpointSurvivesRecovery(t *testing.T) {
	cfg := testConfig()
	log := zaptest.NewLogger(t)
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "orders.journal")

	paper := adapters.NewPaper(map[string]adapters.SymbolInfo{
		"BTC-USD": {Symbol: "BTC-USD", TickSize: dec("0.01"), MinQty: dec("0.00001")},
	})
	registry := adapters.NewRegistry()
	require.NoError(t, registry.Register(paper))

	cps, err := journal.OpenCheckpointStore(log, filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	t.Cleanup(func() { cps.Close() })

	newCoord := func(led *ledger.Ledger, jnl *journal.Journal) *Coordinator {
		return New(Deps{
			Logger:      log,
			Config:      cfg,
			Registry:    registry,
			Verifier:    certify.NewVerifier(testSecret, 0),
			Ledger:      led,
			Journal:     jnl,
			Checkpoints: cps,
			Breaker:     breaker.New(breaker.Config{}, log, nil),
			Bus:         events.NewInMemoryBus(log),
			Metrics:     metrics.New(),
		})
	}

	// First life: apply a fill, checkpoint, then see the venue redeliver
	// the same fill before the crash.
	jnl1, err := journal.Open(log, journalPath)
	require.NoError(t, err)
	led1 := ledger.New(log, dec("10000"))
	coord1 := newCoord(led1, jnl1)

	fill := model.FillEvent{
		FillID: "f1", OrderID: uuid.New(), Venue: "paper",
		Symbol: "BTC-USD", Side: model.OrderSideBuy,
		Quantity: dec("1"), Price: dec("61000"),
	}
	require.NoError(t, coord1.HandleFill(fill))
	require.NoError(t, cps.Save(led1.Checkpoint(jnl1.LastSeq())))
	require.NoError(t, coord1.HandleFill(fill))

	wantQty := led1.Snapshot().Position("BTC-USD").NetQuantity
	require.True(t, wantQty.Equal(dec("1")))
	led1.Close()
	require.NoError(t, jnl1.Close())

	// Second life: the redelivered fill sits in the journal after the
	// checkpoint; replay must recognize it as already applied.
	jnl2, err := journal.Open(log, journalPath)
	require.NoError(t, err)
	defer jnl2.Close()
	led2 := ledger.New(log, dec("10000"))
	t.Cleanup(led2.Close)
	coord2 := newCoord(led2, jnl2)

	require.NoError(t, coord2.Recover(context.Background()))
	gotQty := led2.Snapshot().Position("BTC-USD").NetQuantity
	assert.True(t, gotQty.Equal(wantQty),
		"recovered position %s, want %s", gotQty, wantQty)
}

func TestRecoverReplaysJournalAndResumesOrders(t *testing.T) {
	cfg := testConfig()
	log := zaptest.NewLogger(t)
	journalPath := filepath.Join(t.TempDir(), "orders.journal")

	paper := adapters.NewPaper(map[string]adapters.SymbolInfo{
		"BTC-USD": {Symbol: "BTC-USD", TickSize: dec("0.01"), MinQty: dec("0.00001")},
	})
	registry := adapters.NewRegistry()
	require.NoError(t, registry.Register(paper))

	newCoord := func(led *ledger.Ledger, jnl *journal.Journal) *Coordinator {
		return New(Deps{
			Logger:   log,
			Config:   cfg,
			Registry: registry,
			Verifier: certify.NewVerifier(testSecret, 0),
			Ledger:   led,
			Journal:  jnl,
			Breaker:  breaker.New(breaker.Config{}, log, nil),
			Bus:      events.NewInMemoryBus(log),
			Metrics:  metrics.New(),
		})
	}

	// First life: admit two orders, fill one, then "crash".
	jnl1, err := journal.Open(log, journalPath)
	require.NoError(t, err)
	led1 := ledger.New(log, dec("10000"))
	coord1 := newCoord(led1, jnl1)

	require.NoError(t, coord1.HandleSignal(context.Background(), signal(t, "BTC-USD", "1", "100")))
	require.NoError(t, coord1.HandleSignal(context.Background(), signal(t, "BTC-USD", "0.5", "100")))
	filled := coord1.InFlightOrders()[0]
	require.NoError(t, coord1.HandleFill(model.FillEvent{
		FillID: "f1", OrderID: filled.OrderID, VenueOrderID: filled.VenueOrderID,
		Venue: "paper", Symbol: "BTC-USD", Side: model.OrderSideBuy,
		Quantity: filled.Quantity, Price: dec("61000"),
	}))
	wantSnap := led1.Snapshot()
	led1.Close()
	require.NoError(t, jnl1.Close())

	// Second life: fresh ledger and coordinator over the same journal.
	jnl2, err := journal.Open(log, journalPath)
	require.NoError(t, err)
	defer jnl2.Close()
	led2 := ledger.New(log, dec("10000"))
	t.Cleanup(led2.Close)
	coord2 := newCoord(led2, jnl2)

	require.NoError(t, coord2.Recover(context.Background()))

	gotSnap := led2.Snapshot()
	assert.True(t, gotSnap.Position("BTC-USD").NetQuantity.Equal(wantSnap.Position("BTC-USD").NetQuantity),
		"replayed position %s, want %s", gotSnap.Position("BTC-USD").NetQuantity, wantSnap.Position("BTC-USD").NetQuantity)
	assert.True(t, gotSnap.LossAccruedToday.Equal(wantSnap.LossAccruedToday))

	// Only the unfilled order is still in flight, reconciled against the
	// venue through the shared paper adapter.
	orders := coord2.InFlightOrders()
	require.Len(t, orders, 1)
	assert.NotEqual(t, filled.OrderID, orders[0].OrderID)
	assert.Equal(t, model.OrderStateAcknowledged, orders[0].State)
}
