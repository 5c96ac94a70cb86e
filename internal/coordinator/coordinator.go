// Package coordinator wires signals through certification, the emergency
// breaker, the risk gate, and the order state machines. Orders for the
// same symbol are strictly serialized; orders for different symbols run
// concurrently.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianx/execpipe/internal/adapters"
	"github.com/meridianx/execpipe/internal/breaker"
	"github.com/meridianx/execpipe/internal/certify"
	"github.com/meridianx/execpipe/internal/config"
	"github.com/meridianx/execpipe/internal/events"
	"github.com/meridianx/execpipe/internal/journal"
	"github.com/meridianx/execpipe/internal/ledger"
	"github.com/meridianx/execpipe/internal/lifecycle"
	"github.com/meridianx/execpipe/internal/metrics"
	"github.com/meridianx/execpipe/internal/model"
	"github.com/meridianx/execpipe/internal/risk"
)

var (
	// ErrHalted is returned while the emergency breaker blocks admission.
	ErrHalted = errors.New("trading halted by emergency breaker")
)

// Deps carries everything the coordinator needs; all fields are required
// except Checkpoints and Metrics.
type Deps struct {
	Logger      *zap.Logger
	Config      *config.Config
	Registry    *adapters.Registry
	Verifier    *certify.Verifier
	Ledger      *ledger.Ledger
	Journal     *journal.Journal
	Checkpoints *journal.CheckpointStore
	Breaker     *breaker.Breaker
	Bus         events.Bus
	Metrics     *metrics.Metrics
}

// Coordinator is the execution pipeline's single orchestrator.
type Coordinator struct {
	logger      *zap.Logger
	cfg         *config.Config
	registry    *adapters.Registry
	verifier    *certify.Verifier
	ledger      *ledger.Ledger
	journal     *journal.Journal
	checkpoints *journal.CheckpointStore
	breaker     *breaker.Breaker
	bus         events.Bus
	metrics     *metrics.Metrics

	// budget is the single mutable risk budget; budgetMu is the only way in.
	budgetMu sync.Mutex
	budget   risk.Budget

	// lanes serialize all work per symbol.
	laneMu sync.Mutex
	lanes  map[string]*sync.Mutex

	// machines tracks in-flight (non-terminal) orders by OrderID.
	machineMu sync.RWMutex
	machines  map[uuid.UUID]*lifecycle.Machine

	signals chan model.Signal
	wg      sync.WaitGroup
}

// New builds a coordinator. Call Recover before Start on a restarted node.
func New(d Deps) *Coordinator {
	budget := risk.Budget{
		MaxRiskPerTradePct:     decimal.NewFromFloat(d.Config.Risk.MaxRiskPerTradePct),
		MaxDailyLossAbs:        decimal.NewFromFloat(d.Config.Risk.MaxDailyLossAbs),
		MaxConcurrentPositions: d.Config.Risk.MaxConcurrentPositions,
		LossAccruedToday:       decimal.Zero,
	}
	return &Coordinator{
		logger:      d.Logger,
		cfg:         d.Config,
		registry:    d.Registry,
		verifier:    d.Verifier,
		ledger:      d.Ledger,
		journal:     d.Journal,
		checkpoints: d.Checkpoints,
		breaker:     d.Breaker,
		bus:         d.Bus,
		metrics:     d.Metrics,
		budget:      budget,
		lanes:       make(map[string]*sync.Mutex),
		machines:    make(map[uuid.UUID]*lifecycle.Machine),
		signals:     make(chan model.Signal, 1024),
	}
}

// Budget returns a copy of the current risk budget.
func (c *Coordinator) Budget() risk.Budget {
	c.budgetMu.Lock()
	defer c.budgetMu.Unlock()
	return c.budget
}

// InFlightOrders returns copies of every non-terminal order.
func (c *Coordinator) InFlightOrders() []model.Order {
	c.machineMu.RLock()
	defer c.machineMu.RUnlock()
	orders := make([]model.Order, 0, len(c.machines))
	for _, m := range c.machines {
		orders = append(orders, *m.Order())
	}
	return orders
}

// EnqueueSignal hands a signal to the worker pool. It never blocks the
// caller: a full queue drops the signal with an error.
func (c *Coordinator) EnqueueSignal(sig model.Signal) error {
	select {
	case c.signals <- sig:
		return nil
	default:
		c.metrics.SignalsTotal.WithLabelValues("queue_full").Inc()
		return fmt.Errorf("signal queue full, dropping signal %s", sig.ID)
	}
}

// Start launches the worker pool, fill streams, and the periodic loops.
// It returns immediately; Stop is cancellation of ctx plus Wait.
func (c *Coordinator) Start(ctx context.Context) error {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case sig := <-c.signals:
					if err := c.HandleSignal(ctx, sig); err != nil {
						c.logger.Warn("signal not executed",
							zap.String("signal_id", sig.ID.String()),
							zap.String("symbol", sig.Symbol),
							zap.Error(err))
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for _, venue := range c.registry.Names() {
		adapter, err := c.registry.Get(venue)
		if err != nil {
			return err
		}
		fills, err := adapter.StreamFills(ctx)
		if err != nil {
			return fmt.Errorf("start fill stream for %s: %w", venue, err)
		}
		c.wg.Add(1)
		go func(venue string, fills <-chan model.FillEvent) {
			defer c.wg.Done()
			for fill := range fills {
				if err := c.HandleFill(fill); err != nil {
					c.logger.Error("fill application failed",
						zap.String("venue", venue),
						zap.String("fill_id", fill.FillID),
						zap.Error(err))
				}
			}
		}(venue, fills)
	}

	c.wg.Add(3)
	go c.reconcileLoop(ctx)
	go c.dailyResetLoop(ctx)
	go c.checkpointLoop(ctx)
	return nil
}

// Wait blocks until every coordinator goroutine has exited.
func (c *Coordinator) Wait() { c.wg.Wait() }

// HandleSignal runs one signal through the full admission pipeline and, if
// admitted, drives its order to venue acknowledgement.
func (c *Coordinator) HandleSignal(ctx context.Context, sig model.Signal) error {
	if err := c.verifier.Verify(sig); err != nil {
		c.metrics.SignalsTotal.WithLabelValues("uncertified").Inc()
		c.logger.Warn("rejecting uncertified signal",
			zap.String("signal_id", sig.ID.String()),
			zap.String("strategy_id", sig.StrategyID),
			zap.Error(err))
		return err
	}

	if c.breaker.Halted() {
		c.metrics.SignalsTotal.WithLabelValues("halted").Inc()
		return fmt.Errorf("%w: %s", ErrHalted, c.breaker.TripReason())
	}

	lane := c.lane(sig.Symbol)
	lane.Lock()
	defer lane.Unlock()

	// Re-check under the lane lock: the breaker may have tripped while we
	// waited behind another order for this symbol.
	if c.breaker.Halted() {
		c.metrics.SignalsTotal.WithLabelValues("halted").Inc()
		return fmt.Errorf("%w: %s", ErrHalted, c.breaker.TripReason())
	}

	candidate := c.orderFromSignal(sig)
	snap := c.ledger.Snapshot()

	c.budgetMu.Lock()
	c.budget.LossAccruedToday = snap.LossAccruedToday
	budget := c.budget
	c.budgetMu.Unlock()

	decision := risk.Evaluate(candidate, snap, budget)
	c.metrics.RiskDecisions.WithLabelValues(decision.Action.String()).Inc()

	if decision.Action == risk.ActionReject {
		c.metrics.SignalsTotal.WithLabelValues("risk_rejected").Inc()
		c.bus.Publish(events.Event{
			Topic:   events.TopicRisk,
			Type:    events.TypeRiskRejected,
			Payload: candidate,
			Meta: map[string]interface{}{
				"signal_id": sig.ID.String(),
				"reason":    decision.Reason.Error(),
			},
		})
		return fmt.Errorf("risk gate rejected signal %s: %w", sig.ID, decision.Reason)
	}

	order := decision.Order
	if decision.Action == risk.ActionResize {
		c.logger.Info("order resized by risk gate",
			zap.String("signal_id", sig.ID.String()),
			zap.String("symbol", order.Symbol),
			zap.String("requested_qty", candidate.Quantity.String()),
			zap.String("sized_qty", order.Quantity.String()),
			zap.String("loss_at_stop", decision.LossAtStop.String()))
	}

	adapter, err := c.registry.Get(order.Venue)
	if err != nil {
		c.metrics.SignalsTotal.WithLabelValues("no_adapter").Inc()
		return err
	}

	machine := lifecycle.New(&order, adapter, c.journal, c.bus, c.logger,
		c.cfg.RetryMaxAttempts, c.hooks())
	c.trackMachine(machine)
	c.metrics.SignalsTotal.WithLabelValues("admitted").Inc()

	started := time.Now()
	err = machine.Submit(ctx)
	c.metrics.OrderSubmitSecs.WithLabelValues(order.Venue).
		Observe(time.Since(started).Seconds())
	c.metrics.OrderTransitions.WithLabelValues(string(order.State)).Inc()
	if err != nil {
		if order.State.IsTerminal() {
			c.untrackMachine(order.OrderID)
		}
		c.metrics.AdapterErrors.WithLabelValues(order.Venue, adapters.KindOf(err).String()).Inc()
		return err
	}
	return nil
}

// HandleFill journals and applies one fill, then advances the owning order.
// The journal write precedes the ledger mutation so crash replay cannot
// lose an applied fill.
func (c *Coordinator) HandleFill(fill model.FillEvent) error {
	lane := c.lane(fill.Symbol)
	lane.Lock()
	defer lane.Unlock()
	return c.applyFillLocked(fill)
}

// applyFillLocked is HandleFill's body, split out so reconciliation can
// route a synthetic fill while already holding the symbol's lane lock.
func (c *Coordinator) applyFillLocked(fill model.FillEvent) error {
	if _, err := c.journal.Append(&journal.Record{
		Type:    journal.RecordTypeFillApplied,
		OrderID: fill.OrderID,
		Fill:    &fill,
	}); err != nil {
		return fmt.Errorf("journal fill %s: %w", fill.FillID, err)
	}

	if err := c.ledger.ApplyFill(fill); err != nil {
		if errors.Is(err, ledger.ErrDuplicateFill) {
			c.metrics.DuplicateFills.Inc()
			c.logger.Debug("duplicate fill discarded",
				zap.String("fill_id", fill.FillID),
				zap.String("order_id", fill.OrderID.String()))
			return nil
		}
		if errors.Is(err, ledger.ErrInconsistent) {
			// Corruption is unrecoverable in-process: stop admitting orders
			// and demand a manual audit.
			c.breaker.Trip("ledger inconsistency: " + err.Error())
		}
		return fmt.Errorf("apply fill %s: %w", fill.FillID, err)
	}
	c.metrics.FillsApplied.Inc()

	if machine := c.machine(fill.OrderID); machine != nil {
		if err := machine.ApplyFill(fill); err != nil {
			c.logger.Error("order state update failed for fill",
				zap.String("fill_id", fill.FillID),
				zap.String("order_id", fill.OrderID.String()),
				zap.Error(err))
		} else {
			c.metrics.OrderTransitions.WithLabelValues(string(machine.Order().State)).Inc()
			if machine.Order().State.IsTerminal() {
				c.untrackMachine(fill.OrderID)
			}
		}
	} else {
		// Fills for unknown orders still count: the position is real even
		// when the owning machine was lost to a restart.
		c.logger.Warn("fill for unknown order applied to ledger only",
			zap.String("fill_id", fill.FillID),
			zap.String("order_id", fill.OrderID.String()))
	}

	c.afterLedgerMutation()
	return nil
}

// CancelOrder cancels an in-flight order by ID. Cancelling an order that
// already reached a terminal state is a no-op.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	machine := c.machine(orderID)
	if machine == nil {
		return fmt.Errorf("no in-flight order %s", orderID)
	}
	lane := c.lane(machine.Order().Symbol)
	lane.Lock()
	defer lane.Unlock()
	if err := machine.Cancel(ctx); err != nil {
		return err
	}
	if machine.Order().State.IsTerminal() {
		c.untrackMachine(orderID)
	}
	return nil
}

// Recover restores the ledger from the latest checkpoint, replays the
// journal after it, and rebuilds machines for orders that were in flight
// at crash time. Must be called before Start.
func (c *Coordinator) Recover(ctx context.Context) error {
	var afterSeq uint64
	if c.checkpoints != nil {
		cp, found, err := c.checkpoints.Latest()
		if err != nil {
			return fmt.Errorf("load latest checkpoint: %w", err)
		}
		if found {
			if err := c.ledger.Restore(cp); err != nil {
				return fmt.Errorf("restore ledger from checkpoint: %w", err)
			}
			afterSeq = cp.Seq
		}
	}

	// Track the latest journalled snapshot of every order so in-flight
	// ones can be resumed.
	latest := make(map[uuid.UUID]*model.Order)
	err := c.journal.Replay(afterSeq, func(rec journal.Record) (bool, error) {
		if err := c.ledger.ReplayRecord(rec); err != nil {
			return false, err
		}
		if rec.Type == journal.RecordTypeOrderTransition && rec.Order != nil {
			order := *rec.Order
			latest[order.OrderID] = &order
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("journal replay: %w", err)
	}

	resumed := 0
	for _, order := range latest {
		if order.State.IsTerminal() {
			continue
		}
		adapter, err := c.registry.Get(order.Venue)
		if err != nil {
			c.logger.Error("cannot resume order, venue not configured",
				zap.String("order_id", order.OrderID.String()),
				zap.String("venue", order.Venue))
			continue
		}
		machine := lifecycle.New(order, adapter, c.journal, c.bus, c.logger,
			c.cfg.RetryMaxAttempts, c.hooks())
		c.trackMachine(machine)
		resumed++

		// Orders stranded between Submitted and Acknowledged are resolved
		// against the venue immediately; the idempotent client order id
		// makes the poll safe either way.
		c.reconcileMachine(ctx, machine)
	}

	snap := c.ledger.Snapshot()
	c.budgetMu.Lock()
	c.budget.LossAccruedToday = snap.LossAccruedToday
	c.budgetMu.Unlock()

	c.logger.Info("recovery complete",
		zap.Uint64("checkpoint_seq", afterSeq),
		zap.Uint64("journal_last_seq", c.journal.LastSeq()),
		zap.Int("orders_resumed", resumed),
		zap.Int("open_positions", snap.OpenPositionCount))
	c.afterLedgerMutation()
	return nil
}

// ResetDaily zeroes the day's loss counters at the UTC boundary and
// journals the reset so replay observes the same boundary.
func (c *Coordinator) ResetDaily() error {
	if _, err := c.journal.Append(&journal.Record{
		Type:   journal.RecordTypeDailyReset,
		Reason: "utc day boundary",
	}); err != nil {
		return fmt.Errorf("journal daily reset: %w", err)
	}
	c.ledger.ResetDailyCounters()
	c.budgetMu.Lock()
	c.budget.ResetDaily()
	c.budgetMu.Unlock()
	c.logger.Info("daily risk counters reset")
	c.afterLedgerMutation()
	return nil
}

func (c *Coordinator) reconcileLoop(ctx context.Context) {
	defer c.wg.Done()
	every := c.cfg.ReconcileEvery
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reconcileAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) reconcileAll(ctx context.Context) {
	c.machineMu.RLock()
	machines := make([]*lifecycle.Machine, 0, len(c.machines))
	for _, m := range c.machines {
		machines = append(machines, m)
	}
	c.machineMu.RUnlock()

	for _, machine := range machines {
		c.reconcileMachine(ctx, machine)
	}
}

// reconcileMachine runs one machine's venue reconciliation under its
// symbol's lane lock. A fill gap reported by the machine is journaled and
// applied through the same path as a streamed fill, so it reaches the
// ledger exactly once.
func (c *Coordinator) reconcileMachine(ctx context.Context, machine *lifecycle.Machine) {
	lane := c.lane(machine.Order().Symbol)
	lane.Lock()
	defer lane.Unlock()

	gap, err := machine.Reconcile(ctx)
	if err != nil {
		c.logger.Warn("reconciliation failed",
			zap.String("order_id", machine.Order().OrderID.String()),
			zap.Error(err))
	}
	if gap != nil {
		if err := c.applyFillLocked(*gap); err != nil {
			c.logger.Error("reconciled fill application failed",
				zap.String("order_id", machine.Order().OrderID.String()),
				zap.String("fill_id", gap.FillID),
				zap.Error(err))
		}
	}
	if machine.Order().State.IsTerminal() {
		c.untrackMachine(machine.Order().OrderID)
	}
}

func (c *Coordinator) dailyResetLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			if err := c.ResetDaily(); err != nil {
				c.logger.Error("daily reset failed", zap.Error(err))
			}
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (c *Coordinator) checkpointLoop(ctx context.Context) {
	defer c.wg.Done()
	if c.checkpoints == nil || c.cfg.Journal.CheckpointEvery <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.Journal.CheckpointEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cp := c.ledger.Checkpoint(c.journal.LastSeq())
			if err := c.checkpoints.Save(cp); err != nil {
				c.logger.Error("checkpoint save failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// afterLedgerMutation refreshes gauges and feeds the breaker's daily-loss
// check from the authoritative ledger counters.
func (c *Coordinator) afterLedgerMutation() {
	snap := c.ledger.Snapshot()

	c.budgetMu.Lock()
	c.budget.LossAccruedToday = snap.LossAccruedToday
	maxDaily := c.budget.MaxDailyLossAbs
	c.budgetMu.Unlock()

	c.breaker.ObserveDailyLoss(snap.LossAccruedToday, maxDaily)

	loss, _ := snap.LossAccruedToday.Float64()
	equity, _ := snap.Equity.Float64()
	c.metrics.OpenPositions.Set(float64(snap.OpenPositionCount))
	c.metrics.LossAccruedToday.Set(loss)
	c.metrics.Equity.Set(equity)
	if c.breaker.Halted() {
		c.metrics.BreakerHalted.Set(1)
	} else {
		c.metrics.BreakerHalted.Set(0)
	}
}

func (c *Coordinator) hooks() lifecycle.Hooks {
	return lifecycle.Hooks{
		AdapterFailure: func(venue string) {
			c.breaker.RecordAdapterFailure(venue)
		},
		AdapterSuccess: func(string) {
			c.breaker.RecordAdapterSuccess()
		},
		OrderFailed: func(order *model.Order) {
			c.breaker.RecordOrderFailed()
		},
	}
}

func (c *Coordinator) orderFromSignal(sig model.Signal) model.Order {
	now := time.Now().UTC()
	return model.Order{
		OrderID:          uuid.New(),
		Venue:            sig.Venue,
		Symbol:           sig.Symbol,
		Side:             sig.Side,
		Quantity:         sig.Quantity,
		FilledQuantity:   decimal.Zero,
		PriceType:        model.PriceTypeMarket,
		StopDistance:     sig.StopDistance,
		StrategyID:       sig.StrategyID,
		SignalID:         sig.ID,
		State:            model.OrderStateProposed,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

func (c *Coordinator) lane(symbol string) *sync.Mutex {
	c.laneMu.Lock()
	defer c.laneMu.Unlock()
	lane, ok := c.lanes[symbol]
	if !ok {
		lane = &sync.Mutex{}
		c.lanes[symbol] = lane
	}
	return lane
}

func (c *Coordinator) trackMachine(m *lifecycle.Machine) {
	c.machineMu.Lock()
	c.machines[m.Order().OrderID] = m
	c.machineMu.Unlock()
}

func (c *Coordinator) untrackMachine(orderID uuid.UUID) {
	c.machineMu.Lock()
	delete(c.machines, orderID)
	c.machineMu.Unlock()
}

func (c *Coordinator) machine(orderID uuid.UUID) *lifecycle.Machine {
	c.machineMu.RLock()
	defer c.machineMu.RUnlock()
	return c.machines[orderID]
}
