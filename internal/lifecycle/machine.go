// Package lifecycle drives a single order through its state machine. Each
// machine instance exclusively owns one order; callers serialize access per
// symbol, so no internal locking is needed on the order itself.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianx/execpipe/internal/adapters"
	"github.com/meridianx/execpipe/internal/events"
	"github.com/meridianx/execpipe/internal/journal"
	"github.com/meridianx/execpipe/internal/model"
)

// Retry policy for transient submission failures.
const (
	DefaultMaxAttempts = 5
	backoffBase        = 500 * time.Millisecond
	backoffCap         = 30 * time.Second
)

// ErrInvalidTransition is returned when a state change not present in the
// transition table is attempted.
var ErrInvalidTransition = errors.New("invalid order state transition")

// validTransitions is the complete transition table. A state absent from
// the map is terminal.
var validTransitions = map[model.OrderState][]model.OrderState{
	model.OrderStateProposed: {
		model.OrderStateSubmitted,
		model.OrderStateRejected,
		model.OrderStateFailed,
	},
	model.OrderStateSubmitted: {
		model.OrderStateAcknowledged,
		model.OrderStateRejected,
		model.OrderStateFailed,
	},
	model.OrderStateAcknowledged: {
		model.OrderStatePartiallyFilled,
		model.OrderStateFilled,
		model.OrderStateCancelled,
		model.OrderStateRejected,
		model.OrderStateFailed,
	},
	model.OrderStatePartiallyFilled: {
		model.OrderStatePartiallyFilled,
		model.OrderStateFilled,
		model.OrderStateCancelled,
		model.OrderStateFailed,
	},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to model.OrderState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Hooks lets the coordinator observe adapter outcomes without the machine
// depending on the breaker directly.
type Hooks struct {
	AdapterFailure func(venue string)
	AdapterSuccess func(venue string)
	OrderFailed    func(order *model.Order)
}

// Machine owns the lifecycle of exactly one order.
type Machine struct {
	order       *model.Order
	adapter     adapters.ExchangeAdapter
	journal     *journal.Journal
	bus         events.Bus
	logger      *zap.Logger
	maxAttempts int
	hooks       Hooks

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a machine for an order in the Proposed state.
func New(order *model.Order, adapter adapters.ExchangeAdapter, jnl *journal.Journal,
	bus events.Bus, logger *zap.Logger, maxAttempts int, hooks Hooks) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Machine{
		order:       order,
		adapter:     adapter,
		journal:     jnl,
		bus:         bus,
		logger:      logger,
		maxAttempts: maxAttempts,
		hooks:       hooks,
		sleep:       sleepCtx,
	}
}

// Order returns the owned order.
func (m *Machine) Order() *model.Order { return m.order }

// Submit drives the order from Proposed to Acknowledged, retrying transient
// failures with exponential backoff. The order's OrderID travels as the
// venue client order id on every attempt, so a retry after an ambiguous
// failure cannot create a duplicate venue order.
func (m *Machine) Submit(ctx context.Context) error {
	if err := m.transition(model.OrderStateSubmitted, "submitting to venue"); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		ack, err := m.adapter.Submit(ctx, m.order)
		if err == nil {
			if m.hooks.AdapterSuccess != nil {
				m.hooks.AdapterSuccess(m.order.Venue)
			}
			m.order.VenueOrderID = ack.VenueOrderID
			m.order.RetryCount = attempt - 1
			return m.transition(model.OrderStateAcknowledged, "venue accepted")
		}

		lastErr = err
		if m.hooks.AdapterFailure != nil {
			m.hooks.AdapterFailure(m.order.Venue)
		}

		switch adapters.KindOf(err) {
		case adapters.KindAuth:
			m.logger.Error("authentication failure, not retrying",
				zap.String("venue", m.order.Venue),
				zap.String("order_id", m.order.OrderID.String()),
				zap.Error(err))
			return m.fail(fmt.Sprintf("auth failure: %v", err))
		case adapters.KindVenueRejected:
			return m.reject(fmt.Sprintf("venue rejected: %v", err))
		}

		if attempt == m.maxAttempts {
			break
		}
		wait := backoffFor(attempt)
		m.logger.Warn("submission failed, backing off",
			zap.String("order_id", m.order.OrderID.String()),
			zap.String("venue", m.order.Venue),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if err := m.sleep(ctx, wait); err != nil {
			return m.fail(fmt.Sprintf("cancelled during retry backoff: %v", err))
		}
	}

	m.order.RetryCount = m.maxAttempts
	return m.fail(fmt.Sprintf("retries exhausted after %d attempts: %v", m.maxAttempts, lastErr))
}

// ApplyFill advances the order for one fill event. The caller journals and
// applies the fill to the ledger; the machine only moves order state.
func (m *Machine) ApplyFill(fill model.FillEvent) error {
	if m.order.State.IsTerminal() {
		return fmt.Errorf("fill %s arrived for order %s in terminal state %s",
			fill.FillID, m.order.OrderID, m.order.State)
	}
	m.order.FilledQuantity = m.order.FilledQuantity.Add(fill.Quantity)
	if m.order.FilledQuantity.GreaterThanOrEqual(m.order.Quantity) {
		return m.transition(model.OrderStateFilled, "fully filled")
	}
	return m.transition(model.OrderStatePartiallyFilled,
		fmt.Sprintf("filled %s of %s", m.order.FilledQuantity, m.order.Quantity))
}

// Cancel withdraws the order from the venue. Cancelling an already terminal
// order is a no-op, not an error: the fill won the race.
func (m *Machine) Cancel(ctx context.Context) error {
	if m.order.State.IsTerminal() {
		m.logger.Debug("cancel ignored, order already terminal",
			zap.String("order_id", m.order.OrderID.String()),
			zap.String("state", string(m.order.State)))
		return nil
	}
	if m.order.VenueOrderID == "" {
		return m.transition(model.OrderStateCancelled, "cancelled before venue ack")
	}
	if err := m.adapter.Cancel(ctx, m.order.VenueOrderID); err != nil {
		if m.hooks.AdapterFailure != nil {
			m.hooks.AdapterFailure(m.order.Venue)
		}
		return fmt.Errorf("cancel order %s on %s: %w", m.order.OrderID, m.order.Venue, err)
	}
	if m.hooks.AdapterSuccess != nil {
		m.hooks.AdapterSuccess(m.order.Venue)
	}
	return m.transition(model.OrderStateCancelled, "cancelled by operator")
}

// Reconcile polls the venue and aligns local state with the venue's view.
// It resolves orders stranded by a crash between submission and ack, and
// catches fills whose stream events were lost. When the venue reports more
// filled quantity than the order carries, the delta comes back as a
// synthetic fill so the caller can route it through the same journal and
// ledger path as a streamed fill; the order itself is not advanced here.
func (m *Machine) Reconcile(ctx context.Context) (*model.FillEvent, error) {
	if m.order.State.IsTerminal() {
		return nil, nil
	}
	if m.order.VenueOrderID == "" {
		if err := m.reconcileUnacknowledged(ctx); err != nil || m.order.VenueOrderID == "" {
			return nil, err
		}
	}
	status, err := m.adapter.PollStatus(ctx, m.order.VenueOrderID)
	if err != nil {
		return nil, fmt.Errorf("poll status for order %s: %w", m.order.OrderID, err)
	}
	return m.reconcileStatus(status)
}

// reconcileUnacknowledged resolves an order that crashed between submit and
// ack. The client order id was sent with the original request, so the venue
// can be asked whether the submit ever landed. A missing record inside the
// retry horizon may just mean the submit is still in flight somewhere; only
// past the horizon is the order declared failed.
func (m *Machine) reconcileUnacknowledged(ctx context.Context) error {
	if m.order.State != model.OrderStateSubmitted {
		return nil
	}
	status, found, err := m.adapter.PollByClientID(ctx, m.order.OrderID.String())
	if err != nil {
		return fmt.Errorf("poll by client id for order %s: %w", m.order.OrderID, err)
	}
	if !found {
		horizon := time.Duration(m.maxAttempts) * backoffCap
		if time.Since(m.order.LastTransitionAt) <= horizon {
			return nil
		}
		return m.fail("submit never reached venue")
	}
	m.logger.Info("recovered venue order by client id",
		zap.String("order_id", m.order.OrderID.String()),
		zap.String("venue", m.order.Venue),
		zap.String("venue_order_id", status.VenueOrderID))
	m.order.VenueOrderID = status.VenueOrderID
	return m.transition(model.OrderStateAcknowledged, "recovered venue order by client id")
}

// reconcileStatus compares the venue's view with the local order. A fill
// gap produces a synthetic fill event; a state mismatch with no gap steps
// the order directly.
func (m *Machine) reconcileStatus(status model.OrderStatus) (*model.FillEvent, error) {
	if status.FilledQuantity.GreaterThan(m.order.FilledQuantity) {
		delta := status.FilledQuantity.Sub(m.order.FilledQuantity)
		m.logger.Info("venue reports missed fill quantity",
			zap.String("order_id", m.order.OrderID.String()),
			zap.String("local_filled", m.order.FilledQuantity.String()),
			zap.String("venue_filled", status.FilledQuantity.String()))
		// The fill id is derived from the cumulative venue quantity so a
		// second reconcile of the same gap deduplicates at the ledger.
		return &model.FillEvent{
			FillID:       fmt.Sprintf("reconcile:%s:%s", m.order.OrderID, status.FilledQuantity),
			OrderID:      m.order.OrderID,
			VenueOrderID: m.order.VenueOrderID,
			Venue:        m.order.Venue,
			Symbol:       m.order.Symbol,
			Side:         m.order.Side,
			Quantity:     delta,
			Price:        status.AvgFillPrice,
			Timestamp:    time.Now().UTC(),
		}, nil
	}
	if status.State == m.order.State {
		return nil, nil
	}
	m.logger.Info("reconciling order with venue state",
		zap.String("order_id", m.order.OrderID.String()),
		zap.String("local_state", string(m.order.State)),
		zap.String("venue_state", string(status.State)))
	if !CanTransition(m.order.State, status.State) {
		return nil, fmt.Errorf("%w: venue reports %s but order %s is %s",
			ErrInvalidTransition, status.State, m.order.OrderID, m.order.State)
	}
	return nil, m.transition(status.State, "reconciled from venue poll")
}

// fail moves the order to Failed and raises a priority alert.
func (m *Machine) fail(reason string) error {
	if err := m.transition(model.OrderStateFailed, reason); err != nil {
		return err
	}
	if m.hooks.OrderFailed != nil {
		m.hooks.OrderFailed(m.order)
	}
	return fmt.Errorf("order %s failed: %s", m.order.OrderID, reason)
}

func (m *Machine) reject(reason string) error {
	if err := m.transition(model.OrderStateRejected, reason); err != nil {
		return err
	}
	return fmt.Errorf("order %s rejected: %s", m.order.OrderID, reason)
}

// transition journals the state change, then mutates the order, then
// publishes. The journal write comes first so replay never misses an
// applied transition.
func (m *Machine) transition(to model.OrderState, reason string) error {
	from := m.order.State
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s for order %s", ErrInvalidTransition, from, to, m.order.OrderID)
	}

	snapshot := *m.order
	snapshot.State = to
	if _, err := m.journal.Append(&journal.Record{
		Type:      journal.RecordTypeOrderTransition,
		OrderID:   m.order.OrderID,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		Order:     &snapshot,
	}); err != nil {
		return fmt.Errorf("journal transition %s -> %s: %w", from, to, err)
	}

	m.order.State = to
	m.order.LastTransitionAt = time.Now().UTC()

	m.logger.Info("order state changed",
		zap.String("order_id", m.order.OrderID.String()),
		zap.String("venue", m.order.Venue),
		zap.String("symbol", m.order.Symbol),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))

	m.bus.Publish(events.Event{
		Topic:    events.TopicOrder,
		Type:     events.TypeOrderStateChanged,
		Payload:  snapshot,
		Priority: to == model.OrderStateFailed,
		Meta: map[string]interface{}{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		},
	})
	return nil
}

// backoffFor returns the wait before retry attempt+1, doubling from the
// base and saturating at the cap.
func backoffFor(attempt int) time.Duration {
	wait := backoffBase << (attempt - 1)
	if wait > backoffCap || wait <= 0 {
		return backoffCap
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
