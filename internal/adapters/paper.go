package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridianx/execpipe/internal/model"
)

// Paper is an in-memory venue used for dry runs and tests. It honors the
// idempotency contract: submitting the same OrderID twice returns the
// original ack instead of creating a second order.
type Paper struct {
	name    string
	symbols map[string]SymbolInfo

	mu     sync.Mutex
	orders map[uuid.UUID]*paperOrder
	byVeno map[string]*paperOrder
	nextID int

	fills chan model.FillEvent

	// SubmitHook, when set, runs before each submit attempt and may
	// return an error to inject failures. Used by tests.
	SubmitHook func(attempt int, order *model.Order) error
	attempts   map[uuid.UUID]int
}

type paperOrder struct {
	order        model.Order
	venueOrderID string
	state        model.OrderState
	filled       decimal.Decimal
	avgPrice     decimal.Decimal
}

// NewPaper creates a paper adapter listing the given symbols.
func NewPaper(symbols map[string]SymbolInfo) *Paper {
	return &Paper{
		name:     "paper",
		symbols:  symbols,
		orders:   make(map[uuid.UUID]*paperOrder),
		byVeno:   make(map[string]*paperOrder),
		fills:    make(chan model.FillEvent, 256),
		attempts: make(map[uuid.UUID]int),
	}
}

func (p *Paper) Name() string { return p.name }

func (p *Paper) SymbolInfo(symbol string) (SymbolInfo, bool) {
	info, ok := p.symbols[symbol]
	return info, ok
}

func (p *Paper) Submit(ctx context.Context, order *model.Order) (Ack, error) {
	if err := ValidateOrder(p, order); err != nil {
		return Ack{}, err
	}

	p.mu.Lock()
	attempt := p.attempts[order.OrderID] + 1
	p.attempts[order.OrderID] = attempt
	hook := p.SubmitHook
	p.mu.Unlock()

	if hook != nil {
		if err := hook(attempt, order); err != nil {
			return Ack{}, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.orders[order.OrderID]; ok {
		return Ack{VenueOrderID: existing.venueOrderID, AcceptedAt: time.Now()}, nil
	}
	p.nextID++
	po := &paperOrder{
		order:        *order,
		venueOrderID: fmt.Sprintf("paper-%06d", p.nextID),
		state:        model.OrderStateAcknowledged,
		filled:       decimal.Zero,
	}
	p.orders[order.OrderID] = po
	p.byVeno[po.venueOrderID] = po
	return Ack{VenueOrderID: po.venueOrderID, AcceptedAt: time.Now()}, nil
}

func (p *Paper) Cancel(ctx context.Context, venueOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.byVeno[venueOrderID]
	if !ok {
		return NewError(KindVenueRejected, p.name, "cancel",
			fmt.Errorf("unknown order %s", venueOrderID))
	}
	if !po.state.IsTerminal() {
		po.state = model.OrderStateCancelled
	}
	return nil
}

func (p *Paper) PollStatus(ctx context.Context, venueOrderID string) (model.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.byVeno[venueOrderID]
	if !ok {
		return model.OrderStatus{}, NewError(KindVenueRejected, p.name, "poll_status",
			fmt.Errorf("unknown order %s", venueOrderID))
	}
	return model.OrderStatus{
		VenueOrderID:   venueOrderID,
		State:          po.state,
		FilledQuantity: po.filled,
		AvgFillPrice:   po.avgPrice,
	}, nil
}

func (p *Paper) PollByClientID(ctx context.Context, clientOrderID string) (model.OrderStatus, bool, error) {
	id, err := uuid.Parse(clientOrderID)
	if err != nil {
		return model.OrderStatus{}, false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[id]
	if !ok {
		return model.OrderStatus{}, false, nil
	}
	return model.OrderStatus{
		VenueOrderID:   po.venueOrderID,
		State:          po.state,
		FilledQuantity: po.filled,
		AvgFillPrice:   po.avgPrice,
	}, true, nil
}

func (p *Paper) StreamFills(ctx context.Context) (<-chan model.FillEvent, error) {
	out := make(chan model.FillEvent)
	go func() {
		defer close(out)
		for {
			select {
			case fill := <-p.fills:
				select {
				case out <- fill:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Fill simulates a (partial) execution of the order and emits the fill
// event on the stream.
func (p *Paper) Fill(orderID uuid.UUID, qty, price decimal.Decimal) error {
	p.mu.Lock()
	po, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown order %s", orderID)
	}
	po.filled = po.filled.Add(qty)
	po.avgPrice = price
	if po.filled.GreaterThanOrEqual(po.order.Quantity) {
		po.state = model.OrderStateFilled
	} else {
		po.state = model.OrderStatePartiallyFilled
	}
	p.nextID++
	fill := model.FillEvent{
		FillID:       fmt.Sprintf("paper-fill-%06d", p.nextID),
		OrderID:      orderID,
		VenueOrderID: po.venueOrderID,
		Venue:        p.name,
		Symbol:       po.order.Symbol,
		Side:         po.order.Side,
		Quantity:     qty,
		Price:        price,
		Timestamp:    time.Now(),
	}
	p.mu.Unlock()

	p.fills <- fill
	return nil
}

// SubmitCount returns how many venue-side orders exist, used to verify
// the no-duplicate-submission property.
func (p *Paper) SubmitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

// Attempts returns the number of submit attempts seen for an order.
func (p *Paper) Attempts(orderID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[orderID]
}
