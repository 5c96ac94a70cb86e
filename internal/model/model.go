package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order sides, price types, and states
const (
	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Price types
	PriceTypeMarket = "MARKET"
	PriceTypeLimit  = "LIMIT"
)

// OrderState represents the lifecycle state of an order.
type OrderState string

const (
	OrderStateProposed        OrderState = "PROPOSED"
	OrderStateSubmitted       OrderState = "SUBMITTED"
	OrderStateAcknowledged    OrderState = "ACKNOWLEDGED"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCancelled       OrderState = "CANCELLED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateFailed          OrderState = "FAILED"
)

// IsTerminal reports whether the state admits no further transitions.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateFailed:
		return true
	default:
		return false
	}
}

// Signal is an immutable trading recommendation emitted by an upstream
// strategy engine. It is consumed exactly once and never persisted.
type Signal struct {
	ID                 uuid.UUID       `json:"id"`
	Symbol             string          `json:"symbol"`
	Side               string          `json:"side"`
	Strength           float64         `json:"strength"` // 0..1 confidence
	StrategyID         string          `json:"strategy_id"`
	CertificationToken string          `json:"certification_token"`
	StopDistance       decimal.Decimal `json:"stop_distance"` // estimated adverse move to stop
	Quantity           decimal.Decimal `json:"quantity"`      // requested size, pre risk sizing
	Venue              string          `json:"venue"`
	IssuedAt           time.Time       `json:"issued_at"`
}

// Order is a unit of intended exchange action. Each order is owned
// exclusively by one state machine instance; OrderID doubles as the
// idempotency key for venue submission.
type Order struct {
	OrderID          uuid.UUID       `json:"order_id"`
	VenueOrderID     string          `json:"venue_order_id,omitempty"` // empty until acknowledged
	Venue            string          `json:"venue"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	Price            decimal.Decimal `json:"price,omitempty"`
	PriceType        string          `json:"price_type"`
	StopDistance     decimal.Decimal `json:"stop_distance"`
	StrategyID       string          `json:"strategy_id"`
	SignalID         uuid.UUID       `json:"signal_id"`
	State            OrderState      `json:"state"`
	RetryCount       int             `json:"retry_count"`
	CreatedAt        time.Time       `json:"created_at"`
	LastTransitionAt time.Time       `json:"last_transition_at"`
}

// RemainingQuantity returns the unfilled portion of the order.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// FillEvent is a confirmation that all or part of an order executed on a
// venue. FillID is the dedup key for idempotent ledger application.
type FillEvent struct {
	FillID       string          `json:"fill_id"`
	OrderID      uuid.UUID       `json:"order_id"`
	VenueOrderID string          `json:"venue_order_id"`
	Venue        string          `json:"venue"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Position is the ledger's view of net exposure in one symbol.
type Position struct {
	Symbol            string          `json:"symbol"`
	NetQuantity       decimal.Decimal `json:"net_quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	RealizedPnLToday  decimal.Decimal `json:"realized_pnl_today"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
}

// OrderStatus is a venue-side view of an order returned by PollStatus.
type OrderStatus struct {
	VenueOrderID   string          `json:"venue_order_id"`
	State          OrderState      `json:"state"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
}

// NewOrderForTest creates an Order with sensible defaults for tests.
func NewOrderForTest(venue, symbol, side, qtyStr, stopStr string) *Order {
	qty, _ := decimal.NewFromString(qtyStr)
	stop, _ := decimal.NewFromString(stopStr)
	now := time.Now()
	return &Order{
		OrderID:          uuid.New(),
		Venue:            venue,
		Symbol:           symbol,
		Side:             side,
		Quantity:         qty,
		FilledQuantity:   decimal.Zero,
		PriceType:        PriceTypeMarket,
		StopDistance:     stop,
		SignalID:         uuid.New(),
		State:            OrderStateProposed,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}
