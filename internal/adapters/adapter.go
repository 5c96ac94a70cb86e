// Package adapters provides a uniform interface over the venue-specific
// exchange APIs. Each adapter owns its authentication, rate limiting, and
// wire-format translation; callers see one contract regardless of venue.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianx/execpipe/internal/model"
)

// ErrorKind classifies adapter failures for the retry policy.
type ErrorKind int

const (
	// KindAuth is fatal to the venue: halt trading there, never retry.
	KindAuth ErrorKind = iota
	// KindTransient is retried locally with backoff.
	KindTransient
	// KindRateLimited is retried after the venue's cooldown.
	KindRateLimited
	// KindVenueRejected means the venue understood and refused the
	// request; retrying the same request cannot succeed.
	KindVenueRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindVenueRejected:
		return "venue_rejected"
	default:
		return "unknown"
	}
}

// Error is the adapter error taxonomy.
type Error struct {
	Kind  ErrorKind
	Venue string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified adapter error.
func NewError(kind ErrorKind, venue, op string, err error) *Error {
	return &Error{Kind: kind, Venue: venue, Op: op, Err: err}
}

// KindOf returns the error's kind; unclassified errors count as transient
// so the retry discipline still bounds them.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the retry loop may try again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// Ack is the venue's confirmation of an accepted submission.
type Ack struct {
	VenueOrderID string
	AcceptedAt   time.Time
}

// SymbolInfo describes a venue-listed instrument.
type SymbolInfo struct {
	Symbol   string
	TickSize decimal.Decimal
	MinQty   decimal.Decimal
}

// ExchangeAdapter is the uniform contract every venue implements.
// Submit uses the order's OrderID as an idempotency key: resubmitting the
// same order after a transient failure must not create a second venue
// order.
type ExchangeAdapter interface {
	Name() string
	Submit(ctx context.Context, order *model.Order) (Ack, error)
	Cancel(ctx context.Context, venueOrderID string) error
	PollStatus(ctx context.Context, venueOrderID string) (model.OrderStatus, error)

	// PollByClientID looks an order up by the client order id it was
	// submitted under, for reconciling orders stranded before the ack
	// carried the venue id back. found is false when the venue has no
	// record of the id.
	PollByClientID(ctx context.Context, clientOrderID string) (status model.OrderStatus, found bool, err error)

	// StreamFills delivers fill events until ctx is done. The stream
	// restarts internally on disconnect; the returned channel only closes
	// when ctx is cancelled.
	StreamFills(ctx context.Context) (<-chan model.FillEvent, error)

	// SymbolInfo returns instrument metadata, ok=false for unknown symbols.
	SymbolInfo(symbol string) (SymbolInfo, bool)
}

// ValidateOrder applies the venue-independent input checks before any
// network call: positive quantity, known symbol, tick-aligned limit price.
func ValidateOrder(a ExchangeAdapter, order *model.Order) error {
	if order.Quantity.LessThanOrEqual(decimal.Zero) {
		return NewError(KindVenueRejected, a.Name(), "submit",
			fmt.Errorf("quantity must be positive, got %s", order.Quantity))
	}
	info, ok := a.SymbolInfo(order.Symbol)
	if !ok {
		return NewError(KindVenueRejected, a.Name(), "submit",
			fmt.Errorf("symbol %s not listed on %s", order.Symbol, a.Name()))
	}
	if info.MinQty.IsPositive() && order.Quantity.LessThan(info.MinQty) {
		return NewError(KindVenueRejected, a.Name(), "submit",
			fmt.Errorf("quantity %s below venue minimum %s", order.Quantity, info.MinQty))
	}
	if order.PriceType == model.PriceTypeLimit && info.TickSize.IsPositive() {
		if !order.Price.Mod(info.TickSize).IsZero() {
			return NewError(KindVenueRejected, a.Name(), "submit",
				fmt.Errorf("price %s not aligned to tick size %s", order.Price, info.TickSize))
		}
	}
	return nil
}

// Registry selects adapters by venue name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]ExchangeAdapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]ExchangeAdapter)}
}

// Register adds an adapter under its own name. Registering the same venue
// twice is a programming error.
func (r *Registry) Register(a ExchangeAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %s already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for a venue.
func (r *Registry) Get(venue string) (ExchangeAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[venue]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for venue %q", venue)
	}
	return a, nil
}

// Names returns the registered venue names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
