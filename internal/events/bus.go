// Package events carries the append-only event stream consumed by the
// out-of-scope notification and dashboard collaborators. Consumers
// subscribe or poll; nothing here can mutate core state.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Topics
const (
	TopicOrder   = "order"
	TopicRisk    = "risk"
	TopicBreaker = "breaker"
)

// Event types
const (
	TypeOrderStateChanged       = "ORDER_STATE_CHANGED"
	TypeRiskRejected            = "RISK_REJECTED"
	TypeEmergencyBreakerTripped = "EMERGENCY_BREAKER_TRIPPED"
)

// Event is the base type for everything published on the bus.
type Event struct {
	Topic     string                 `json:"topic"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   interface{}            `json:"payload"`
	Meta      map[string]interface{} `json:"meta,omitempty"`

	// Priority marks events that must produce a blocking operator alert
	// (Failed orders, breaker trips, ledger corruption).
	Priority bool `json:"priority,omitempty"`
}

// Handler receives published events. Handlers must be fast; slow sinks
// should buffer internally.
type Handler func(Event)

// Bus is the interface for publishing and subscribing to events.
type Bus interface {
	Publish(event Event)
	Subscribe(topic string, handler Handler)
}

// InMemoryBus is a concurrent-safe fan-out event bus.
type InMemoryBus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string][]Handler
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus(logger *zap.Logger) *InMemoryBus {
	return &InMemoryBus{
		logger: logger,
		subs:   make(map[string][]Handler),
	}
}

// Publish delivers an event to all subscribers of its topic.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[event.Topic]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic",
						zap.Any("recover", r),
						zap.String("topic", event.Topic),
						zap.String("type", event.Type))
				}
			}()
			h(event)
		}(handler)
	}
}

// Subscribe registers a handler for a topic.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}
