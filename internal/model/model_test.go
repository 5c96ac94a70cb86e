package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestIsTerminal(t *testing.T) {
	terminal := []OrderState{OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateFailed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s", s)
	}
	active := []OrderState{OrderStateProposed, OrderStateSubmitted, OrderStateAcknowledged, OrderStatePartiallyFilled}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), "%s", s)
	}
}

func TestRemainingQuantity(t *testing.T) {
	o := NewOrderForTest("paper", "BTC-USD", OrderSideBuy, "2", "100")
	assert.True(t, o.RemainingQuantity().Equal(decimal.NewFromInt(2)))

	o.FilledQuantity = decimal.RequireFromString("0.75")
	assert.True(t, o.RemainingQuantity().Equal(decimal.RequireFromString("1.25")))
}
