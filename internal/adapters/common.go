package adapters

import (
	"strings"

	"github.com/google/uuid"

	"github.com/meridianx/execpipe/internal/model"
)

// normalizeSide maps a venue-flavored side string onto the model constants.
func normalizeSide(s string) string {
	if strings.EqualFold(s, "sell") {
		return model.OrderSideSell
	}
	return model.OrderSideBuy
}

// parseOrderUUID recovers our order ID from the client-order-id the venue
// echoes back. Venues may report executions for orders placed outside
// this process; those fail to parse and keep a zero OrderID.
func parseOrderUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
