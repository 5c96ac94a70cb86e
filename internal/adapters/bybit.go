package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianx/execpipe/internal/config"
	"github.com/meridianx/execpipe/internal/model"
	"github.com/meridianx/execpipe/internal/ratelimit"
)

const bybitRecvWindow = "5000"

// Bybit implements ExchangeAdapter for the Bybit v5 spot API.
// The order's OrderID is sent as orderLinkId, Bybit's client order ID:
// a resubmission with the same orderLinkId is deduplicated venue-side.
type Bybit struct {
	rest    *restClient
	cfg     config.VenueConfig
	symbols map[string]SymbolInfo
	logger  *zap.Logger
}

// NewBybit creates a Bybit adapter.
func NewBybit(cfg config.VenueConfig, limiter *ratelimit.Limiter, timeout time.Duration, symbols map[string]SymbolInfo, logger *zap.Logger) *Bybit {
	b := &Bybit{cfg: cfg, symbols: symbols, logger: logger.With(zap.String("venue", "bybit"))}
	b.rest = newRESTClient("bybit", cfg, limiter, timeout, b.signRequest, logger)
	return b
}

func (b *Bybit) Name() string { return "bybit" }

func (b *Bybit) SymbolInfo(symbol string) (SymbolInfo, bool) {
	info, ok := b.symbols[symbol]
	return info, ok
}

// signRequest applies the v5 header signature:
// HMAC_SHA256(secret, timestamp + apiKey + recvWindow + body).
func (b *Bybit) signRequest(req *resty.Request, method, path string, body []byte) error {
	if b.cfg.APIKey == "" || b.cfg.APISecret == "" {
		return fmt.Errorf("bybit credentials not configured")
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := ts + b.cfg.APIKey + bybitRecvWindow + string(body)
	req.SetHeaders(map[string]string{
		"X-BAPI-API-KEY":     b.cfg.APIKey,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": bybitRecvWindow,
		"X-BAPI-SIGN":        hmacSHA256Hex(b.cfg.APISecret, payload),
	})
	return nil
}

type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *Bybit) Submit(ctx context.Context, order *model.Order) (Ack, error) {
	if err := ValidateOrder(b, order); err != nil {
		return Ack{}, err
	}
	body, _ := json.Marshal(map[string]string{
		"category":    "spot",
		"symbol":      order.Symbol,
		"side":        bybitSide(order.Side),
		"orderType":   bybitOrderType(order.PriceType),
		"qty":         order.Quantity.String(),
		"price":       bybitPrice(order),
		"orderLinkId": order.OrderID.String(),
	})
	var resp bybitResponse
	if err := b.rest.do(ctx, ratelimit.ClassOrder, "POST", "/v5/order/create", body, &resp); err != nil {
		return Ack{}, err
	}
	if resp.RetCode != 0 {
		return Ack{}, b.classifyRetCode("submit", resp)
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.OrderID == "" {
		return Ack{}, NewError(KindTransient, "bybit", "submit",
			fmt.Errorf("ack without orderId: %s", Redact(string(resp.Result))))
	}
	return Ack{VenueOrderID: result.OrderID, AcceptedAt: time.Now()}, nil
}

func (b *Bybit) Cancel(ctx context.Context, venueOrderID string) error {
	body, _ := json.Marshal(map[string]string{
		"category": "spot",
		"orderId":  venueOrderID,
	})
	var resp bybitResponse
	if err := b.rest.do(ctx, ratelimit.ClassOrder, "POST", "/v5/order/cancel", body, &resp); err != nil {
		return err
	}
	if resp.RetCode != 0 {
		return b.classifyRetCode("cancel", resp)
	}
	return nil
}

func (b *Bybit) PollStatus(ctx context.Context, venueOrderID string) (model.OrderStatus, error) {
	status, found, err := b.pollRealtime(ctx, "/v5/order/realtime?category=spot&orderId="+venueOrderID)
	if err != nil {
		return model.OrderStatus{}, err
	}
	if !found {
		return model.OrderStatus{}, NewError(KindTransient, "bybit", "poll_status",
			fmt.Errorf("order %s not in realtime response", venueOrderID))
	}
	return status, nil
}

// PollByClientID queries by orderLinkId, the idempotency key Bybit echoes
// back on every order.
func (b *Bybit) PollByClientID(ctx context.Context, clientOrderID string) (model.OrderStatus, bool, error) {
	return b.pollRealtime(ctx, "/v5/order/realtime?category=spot&orderLinkId="+clientOrderID)
}

func (b *Bybit) pollRealtime(ctx context.Context, path string) (model.OrderStatus, bool, error) {
	var resp bybitResponse
	if err := b.rest.do(ctx, ratelimit.ClassQuery, "GET", path, nil, &resp); err != nil {
		return model.OrderStatus{}, false, err
	}
	if resp.RetCode != 0 {
		return model.OrderStatus{}, false, b.classifyRetCode("poll_status", resp)
	}
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return model.OrderStatus{}, false, NewError(KindTransient, "bybit", "poll_status", err)
	}
	if len(result.List) == 0 {
		return model.OrderStatus{}, false, nil
	}
	entry := result.List[0]
	filled, _ := decimal.NewFromString(entry.CumExecQty)
	avg, _ := decimal.NewFromString(entry.AvgPrice)
	return model.OrderStatus{
		VenueOrderID:   entry.OrderID,
		State:          bybitState(entry.OrderStatus),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
	}, true, nil
}

func (b *Bybit) StreamFills(ctx context.Context) (<-chan model.FillEvent, error) {
	stream := &fillStream{
		venue: "bybit",
		url:   b.cfg.WSURL,
		subscribe: func(conn *websocket.Conn) error {
			expires := strconv.FormatInt(time.Now().Add(10*time.Second).UnixMilli(), 10)
			auth := map[string]interface{}{
				"op":   "auth",
				"args": []string{b.cfg.APIKey, expires, hmacSHA256Hex(b.cfg.APISecret, "GET/realtime"+expires)},
			}
			if err := conn.WriteJSON(auth); err != nil {
				return err
			}
			return conn.WriteJSON(map[string]interface{}{
				"op":   "subscribe",
				"args": []string{"execution.spot"},
			})
		},
		parse:  b.parseExecutions,
		logger: b.logger,
	}
	return stream.run(ctx), nil
}

func (b *Bybit) parseExecutions(msg []byte) ([]model.FillEvent, error) {
	var frame struct {
		Topic string `json:"topic"`
		Data  []struct {
			ExecID      string `json:"execId"`
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			ExecQty     string `json:"execQty"`
			ExecPrice   string `json:"execPrice"`
			ExecTime    string `json:"execTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, err
	}
	if frame.Topic != "execution.spot" {
		return nil, nil
	}
	fills := make([]model.FillEvent, 0, len(frame.Data))
	for _, d := range frame.Data {
		qty, _ := decimal.NewFromString(d.ExecQty)
		price, _ := decimal.NewFromString(d.ExecPrice)
		ms, _ := strconv.ParseInt(d.ExecTime, 10, 64)
		fill := model.FillEvent{
			FillID:       "bybit:" + d.ExecID,
			VenueOrderID: d.OrderID,
			Venue:        "bybit",
			Symbol:       d.Symbol,
			Side:         normalizeSide(d.Side),
			Quantity:     qty,
			Price:        price,
			Timestamp:    time.UnixMilli(ms),
		}
		if id, err := parseOrderUUID(d.OrderLinkID); err == nil {
			fill.OrderID = id
		}
		fills = append(fills, fill)
	}
	return fills, nil
}

func (b *Bybit) classifyRetCode(op string, resp bybitResponse) error {
	err := fmt.Errorf("retCode %d: %s", resp.RetCode, resp.RetMsg)
	switch resp.RetCode {
	case 10003, 10004, 33004: // invalid key / signature / expired key
		return NewError(KindAuth, "bybit", op, err)
	case 10006, 10018: // rate limited
		return NewError(KindRateLimited, "bybit", op, err)
	default:
		return NewError(KindVenueRejected, "bybit", op, err)
	}
}

func bybitSide(side string) string {
	if side == model.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func bybitOrderType(priceType string) string {
	if priceType == model.PriceTypeLimit {
		return "Limit"
	}
	return "Market"
}

func bybitPrice(order *model.Order) string {
	if order.PriceType == model.PriceTypeLimit {
		return order.Price.String()
	}
	return ""
}

func bybitState(status string) model.OrderState {
	switch status {
	case "New", "Created":
		return model.OrderStateAcknowledged
	case "PartiallyFilled":
		return model.OrderStatePartiallyFilled
	case "Filled":
		return model.OrderStateFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return model.OrderStateCancelled
	case "Rejected":
		return model.OrderStateRejected
	default:
		return model.OrderStateAcknowledged
	}
}
