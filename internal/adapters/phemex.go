package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianx/execpipe/internal/config"
	"github.com/meridianx/execpipe/internal/model"
	"github.com/meridianx/execpipe/internal/ratelimit"
)

// Phemex implements ExchangeAdapter for the Phemex spot API. Requests are
// signed with HMAC_SHA256(secret, path + query + expiry + body), sent in
// x-phemex-* headers. clOrdID carries our idempotency key.
type Phemex struct {
	rest    *restClient
	cfg     config.VenueConfig
	symbols map[string]SymbolInfo
	logger  *zap.Logger
}

// NewPhemex creates a Phemex adapter.
func NewPhemex(cfg config.VenueConfig, limiter *ratelimit.Limiter, timeout time.Duration, symbols map[string]SymbolInfo, logger *zap.Logger) *Phemex {
	p := &Phemex{cfg: cfg, symbols: symbols, logger: logger.With(zap.String("venue", "phemex"))}
	p.rest = newRESTClient("phemex", cfg, limiter, timeout, p.signRequest, logger)
	return p
}

func (p *Phemex) Name() string { return "phemex" }

func (p *Phemex) SymbolInfo(symbol string) (SymbolInfo, bool) {
	info, ok := p.symbols[symbol]
	return info, ok
}

func (p *Phemex) signRequest(req *resty.Request, method, path string, body []byte) error {
	if p.cfg.APIKey == "" || p.cfg.APISecret == "" {
		return fmt.Errorf("phemex credentials not configured")
	}
	expiry := strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10)
	urlPath, query := path, ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		urlPath, query = path[:i], path[i+1:]
	}
	payload := urlPath + query + expiry + string(body)
	req.SetHeaders(map[string]string{
		"x-phemex-access-token":      p.cfg.APIKey,
		"x-phemex-request-expiry":    expiry,
		"x-phemex-request-signature": hmacSHA256Hex(p.cfg.APISecret, payload),
	})
	return nil
}

type phemexResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (p *Phemex) Submit(ctx context.Context, order *model.Order) (Ack, error) {
	if err := ValidateOrder(p, order); err != nil {
		return Ack{}, err
	}
	payload := map[string]interface{}{
		"symbol":    order.Symbol,
		"clOrdID":   order.OrderID.String(),
		"side":      phemexSide(order.Side),
		"ordType":   phemexOrderType(order.PriceType),
		"qtyType":   "ByBase",
		"baseQtyEv": order.Quantity.String(),
	}
	if order.PriceType == model.PriceTypeLimit {
		payload["priceEp"] = order.Price.String()
	}
	body, _ := json.Marshal(payload)
	var resp phemexResponse
	if err := p.rest.do(ctx, ratelimit.ClassOrder, "POST", "/spot/orders", body, &resp); err != nil {
		return Ack{}, err
	}
	if resp.Code != 0 {
		return Ack{}, p.classifyCode("submit", resp)
	}
	var data struct {
		OrderID string `json:"orderID"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.OrderID == "" {
		return Ack{}, NewError(KindTransient, "phemex", "submit",
			fmt.Errorf("ack without orderID: %s", Redact(string(resp.Data))))
	}
	return Ack{VenueOrderID: data.OrderID, AcceptedAt: time.Now()}, nil
}

func (p *Phemex) Cancel(ctx context.Context, venueOrderID string) error {
	path := "/spot/orders?orderID=" + venueOrderID
	var resp phemexResponse
	if err := p.rest.do(ctx, ratelimit.ClassOrder, "DELETE", path, nil, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		return p.classifyCode("cancel", resp)
	}
	return nil
}

func (p *Phemex) PollStatus(ctx context.Context, venueOrderID string) (model.OrderStatus, error) {
	path := "/spot/orders/active?orderID=" + venueOrderID
	var resp phemexResponse
	if err := p.rest.do(ctx, ratelimit.ClassQuery, "GET", path, nil, &resp); err != nil {
		return model.OrderStatus{}, err
	}
	if resp.Code != 0 {
		return model.OrderStatus{}, p.classifyCode("poll_status", resp)
	}
	var data struct {
		OrderID    string `json:"orderID"`
		OrdStatus  string `json:"ordStatus"`
		CumBaseQty string `json:"cumBaseQtyEv"`
		AvgPriceEp string `json:"avgPriceEp"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return model.OrderStatus{}, NewError(KindTransient, "phemex", "poll_status", err)
	}
	filled, _ := decimal.NewFromString(data.CumBaseQty)
	avg, _ := decimal.NewFromString(data.AvgPriceEp)
	return model.OrderStatus{
		VenueOrderID:   data.OrderID,
		State:          phemexState(data.OrdStatus),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
	}, nil
}

// PollByClientID queries by clOrdID, the idempotency key carried on the
// original order. A venue-rejected reply means Phemex has no record of the
// id, which reports as not found rather than an error.
func (p *Phemex) PollByClientID(ctx context.Context, clientOrderID string) (model.OrderStatus, bool, error) {
	path := "/spot/orders/active?clOrdID=" + clientOrderID
	var resp phemexResponse
	if err := p.rest.do(ctx, ratelimit.ClassQuery, "GET", path, nil, &resp); err != nil {
		return model.OrderStatus{}, false, err
	}
	if resp.Code != 0 {
		err := p.classifyCode("poll_by_client_id", resp)
		if KindOf(err) == KindVenueRejected {
			return model.OrderStatus{}, false, nil
		}
		return model.OrderStatus{}, false, err
	}
	var data struct {
		OrderID    string `json:"orderID"`
		OrdStatus  string `json:"ordStatus"`
		CumBaseQty string `json:"cumBaseQtyEv"`
		AvgPriceEp string `json:"avgPriceEp"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return model.OrderStatus{}, false, NewError(KindTransient, "phemex", "poll_by_client_id", err)
	}
	if data.OrderID == "" {
		return model.OrderStatus{}, false, nil
	}
	filled, _ := decimal.NewFromString(data.CumBaseQty)
	avg, _ := decimal.NewFromString(data.AvgPriceEp)
	return model.OrderStatus{
		VenueOrderID:   data.OrderID,
		State:          phemexState(data.OrdStatus),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
	}, true, nil
}

func (p *Phemex) StreamFills(ctx context.Context) (<-chan model.FillEvent, error) {
	stream := &fillStream{
		venue: "phemex",
		url:   p.cfg.WSURL,
		subscribe: func(conn *websocket.Conn) error {
			expiry := time.Now().Add(time.Minute).Unix()
			sig := hmacSHA256Hex(p.cfg.APISecret, p.cfg.APIKey+strconv.FormatInt(expiry, 10))
			auth := map[string]interface{}{
				"method": "user.auth",
				"params": []interface{}{"API", p.cfg.APIKey, sig, expiry},
				"id":     1,
			}
			if err := conn.WriteJSON(auth); err != nil {
				return err
			}
			return conn.WriteJSON(map[string]interface{}{
				"method": "aop.subscribe",
				"params": []interface{}{},
				"id":     2,
			})
		},
		parse:  p.parseAccountEvents,
		logger: p.logger,
	}
	return stream.run(ctx), nil
}

func (p *Phemex) parseAccountEvents(msg []byte) ([]model.FillEvent, error) {
	var frame struct {
		Type   string `json:"type"`
		Orders []struct {
			ExecID     string `json:"execID"`
			OrderID    string `json:"orderID"`
			ClOrdID    string `json:"clOrdID"`
			Symbol     string `json:"symbol"`
			Side       string `json:"side"`
			ExecQty    string `json:"execBaseQtyEv"`
			ExecPrice  string `json:"execPriceEp"`
			TransactMs int64  `json:"transactTimeNs"`
			ExecStatus string `json:"execStatus"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, err
	}
	if frame.Type != "incremental" || len(frame.Orders) == 0 {
		return nil, nil
	}
	var fills []model.FillEvent
	for _, o := range frame.Orders {
		if o.ExecStatus != "MakerFill" && o.ExecStatus != "TakerFill" {
			continue
		}
		qty, _ := decimal.NewFromString(o.ExecQty)
		price, _ := decimal.NewFromString(o.ExecPrice)
		fill := model.FillEvent{
			FillID:       "phemex:" + o.ExecID,
			VenueOrderID: o.OrderID,
			Venue:        "phemex",
			Symbol:       o.Symbol,
			Side:         normalizeSide(o.Side),
			Quantity:     qty,
			Price:        price,
			Timestamp:    time.Unix(0, o.TransactMs),
		}
		if id, err := parseOrderUUID(o.ClOrdID); err == nil {
			fill.OrderID = id
		}
		fills = append(fills, fill)
	}
	return fills, nil
}

func (p *Phemex) classifyCode(op string, resp phemexResponse) error {
	err := fmt.Errorf("code %d: %s", resp.Code, resp.Msg)
	switch resp.Code {
	case 401, 10500: // signature / token failures
		return NewError(KindAuth, "phemex", op, err)
	case 10429:
		return NewError(KindRateLimited, "phemex", op, err)
	default:
		return NewError(KindVenueRejected, "phemex", op, err)
	}
}

func phemexSide(side string) string {
	if side == model.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func phemexOrderType(priceType string) string {
	if priceType == model.PriceTypeLimit {
		return "Limit"
	}
	return "Market"
}

func phemexState(status string) model.OrderState {
	switch status {
	case "New", "Created", "Untriggered":
		return model.OrderStateAcknowledged
	case "PartiallyFilled":
		return model.OrderStatePartiallyFilled
	case "Filled":
		return model.OrderStateFilled
	case "Canceled":
		return model.OrderStateCancelled
	case "Rejected":
		return model.OrderStateRejected
	default:
		return model.OrderStateAcknowledged
	}
}
