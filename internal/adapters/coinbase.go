package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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

// Coinbase implements ExchangeAdapter for the Coinbase Advanced Trade API.
// client_order_id carries our idempotency key; Coinbase returns the
// existing order when the same client_order_id is submitted twice.
type Coinbase struct {
	rest    *restClient
	cfg     config.VenueConfig
	symbols map[string]SymbolInfo
	logger  *zap.Logger
}

// NewCoinbase creates a Coinbase adapter.
func NewCoinbase(cfg config.VenueConfig, limiter *ratelimit.Limiter, timeout time.Duration, symbols map[string]SymbolInfo, logger *zap.Logger) *Coinbase {
	c := &Coinbase{cfg: cfg, symbols: symbols, logger: logger.With(zap.String("venue", "coinbase"))}
	c.rest = newRESTClient("coinbase", cfg, limiter, timeout, c.signRequest, logger)
	return c
}

func (c *Coinbase) Name() string { return "coinbase" }

func (c *Coinbase) SymbolInfo(symbol string) (SymbolInfo, bool) {
	info, ok := c.symbols[symbol]
	return info, ok
}

// signRequest sets CB-ACCESS-* headers:
// base64(HMAC_SHA256(secret, timestamp + method + path + body)).
func (c *Coinbase) signRequest(req *resty.Request, method, path string, body []byte) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return fmt.Errorf("coinbase credentials not configured")
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(ts + method + path + string(body)))
	req.SetHeaders(map[string]string{
		"CB-ACCESS-KEY":       c.cfg.APIKey,
		"CB-ACCESS-TIMESTAMP": ts,
		"CB-ACCESS-SIGN":      base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	})
	return nil
}

func (c *Coinbase) Submit(ctx context.Context, order *model.Order) (Ack, error) {
	if err := ValidateOrder(c, order); err != nil {
		return Ack{}, err
	}
	orderConfig := map[string]interface{}{}
	if order.PriceType == model.PriceTypeLimit {
		orderConfig["limit_limit_gtc"] = map[string]string{
			"base_size":   order.Quantity.String(),
			"limit_price": order.Price.String(),
		}
	} else {
		orderConfig["market_market_ioc"] = map[string]string{
			"base_size": order.Quantity.String(),
		}
	}
	body, _ := json.Marshal(map[string]interface{}{
		"client_order_id":     order.OrderID.String(),
		"product_id":          order.Symbol,
		"side":                order.Side,
		"order_configuration": orderConfig,
	})
	var resp struct {
		Success     bool `json:"success"`
		SuccessResp struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		ErrorResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		} `json:"error_response"`
	}
	if err := c.rest.do(ctx, ratelimit.ClassOrder, "POST", "/api/v3/brokerage/orders", body, &resp); err != nil {
		return Ack{}, err
	}
	if !resp.Success {
		return Ack{}, NewError(KindVenueRejected, "coinbase", "submit",
			fmt.Errorf("%s: %s", resp.ErrorResp.Error, resp.ErrorResp.Message))
	}
	return Ack{VenueOrderID: resp.SuccessResp.OrderID, AcceptedAt: time.Now()}, nil
}

func (c *Coinbase) Cancel(ctx context.Context, venueOrderID string) error {
	body, _ := json.Marshal(map[string]interface{}{
		"order_ids": []string{venueOrderID},
	})
	var resp struct {
		Results []struct {
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
		} `json:"results"`
	}
	if err := c.rest.do(ctx, ratelimit.ClassOrder, "POST", "/api/v3/brokerage/orders/batch_cancel", body, &resp); err != nil {
		return err
	}
	if len(resp.Results) == 0 || !resp.Results[0].Success {
		reason := "unknown"
		if len(resp.Results) > 0 {
			reason = resp.Results[0].FailureReason
		}
		return NewError(KindVenueRejected, "coinbase", "cancel",
			fmt.Errorf("cancel refused: %s", reason))
	}
	return nil
}

func (c *Coinbase) PollStatus(ctx context.Context, venueOrderID string) (model.OrderStatus, error) {
	var resp struct {
		Order struct {
			OrderID            string `json:"order_id"`
			Status             string `json:"status"`
			FilledSize         string `json:"filled_size"`
			AverageFilledPrice string `json:"average_filled_price"`
		} `json:"order"`
	}
	path := "/api/v3/brokerage/orders/historical/" + venueOrderID
	if err := c.rest.do(ctx, ratelimit.ClassQuery, "GET", path, nil, &resp); err != nil {
		return model.OrderStatus{}, err
	}
	filled, _ := decimal.NewFromString(resp.Order.FilledSize)
	avg, _ := decimal.NewFromString(resp.Order.AverageFilledPrice)
	return model.OrderStatus{
		VenueOrderID:   resp.Order.OrderID,
		State:          coinbaseState(resp.Order.Status),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
	}, nil
}

// PollByClientID lists historical orders filtered by client_order_id, the
// idempotency key Coinbase stores with every order.
func (c *Coinbase) PollByClientID(ctx context.Context, clientOrderID string) (model.OrderStatus, bool, error) {
	var resp struct {
		Orders []struct {
			OrderID            string `json:"order_id"`
			Status             string `json:"status"`
			FilledSize         string `json:"filled_size"`
			AverageFilledPrice string `json:"average_filled_price"`
		} `json:"orders"`
	}
	path := "/api/v3/brokerage/orders/historical/batch?client_oids=" + clientOrderID + "&limit=1"
	if err := c.rest.do(ctx, ratelimit.ClassQuery, "GET", path, nil, &resp); err != nil {
		return model.OrderStatus{}, false, err
	}
	if len(resp.Orders) == 0 {
		return model.OrderStatus{}, false, nil
	}
	entry := resp.Orders[0]
	filled, _ := decimal.NewFromString(entry.FilledSize)
	avg, _ := decimal.NewFromString(entry.AverageFilledPrice)
	return model.OrderStatus{
		VenueOrderID:   entry.OrderID,
		State:          coinbaseState(entry.Status),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
	}, true, nil
}

func (c *Coinbase) StreamFills(ctx context.Context) (<-chan model.FillEvent, error) {
	stream := &fillStream{
		venue: "coinbase",
		url:   c.cfg.WSURL,
		subscribe: func(conn *websocket.Conn) error {
			ts := strconv.FormatInt(time.Now().Unix(), 10)
			mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
			mac.Write([]byte(ts + "user"))
			return conn.WriteJSON(map[string]interface{}{
				"type":      "subscribe",
				"channel":   "user",
				"api_key":   c.cfg.APIKey,
				"timestamp": ts,
				"signature": base64.StdEncoding.EncodeToString(mac.Sum(nil)),
			})
		},
		parse:  c.parseUserEvents,
		logger: c.logger,
	}
	return stream.run(ctx), nil
}

func (c *Coinbase) parseUserEvents(msg []byte) ([]model.FillEvent, error) {
	var frame struct {
		Channel string `json:"channel"`
		Events  []struct {
			Type   string `json:"type"`
			Fills  []struct {
				TradeID       string `json:"trade_id"`
				OrderID       string `json:"order_id"`
				ClientOrderID string `json:"client_order_id"`
				ProductID     string `json:"product_id"`
				Side          string `json:"side"`
				Size          string `json:"size"`
				Price         string `json:"price"`
				TradeTime     string `json:"trade_time"`
			} `json:"fills"`
		} `json:"events"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, err
	}
	if frame.Channel != "user" {
		return nil, nil
	}
	var fills []model.FillEvent
	for _, ev := range frame.Events {
		for _, f := range ev.Fills {
			qty, _ := decimal.NewFromString(f.Size)
			price, _ := decimal.NewFromString(f.Price)
			ts, _ := time.Parse(time.RFC3339, f.TradeTime)
			fill := model.FillEvent{
				FillID:       "coinbase:" + f.TradeID,
				VenueOrderID: f.OrderID,
				Venue:        "coinbase",
				Symbol:       f.ProductID,
				Side:         normalizeSide(f.Side),
				Quantity:     qty,
				Price:        price,
				Timestamp:    ts,
			}
			if id, err := parseOrderUUID(f.ClientOrderID); err == nil {
				fill.OrderID = id
			}
			fills = append(fills, fill)
		}
	}
	return fills, nil
}

func coinbaseState(status string) model.OrderState {
	switch status {
	case "OPEN", "PENDING":
		return model.OrderStateAcknowledged
	case "FILLED":
		return model.OrderStateFilled
	case "CANCELLED":
		return model.OrderStateCancelled
	case "REJECTED", "FAILED":
		return model.OrderStateRejected
	default:
		return model.OrderStateAcknowledged
	}
}
