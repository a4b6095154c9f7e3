// Package broker provides broker-agnostic clients satisfying
// domain.BrokerClient: an HTTP client for a real venue and a paper
// client for dry-run/paper-trading simulation (§6 "Broker (outbound)").
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aristath/execplane/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// HTTPClient talks to a REST-like broker venue. SubmitOrder and
// CancelOrder are wrapped in a local gobreaker.CircuitBreaker that fails
// fast once the broker connection looks saturated — a transport-level
// safety net, distinct from the trading-wide circuit breaker in
// internal/circuitbreaker. The read-only calls (GetOpenOrders,
// GetPositions, GetAccountInfo, GetQuote) do not go through the breaker.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPClient builds a broker client against baseURL.
func NewHTTPClient(baseURL, apiKey, apiSecret string) *HTTPClient {
	st := gobreaker.Settings{
		Name:        "broker-http",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    gobreaker.NewCircuitBreaker(st),
	}
}

type submitOrderWire struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           string  `json:"qty"`
	OrderType     string  `json:"order_type"`
	LimitPrice    *string `json:"limit_price,omitempty"`
	TimeInForce   string  `json:"time_in_force"`
}

type orderResultWire struct {
	ClientOrderID string  `json:"client_order_id"`
	BrokerOrderID string  `json:"broker_order_id"`
	Status        string  `json:"status"`
	FilledQty     string  `json:"filled_qty"`
	AvgFillPrice  *string `json:"avg_fill_price,omitempty"`
	Duplicate     bool    `json:"duplicate"`
	RejectReason  string  `json:"reject_reason,omitempty"`
}

func (w orderResultWire) toDomain() (*domain.BrokerOrderResult, error) {
	filled, err := decimal.NewFromString(zeroIfEmpty(w.FilledQty))
	if err != nil {
		return nil, fmt.Errorf("parsing filled_qty: %w", err)
	}
	var avg *decimal.Decimal
	if w.AvgFillPrice != nil {
		d, err := decimal.NewFromString(*w.AvgFillPrice)
		if err != nil {
			return nil, fmt.Errorf("parsing avg_fill_price: %w", err)
		}
		avg = &d
	}
	return &domain.BrokerOrderResult{
		ClientOrderID: w.ClientOrderID,
		BrokerOrderID: w.BrokerOrderID,
		Status:        domain.OrderStatus(w.Status),
		FilledQty:     filled,
		AvgFillPrice:  avg,
		Duplicate:     w.Duplicate,
		RejectReason:  w.RejectReason,
	}, nil
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// SubmitOrder posts the order request. A broker-reported 409 (duplicate
// indicator) is translated into a non-error Result with Duplicate=true,
// per §4.3.1 — the caller treats it as success.
func (c *HTTPClient) SubmitOrder(ctx context.Context, req domain.BrokerOrderRequest) (*domain.BrokerOrderResult, error) {
	wire := submitOrderWire{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Qty:           req.Qty.String(),
		OrderType:     string(req.OrderType),
		TimeInForce:   req.TimeInForce,
	}
	if req.LimitPrice != nil {
		s := req.LimitPrice.String()
		wire.LimitPrice = &s
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding order request: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		c.sign(httpReq)
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("transport error: %w", err)
		}
		defer resp.Body.Close()

		var out orderResultWire
		if resp.StatusCode == http.StatusConflict {
			out.Duplicate = true
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("decoding order response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return nil, brokerRetriableError(resp.StatusCode, out.RejectReason)
		}
		if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
			out.Status = domain.OrderStatusRejected
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	wireOut := result.(orderResultWire)
	return wireOut.toDomain()
}

// brokerRetriableError marks a 5xx/transport failure; execution.Service
// retries any non-timeout error from SubmitOrder by attempt count rather
// than by inspecting this message, so the type stays a plain error.
func brokerRetriableError(status int, reason string) error {
	return fmt.Errorf("broker 5xx (status=%d): %s", status, reason)
}

func (c *HTTPClient) sign(req *http.Request) {
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// CancelOrder issues a cancel by broker order id; idempotent.
func (c *HTTPClient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders/"+brokerOrderID+"/cancel", nil)
		if err != nil {
			return nil, err
		}
		c.sign(httpReq)
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("broker cancel failed: status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// GetOpenOrders lists non-terminal broker-side orders.
func (c *HTTPClient) GetOpenOrders(ctx context.Context) ([]domain.BrokerOrderResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/orders/open", nil)
	if err != nil {
		return nil, err
	}
	c.sign(httpReq)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()

	var wires []orderResultWire
	if err := json.NewDecoder(resp.Body).Decode(&wires); err != nil {
		return nil, fmt.Errorf("decoding open orders: %w", err)
	}
	out := make([]domain.BrokerOrderResult, 0, len(wires))
	for _, w := range wires {
		d, err := w.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

type positionWire struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
}

// GetPositions returns broker-truth positions.
func (c *HTTPClient) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/positions", nil)
	if err != nil {
		return nil, err
	}
	c.sign(httpReq)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()

	var wires []positionWire
	if err := json.NewDecoder(resp.Body).Decode(&wires); err != nil {
		return nil, fmt.Errorf("decoding positions: %w", err)
	}
	out := make([]domain.BrokerPosition, 0, len(wires))
	for _, w := range wires {
		qty, err := decimal.NewFromString(w.Qty)
		if err != nil {
			return nil, err
		}
		avg, err := decimal.NewFromString(w.AvgEntryPrice)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.BrokerPosition{Symbol: w.Symbol, Qty: qty, AvgEntryPrice: avg})
	}
	return out, nil
}

type accountInfoWire struct {
	BuyingPower string `json:"buying_power"`
	MarketOpen  bool   `json:"market_open"`
	DataStale   bool   `json:"data_stale"`
}

// GetAccountInfo returns buying power and market-hours metadata.
func (c *HTTPClient) GetAccountInfo(ctx context.Context) (*domain.BrokerAccountInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/account", nil)
	if err != nil {
		return nil, err
	}
	c.sign(httpReq)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()

	var w accountInfoWire
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return nil, fmt.Errorf("decoding account info: %w", err)
	}
	bp, err := decimal.NewFromString(zeroIfEmpty(w.BuyingPower))
	if err != nil {
		return nil, err
	}
	return &domain.BrokerAccountInfo{BuyingPower: bp, MarketOpen: w.MarketOpen, DataStale: w.DataStale}, nil
}

type quoteWire struct {
	Price string `json:"price"`
}

// GetQuote returns the venue's current reference price for symbol.
func (c *HTTPClient) GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/quotes/"+symbol, nil)
	if err != nil {
		return decimal.Zero, err
	}
	c.sign(httpReq)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return decimal.Zero, fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()

	var w quoteWire
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return decimal.Zero, fmt.Errorf("decoding quote: %w", err)
	}
	price, err := decimal.NewFromString(w.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing quote price: %w", err)
	}
	return price, nil
}

var _ domain.BrokerClient = (*HTTPClient)(nil)
