package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// httpDo posts body as JSON to url and decodes the response into out.
// Every inter-service call in this package goes through here, except the
// destructive ones (see httpDoWithActor), so timeouts and error wrapping
// stay uniform (§5 "every outgoing call has an
// explicit deadline").
func httpDo(ctx context.Context, client *http.Client, method, url string, body, out interface{}) error {
	var reqBody *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request to %s: %w", url, err)
		}
		reqBody = bytes.NewReader(encoded)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("building request to %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, errBody.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ServiceClients bundles the inter-service HTTP clients the orchestrator
// drives (§6 "Inter-service (JSON over HTTP)"). Every client carries its
// own base URL and a shared bounded-timeout *http.Client.
type ServiceClients struct {
	SignalBaseURL     string
	RiskBaseURL       string
	ExecutionBaseURL  string
	ReconcilerBaseURL string
	HTTPClient        *http.Client
}

// NewServiceClients builds a ServiceClients with a sane default timeout.
func NewServiceClients(signalURL, riskURL, execURL, reconcilerURL string) *ServiceClients {
	return &ServiceClients{
		SignalBaseURL: signalURL, RiskBaseURL: riskURL, ExecutionBaseURL: execURL, ReconcilerBaseURL: reconcilerURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

// CheckHealth probes a service's /health endpoint.
func (c *ServiceClients) CheckHealth(ctx context.Context, baseURL string) error {
	var resp healthResponse
	if err := httpDo(ctx, c.HTTPClient, http.MethodGet, baseURL+"/health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("service at %s reported status %q", baseURL, resp.Status)
	}
	return nil
}

// ReconciliationStatus probes the reconciler's readiness gate.
func (c *ServiceClients) ReconciliationStatus(ctx context.Context) (bool, error) {
	var resp struct {
		Ready bool `json:"ready"`
	}
	if err := httpDo(ctx, c.HTTPClient, http.MethodGet, c.ReconcilerBaseURL+"/api/v1/reconciliation/status", nil, &resp); err != nil {
		return false, err
	}
	return resp.Ready, nil
}

// GeneratedSignal is one symbol's target weight from the signal service.
type GeneratedSignal struct {
	Symbol       string
	TargetWeight decimal.Decimal
}

// GenerateSignals calls the signal service's generate endpoint.
func (c *ServiceClients) GenerateSignals(ctx context.Context, symbols []string, asOfDate string) ([]GeneratedSignal, string, error) {
	req := map[string]interface{}{"symbols": symbols, "as_of_date": asOfDate}
	var resp struct {
		Signals []struct {
			Symbol       string  `json:"symbol"`
			TargetWeight float64 `json:"target_weight"`
		} `json:"signals"`
		Metadata struct {
			ModelVersion string `json:"model_version"`
		} `json:"metadata"`
	}
	if err := httpDo(ctx, c.HTTPClient, http.MethodPost, c.SignalBaseURL+"/api/v1/signals/generate", req, &resp); err != nil {
		return nil, "", err
	}
	out := make([]GeneratedSignal, 0, len(resp.Signals))
	for _, s := range resp.Signals {
		out = append(out, GeneratedSignal{Symbol: s.Symbol, TargetWeight: decimal.NewFromFloat(s.TargetWeight)})
	}
	return out, resp.Metadata.ModelVersion, nil
}

// RiskPosition is one symbol's current holding, as fed into the risk plan.
type RiskPosition struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
}

// PlannedOrder is one order the risk manager approved.
type PlannedOrder struct {
	Symbol    string
	Side      string
	Qty       decimal.Decimal
	OrderType string
}

// RejectedOrder is one symbol the risk manager rejected.
type RejectedOrder struct {
	Symbol string
	Reason string
	Detail string
}

// GetQuotes calls the execution gateway's quotes endpoint for every symbol.
func (c *ServiceClients) GetQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	var resp struct {
		Prices map[string]string `json:"prices"`
	}
	url := c.ExecutionBaseURL + "/api/v1/quotes?symbols=" + strings.Join(symbols, ",")
	if err := httpDo(ctx, c.HTTPClient, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(resp.Prices))
	for sym, p := range resp.Prices {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("parsing quote for %s: %w", sym, err)
		}
		out[sym] = d
	}
	return out, nil
}

// Plan calls the risk manager's plan endpoint.
func (c *ServiceClients) Plan(ctx context.Context, strategyID string, signals []GeneratedSignal, positions []RiskPosition, prices map[string]decimal.Decimal, portfolioValue, drawdownToday, tickSize decimal.Decimal) ([]PlannedOrder, []RejectedOrder, error) {
	weights := make([]map[string]interface{}, 0, len(signals))
	for _, s := range signals {
		w, _ := s.TargetWeight.Float64()
		weights = append(weights, map[string]interface{}{"symbol": s.Symbol, "weight": w})
	}
	posReqs := make([]map[string]interface{}, 0, len(positions))
	for _, p := range positions {
		qty, _ := p.Qty.Float64()
		avg, _ := p.AvgEntryPrice.Float64()
		posReqs = append(posReqs, map[string]interface{}{"symbol": p.Symbol, "qty": qty, "avg_entry_price": avg})
	}
	priceReqs := make(map[string]float64, len(prices))
	for sym, p := range prices {
		priceReqs[sym], _ = p.Float64()
	}
	portfolioVal, _ := portfolioValue.Float64()
	drawdown, _ := drawdownToday.Float64()
	tick, _ := tickSize.Float64()

	req := map[string]interface{}{
		"strategy_id": strategyID, "target_weights": weights, "positions": posReqs, "prices": priceReqs,
		"portfolio_value": portfolioVal, "drawdown_today": drawdown, "tick_size": tick,
	}
	var resp struct {
		Orders []struct {
			Symbol    string `json:"symbol"`
			Side      string `json:"side"`
			Qty       string `json:"qty"`
			OrderType string `json:"order_type"`
		} `json:"orders"`
		Rejected []struct {
			Symbol string `json:"symbol"`
			Reason string `json:"reason"`
			Detail string `json:"detail"`
		} `json:"rejected"`
	}
	if err := httpDo(ctx, c.HTTPClient, http.MethodPost, c.RiskBaseURL+"/api/v1/risk/plan", req, &resp); err != nil {
		return nil, nil, err
	}

	orders := make([]PlannedOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		qty, _ := decimal.NewFromString(o.Qty)
		orders = append(orders, PlannedOrder{Symbol: o.Symbol, Side: o.Side, Qty: qty, OrderType: o.OrderType})
	}
	rejected := make([]RejectedOrder, 0, len(resp.Rejected))
	for _, rj := range resp.Rejected {
		rejected = append(rejected, RejectedOrder{Symbol: rj.Symbol, Reason: rj.Reason, Detail: rj.Detail})
	}
	return orders, rejected, nil
}

// SubmittedOrder mirrors the execution gateway's order response, trimmed
// to what the orchestrator needs to await fills and compute P&L.
type SubmittedOrder struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Qty           decimal.Decimal
	Status        string
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
}

// SubmitOrder calls the execution gateway's idempotent submit endpoint.
func (c *ServiceClients) SubmitOrder(ctx context.Context, strategyID, date string, o PlannedOrder, portfolioValue, drawdownToday decimal.Decimal) (*SubmittedOrder, error) {
	portfolioVal, _ := portfolioValue.Float64()
	drawdown, _ := drawdownToday.Float64()
	req := map[string]interface{}{
		"strategy_id": strategyID, "symbol": o.Symbol, "side": o.Side, "qty": o.Qty.String(),
		"order_type": o.OrderType, "time_in_force": "day", "date": date,
		"portfolio_value": portfolioVal, "drawdown_today": drawdown,
	}
	var resp struct {
		ClientOrderID string  `json:"client_order_id"`
		Symbol        string  `json:"symbol"`
		Side          string  `json:"side"`
		Qty           string  `json:"qty"`
		Status        string  `json:"status"`
		FilledQty     string  `json:"filled_qty"`
		AvgFillPrice  *string `json:"avg_fill_price,omitempty"`
	}
	if err := httpDo(ctx, c.HTTPClient, http.MethodPost, c.ExecutionBaseURL+"/api/v1/orders", req, &resp); err != nil {
		return nil, err
	}
	qty, _ := decimal.NewFromString(resp.Qty)
	filled, _ := decimal.NewFromString(resp.FilledQty)
	var avgFillPrice decimal.Decimal
	if resp.AvgFillPrice != nil {
		avgFillPrice, _ = decimal.NewFromString(*resp.AvgFillPrice)
	}
	return &SubmittedOrder{
		ClientOrderID: resp.ClientOrderID, Symbol: resp.Symbol, Side: resp.Side,
		Qty: qty, Status: resp.Status, FilledQty: filled, AvgFillPrice: avgFillPrice,
	}, nil
}

// GetOrder polls the execution gateway's order list for one client_order_id.
// The gateway exposes no single-order GET, so this scans the list
// endpoint; acceptable for paper-run universes, which are small by design
// (§1 "minimum signal universe size").
func (c *ServiceClients) GetOrder(ctx context.Context, clientOrderID string) (*SubmittedOrder, error) {
	var resp struct {
		Orders []struct {
			ClientOrderID string  `json:"client_order_id"`
			Symbol        string  `json:"symbol"`
			Side          string  `json:"side"`
			Qty           string  `json:"qty"`
			Status        string  `json:"status"`
			FilledQty     string  `json:"filled_qty"`
			AvgFillPrice  *string `json:"avg_fill_price,omitempty"`
		} `json:"orders"`
	}
	if err := httpDo(ctx, c.HTTPClient, http.MethodGet, c.ExecutionBaseURL+"/api/v1/orders", nil, &resp); err != nil {
		return nil, err
	}
	for _, o := range resp.Orders {
		if o.ClientOrderID == clientOrderID {
			qty, _ := decimal.NewFromString(o.Qty)
			filled, _ := decimal.NewFromString(o.FilledQty)
			var avgFillPrice decimal.Decimal
			if o.AvgFillPrice != nil {
				avgFillPrice, _ = decimal.NewFromString(*o.AvgFillPrice)
			}
			return &SubmittedOrder{ClientOrderID: o.ClientOrderID, Symbol: o.Symbol, Side: o.Side, Qty: qty, Status: o.Status, FilledQty: filled, AvgFillPrice: avgFillPrice}, nil
		}
	}
	return nil, fmt.Errorf("order %s not found", clientOrderID)
}

// CancelAllOrders calls the execution gateway's cancel-all endpoint, as
// part of the kill switch (§4.4 "forces TRIPPED and also cancels all
// non-terminal orders and flattens positions").
func (c *ServiceClients) CancelAllOrders(ctx context.Context, actorID, reason, stepUpEvidence string) (int, error) {
	req := map[string]string{"reason": reason, "step_up_evidence": stepUpEvidence}
	var resp struct {
		Canceled int `json:"canceled"`
	}
	err := c.httpDoWithActor(ctx, actorID, http.MethodPost, c.ExecutionBaseURL+"/api/v1/orders/cancel-all", req, &resp)
	return resp.Canceled, err
}

// FlattenAllPositions calls the execution gateway's flatten-all endpoint.
func (c *ServiceClients) FlattenAllPositions(ctx context.Context, actorID, reason, stepUpEvidence, strategyID, date string) (int, error) {
	req := map[string]string{"reason": reason, "step_up_evidence": stepUpEvidence, "strategy_id": strategyID, "date": date}
	var resp struct {
		Submitted int `json:"submitted"`
	}
	err := c.httpDoWithActor(ctx, actorID, http.MethodPost, c.ExecutionBaseURL+"/api/v1/positions/flatten-all", req, &resp)
	return resp.Submitted, err
}

// httpDoWithActor is httpDo plus the X-Actor-Id header the destructive
// endpoints require for their audit trail.
func (c *ServiceClients) httpDoWithActor(ctx context.Context, actorID, method, url string, body, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request to %s: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("building request to %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", actorID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, errBody.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListPositions calls the execution gateway's positions endpoint.
func (c *ServiceClients) ListPositions(ctx context.Context) ([]RiskPosition, error) {
	var resp struct {
		Positions []struct {
			Symbol        string `json:"symbol"`
			Qty           string `json:"qty"`
			AvgEntryPrice string `json:"avg_entry_price"`
		} `json:"positions"`
	}
	if err := httpDo(ctx, c.HTTPClient, http.MethodGet, c.ExecutionBaseURL+"/api/v1/positions", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]RiskPosition, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		qty, _ := decimal.NewFromString(p.Qty)
		avg, _ := decimal.NewFromString(p.AvgEntryPrice)
		out = append(out, RiskPosition{Symbol: p.Symbol, Qty: qty, AvgEntryPrice: avg})
	}
	return out, nil
}
