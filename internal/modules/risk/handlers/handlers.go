// Package handlers exposes the Risk Manager's HTTP contract (§4.2).
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/modules/risk"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Handlers implements the risk manager's HTTP endpoints.
type Handlers struct {
	planner *risk.Planner
	log     zerolog.Logger
}

// New builds the risk manager handlers.
func New(planner *risk.Planner, log zerolog.Logger) *Handlers {
	return &Handlers{planner: planner, log: log.With().Str("handler", "risk").Logger()}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apierr.HTTPStatus(err), map[string]string{"error": err.Error()})
}

type targetWeightRequest struct {
	Symbol string  `json:"symbol"`
	Weight float64 `json:"weight"`
}

type positionRequest struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
}

type planRequest struct {
	StrategyID     string                `json:"strategy_id"`
	TargetWeights  []targetWeightRequest `json:"target_weights"`
	Positions      []positionRequest     `json:"positions"`
	Prices         map[string]float64    `json:"prices"` // current reference price by symbol
	PortfolioValue float64               `json:"portfolio_value"`
	DrawdownToday  float64               `json:"drawdown_today"`
	TickSize       float64               `json:"tick_size"`
}

type plannedOrderResponse struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Qty       string  `json:"qty"`
	OrderType string  `json:"order_type"`
}

type rejectedOrderResponse struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// HandlePlan runs the ordered risk checks over a batch of target weights
// and returns the resulting order plan.
func (h *Handlers) HandlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.NewValidationError("malformed request body: %s", err))
		return
	}

	positions := make(map[string]domain.Position, len(req.Positions))
	for _, p := range req.Positions {
		positions[p.Symbol] = domain.Position{
			Symbol:        p.Symbol,
			Qty:           decimal.NewFromFloat(p.Qty),
			AvgEntryPrice: decimal.NewFromFloat(p.AvgEntryPrice),
		}
	}

	weights := make([]risk.TargetWeight, 0, len(req.TargetWeights))
	for _, tw := range req.TargetWeights {
		weights = append(weights, risk.TargetWeight{Symbol: tw.Symbol, Weight: decimal.NewFromFloat(tw.Weight)})
	}

	prices := make(map[string]decimal.Decimal, len(req.Prices))
	for symbol, p := range req.Prices {
		prices[symbol] = decimal.NewFromFloat(p)
	}

	result, err := h.planner.Plan(r.Context(), risk.PlanInput{
		StrategyID:     req.StrategyID,
		TargetWeights:  weights,
		Positions:      positions,
		Prices:         prices,
		PortfolioValue: decimal.NewFromFloat(req.PortfolioValue),
		DrawdownToday:  decimal.NewFromFloat(req.DrawdownToday),
		TickSize:       decimal.NewFromFloat(req.TickSize),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	orders := make([]plannedOrderResponse, 0, len(result.Orders))
	for _, o := range result.Orders {
		orders = append(orders, plannedOrderResponse{Symbol: o.Symbol, Side: string(o.Side), Qty: o.Qty.String(), OrderType: string(o.OrderType)})
	}
	rejected := make([]rejectedOrderResponse, 0, len(result.Rejected))
	for _, rj := range result.Rejected {
		rejected = append(rejected, rejectedOrderResponse{Symbol: rj.Symbol, Reason: string(rj.Reason), Detail: rj.Detail})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders, "rejected": rejected})
}
