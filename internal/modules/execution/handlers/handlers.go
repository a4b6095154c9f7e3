// Package handlers exposes the Execution Gateway's HTTP contract (§4.3,
// §6 External Interfaces).
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/modules/execution"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Handlers implements the execution gateway's HTTP endpoints.
type Handlers struct {
	svc           *execution.Service
	repo          *execution.Repository
	destructive   *execution.DestructiveOps
	webhookSecret string
	log           zerolog.Logger
}

// New builds the execution gateway handlers.
func New(svc *execution.Service, repo *execution.Repository, destructive *execution.DestructiveOps, webhookSecret string, log zerolog.Logger) *Handlers {
	return &Handlers{svc: svc, repo: repo, destructive: destructive, webhookSecret: webhookSecret, log: log.With().Str("handler", "execution").Logger()}
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

type orderResponse struct {
	ClientOrderID string  `json:"client_order_id"`
	BrokerOrderID *string `json:"broker_order_id,omitempty"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           string  `json:"qty"`
	Status        string  `json:"status"`
	FilledQty     string  `json:"filled_qty"`
	AvgFillPrice  *string `json:"avg_fill_price,omitempty"`
	RejectReason  string  `json:"reject_reason,omitempty"`
}

func toOrderResponse(o *domain.Order) orderResponse {
	var avg *string
	if o.AvgFillPrice != nil {
		s := o.AvgFillPrice.String()
		avg = &s
	}
	return orderResponse{
		ClientOrderID: o.ClientOrderID, BrokerOrderID: o.BrokerOrderID, Symbol: o.Symbol,
		Side: string(o.Side), Qty: o.Qty.String(), Status: string(o.Status),
		FilledQty: o.FilledQty.String(), AvgFillPrice: avg, RejectReason: o.RejectReason,
	}
}

type submitOrderRequest struct {
	StrategyID     string  `json:"strategy_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Qty            string  `json:"qty"`
	OrderType      string  `json:"order_type"`
	LimitPrice     *string `json:"limit_price,omitempty"`
	TimeInForce    string  `json:"time_in_force"`
	Date           string  `json:"date"`
	PortfolioValue string  `json:"portfolio_value"`
	DrawdownToday  string  `json:"drawdown_today"`
}

// HandleSubmitOrder submits an order through the idempotent protocol.
func (h *Handlers) HandleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.NewValidationError("malformed request body: %s", err))
		return
	}

	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		writeError(w, apierr.NewValidationError("invalid qty: %s", err))
		return
	}
	var limitPrice *decimal.Decimal
	if req.LimitPrice != nil {
		d, err := decimal.NewFromString(*req.LimitPrice)
		if err != nil {
			writeError(w, apierr.NewValidationError("invalid limit_price: %s", err))
			return
		}
		limitPrice = &d
	}
	portfolioValue, _ := decimal.NewFromString(req.PortfolioValue)
	drawdownToday, _ := decimal.NewFromString(req.DrawdownToday)

	order, err := h.svc.Submit(r.Context(), execution.SubmitRequest{
		StrategyID: req.StrategyID, Symbol: req.Symbol, Side: domain.OrderSide(req.Side), Qty: qty,
		OrderType: domain.OrderType(req.OrderType), LimitPrice: limitPrice, TimeInForce: req.TimeInForce,
		Date: req.Date, PortfolioValue: portfolioValue, DrawdownToday: drawdownToday,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// HandleCancelOrder cancels one order by client_order_id.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	clientOrderID := chi.URLParam(r, "id")
	order, err := h.svc.Cancel(r.Context(), clientOrderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// HandleListOrders returns recent orders.
func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.repo.List(r.Context(), 100)
	if err != nil {
		writeError(w, apierr.NewStorageError(true, err))
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, toOrderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": out})
}

// HandleGetQuotes returns the broker's current reference price for every
// symbol in the comma-separated ?symbols= query parameter.
func (h *Handlers) HandleGetQuotes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		writeError(w, apierr.NewValidationError("symbols is required"))
		return
	}
	symbols := strings.Split(raw, ",")
	quotes, err := h.svc.GetQuotes(r.Context(), symbols)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]string, len(quotes))
	for sym, price := range quotes {
		out[sym] = price.String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prices": out})
}

// HandleListPositions returns every known position.
func (h *Handlers) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.repo.ListPositions(r.Context())
	if err != nil {
		writeError(w, apierr.NewStorageError(true, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

type destructiveRequest struct {
	Reason         string `json:"reason"`
	StepUpEvidence string `json:"step_up_evidence"`
	StrategyID     string `json:"strategy_id,omitempty"`
	Date           string `json:"date,omitempty"`
}

// HandleCancelAll cancels every non-terminal order (§4.3.5).
func (h *Handlers) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	var req destructiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.NewValidationError("malformed request body: %s", err))
		return
	}
	actorID := r.Header.Get("X-Actor-Id")

	canceled, err := h.destructive.CancelAll(r.Context(), execution.DestructiveRequest{
		ActorID: actorID, Reason: req.Reason, StepUpEvidence: req.StepUpEvidence,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"canceled": canceled})
}

// HandleFlattenAll flattens every open position (§4.3.5).
func (h *Handlers) HandleFlattenAll(w http.ResponseWriter, r *http.Request) {
	var req destructiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.NewValidationError("malformed request body: %s", err))
		return
	}
	actorID := r.Header.Get("X-Actor-Id")

	submitted, err := h.destructive.FlattenAll(r.Context(), execution.DestructiveRequest{
		ActorID: actorID, Reason: req.Reason, StepUpEvidence: req.StepUpEvidence,
	}, req.StrategyID, req.Date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"submitted": submitted})
}

// HandleWebhook ingests one broker callback (§4.3.3).
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		BrokerOrderID string `json:"broker_order_id"`
		ClientOrderID string `json:"client_order_id"`
		Kind          string `json:"kind"`
		FillID        string `json:"fill_id,omitempty"`
		FillQty       string `json:"fill_qty,omitempty"`
		FillPrice     string `json:"fill_price,omitempty"`
		FillTime      string `json:"fill_time,omitempty"`
		RejectReason  string `json:"reject_reason,omitempty"`
	}
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.NewValidationError("failed to read webhook body: %s", err))
		return
	}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		writeError(w, apierr.NewValidationError("malformed webhook payload: %s", err))
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	if !execution.VerifySignature(h.webhookSecret, string(rawBody), signature) {
		writeError(w, apierr.NewAuthError(true, "invalid webhook signature"))
		return
	}

	ev := execution.WebhookEvent{BrokerOrderID: payload.BrokerOrderID, ClientOrderID: payload.ClientOrderID, Kind: payload.Kind, RejectReason: payload.RejectReason}
	if payload.FillQty != "" {
		ev.FillQty, _ = decimal.NewFromString(payload.FillQty)
	}
	if payload.FillPrice != "" {
		ev.FillPrice, _ = decimal.NewFromString(payload.FillPrice)
	}
	ev.FillID = payload.FillID
	if payload.FillTime != "" {
		ev.FillTime, _ = time.Parse(time.RFC3339, payload.FillTime)
	} else {
		ev.FillTime = time.Now().UTC()
	}

	if err := h.svc.IngestWebhook(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
