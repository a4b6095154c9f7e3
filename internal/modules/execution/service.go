package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/execplane/internal/audit"
	"github.com/aristath/execplane/internal/circuitbreaker"
	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/common/ids"
	"github.com/aristath/execplane/internal/common/retry"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/events"
	"github.com/aristath/execplane/internal/modules/risk"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RiskChecker is the subset of risk.Planner the gateway depends on,
// narrowed for testability.
type RiskChecker interface {
	CheckOrder(ctx context.Context, strategyID string, order domain.Order, position domain.Position, portfolioValue, drawdownToday, referencePrice decimal.Decimal) error
}

var _ RiskChecker = (*risk.Planner)(nil)

// SubmitRequest is the caller-supplied order intent. ClientOrderID is
// derived deterministically from its fields, not accepted from the
// caller, so retries of the same logical intent collapse to one id.
type SubmitRequest struct {
	StrategyID     string
	Symbol         string
	Side           domain.OrderSide
	Qty            decimal.Decimal
	OrderType      domain.OrderType
	LimitPrice     *decimal.Decimal
	TimeInForce    string
	Date           string // as-of date, part of the id derivation
	PortfolioValue decimal.Decimal
	DrawdownToday  decimal.Decimal
}

// Service implements the submit protocol (§4.3.2).
type Service struct {
	repo    *Repository
	broker  domain.BrokerClient
	breaker *circuitbreaker.Client
	risk    RiskChecker
	audit   *audit.Repository
	events  *events.Manager
	policy  retry.Policy
	log     zerolog.Logger
}

// NewService builds the execution gateway service.
func NewService(repo *Repository, broker domain.BrokerClient, breaker *circuitbreaker.Client, riskChecker RiskChecker, auditRepo *audit.Repository, eventMgr *events.Manager, maxRetries int, log zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		broker:  broker,
		breaker: breaker,
		risk:    riskChecker,
		audit:   auditRepo,
		events:  eventMgr,
		policy:  retry.BrokerSubmitPolicy(maxRetries),
		log:     log.With().Str("component", "execution_service").Logger(),
	}
}

// Submit runs the §4.3.2 nine-step protocol and returns the resulting
// order row, whether freshly submitted or a previously-recorded one.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Order, error) {
	// Step 1: validate.
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	clientOrderID := ids.ClientOrderID(req.Symbol, string(req.Side), req.Qty.String(), limitPriceString(req.LimitPrice), req.StrategyID, req.Date)

	order := domain.Order{
		ClientOrderID: clientOrderID,
		StrategyID:    req.StrategyID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		OrderType:     req.OrderType,
		LimitPrice:    req.LimitPrice,
		TimeInForce:   req.TimeInForce,
	}

	// Step 2: circuit breaker gate.
	position, err := s.repo.GetPosition(ctx, req.Symbol)
	if err != nil {
		return nil, apierr.NewStorageError(true, err)
	}
	refPrice, err := s.broker.GetQuote(ctx, req.Symbol)
	if err != nil {
		return nil, apierr.NewBrokerError(true, "fetching reference price: %s", err)
	}
	cbState, err := s.breaker.Read(ctx)
	if err != nil {
		return nil, apierr.NewStorageError(true, err)
	}
	reducing := order.IsReducing(position.Qty)
	if cbState.State == domain.CBStateTripped && !reducing {
		return nil, apierr.NewCircuitBreakerTripped(cbState.TripReason)
	}
	if cbState.State == domain.CBStateTripped && reducing && order.IsUnsafeTrippedBuyToReduce(position.Qty, refPrice) {
		return nil, apierr.NewRiskViolation(apierr.RiskReasonUnsafeLimit, "limit_price above reference price under TRIPPED")
	}

	// Step 3: risk pre-check.
	if err := s.risk.CheckOrder(ctx, req.StrategyID, order, position, req.PortfolioValue, req.DrawdownToday, refPrice); err != nil {
		return nil, err
	}

	// Step 4: insert-if-absent.
	existing, inserted, err := s.repo.InsertIfAbsent(ctx, order)
	if err != nil {
		return nil, apierr.NewStorageError(true, err)
	}

	// Step 5: branch on the existing row's state.
	if !inserted {
		if existing.Status.IsTerminal() {
			return existing, nil
		}
		if existing.BrokerOrderID != nil {
			return existing, nil
		}
		// non-terminal, no broker id: fall through and submit.
	}

	// Step 6: call broker with retry policy.
	result, err := s.submitToBroker(ctx, existing)
	if err != nil {
		s.recordAudit(ctx, "submit_order", "failed", existing.ClientOrderID, err.Error())
		return nil, apierr.NewBrokerError(true, "broker submit failed: %s", err)
	}

	// Steps 7-8: apply broker outcome.
	if result.Status == domain.OrderStatusRejected {
		if err := s.repo.MarkRejected(ctx, existing.ClientOrderID, result.RejectReason); err != nil {
			return nil, apierr.NewStorageError(true, err)
		}
	} else {
		status := result.Status
		if status == "" {
			status = domain.OrderStatusSubmitted
		}
		if err := s.repo.MarkSubmitted(ctx, existing.ClientOrderID, result.BrokerOrderID, status); err != nil {
			return nil, apierr.NewStorageError(true, err)
		}
	}

	// Step 9: audit event.
	s.recordAudit(ctx, "submit_order", "accepted", existing.ClientOrderID, fmt.Sprintf("duplicate=%v", result.Duplicate))
	s.events.Emit("execution", &events.OrderSubmittedData{
		ClientOrderID: existing.ClientOrderID, BrokerOrderID: result.BrokerOrderID,
		Symbol: existing.Symbol, Side: string(existing.Side), Duplicate: result.Duplicate,
	})

	return s.repo.GetByClientOrderID(ctx, existing.ClientOrderID)
}

// submitToBroker implements §4.3.2 step 6's retry policy: timeouts
// retried once with the same id, 5xx/transport errors retried with
// backoff up to the configured cap, other 4xx not retried at all. A
// broker-reported duplicate is success, not an error.
func (s *Service) submitToBroker(ctx context.Context, order *domain.Order) (*domain.BrokerOrderResult, error) {
	var result *domain.BrokerOrderResult
	// The broker client reports 5xx/transport failures as plain errors
	// (see brokerRetriableError in internal/broker) and resolves non-
	// retriable 4xx into a rejected Result rather than an error, so every
	// error reaching here is worth retrying up to the policy's cap, except
	// that a timeout is retried only once.
	timeouts := 0
	classify := func(attempt int, err error) bool {
		var t interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &t) && t.Timeout()) {
			timeouts++
			return timeouts < 2
		}
		return true
	}

	err := retry.Do(ctx, s.policy, classify, func(ctx context.Context, attempt int) error {
		req := domain.BrokerOrderRequest{
			ClientOrderID: order.ClientOrderID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Qty:           order.Qty,
			OrderType:     order.OrderType,
			LimitPrice:    order.LimitPrice,
			TimeInForce:   order.TimeInForce,
		}
		r, err := s.broker.SubmitOrder(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel cancels one non-terminal order by client_order_id: if a broker
// order id exists the broker cancel is attempted first, then the row is
// marked canceled and an audit event recorded. Terminal orders are a
// no-op return of the current row.
func (s *Service) Cancel(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	order, err := s.repo.GetByClientOrderID(ctx, clientOrderID)
	if err != nil {
		return nil, apierr.NewStorageError(true, err)
	}
	if order == nil {
		return nil, apierr.NewValidationError("no such order %q", clientOrderID)
	}
	if order.Status.IsTerminal() {
		return order, nil
	}

	if order.BrokerOrderID != nil {
		if err := s.broker.CancelOrder(ctx, *order.BrokerOrderID); err != nil {
			return nil, apierr.NewBrokerError(true, "broker cancel failed: %s", err)
		}
	}

	err = s.repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.MarkCanceledTx(ctx, tx, order.ClientOrderID); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, domain.AuditEvent{
			EventType: "order_cancel", ActorID: "execution-gateway", Action: "cancel_order",
			Outcome: "canceled", Details: order.ClientOrderID,
		})
	})
	if err != nil {
		return nil, apierr.NewStorageError(true, err)
	}

	s.events.Emit("execution", &events.OrderStatusChangedData{ClientOrderID: order.ClientOrderID, OldStatus: string(order.Status), NewStatus: string(domain.OrderStatusCanceled)})
	return s.repo.GetByClientOrderID(ctx, order.ClientOrderID)
}

// GetQuotes returns the broker's current reference price for each symbol,
// so callers (the orchestrator's risk-planning stage) can size orders in
// notional terms without holding a broker client of their own.
func (s *Service) GetQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		price, err := s.broker.GetQuote(ctx, sym)
		if err != nil {
			return nil, apierr.NewBrokerError(true, "fetching quote for %s: %s", sym, err)
		}
		out[sym] = price
	}
	return out, nil
}

func (s *Service) recordAudit(ctx context.Context, action, outcome, clientOrderID, detail string) {
	if err := s.audit.Record(ctx, domain.AuditEvent{
		EventType: "order_submit", ActorID: "execution-gateway", Action: action, Outcome: outcome,
		Details: fmt.Sprintf(`{"client_order_id":%q,"detail":%q}`, clientOrderID, detail),
	}); err != nil {
		s.log.Error().Err(err).Msg("failed to record audit event")
	}
}

func validateSubmit(req SubmitRequest) error {
	if req.Symbol == "" {
		return apierr.NewValidationError("symbol is required")
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return apierr.NewValidationError("side must be buy or sell")
	}
	if req.Qty.IsZero() || req.Qty.IsNegative() {
		return apierr.NewValidationError("qty must be positive")
	}
	if req.OrderType == domain.OrderTypeLimit && req.LimitPrice == nil {
		return apierr.NewValidationError("limit_price is required for limit orders")
	}
	if req.Date == "" {
		return apierr.NewValidationError("date is required")
	}
	return nil
}

func limitPriceString(p *decimal.Decimal) string {
	if p == nil {
		return ""
	}
	return p.String()
}
