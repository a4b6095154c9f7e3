package risk

import (
	"context"
	"fmt"

	"github.com/aristath/execplane/internal/circuitbreaker"
	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TargetWeight is one symbol's desired portfolio weight, as produced by
// the signal service.
type TargetWeight struct {
	Symbol string
	Weight decimal.Decimal // in [-1, 1]
}

// PlanInput bundles everything the planner needs to turn target weights
// into concrete orders (§4.2 Inputs).
type PlanInput struct {
	StrategyID      string
	TargetWeights   []TargetWeight
	Positions       map[string]domain.Position    // current positions by symbol
	Prices          map[string]decimal.Decimal     // current reference price by symbol, for notional→share conversion
	PortfolioValue  decimal.Decimal
	DrawdownToday   decimal.Decimal // negative number, e.g. -0.03 for -3%
	TickSize        decimal.Decimal // lot/tick truncation unit; zero means no truncation
}

// PlannedOrder is one order the planner proposes to submit.
type PlannedOrder struct {
	Symbol     string
	Side       domain.OrderSide
	Qty        decimal.Decimal
	OrderType  domain.OrderType
	LimitPrice *decimal.Decimal
}

// RejectedOrder traces a symbol that did not make it into the plan, for
// observability (§4.2 Output "trace of rejected orders with reasons").
type RejectedOrder struct {
	Symbol string
	Reason apierr.RiskViolationReason
	Detail string
}

// PlanResult is the planner's full output.
type PlanResult struct {
	Orders   []PlannedOrder
	Rejected []RejectedOrder
}

// Planner evaluates the ordered risk checks from §4.2 and produces a
// concrete order plan.
type Planner struct {
	repo    *Repository
	breaker *circuitbreaker.Client
	log     zerolog.Logger
}

// NewPlanner builds a risk planner.
func NewPlanner(repo *Repository, breaker *circuitbreaker.Client, log zerolog.Logger) *Planner {
	return &Planner{repo: repo, breaker: breaker, log: log.With().Str("component", "risk_planner").Logger()}
}

// Plan evaluates every target weight against the checks in §4.2, in
// order, and returns the resulting order plan plus a trace of rejections.
// A check failure for one symbol never stops evaluation of the rest.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (*PlanResult, error) {
	limits, err := p.repo.Get(ctx, in.StrategyID)
	if err != nil {
		return nil, apierr.NewStorageError(false, fmt.Errorf("loading risk limits: %w", err))
	}

	cbState, err := p.breaker.Read(ctx)
	if err != nil {
		return nil, apierr.NewStorageError(true, fmt.Errorf("reading circuit breaker state: %w", err))
	}

	result := &PlanResult{}
	runningNotional := decimal.Zero

	for _, tw := range in.TargetWeights {
		order, reject := p.planOne(tw, in, limits, cbState, &runningNotional)
		if reject != nil {
			result.Rejected = append(result.Rejected, *reject)
			continue
		}
		if order != nil {
			result.Orders = append(result.Orders, *order)
		}
	}
	return result, nil
}

func (p *Planner) planOne(tw TargetWeight, in PlanInput, limits *domain.RiskLimits, cbState domain.CircuitBreakerState, runningNotional *decimal.Decimal) (*PlannedOrder, *RejectedOrder) {
	current := in.Positions[tw.Symbol]
	price := in.Prices[tw.Symbol]
	if !price.IsPositive() {
		return nil, &RejectedOrder{Symbol: tw.Symbol, Reason: apierr.RiskReasonTotalNotional, Detail: "no reference price"}
	}
	targetNotional := in.PortfolioValue.Mul(tw.Weight)

	// Target weight and portfolio value are dollar-denominated; positions
	// are held in shares (domain.Position.Qty), so the delta must be
	// converted through the reference price before it can be compared
	// against, or written into, a share-quantity order.
	targetShares := targetNotional.Div(price)
	delta := targetShares.Sub(current.Qty)
	if delta.IsZero() {
		return nil, nil
	}

	side := domain.SideBuy
	qty := delta
	if delta.IsNegative() {
		side = domain.SideSell
		qty = delta.Neg()
	}
	qty = truncateToTick(qty, in.TickSize)
	if qty.IsZero() {
		return nil, nil
	}

	candidate := domain.Order{Symbol: tw.Symbol, Side: side, Qty: qty, OrderType: domain.OrderTypeMarket}
	reducing := candidate.IsReducing(current.Qty)

	// Check 1: CB entry gate. Reducing orders always pass (§4.2 tie-break),
	// except a buy-to-reduce limit order whose limit price could cross
	// above the reference price while TRIPPED (§9 resolution).
	if !reducing && !p.breaker.AllowsEntry(cbState.State) {
		return nil, &RejectedOrder{Symbol: tw.Symbol, Reason: apierr.RiskReasonCBEntryBlocked, Detail: string(cbState.State)}
	}
	if reducing && cbState.State == domain.CBStateTripped && candidate.IsUnsafeTrippedBuyToReduce(current.Qty, price) {
		return nil, &RejectedOrder{Symbol: tw.Symbol, Reason: apierr.RiskReasonUnsafeLimit, Detail: "limit_price above reference price under TRIPPED"}
	}

	// Check 2: blacklist.
	for _, sym := range limits.Blacklist {
		if sym == tw.Symbol {
			return nil, &RejectedOrder{Symbol: tw.Symbol, Reason: apierr.RiskReasonBlacklist}
		}
	}

	// Check 3: per-symbol position cap.
	signedQty := qty
	if side == domain.SideSell {
		signedQty = qty.Neg()
	}
	resultingPos := current.Qty.Add(signedQty)
	if limits.MaxPosPerSymbol.IsPositive() && resultingPos.Abs().GreaterThan(limits.MaxPosPerSymbol) {
		return nil, &RejectedOrder{Symbol: tw.Symbol, Reason: apierr.RiskReasonPerSymbolCap, Detail: resultingPos.String()}
	}

	// Check 4: total notional cap across the plan evaluated so far.
	orderNotional := qty.Abs().Mul(price)
	newRunning := runningNotional.Add(orderNotional)
	if limits.MaxTotalNotional.IsPositive() && newRunning.GreaterThan(limits.MaxTotalNotional) {
		return nil, &RejectedOrder{Symbol: tw.Symbol, Reason: apierr.RiskReasonTotalNotional, Detail: newRunning.String()}
	}

	// Check 5: daily loss limit. DrawdownToday is negative; the floor is
	// -DailyLossLimit.
	floor := limits.DailyLossLimit.Neg()
	if limits.DailyLossLimit.IsPositive() && in.DrawdownToday.LessThan(floor) {
		return nil, &RejectedOrder{Symbol: tw.Symbol, Reason: apierr.RiskReasonDailyLoss, Detail: in.DrawdownToday.String()}
	}

	*runningNotional = newRunning
	return &PlannedOrder{Symbol: tw.Symbol, Side: side, Qty: qty, OrderType: domain.OrderTypeMarket}, nil
}

// CheckOrder runs the same §4.2 checks against a single already-sized
// order (the Execution Gateway's pre-submit precheck, §4.3.2 step 3),
// rather than computing a plan from target weights. It returns a typed
// RiskViolationError on the first failing check, nil if the order passes.
func (p *Planner) CheckOrder(ctx context.Context, strategyID string, order domain.Order, position domain.Position, portfolioValue decimal.Decimal, drawdownToday decimal.Decimal, referencePrice decimal.Decimal) error {
	limits, err := p.repo.Get(ctx, strategyID)
	if err != nil {
		return apierr.NewStorageError(false, fmt.Errorf("loading risk limits: %w", err))
	}
	cbState, err := p.breaker.Read(ctx)
	if err != nil {
		return apierr.NewStorageError(true, fmt.Errorf("reading circuit breaker state: %w", err))
	}

	reducing := order.IsReducing(position.Qty)
	if !reducing && !p.breaker.AllowsEntry(cbState.State) {
		return apierr.NewRiskViolation(apierr.RiskReasonCBEntryBlocked, string(cbState.State))
	}
	if reducing && cbState.State == domain.CBStateTripped && order.IsUnsafeTrippedBuyToReduce(position.Qty, referencePrice) {
		return apierr.NewRiskViolation(apierr.RiskReasonUnsafeLimit, "limit_price above reference price under TRIPPED")
	}
	for _, sym := range limits.Blacklist {
		if sym == order.Symbol {
			return apierr.NewRiskViolation(apierr.RiskReasonBlacklist, order.Symbol)
		}
	}

	signedQty := order.Qty
	if order.Side == domain.SideSell {
		signedQty = order.Qty.Neg()
	}
	resultingPos := position.Qty.Add(signedQty)
	if limits.MaxPosPerSymbol.IsPositive() && resultingPos.Abs().GreaterThan(limits.MaxPosPerSymbol) {
		return apierr.NewRiskViolation(apierr.RiskReasonPerSymbolCap, resultingPos.String())
	}
	orderNotional := order.Qty.Abs().Mul(referencePrice)
	if limits.MaxTotalNotional.IsPositive() && orderNotional.GreaterThan(limits.MaxTotalNotional) {
		return apierr.NewRiskViolation(apierr.RiskReasonTotalNotional, orderNotional.String())
	}
	floor := limits.DailyLossLimit.Neg()
	if limits.DailyLossLimit.IsPositive() && drawdownToday.LessThan(floor) {
		return apierr.NewRiskViolation(apierr.RiskReasonDailyLoss, drawdownToday.String())
	}
	return nil
}

// truncateToTick truncates qty down to the nearest multiple of tick,
// never rounding up (§4.2 tie-break policy). A zero tick disables
// truncation.
func truncateToTick(qty, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return qty
	}
	divided := qty.Div(tick)
	truncated := divided.Truncate(0)
	return truncated.Mul(tick)
}
