package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/execplane/internal/circuitbreaker"
	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/common/ids"
	"github.com/aristath/execplane/internal/common/retry"
	"github.com/aristath/execplane/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	stageHealthCheck  = "health_check"
	stageSignals      = "signal_generation"
	stageRiskPlanning = "risk_planning"
	stageSubmission   = "order_submission"
	stageAwaitFills   = "await_fills"
	stagePnL          = "pnl_report"
)

// Driver runs the daily paper-run pipeline: six sequential, independently
// retriable stages over the inter-service HTTP contract (§4.6).
type Driver struct {
	clients *ServiceClients
	repo    *Repository
	cb      *circuitbreaker.Client

	strategyID     string
	universe       []string
	portfolioValue decimal.Decimal
	tickSize       decimal.Decimal

	fillPollInterval time.Duration
	fillPollTimeout  time.Duration
	stagePolicy      retry.Policy

	log zerolog.Logger
}

// NewDriver builds a paper-run driver.
func NewDriver(clients *ServiceClients, repo *Repository, cb *circuitbreaker.Client, strategyID string, universe []string, portfolioValue, tickSize decimal.Decimal, log zerolog.Logger) *Driver {
	return &Driver{
		clients: clients, repo: repo, cb: cb,
		strategyID: strategyID, universe: universe, portfolioValue: portfolioValue, tickSize: tickSize,
		fillPollInterval: 2 * time.Second, fillPollTimeout: 2 * time.Minute,
		stagePolicy: retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		log:         log.With().Str("component", "orchestrator").Logger(),
	}
}

// alwaysRetry treats every stage error as retriable; stage bodies already
// distinguish permanent failures (a precondition error) from transient
// ones by returning early without going through retry.Do at all.
func alwaysRetry(attempt int, err error) bool { return true }

// Run drives one paper-run for date under trigger ("scheduled" or
// "manual"). Re-invoking Run for a run_id that already reached a
// terminal outcome is a no-op that returns the stored record; this is
// the orchestrator's own idempotency boundary (§4.6).
func (d *Driver) Run(ctx context.Context, date, trigger string) (*domain.RunRecord, error) {
	runID := ids.RunID(date, d.strategyID, trigger)

	existing, err := d.repo.GetByRunID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("looking up run %s: %w", runID, err)
	}
	if existing != nil && existing.Outcome.IsTerminal() {
		d.log.Info().Str("run_id", runID).Str("outcome", string(existing.Outcome)).Msg("run already terminal, skipping")
		return existing, nil
	}

	run := domain.RunRecord{RunID: runID, Date: date, StrategyID: d.strategyID, Trigger: trigger, StartedAt: time.Now().UTC()}
	if _, _, err := d.repo.InsertIfAbsent(ctx, run); err != nil {
		return nil, fmt.Errorf("registering run %s: %w", runID, err)
	}

	if cause := d.checkPreconditions(ctx, runID); cause != nil {
		d.recordStage(ctx, runID, "preconditions", "failed", cause.Error())
		return d.finish(ctx, runID, domain.RunOutcomeFailed, Report{RunID: runID})
	}

	signals, modelVersion, cause := d.runSignalStage(ctx, runID)
	if cause != nil {
		return d.finish(ctx, runID, domain.RunOutcomeFailed, Report{RunID: runID})
	}

	orders, rejected, cause := d.runRiskStage(ctx, runID, signals)
	if cause != nil {
		return d.finish(ctx, runID, domain.RunOutcomeFailed, Report{RunID: runID})
	}

	submitted, submitFailures := d.runSubmissionStage(ctx, runID, date, orders)

	d.runAwaitFillsStage(ctx, runID, submitted)

	report := buildReport(runID, submitted, rejected)
	report.ModelVersion = modelVersion
	reportJSON, _ := json.Marshal(report)
	d.recordStage(ctx, runID, stagePnL, "ok", fmt.Sprintf("%d symbols reported", len(report.BySymbol)))

	outcome := domain.RunOutcomeSuccess
	switch {
	case len(submitFailures) > 0 && len(submitted) == 0 && len(orders) > 0:
		outcome = domain.RunOutcomeFailed
	case len(submitFailures) > 0:
		outcome = domain.RunOutcomePartial
	case len(rejected) > 0:
		outcome = domain.RunOutcomePartial
	}
	if err := d.repo.Complete(ctx, runID, outcome, string(reportJSON)); err != nil {
		return nil, fmt.Errorf("completing run %s: %w", runID, err)
	}
	return d.repo.GetByRunID(ctx, runID)
}

func (d *Driver) finish(ctx context.Context, runID string, outcome domain.RunOutcome, report Report) (*domain.RunRecord, error) {
	reportJSON, _ := json.Marshal(report)
	if err := d.repo.Complete(ctx, runID, outcome, string(reportJSON)); err != nil {
		d.log.Error().Err(err).Str("run_id", runID).Msg("failed to mark run complete after failure")
	}
	return d.repo.GetByRunID(ctx, runID)
}

func (d *Driver) recordStage(ctx context.Context, runID, stage, status, detail string) {
	err := d.repo.UpdateStage(ctx, runID, domain.StageOutcome{Stage: stage, Status: status, Detail: detail, UpdatedAt: time.Now().UTC()})
	if err != nil {
		d.log.Error().Err(err).Str("run_id", runID).Str("stage", stage).Msg("failed to persist stage outcome")
	}
}

// checkPreconditions refuses to start a run when the circuit breaker
// blocks new entries or the execution gateway hasn't reconciled since
// boot — both are terminal, non-retriable failures (§4.6, §3.2).
func (d *Driver) checkPreconditions(ctx context.Context, runID string) error {
	state, err := d.cb.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading circuit breaker state: %w", err)
	}
	if !d.cb.AllowsEntry(state.State) {
		return apierr.NewCircuitBreakerTripped(string(state.State))
	}

	ready, err := d.clients.ReconciliationStatus(ctx)
	if err != nil {
		return fmt.Errorf("checking reconciler status: %w", err)
	}
	if !ready {
		return &apierr.ReconcilerNotReadyError{Service: "execution"}
	}

	for _, base := range []string{d.clients.SignalBaseURL, d.clients.RiskBaseURL, d.clients.ExecutionBaseURL} {
		if err := d.clients.CheckHealth(ctx, base); err != nil {
			return fmt.Errorf("health check failed for %s: %w", base, err)
		}
	}
	d.recordStage(ctx, runID, stageHealthCheck, "ok", "all services healthy, reconciler ready, circuit breaker open")
	return nil
}

func (d *Driver) runSignalStage(ctx context.Context, runID string) ([]GeneratedSignal, string, error) {
	var signals []GeneratedSignal
	var modelVersion string
	err := retry.Do(ctx, d.stagePolicy, alwaysRetry, func(ctx context.Context, attempt int) error {
		var err error
		signals, modelVersion, err = d.clients.GenerateSignals(ctx, d.universe, time.Now().UTC().Format("2006-01-02"))
		return err
	})
	if err != nil {
		d.recordStage(ctx, runID, stageSignals, "failed", err.Error())
		return nil, "", err
	}
	d.recordStage(ctx, runID, stageSignals, "ok", fmt.Sprintf("%d signals from model %s", len(signals), modelVersion))
	return signals, modelVersion, nil
}

func (d *Driver) runRiskStage(ctx context.Context, runID string, signals []GeneratedSignal) ([]PlannedOrder, []RejectedOrder, error) {
	positions, err := d.clients.ListPositions(ctx)
	if err != nil {
		d.recordStage(ctx, runID, stageRiskPlanning, "failed", err.Error())
		return nil, nil, err
	}

	symbols := make([]string, 0, len(signals))
	for _, s := range signals {
		symbols = append(symbols, s.Symbol)
	}
	prices, err := d.clients.GetQuotes(ctx, symbols)
	if err != nil {
		d.recordStage(ctx, runID, stageRiskPlanning, "failed", err.Error())
		return nil, nil, err
	}

	var orders []PlannedOrder
	var rejected []RejectedOrder
	err = retry.Do(ctx, d.stagePolicy, alwaysRetry, func(ctx context.Context, attempt int) error {
		var err error
		orders, rejected, err = d.clients.Plan(ctx, d.strategyID, signals, positions, prices, d.portfolioValue, decimal.Zero, d.tickSize)
		return err
	})
	if err != nil {
		d.recordStage(ctx, runID, stageRiskPlanning, "failed", err.Error())
		return nil, nil, err
	}
	d.recordStage(ctx, runID, stageRiskPlanning, "ok", fmt.Sprintf("%d orders planned, %d rejected", len(orders), len(rejected)))
	return orders, rejected, nil
}

// runSubmissionStage submits every planned order in parallel: each
// submission is independently idempotent at the execution gateway, so a
// partial failure here doesn't need to roll back the orders that
// succeeded (§4.6 "parallel across orders, each idempotent").
func (d *Driver) runSubmissionStage(ctx context.Context, runID, date string, orders []PlannedOrder) ([]*SubmittedOrder, []error) {
	var mu sync.Mutex
	submitted := make([]*SubmittedOrder, 0, len(orders))
	var failures []error

	var wg sync.WaitGroup
	for _, o := range orders {
		o := o
		wg.Add(1)
		go func() {
			defer wg.Done()
			var result *SubmittedOrder
			err := retry.Do(ctx, retry.BrokerSubmitPolicy(0), alwaysRetry, func(ctx context.Context, attempt int) error {
				var err error
				result, err = d.clients.SubmitOrder(ctx, d.strategyID, date, o, d.portfolioValue, decimal.Zero)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Errorf("submitting %s %s: %w", o.Side, o.Symbol, err))
				return
			}
			submitted = append(submitted, result)
		}()
	}
	wg.Wait()

	status := "ok"
	if len(failures) > 0 {
		status = "failed"
	}
	d.recordStage(ctx, runID, stageSubmission, status, fmt.Sprintf("%d submitted, %d failed", len(submitted), len(failures)))
	return submitted, failures
}

// runAwaitFillsStage polls each submitted order until it reaches a
// terminal status or fillPollTimeout elapses, updating submitted entries
// in place with their final fill state.
func (d *Driver) runAwaitFillsStage(ctx context.Context, runID string, submitted []*SubmittedOrder) {
	deadline := time.Now().Add(d.fillPollTimeout)
	pending := make([]*SubmittedOrder, 0, len(submitted))
	for _, o := range submitted {
		if o != nil {
			pending = append(pending, o)
		}
	}

	for len(pending) > 0 && time.Now().Before(deadline) {
		var stillPending []*SubmittedOrder
		for _, o := range pending {
			latest, err := d.clients.GetOrder(ctx, o.ClientOrderID)
			if err != nil {
				d.log.Warn().Err(err).Str("client_order_id", o.ClientOrderID).Msg("polling order status failed")
				stillPending = append(stillPending, o)
				continue
			}
			*o = *latest
			if !isTerminalOrderStatus(o.Status) {
				stillPending = append(stillPending, o)
			}
		}
		pending = stillPending
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			pending = nil
		case <-time.After(d.fillPollInterval):
		}
	}

	status := "ok"
	detail := fmt.Sprintf("%d orders reached a terminal state", len(submitted)-len(pending))
	if len(pending) > 0 {
		status = "failed"
		detail = fmt.Sprintf("%d orders still open after %s", len(pending), d.fillPollTimeout)
	}
	d.recordStage(ctx, runID, stageAwaitFills, status, detail)
}

func isTerminalOrderStatus(status string) bool {
	switch status {
	case "filled", "canceled", "rejected", "expired":
		return true
	default:
		return false
	}
}
