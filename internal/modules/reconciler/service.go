package reconciler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/execplane/internal/audit"
	"github.com/aristath/execplane/internal/coordstore"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/events"
	"github.com/aristath/execplane/internal/modules/execution"
	"github.com/aristath/execplane/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Result reports one reconciliation run's actions, returned for the
// status endpoint and logged into the persisted snapshot.
type Result struct {
	Trigger         string
	StartedAt       time.Time
	EndedAt         time.Time
	Outcome         string // "ok" or "failed"
	MissingCanceled []string
	ShadowInserted  []string
	StaleCanceled   []string
	PositionsHealed []string
	FailureReason   string
}

// Service implements the §4.5 procedure: pull broker truth, diff against
// the durable store, heal, gate, and snapshot.
type Service struct {
	execRepo *execution.Repository
	broker   domain.BrokerClient
	snapshot *Repository
	gate     *coordstore.Gate
	audit    *audit.Repository
	events   *events.Manager

	gracePeriod       time.Duration // before a missing order is canceled
	staleTTL          time.Duration // before a non-terminal order is flagged stale
	positionThreshold decimal.Decimal
	snapshotRetention time.Duration

	loop *scheduler.Loop
	log  zerolog.Logger
}

// NewService builds the reconciler. gate is the dependent service's
// readiness flag this reconciler owns (e.g. "execution").
func NewService(execRepo *execution.Repository, broker domain.BrokerClient, snapshot *Repository, gate *coordstore.Gate, auditRepo *audit.Repository, eventMgr *events.Manager, gracePeriod, staleTTL, snapshotRetention time.Duration, positionThreshold decimal.Decimal, interval time.Duration, log zerolog.Logger) *Service {
	s := &Service{
		execRepo: execRepo, broker: broker, snapshot: snapshot, gate: gate, audit: auditRepo, events: eventMgr,
		gracePeriod: gracePeriod, staleTTL: staleTTL, positionThreshold: positionThreshold, snapshotRetention: snapshotRetention,
		log: log.With().Str("component", "reconciler").Logger(),
	}
	s.loop = scheduler.New("reconcile", interval, s.periodicTask, s.log)
	return s
}

// Start runs the boot reconcile (gating write traffic until it
// succeeds), then begins the periodic loop.
func (s *Service) Start(ctx context.Context) {
	if _, err := s.Reconcile(ctx, "boot"); err != nil {
		s.log.Error().Err(err).Msg("boot reconcile failed, gate remains unset")
	}
	s.loop.Start(ctx)
}

// Stop halts the periodic loop.
func (s *Service) Stop() { s.loop.Stop() }

func (s *Service) periodicTask(ctx context.Context) error {
	if _, err := s.Reconcile(ctx, "periodic"); err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-s.snapshotRetention)
	pruned, err := s.snapshot.PruneOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.log.Info().Int64("pruned", pruned).Msg("pruned old reconcile snapshots")
	}
	return nil
}

// Reconcile runs one full pass: pull broker truth, diff, heal, gate,
// snapshot. It never returns a partial Result without also persisting a
// snapshot, so repeated boot reconciles after a crash are observable.
func (s *Service) Reconcile(ctx context.Context, trigger string) (*Result, error) {
	started := time.Now().UTC()
	result := &Result{Trigger: trigger, StartedAt: started}

	brokerOrders, err := s.broker.GetOpenOrders(ctx)
	if err != nil {
		return s.fail(ctx, result, fmt.Errorf("pulling broker open orders: %w", err))
	}
	brokerPositions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return s.fail(ctx, result, fmt.Errorf("pulling broker positions: %w", err))
	}
	dsOrders, err := s.execRepo.ListOpenOrders(ctx)
	if err != nil {
		return s.fail(ctx, result, fmt.Errorf("listing DS open orders: %w", err))
	}
	dsPositions, err := s.execRepo.ListPositions(ctx)
	if err != nil {
		return s.fail(ctx, result, fmt.Errorf("listing DS positions: %w", err))
	}

	s.diffOrders(ctx, result, started, brokerOrders, dsOrders)
	s.diffPositions(ctx, result, brokerPositions, dsPositions)

	if err := s.gate.Set(ctx, true); err != nil {
		s.log.Error().Err(err).Msg("failed to set reconciled gate after a successful pass")
	}
	result.Outcome = "ok"
	result.EndedAt = time.Now().UTC()
	s.persistSnapshot(ctx, result, len(brokerOrders), len(brokerPositions), len(dsOrders), len(dsPositions))
	return result, nil
}

func (s *Service) diffOrders(ctx context.Context, result *Result, started time.Time, brokerOrders []domain.BrokerOrderResult, dsOrders []domain.Order) {
	brokerByID := make(map[string]domain.BrokerOrderResult, len(brokerOrders))
	for _, bo := range brokerOrders {
		brokerByID[bo.BrokerOrderID] = bo
	}

	dsByBrokerID := make(map[string]struct{}, len(dsOrders))
	missingCutoff := started.Add(-s.gracePeriod)
	staleCutoff := started.Add(-s.staleTTL)

	for _, o := range dsOrders {
		if o.BrokerOrderID != nil {
			dsByBrokerID[*o.BrokerOrderID] = struct{}{}
		}

		atBroker := o.BrokerOrderID != nil
		if atBroker {
			_, atBroker = brokerByID[*o.BrokerOrderID]
		}

		if !atBroker && o.CreatedAt.Before(missingCutoff) {
			if err := s.execRepo.MarkReconciledCanceled(ctx, o.ClientOrderID, "reconcile_missing"); err != nil {
				s.log.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("failed to mark order reconcile_missing")
				continue
			}
			result.MissingCanceled = append(result.MissingCanceled, o.ClientOrderID)
			s.recordHeal(ctx, "reconcile_missing", o.ClientOrderID)
			continue
		}

		if o.CreatedAt.Before(staleCutoff) {
			if o.BrokerOrderID != nil {
				if err := s.broker.CancelOrder(ctx, *o.BrokerOrderID); err != nil {
					s.log.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("failed to cancel stale order at broker")
				}
			}
			result.StaleCanceled = append(result.StaleCanceled, o.ClientOrderID)
			s.recordHeal(ctx, "reconcile_stale_anomaly", o.ClientOrderID)
		}
	}

	for brokerID, bo := range brokerByID {
		if _, found := dsByBrokerID[brokerID]; found {
			continue
		}
		clientOrderID := bo.ClientOrderID
		if clientOrderID == "" {
			clientOrderID = "shadow-" + brokerID
		}
		if err := s.execRepo.InsertShadowOrder(ctx, clientOrderID, brokerID, bo.Status, bo.FilledQty); err != nil {
			s.log.Error().Err(err).Str("broker_order_id", brokerID).Msg("failed to insert shadow order")
			continue
		}
		result.ShadowInserted = append(result.ShadowInserted, clientOrderID)
		s.recordHeal(ctx, "reconcile_shadow_insert", clientOrderID)
	}
}

func (s *Service) diffPositions(ctx context.Context, result *Result, brokerPositions []domain.BrokerPosition, dsPositions []domain.Position) {
	brokerBySymbol := make(map[string]domain.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		brokerBySymbol[bp.Symbol] = bp
	}
	dsBySymbol := make(map[string]domain.Position, len(dsPositions))
	for _, p := range dsPositions {
		dsBySymbol[p.Symbol] = p
	}

	heal := func(symbol string, qty, avgEntryPrice decimal.Decimal) {
		err := s.execRepo.WithTx(ctx, func(tx *sql.Tx) error {
			if err := s.execRepo.UpsertPositionTx(ctx, tx, domain.Position{Symbol: symbol, Qty: qty, AvgEntryPrice: avgEntryPrice}); err != nil {
				return err
			}
			return s.audit.RecordTx(ctx, tx, domain.AuditEvent{
				EventType: "reconcile_heal", ActorID: "reconciler", Action: "heal_position", Outcome: "healed", Details: symbol,
			})
		})
		if err != nil {
			s.log.Error().Err(err).Str("symbol", symbol).Msg("failed to heal position")
			return
		}
		result.PositionsHealed = append(result.PositionsHealed, symbol)
		s.events.Emit("reconciler", &events.ReconcileHealData{Symbol: symbol, Kind: "position_heal", Detail: "position diff exceeded threshold"})
	}

	for symbol, bp := range brokerBySymbol {
		dsP := dsBySymbol[symbol] // zero value if absent, which is the correct comparison point
		if bp.Qty.Sub(dsP.Qty).Abs().GreaterThan(s.positionThreshold) {
			heal(symbol, bp.Qty, bp.AvgEntryPrice)
		}
	}
	for symbol, dsP := range dsBySymbol {
		if _, found := brokerBySymbol[symbol]; found {
			continue
		}
		if dsP.Qty.Abs().GreaterThan(s.positionThreshold) {
			heal(symbol, decimal.Zero, decimal.Zero)
		}
	}
}

func (s *Service) recordHeal(ctx context.Context, action, detail string) {
	if err := s.audit.Record(ctx, domain.AuditEvent{
		EventType: "reconcile_heal", ActorID: "reconciler", Action: action, Outcome: "healed", Details: detail,
	}); err != nil {
		s.log.Error().Err(err).Msg("failed to record reconcile audit event")
	}
}

func (s *Service) fail(ctx context.Context, result *Result, cause error) (*Result, error) {
	result.Outcome = "failed"
	result.FailureReason = cause.Error()
	result.EndedAt = time.Now().UTC()
	if err := s.gate.Set(ctx, false); err != nil {
		s.log.Error().Err(err).Msg("failed to clear reconciled gate during failure handling")
	}
	s.log.Error().Err(cause).Str("trigger", result.Trigger).Msg("reconciliation failed, gate cleared")
	s.recordHeal(ctx, "reconcile_failure", cause.Error())
	s.persistSnapshot(ctx, result, 0, 0, 0, 0)
	return result, cause
}

func (s *Service) persistSnapshot(ctx context.Context, result *Result, brokerOrderCount, brokerPositionCount, dsOrderCount, dsPositionCount int) {
	inputs, _ := json.Marshal(map[string]int{
		"broker_orders": brokerOrderCount, "broker_positions": brokerPositionCount,
		"ds_orders": dsOrderCount, "ds_positions": dsPositionCount,
	})
	diffs, _ := json.Marshal(map[string]int{
		"missing_canceled": len(result.MissingCanceled), "shadow_inserted": len(result.ShadowInserted),
		"stale_canceled": len(result.StaleCanceled), "positions_healed": len(result.PositionsHealed),
	})
	actions, _ := json.Marshal(map[string][]string{
		"missing_canceled": result.MissingCanceled, "shadow_inserted": result.ShadowInserted,
		"stale_canceled": result.StaleCanceled, "positions_healed": result.PositionsHealed,
	})

	err := s.snapshot.InsertSnapshot(ctx, Snapshot{
		StartedAt: result.StartedAt, Trigger: result.Trigger,
		Inputs: string(inputs), Diffs: string(diffs), Actions: string(actions), Outcome: result.Outcome,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to persist reconcile snapshot")
	}
}

// Ready reports whether the gate this reconciler owns is currently set.
func (s *Service) Ready(ctx context.Context) (bool, error) {
	return s.gate.Ready(ctx)
}
