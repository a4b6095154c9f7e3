package execution

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/events"
	"github.com/aristath/execplane/internal/scheduler"
	"github.com/rs/zerolog"
)

// Sweeper cancels stale non-terminal orders on a cadence (§4.3.4).
type Sweeper struct {
	repo *Repository
	svc  *Service
	ttl  time.Duration
	loop *scheduler.Loop
	log  zerolog.Logger
}

// NewSweeper builds a sweeper that cancels orders older than ttl, polled
// every interval.
func NewSweeper(repo *Repository, svc *Service, ttl, interval time.Duration, log zerolog.Logger) *Sweeper {
	sw := &Sweeper{repo: repo, svc: svc, ttl: ttl, log: log.With().Str("component", "stale_order_sweeper").Logger()}
	sw.loop = scheduler.New("stale_order_sweep", interval, sw.sweep, sw.log)
	return sw
}

// Start begins the background sweep loop.
func (sw *Sweeper) Start(ctx context.Context) { sw.loop.Start(ctx) }

// Stop halts the background sweep loop.
func (sw *Sweeper) Stop() { sw.loop.Stop() }

func (sw *Sweeper) sweep(ctx context.Context) error {
	orders, err := sw.repo.ListOpenOrders(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-sw.ttl)
	for _, o := range orders {
		if o.CreatedAt.After(cutoff) {
			continue
		}
		if err := sw.cancelStale(ctx, o); err != nil {
			sw.log.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("failed to cancel stale order")
		}
	}
	return nil
}

// cancelStale cancels one stale order. If a broker order id exists, the
// broker cancel is idempotent on its own; if not, the order never left
// this gateway and is simply marked canceled locally.
func (sw *Sweeper) cancelStale(ctx context.Context, o domain.Order) error {
	if o.BrokerOrderID != nil {
		if err := sw.svc.broker.CancelOrder(ctx, *o.BrokerOrderID); err != nil {
			return err
		}
	}
	err := sw.repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := sw.repo.MarkCanceledTx(ctx, tx, o.ClientOrderID); err != nil {
			return err
		}
		return sw.svc.audit.RecordTx(ctx, tx, domain.AuditEvent{
			EventType: "stale_order_sweep", ActorID: "execution-gateway", Action: "cancel_stale_order",
			Outcome: "canceled", Details: o.ClientOrderID,
		})
	})
	if err != nil {
		return err
	}
	sw.svc.events.Emit("execution", &events.OrderStatusChangedData{ClientOrderID: o.ClientOrderID, OldStatus: string(o.Status), NewStatus: string(domain.OrderStatusCanceled)})
	return nil
}
