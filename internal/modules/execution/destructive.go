package execution

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/coordstore"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/events"
)

// DestructiveRequest carries the evidence required by §4.3.5 for
// cancel-all / flatten-all: an explicit reason, the authenticated actor,
// and proof of step-up authentication (e.g. a freshly-issued MFA token
// reference — this service does not itself verify the token, only that
// one was supplied).
type DestructiveRequest struct {
	ActorID        string
	Reason         string
	StepUpEvidence string
}

const minDestructiveReasonLen = 10

// DestructiveOps implements cancel-all and flatten-all (§4.3.5): both
// require a minimum-length reason, a rate limit, step-up auth evidence,
// and an audit event on both the request and its outcome.
type DestructiveOps struct {
	repo    *Repository
	svc     *Service
	limiter *coordstore.RateLimiter
}

// NewDestructiveOps builds the destructive-operations handler.
func NewDestructiveOps(repo *Repository, svc *Service, limiter *coordstore.RateLimiter) *DestructiveOps {
	return &DestructiveOps{repo: repo, svc: svc, limiter: limiter}
}

func (d *DestructiveOps) authorize(ctx context.Context, req DestructiveRequest, action string) error {
	if len(req.Reason) < minDestructiveReasonLen {
		return apierr.NewValidationError("reason must be at least %d characters", minDestructiveReasonLen)
	}
	if req.StepUpEvidence == "" {
		return apierr.NewAuthError(false, "step-up authentication evidence is required for %s", action)
	}
	allowed, err := d.limiter.Allow(ctx, fmt.Sprintf("%s:%s", action, req.ActorID))
	if err != nil {
		return apierr.NewAuthError(true, "rate limit check failed: %s", err)
	}
	if !allowed {
		return apierr.NewAuthError(true, "%s is rate limited for this actor", action)
	}
	return nil
}

// CancelAll cancels every open order, recording an audit event on the
// request and another on the outcome.
func (d *DestructiveOps) CancelAll(ctx context.Context, req DestructiveRequest) (int, error) {
	if err := d.authorize(ctx, req, "cancel_all"); err != nil {
		return 0, err
	}
	d.recordRequest(ctx, req, "cancel_all")

	orders, err := d.repo.ListOpenOrders(ctx)
	if err != nil {
		return 0, apierr.NewStorageError(true, err)
	}

	canceled := 0
	for _, o := range orders {
		if o.BrokerOrderID != nil {
			if err := d.svc.broker.CancelOrder(ctx, *o.BrokerOrderID); err != nil {
				continue
			}
		}
		err := d.repo.WithTx(ctx, func(tx *sql.Tx) error {
			return d.repo.MarkCanceledTx(ctx, tx, o.ClientOrderID)
		})
		if err != nil {
			continue
		}
		canceled++
		d.svc.events.Emit("execution", &events.OrderStatusChangedData{ClientOrderID: o.ClientOrderID, OldStatus: string(o.Status), NewStatus: string(domain.OrderStatusCanceled)})
	}

	d.recordOutcome(ctx, req, "cancel_all", fmt.Sprintf("canceled=%d", canceled))
	return canceled, nil
}

// FlattenAll submits reducing market orders to zero every open position.
func (d *DestructiveOps) FlattenAll(ctx context.Context, req DestructiveRequest, strategyID, date string) (int, error) {
	if err := d.authorize(ctx, req, "flatten_all"); err != nil {
		return 0, err
	}
	d.recordRequest(ctx, req, "flatten_all")

	positions, err := d.repo.ListPositions(ctx)
	if err != nil {
		return 0, apierr.NewStorageError(true, err)
	}

	submitted := 0
	for _, p := range positions {
		if p.Qty.IsZero() {
			continue
		}
		side := domain.SideSell
		if p.Qty.IsNegative() {
			side = domain.SideBuy
		}
		_, err := d.svc.Submit(ctx, SubmitRequest{
			StrategyID: strategyID, Symbol: p.Symbol, Side: side, Qty: p.Qty.Abs(),
			OrderType: domain.OrderTypeMarket, TimeInForce: "day", Date: date,
		})
		if err != nil {
			continue
		}
		submitted++
	}

	d.recordOutcome(ctx, req, "flatten_all", fmt.Sprintf("submitted=%d", submitted))
	return submitted, nil
}

func (d *DestructiveOps) recordRequest(ctx context.Context, req DestructiveRequest, action string) {
	_ = d.svc.audit.Record(ctx, domain.AuditEvent{
		EventType: "destructive_request", ActorID: req.ActorID, Action: action, Outcome: "requested", Details: req.Reason,
	})
}

func (d *DestructiveOps) recordOutcome(ctx context.Context, req DestructiveRequest, action, detail string) {
	_ = d.svc.audit.Record(ctx, domain.AuditEvent{
		EventType: "destructive_outcome", ActorID: req.ActorID, Action: action, Outcome: "completed", Details: detail,
	})
}
