package execution

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/events"
	"github.com/shopspring/decimal"
)

// WebhookEvent is one broker callback payload (§4.3.3).
type WebhookEvent struct {
	BrokerOrderID string
	ClientOrderID string // fallback lookup key if broker_order_id is unknown
	Kind          string // "accepted", "fill", "rejected", "canceled", "expired"
	FillID        string
	FillQty       decimal.Decimal
	FillPrice     decimal.Decimal
	FillTime      time.Time
	RejectReason  string
}

// VerifySignature checks an HMAC-SHA256 signature over body using the
// configured webhook secret (§4.3.3 step 1, "verify signature/origin").
func VerifySignature(secret, body, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// IngestWebhook applies one broker callback idempotently (§4.3.3): find
// the order (by broker_order_id, falling back to client_order_id), apply
// the state transition, and — for fill events — update filled_qty,
// avg_fill_price, and the symbol's Position in the same transaction,
// appending a Fill row. Replays of the same event are no-ops.
func (s *Service) IngestWebhook(ctx context.Context, ev WebhookEvent) error {
	order, err := s.findOrderForWebhook(ctx, ev)
	if err != nil {
		return apierr.NewStorageError(true, err)
	}
	if order == nil {
		return apierr.NewValidationError("no order found for broker_order_id=%q client_order_id=%q", ev.BrokerOrderID, ev.ClientOrderID)
	}
	if order.Status.IsTerminal() {
		// Once terminal, no status field changes (§8 universal invariant);
		// a replayed event after terminal is a no-op.
		return nil
	}

	switch ev.Kind {
	case "accepted":
		return s.applyAccepted(ctx, order)
	case "fill":
		return s.applyFill(ctx, order, ev)
	case "rejected":
		return s.repo.MarkRejected(ctx, order.ClientOrderID, ev.RejectReason)
	case "canceled", "expired":
		return s.applyTerminal(ctx, order, ev.Kind)
	default:
		return apierr.NewValidationError("unknown webhook event kind %q", ev.Kind)
	}
}

func (s *Service) findOrderForWebhook(ctx context.Context, ev WebhookEvent) (*domain.Order, error) {
	if ev.BrokerOrderID != "" {
		order, err := s.repo.GetByBrokerOrderID(ctx, ev.BrokerOrderID)
		if err != nil {
			return nil, err
		}
		if order != nil {
			return order, nil
		}
	}
	if ev.ClientOrderID != "" {
		return s.repo.GetByClientOrderID(ctx, ev.ClientOrderID)
	}
	return nil, nil
}

func (s *Service) applyAccepted(ctx context.Context, order *domain.Order) error {
	brokerOrderID := ""
	if order.BrokerOrderID != nil {
		brokerOrderID = *order.BrokerOrderID
	}
	if err := s.repo.MarkSubmitted(ctx, order.ClientOrderID, brokerOrderID, domain.OrderStatusAccepted); err != nil {
		return apierr.NewStorageError(true, err)
	}
	s.events.Emit("execution", &events.OrderStatusChangedData{ClientOrderID: order.ClientOrderID, OldStatus: string(order.Status), NewStatus: string(domain.OrderStatusAccepted)})
	return nil
}

func (s *Service) applyTerminal(ctx context.Context, order *domain.Order, kind string) error {
	var newStatus domain.OrderStatus
	if kind == "canceled" {
		newStatus = domain.OrderStatusCanceled
	} else {
		newStatus = domain.OrderStatusExpired
	}
	err := s.repo.WithTx(ctx, func(tx *sql.Tx) error {
		return s.repo.UpdateStatusTx(ctx, tx, order.ClientOrderID, newStatus, order.FilledQty, order.AvgFillPrice)
	})
	if err != nil {
		return apierr.NewStorageError(true, err)
	}
	s.events.Emit("execution", &events.OrderStatusChangedData{ClientOrderID: order.ClientOrderID, OldStatus: string(order.Status), NewStatus: string(newStatus)})
	return nil
}

// applyFill is the transactional core of §4.3.3 step 4: fill, order, and
// position update commit together, or none of them do.
func (s *Service) applyFill(ctx context.Context, order *domain.Order, ev WebhookEvent) error {
	var fillApplied bool
	var newStatus domain.OrderStatus
	var newFilledQty decimal.Decimal

	err := s.repo.WithTx(ctx, func(tx *sql.Tx) error {
		fill := domain.Fill{
			FillID: ev.FillID, ClientOrderID: order.ClientOrderID, Symbol: order.Symbol,
			Side: order.Side, Qty: ev.FillQty, Price: ev.FillPrice, FillTime: ev.FillTime,
		}
		inserted, err := s.repo.InsertFillTx(ctx, tx, fill)
		if err != nil {
			return err
		}
		if !inserted {
			// duplicate delivery of an already-applied fill: no-op.
			return nil
		}
		fillApplied = true

		newFilledQty = order.FilledQty.Add(ev.FillQty)
		if newFilledQty.GreaterThan(order.Qty) {
			return fmt.Errorf("fill would overfill order %s: filled=%s qty=%s", order.ClientOrderID, newFilledQty, order.Qty)
		}
		newStatus = domain.OrderStatusPartiallyFilled
		if newFilledQty.Equal(order.Qty) {
			newStatus = domain.OrderStatusFilled
		}

		avgFillPrice := weightedAvgPrice(order.FilledQty, order.AvgFillPrice, ev.FillQty, ev.FillPrice)
		if err := s.repo.UpdateStatusTx(ctx, tx, order.ClientOrderID, newStatus, newFilledQty, &avgFillPrice); err != nil {
			return err
		}

		position, err := s.repo.GetPositionTx(ctx, tx, order.Symbol)
		if err != nil {
			return err
		}
		signedQty := ev.FillQty
		if order.Side == domain.SideSell {
			signedQty = ev.FillQty.Neg()
		}
		newPositionQty := position.Qty.Add(signedQty)
		newAvgEntry := weightedAvgPrice(position.Qty.Abs(), &position.AvgEntryPrice, ev.FillQty, ev.FillPrice)
		if newPositionQty.IsZero() {
			newAvgEntry = decimal.Zero
		}
		return s.repo.UpsertPositionTx(ctx, tx, domain.Position{Symbol: order.Symbol, Qty: newPositionQty, AvgEntryPrice: newAvgEntry})
	})
	if err != nil {
		return apierr.NewStorageError(true, err)
	}
	if !fillApplied {
		return nil
	}

	s.events.Emit("execution", &events.FillIngestedData{FillID: ev.FillID, ClientOrderID: order.ClientOrderID, Symbol: order.Symbol, Qty: ev.FillQty.String(), Price: ev.FillPrice.String()})
	s.events.Emit("execution", &events.OrderStatusChangedData{ClientOrderID: order.ClientOrderID, OldStatus: string(order.Status), NewStatus: string(newStatus)})
	return nil
}

// weightedAvgPrice blends an existing quantity/price with a new fill.
func weightedAvgPrice(existingQty decimal.Decimal, existingPrice *decimal.Decimal, newQty, newPrice decimal.Decimal) decimal.Decimal {
	if existingPrice == nil || existingQty.IsZero() {
		return newPrice
	}
	totalQty := existingQty.Add(newQty)
	if totalQty.IsZero() {
		return newPrice
	}
	weighted := existingQty.Mul(*existingPrice).Add(newQty.Mul(newPrice))
	return weighted.Div(totalQty)
}
