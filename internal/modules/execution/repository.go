// Package execution implements the Execution Gateway (§4.3): idempotent
// order submission, webhook ingestion, the stale-order sweeper, and
// destructive operations (cancel-all, flatten-all).
package execution

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/execplane/internal/domain"
	"github.com/shopspring/decimal"
)

// Repository persists orders, positions, and fills.
type Repository struct {
	db *sql.DB
}

// NewRepository builds an execution repository over conn.
func NewRepository(conn *sql.DB) *Repository {
	return &Repository{db: conn}
}

func scanOrder(row interface{ Scan(...interface{}) error }) (*domain.Order, error) {
	var o domain.Order
	var qty, filledQty string
	var limitPrice, avgFillPrice, brokerOrderID, parentOrderID sql.NullString
	var submittedAt, terminalAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&o.ClientOrderID, &o.StrategyID, &o.Symbol, &o.Side, &qty, &o.OrderType, &limitPrice, &o.TimeInForce,
		&o.Status, &brokerOrderID, &parentOrderID, &filledQty, &avgFillPrice, &o.RejectReason, &o.ReconciledNote,
		&createdAt, &updatedAt, &submittedAt, &terminalAt,
	)
	if err != nil {
		return nil, err
	}

	if o.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("parsing qty: %w", err)
	}
	if o.FilledQty, err = decimal.NewFromString(filledQty); err != nil {
		return nil, fmt.Errorf("parsing filled_qty: %w", err)
	}
	if limitPrice.Valid {
		d, err := decimal.NewFromString(limitPrice.String)
		if err != nil {
			return nil, fmt.Errorf("parsing limit_price: %w", err)
		}
		o.LimitPrice = &d
	}
	if avgFillPrice.Valid {
		d, err := decimal.NewFromString(avgFillPrice.String)
		if err != nil {
			return nil, fmt.Errorf("parsing avg_fill_price: %w", err)
		}
		o.AvgFillPrice = &d
	}
	if brokerOrderID.Valid {
		v := brokerOrderID.String
		o.BrokerOrderID = &v
	}
	if parentOrderID.Valid {
		v := parentOrderID.String
		o.ParentOrderID = &v
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if submittedAt.Valid {
		t, err := time.Parse(time.RFC3339, submittedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing submitted_at: %w", err)
		}
		o.SubmittedAt = &t
	}
	if terminalAt.Valid {
		t, err := time.Parse(time.RFC3339, terminalAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing terminal_at: %w", err)
		}
		o.TerminalAt = &t
	}
	return &o, nil
}

const orderColumns = `client_order_id, strategy_id, symbol, side, qty, order_type, limit_price, time_in_force,
	status, broker_order_id, parent_order_id, filled_qty, avg_fill_price, reject_reason, reconciled_note,
	created_at, updated_at, submitted_at, terminal_at`

// InsertIfAbsent implements the §4.3.2 step 4 upsert-if-absent: it
// inserts a new `status: new` row for o.ClientOrderID, or silently does
// nothing if one already exists, then reads back whichever row is now
// current. The second return value reports whether this call inserted
// the row (true) or found an existing one (false).
func (r *Repository) InsertIfAbsent(ctx context.Context, o domain.Order) (*domain.Order, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	var limitPrice interface{}
	if o.LimitPrice != nil {
		limitPrice = o.LimitPrice.String()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (client_order_id, strategy_id, symbol, side, qty, order_type, limit_price, time_in_force,
			status, filled_qty, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '0', ?, ?)
		ON CONFLICT(client_order_id) DO NOTHING`,
		o.ClientOrderID, o.StrategyID, o.Symbol, o.Side, o.Qty.String(), o.OrderType, limitPrice, o.TimeInForce,
		domain.OrderStatusNew, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting order %s: %w", o.ClientOrderID, err)
	}
	inserted, _ := res.RowsAffected()

	existing, err := r.GetByClientOrderID(ctx, o.ClientOrderID)
	if err != nil {
		return nil, false, err
	}
	return existing, inserted > 0, nil
}

// GetByClientOrderID reads one order by its primary key.
func (r *Repository) GetByClientOrderID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// GetByBrokerOrderID reads one order by its broker-assigned id, used by
// webhook ingestion's primary lookup (§4.3.3 step 2).
func (r *Repository) GetByBrokerOrderID(ctx context.Context, brokerOrderID string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE broker_order_id = ?`, brokerOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// MarkSubmitted records broker acceptance: status + broker_order_id
// (§4.3.2 step 7).
func (r *Repository) MarkSubmitted(ctx context.Context, clientOrderID, brokerOrderID string, status domain.OrderStatus) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, broker_order_id = ?, submitted_at = ?, updated_at = ?
		WHERE client_order_id = ?`, status, brokerOrderID, now, now, clientOrderID)
	if err != nil {
		return fmt.Errorf("marking order submitted: %w", err)
	}
	return nil
}

// MarkRejected records broker rejection without rolling back the row
// (§4.3.2 step 8).
func (r *Repository) MarkRejected(ctx context.Context, clientOrderID, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, reject_reason = ?, terminal_at = ?, updated_at = ?
		WHERE client_order_id = ?`, domain.OrderStatusRejected, reason, now, now, clientOrderID)
	if err != nil {
		return fmt.Errorf("marking order rejected: %w", err)
	}
	return nil
}

// UpdateStatusTx transitions an order's status within tx, optionally
// setting terminal_at when the new status is terminal. Used by webhook
// ingestion so the order update commits atomically with the fill/position
// write (§4.3.3 step 4).
func (r *Repository) UpdateStatusTx(ctx context.Context, tx *sql.Tx, clientOrderID string, newStatus domain.OrderStatus, filledQty decimal.Decimal, avgFillPrice *decimal.Decimal) error {
	now := time.Now().UTC()
	var terminalAt interface{}
	if newStatus.IsTerminal() {
		terminalAt = now.Format(time.RFC3339)
	}
	var avgPrice interface{}
	if avgFillPrice != nil {
		avgPrice = avgFillPrice.String()
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?, terminal_at = COALESCE(?, terminal_at), updated_at = ?
		WHERE client_order_id = ?`,
		newStatus, filledQty.String(), avgPrice, terminalAt, now.Format(time.RFC3339), clientOrderID,
	)
	if err != nil {
		return fmt.Errorf("updating order status in transaction: %w", err)
	}
	return nil
}

// InsertFillTx appends an immutable fill row within tx. Relies on
// fill_id's primary key to make replayed webhook fills a no-op (§4.3.3).
func (r *Repository) InsertFillTx(ctx context.Context, tx *sql.Tx, f domain.Fill) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO fills (fill_id, client_order_id, symbol, side, qty, price, fill_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fill_id) DO NOTHING`,
		f.FillID, f.ClientOrderID, f.Symbol, f.Side, f.Qty.String(), f.Price.String(), f.FillTime.Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("inserting fill: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetPositionTx reads a symbol's position within tx, returning a
// zero-value position if none exists yet.
func (r *Repository) GetPositionTx(ctx context.Context, tx *sql.Tx, symbol string) (domain.Position, error) {
	row := tx.QueryRowContext(ctx, `SELECT symbol, qty, avg_entry_price, updated_at FROM positions WHERE symbol = ?`, symbol)
	var p domain.Position
	var qty, avgPrice, updatedAt string
	err := row.Scan(&p.Symbol, &qty, &avgPrice, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.Position{Symbol: symbol, Qty: decimal.Zero, AvgEntryPrice: decimal.Zero}, nil
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("reading position: %w", err)
	}
	if p.Qty, err = decimal.NewFromString(qty); err != nil {
		return domain.Position{}, fmt.Errorf("parsing position qty: %w", err)
	}
	if p.AvgEntryPrice, err = decimal.NewFromString(avgPrice); err != nil {
		return domain.Position{}, fmt.Errorf("parsing position avg_entry_price: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return domain.Position{}, fmt.Errorf("parsing position updated_at: %w", err)
	}
	return p, nil
}

// UpsertPositionTx writes a symbol's position within tx.
func (r *Repository) UpsertPositionTx(ctx context.Context, tx *sql.Tx, p domain.Position) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (symbol, qty, avg_entry_price, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET qty = excluded.qty, avg_entry_price = excluded.avg_entry_price, updated_at = excluded.updated_at`,
		p.Symbol, p.Qty.String(), p.AvgEntryPrice.String(), now,
	)
	if err != nil {
		return fmt.Errorf("upserting position: %w", err)
	}
	return nil
}

// GetPosition reads a symbol's position outside any transaction (read
// path for risk planning and reporting).
func (r *Repository) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT symbol, qty, avg_entry_price, updated_at FROM positions WHERE symbol = ?`, symbol)
	var p domain.Position
	var qty, avgPrice, updatedAt string
	err := row.Scan(&p.Symbol, &qty, &avgPrice, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.Position{Symbol: symbol, Qty: decimal.Zero, AvgEntryPrice: decimal.Zero}, nil
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("reading position: %w", err)
	}
	if p.Qty, err = decimal.NewFromString(qty); err != nil {
		return domain.Position{}, err
	}
	if p.AvgEntryPrice, err = decimal.NewFromString(avgPrice); err != nil {
		return domain.Position{}, err
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return p, nil
}

// ListPositions returns every known position.
func (r *Repository) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT symbol, qty, avg_entry_price, updated_at FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var qty, avgPrice, updatedAt string
		if err := rows.Scan(&p.Symbol, &qty, &avgPrice, &updatedAt); err != nil {
			return nil, err
		}
		if p.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if p.AvgEntryPrice, err = decimal.NewFromString(avgPrice); err != nil {
			return nil, err
		}
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListOpenOrders returns every non-terminal order, for the sweeper and
// the reconciler.
func (r *Repository) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN (?, ?, ?, ?)`,
		domain.OrderStatusFilled, domain.OrderStatusCanceled, domain.OrderStatusRejected, domain.OrderStatusExpired,
	)
	if err != nil {
		return nil, fmt.Errorf("listing open orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// List returns recent orders, newest first, bounded by limit.
func (r *Repository) List(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// InsertShadowOrder inserts a best-effort order discovered at the broker
// but absent from the durable store (§4.5 step 2, "insert shadow order
// with best-effort fields"): the broker's open-order view carries no
// symbol/side/qty, only status and fill progress, so those fields are
// placeholders flagged for operator review via reconciled_note.
func (r *Repository) InsertShadowOrder(ctx context.Context, clientOrderID, brokerOrderID string, status domain.OrderStatus, filledQty decimal.Decimal) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (client_order_id, strategy_id, symbol, side, qty, order_type, time_in_force,
			status, broker_order_id, filled_qty, reconciled_note, created_at, updated_at)
		VALUES (?, '', 'unknown', 'buy', '0', 'market', 'day', ?, ?, ?, 'reconciled_ingest', ?, ?)
		ON CONFLICT(client_order_id) DO NOTHING`,
		clientOrderID, status, brokerOrderID, filledQty.String(), now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting shadow order: %w", err)
	}
	return nil
}

// MarkReconciledCanceled cancels an order with a note explaining the
// reconciler's reason (§4.5 step 2, "mark canceled with reason
// reconcile_missing after grace period").
func (r *Repository) MarkReconciledCanceled(ctx context.Context, clientOrderID, note string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, reconciled_note = ?, terminal_at = ?, updated_at = ?
		WHERE client_order_id = ?`, domain.OrderStatusCanceled, note, now, now, clientOrderID)
	if err != nil {
		return fmt.Errorf("marking order reconciled-canceled: %w", err)
	}
	return nil
}

// MarkCanceledTx transitions an order to canceled within tx. The sweeper
// and Service.Cancel record their audit event in the same tx, so it
// commits atomically with the status change; destructive cancel-all calls
// it alone and audits the request and outcome separately.
func (r *Repository) MarkCanceledTx(ctx context.Context, tx *sql.Tx, clientOrderID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, terminal_at = ?, updated_at = ? WHERE client_order_id = ?`,
		domain.OrderStatusCanceled, now, now, clientOrderID)
	if err != nil {
		return fmt.Errorf("marking order canceled: %w", err)
	}
	return nil
}

// WithTx runs fn within a transaction, committing on success and rolling
// back on error or panic.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
