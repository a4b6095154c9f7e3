// Package risk translates target weights into a concrete order plan
// under the operative limits and circuit-breaker state (§4.2).
package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/execplane/internal/domain"
	"github.com/shopspring/decimal"
)

// Repository persists per-strategy risk limits. A row with an empty
// strategy_id holds the global defaults, per domain.RiskLimits.
type Repository struct {
	db *sql.DB
}

// NewRepository builds a risk limits repository over conn.
func NewRepository(conn *sql.DB) *Repository {
	return &Repository{db: conn}
}

// Get returns the effective limits for strategyID, falling back to the
// global default row (strategy_id = '') if no strategy-specific row
// exists. Returns apierr-free sql.ErrNoRows if neither exists.
func (r *Repository) Get(ctx context.Context, strategyID string) (*domain.RiskLimits, error) {
	limits, err := r.getRow(ctx, strategyID)
	if err == sql.ErrNoRows {
		return r.getRow(ctx, "")
	}
	return limits, err
}

func (r *Repository) getRow(ctx context.Context, strategyID string) (*domain.RiskLimits, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT strategy_id, max_pos_per_symbol, max_total_notional, daily_loss_limit, blacklist
		FROM risk_limits WHERE strategy_id = ?`, strategyID)

	var l domain.RiskLimits
	var maxPos, maxNotional, dailyLoss string
	var blacklistJSON string
	if err := row.Scan(&l.StrategyID, &maxPos, &maxNotional, &dailyLoss, &blacklistJSON); err != nil {
		return nil, err
	}

	var err error
	if l.MaxPosPerSymbol, err = decimal.NewFromString(maxPos); err != nil {
		return nil, fmt.Errorf("parsing max_pos_per_symbol: %w", err)
	}
	if l.MaxTotalNotional, err = decimal.NewFromString(maxNotional); err != nil {
		return nil, fmt.Errorf("parsing max_total_notional: %w", err)
	}
	if l.DailyLossLimit, err = decimal.NewFromString(dailyLoss); err != nil {
		return nil, fmt.Errorf("parsing daily_loss_limit: %w", err)
	}
	if blacklistJSON != "" {
		if err := json.Unmarshal([]byte(blacklistJSON), &l.Blacklist); err != nil {
			return nil, fmt.Errorf("parsing blacklist: %w", err)
		}
	}
	return &l, nil
}

// Upsert writes the limits for l.StrategyID, replacing any existing row.
func (r *Repository) Upsert(ctx context.Context, l domain.RiskLimits) error {
	blacklistJSON, err := json.Marshal(l.Blacklist)
	if err != nil {
		return fmt.Errorf("marshaling blacklist: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO risk_limits (strategy_id, max_pos_per_symbol, max_total_notional, daily_loss_limit, blacklist)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id) DO UPDATE SET
			max_pos_per_symbol = excluded.max_pos_per_symbol,
			max_total_notional = excluded.max_total_notional,
			daily_loss_limit = excluded.daily_loss_limit,
			blacklist = excluded.blacklist`,
		l.StrategyID, l.MaxPosPerSymbol.String(), l.MaxTotalNotional.String(), l.DailyLossLimit.String(), string(blacklistJSON),
	)
	if err != nil {
		return fmt.Errorf("upserting risk limits: %w", err)
	}
	return nil
}
