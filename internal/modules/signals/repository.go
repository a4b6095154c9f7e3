// Package signals implements the Model Registry & Signal Service (§4.1):
// polling the active model per strategy, hot-swapping it atomically, and
// computing target weights for a universe on demand.
package signals

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/execplane/internal/domain"
)

// Repository is read-mostly: Signal Service reads only (§3.2). Create
// and Activate are its write paths (a new row, a promotion); no handler
// of this service calls either.
type Repository struct {
	db *sql.DB
}

// NewRepository builds a model registry repository over conn.
func NewRepository(conn *sql.DB) *Repository {
	return &Repository{db: conn}
}

func scanModel(row interface {
	Scan(...interface{}) error
}) (*domain.ModelMetadata, error) {
	var m domain.ModelMetadata
	var activatedAt, deactivatedAt sql.NullString
	if err := row.Scan(&m.StrategyID, &m.Version, &m.Status, &m.ModelPath, &m.PerformanceMetrics, &activatedAt, &deactivatedAt); err != nil {
		return nil, err
	}
	if activatedAt.Valid {
		t, err := time.Parse(time.RFC3339, activatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing activated_at: %w", err)
		}
		m.ActivatedAt = &t
	}
	if deactivatedAt.Valid {
		t, err := time.Parse(time.RFC3339, deactivatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing deactivated_at: %w", err)
		}
		m.DeactivatedAt = &t
	}
	return &m, nil
}

// GetActive returns the single active-status row for strategyID, or nil
// if none exists (ModelNotLoaded, per §4.1 failure semantics).
func (r *Repository) GetActive(ctx context.Context, strategyID string) (*domain.ModelMetadata, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT strategy_id, version, status, model_path, performance_metrics, activated_at, deactivated_at
		FROM model_registry WHERE strategy_id = ? AND status = 'active'`, strategyID)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading active model for %s: %w", strategyID, err)
	}
	return m, nil
}

// Create inserts a new (strategy, version) row, typically in 'staging'.
func (r *Repository) Create(ctx context.Context, m domain.ModelMetadata) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO model_registry (strategy_id, version, status, model_path, performance_metrics)
		VALUES (?, ?, ?, ?, ?)`,
		m.StrategyID, m.Version, m.Status, m.ModelPath, m.PerformanceMetrics,
	)
	if err != nil {
		return fmt.Errorf("creating model metadata: %w", err)
	}
	return nil
}

// Activate deactivates whatever row is currently active for strategyID
// and activates version, as a single transaction — the invariant "at
// most one active row per strategy" never observes two actives at once.
func (r *Repository) Activate(ctx context.Context, strategyID, version string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning activation transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	if _, err := tx.ExecContext(ctx, `
		UPDATE model_registry SET status = 'inactive', deactivated_at = ?
		WHERE strategy_id = ? AND status = 'active'`, now, strategyID); err != nil {
		return fmt.Errorf("deactivating previous model: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE model_registry SET status = 'active', activated_at = ?
		WHERE strategy_id = ? AND version = ?`, now, strategyID, version)
	if err != nil {
		return fmt.Errorf("activating model version %s: %w", version, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no model_registry row for strategy=%s version=%s", strategyID, version)
	}

	return tx.Commit()
}
