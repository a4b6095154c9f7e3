// Package orchestrator drives the daily paper-run pipeline end to end:
// health checks, signal generation, risk planning, order submission,
// fill awaiting, and P&L reporting (§4.6).
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/execplane/internal/domain"
)

// Repository persists orchestration_runs rows.
type Repository struct {
	db *sql.DB
}

// NewRepository builds an orchestrator repository over conn.
func NewRepository(conn *sql.DB) *Repository {
	return &Repository{db: conn}
}

func scanRun(row interface{ Scan(...interface{}) error }) (*domain.RunRecord, error) {
	var run domain.RunRecord
	var startedAt string
	var endedAt sql.NullString
	var stagesJSON string

	if err := row.Scan(&run.RunID, &run.Date, &run.StrategyID, &run.Trigger, &startedAt, &endedAt, &run.Outcome, &stagesJSON, &run.Report); err != nil {
		return nil, err
	}
	var err error
	if run.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		run.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(stagesJSON), &run.Stages); err != nil {
		return nil, fmt.Errorf("parsing stages: %w", err)
	}
	return &run, nil
}

const runColumns = `run_id, date, strategy_id, trigger, started_at, ended_at, outcome, stages, report`

// GetByRunID reads one run by its deterministic primary key.
func (r *Repository) GetByRunID(ctx context.Context, runID string) (*domain.RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM orchestration_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// InsertIfAbsent inserts a new `status: failed`-free placeholder row for
// runID, or does nothing if one already exists — the orchestrator's own
// entry point into the "all stage writes are upserts keyed on run_id"
// idempotency rule (§4.6).
func (r *Repository) InsertIfAbsent(ctx context.Context, run domain.RunRecord) (*domain.RunRecord, bool, error) {
	stagesJSON, _ := json.Marshal(run.Stages)
	if run.Report == "" {
		run.Report = "{}"
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO orchestration_runs (run_id, date, strategy_id, trigger, started_at, outcome, stages, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		run.RunID, run.Date, run.StrategyID, run.Trigger, run.StartedAt.Format(time.RFC3339), run.Outcome, stagesJSON, run.Report,
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting orchestration run %s: %w", run.RunID, err)
	}
	inserted, _ := res.RowsAffected()

	existing, err := r.GetByRunID(ctx, run.RunID)
	if err != nil {
		return nil, false, err
	}
	return existing, inserted > 0, nil
}

// UpdateStage appends or replaces one stage's outcome in the run's
// stages array and persists it. Driver.Run re-runs every stage of a
// non-terminal run on re-invocation, replacing each stage's entry; it
// does not skip stages recorded as completed.
func (r *Repository) UpdateStage(ctx context.Context, runID string, stage domain.StageOutcome) error {
	run, err := r.GetByRunID(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("orchestration run %s not found", runID)
	}

	replaced := false
	for i, s := range run.Stages {
		if s.Stage == stage.Stage {
			run.Stages[i] = stage
			replaced = true
			break
		}
	}
	if !replaced {
		run.Stages = append(run.Stages, stage)
	}

	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("encoding stages: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE orchestration_runs SET stages = ? WHERE run_id = ?`, stagesJSON, runID)
	if err != nil {
		return fmt.Errorf("updating run stages: %w", err)
	}
	return nil
}

// Complete records the run's terminal outcome and report payload.
func (r *Repository) Complete(ctx context.Context, runID string, outcome domain.RunOutcome, report string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		UPDATE orchestration_runs SET outcome = ?, report = ?, ended_at = ? WHERE run_id = ?`,
		outcome, report, now, runID,
	)
	if err != nil {
		return fmt.Errorf("completing orchestration run: %w", err)
	}
	return nil
}

// List returns recent runs, newest first, bounded by limit.
func (r *Repository) List(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM orchestration_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing orchestration runs: %w", err)
	}
	defer rows.Close()

	var out []domain.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}
