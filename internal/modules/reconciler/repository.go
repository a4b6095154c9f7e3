// Package reconciler implements boot-time and periodic drift detection
// and healing against broker truth (§4.5).
package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Snapshot is one persisted reconciliation run (§4.5 step 4).
type Snapshot struct {
	ID        int64
	StartedAt time.Time
	Trigger   string
	Inputs    string // JSON: broker/DS counts at the time of the run
	Diffs     string // JSON: the computed diffs
	Actions   string // JSON: actions taken
	Outcome   string // "ok" or "failed"
}

// Repository persists reconcile_snapshots rows.
type Repository struct {
	db *sql.DB
}

// NewRepository builds a reconciler repository over conn.
func NewRepository(conn *sql.DB) *Repository {
	return &Repository{db: conn}
}

// InsertSnapshot appends one snapshot row.
func (r *Repository) InsertSnapshot(ctx context.Context, s Snapshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reconcile_snapshots (started_at, trigger, inputs, diffs, actions, outcome)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.StartedAt.Format(time.RFC3339), s.Trigger, s.Inputs, s.Diffs, s.Actions, s.Outcome,
	)
	if err != nil {
		return fmt.Errorf("inserting reconcile snapshot: %w", err)
	}
	return nil
}

// List returns the most recent snapshots, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, started_at, trigger, inputs, diffs, actions, outcome
		FROM reconcile_snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing reconcile snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var startedAt string
		if err := rows.Scan(&s.ID, &startedAt, &s.Trigger, &s.Inputs, &s.Diffs, &s.Actions, &s.Outcome); err != nil {
			return nil, fmt.Errorf("scanning reconcile snapshot: %w", err)
		}
		if s.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, fmt.Errorf("parsing reconcile snapshot started_at: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Latest returns the most recent snapshot, or nil if none exist.
func (r *Repository) Latest(ctx context.Context) (*Snapshot, error) {
	snapshots, err := r.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, nil
	}
	return &snapshots[0], nil
}

// PruneOlderThan deletes snapshots started before cutoff, returning the
// number removed. §4.5 persists a snapshot every run but never bounds
// retention; this is the periodic GC the reconciler loop pairs with its
// reconcile pass, in the same spirit as the teacher's paired sync/GC jobs.
func (r *Repository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM reconcile_snapshots WHERE started_at < ?`, cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("pruning reconcile snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
