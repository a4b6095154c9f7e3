// Package audit persists the append-only audit log (§3.1 AuditEvent):
// submit, cancel, flatten, CB trip/reset, role change, manual override.
// Only retention jobs delete from this table; application code only
// writes and reads.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/execplane/internal/domain"
	"github.com/rs/zerolog"
)

// Repository persists audit events to the Durable Store.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository builds an audit repository over conn.
func NewRepository(conn *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: conn, log: log.With().Str("component", "audit_repository").Logger()}
}

// Record appends one audit event. It is write-only from application code
// by convention — there is no Update or Delete here.
func (r *Repository) Record(ctx context.Context, ev domain.AuditEvent) error {
	ev.Timestamp = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, event_type, actor_id, action, outcome, details, ip_address)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.Format(time.RFC3339), ev.EventType, ev.ActorID, ev.Action, ev.Outcome, ev.Details, ev.IPAddress,
	)
	if err != nil {
		return fmt.Errorf("recording audit event: %w", err)
	}
	return nil
}

// RecordTx is the transactional variant, used when the audit write must
// commit atomically with an order/position/fill update (§4.3.3).
func (r *Repository) RecordTx(ctx context.Context, tx *sql.Tx, ev domain.AuditEvent) error {
	ev.Timestamp = time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, event_type, actor_id, action, outcome, details, ip_address)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.Format(time.RFC3339), ev.EventType, ev.ActorID, ev.Action, ev.Outcome, ev.Details, ev.IPAddress,
	)
	if err != nil {
		return fmt.Errorf("recording audit event in transaction: %w", err)
	}
	return nil
}

// List returns the most recent audit events, newest first, bounded by limit.
func (r *Repository) List(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, timestamp, event_type, actor_id, action, outcome, details, ip_address
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var ts string
		var ip sql.NullString
		if err := rows.Scan(&ev.ID, &ts, &ev.EventType, &ev.ActorID, &ev.Action, &ev.Outcome, &ev.Details, &ip); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing audit event timestamp: %w", err)
		}
		ev.Timestamp = parsed
		if ip.Valid {
			v := ip.String
			ev.IPAddress = &v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
