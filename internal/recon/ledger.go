package recon

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WebhookEvent is the idempotency ledger row. One row per inbound delivery,
// created before any business logic runs, so even malformed or
// failed-verification events stay auditable.
type WebhookEvent struct {
	ExternalID  string     `json:"external_id"`
	EventType   string     `json:"event_type"`
	RawPayload  []byte     `json:"-"`
	Verified    bool       `json:"verified"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type LedgerRepo struct{ DB *pgxpool.Pool }

// Record persists the delivery. A duplicate external id keeps the original
// row untouched and reports existed=true.
func (r *LedgerRepo) Record(ctx context.Context, ev *WebhookEvent) (existed bool, err error) {
	ct, err := r.DB.Exec(ctx, `
		INSERT INTO webhook_events(external_id, event_type, raw_payload, verified)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (external_id) DO NOTHING`,
		ev.ExternalID, ev.EventType, ev.RawPayload, ev.Verified)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 0, nil
}

func (r *LedgerRepo) IsProcessed(ctx context.Context, externalID string) (bool, error) {
	var processed bool
	err := r.DB.QueryRow(ctx,
		`SELECT processed FROM webhook_events WHERE external_id=$1`, externalID).Scan(&processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return processed, nil
}

func (r *LedgerRepo) MarkProcessed(ctx context.Context, externalID, result string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE webhook_events
		SET processed=true, processed_at=now(), result=$2
		WHERE external_id=$1`, externalID, result)
	return err
}

// List is the admin audit surface, filterable on verification and
// processing state ("", "true" or "false").
func (r *LedgerRepo) List(ctx context.Context, verified, processed string, limit int) ([]WebhookEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	rows, err := r.DB.Query(ctx, `
		SELECT external_id, event_type, verified, processed, processed_at, COALESCE(result,''), created_at
		FROM webhook_events
		WHERE ($1='' OR verified=($1='true'))
		  AND ($2='' OR processed=($2='true'))
		ORDER BY created_at DESC LIMIT $3`, verified, processed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookEvent
	for rows.Next() {
		var ev WebhookEvent
		if err := rows.Scan(&ev.ExternalID, &ev.EventType, &ev.Verified, &ev.Processed,
			&ev.ProcessedAt, &ev.Result, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
