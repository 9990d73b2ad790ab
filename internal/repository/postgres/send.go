package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// SendRepo stores EmailSend rows. It serves both the send path
// (ClaimSend, Mark*) and event ingestion (GetSend, UpdateDelivery).
type SendRepo struct{ db *sql.DB }

func NewSendRepo(db *sql.DB) *SendRepo { return &SendRepo{db: db} }

const sendColumns = `
	id, dedup_key, product, status, broadcast_id, variant_id, contact_id, audience_id,
	sending_domain_id, recipient, sender, message_id,
	protocol, queue, attempts, sending_source_id, source_ip, error, injected_at,
	created_at, updated_at`

func scanSend(row interface{ Scan(...any) error }) (*domain.EmailSend, error) {
	var s domain.EmailSend
	err := row.Scan(
		&s.ID, &s.DedupKey, &s.Product, &s.Status, &s.BroadcastID, &s.VariantID, &s.ContactID, &s.AudienceID,
		&s.SendingDomainID, &s.Recipient, &s.Sender, &s.MessageID,
		&s.Protocol, &s.Queue, &s.Attempts, &s.SendingSourceID, &s.SourceIP, &s.Error, &s.InjectedAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan send: %w", err)
	}
	return &s, nil
}

func (r *SendRepo) GetSend(ctx context.Context, id string) (*domain.EmailSend, error) {
	return scanSend(r.db.QueryRowContext(ctx, `SELECT `+sendColumns+` FROM email_sends WHERE id = $1`, id))
}

// ClaimSend inserts s. A row already holding s.DedupKey wins; it is
// returned with created=false and s is discarded.
func (r *SendRepo) ClaimSend(ctx context.Context, s *domain.EmailSend) (*domain.EmailSend, bool, error) {
	if s.Status == "" {
		s.Status = domain.SendPending
	}
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO email_sends
			(id, dedup_key, product, status, broadcast_id, variant_id, contact_id, audience_id,
			 sending_domain_id, recipient, sender, message_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
		RETURNING id
	`, s.ID, s.DedupKey, string(s.Product), string(s.Status), s.BroadcastID, s.VariantID, s.ContactID, s.AudienceID,
		s.SendingDomainID, s.Recipient, s.Sender, s.MessageID,
	).Scan(&id)
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || s.DedupKey == nil {
		return nil, false, fmt.Errorf("insert send: %w", err)
	}

	existing, err := scanSend(r.db.QueryRowContext(ctx, `SELECT `+sendColumns+` FROM email_sends WHERE dedup_key = $1`, *s.DedupKey))
	if err != nil {
		return nil, false, fmt.Errorf("load claimed send: %w", err)
	}
	return existing, false, nil
}

func (r *SendRepo) MarkInjected(ctx context.Context, id, messageID string, at time.Time) error {
	return r.exec(ctx, "mark send injected", `
		UPDATE email_sends
		SET status = 'injected', message_id = $2, injected_at = $3, error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, messageID, at)
}

func (r *SendRepo) MarkFailed(ctx context.Context, id, reason string) error {
	return r.exec(ctx, "mark send failed", `
		UPDATE email_sends SET status = 'failed', error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, reason)
}

// UpdateDelivery implements ingest.SendRepository. Empty sender or
// recipient keep the stored values.
func (r *SendRepo) UpdateDelivery(ctx context.Context, sendID string, u domain.DeliveryUpdate) error {
	return r.exec(ctx, "update delivery", `
		UPDATE email_sends
		SET status = 'delivered',
		    protocol = NULLIF($2, ''),
		    queue = NULLIF($3, ''),
		    attempts = $4,
		    sender = COALESCE(NULLIF($5, ''), sender),
		    recipient = COALESCE(NULLIF($6, ''), recipient),
		    source_ip = NULLIF($7, ''),
		    sending_source_id = $8,
		    delivered_at = $9,
		    updated_at = NOW()
		WHERE id = $1
	`, sendID, u.Protocol, u.Queue, u.Attempts, u.Sender, u.Recipient, u.SourceIP, u.SendingSourceID, u.DeliveredAt)
}

func (r *SendRepo) exec(ctx context.Context, op, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
