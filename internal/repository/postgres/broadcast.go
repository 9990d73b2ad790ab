package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// BroadcastRepo implements worker.BroadcastRepository against PostgreSQL.
type BroadcastRepo struct{ db *sql.DB }

// NewBroadcastRepo creates a Postgres-backed broadcast repository.
func NewBroadcastRepo(db *sql.DB) *BroadcastRepo { return &BroadcastRepo{db: db} }

func (r *BroadcastRepo) GetBroadcast(ctx context.Context, id string) (*domain.Broadcast, error) {
	var (
		b           domain.Broadcast
		waitSeconds int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, team_id, audience_id, segment_id, sending_domain_id, name, status,
		       subject, from_name, from_email, COALESCE(reply_to,''), COALESCE(html,''), COALESCE(text,''),
		       is_ab_test, waiting_time_seconds, winning_variant_id, track_clicks, track_opens,
		       scheduled_at, sending_at, created_at, updated_at
		FROM broadcasts
		WHERE id = $1
	`, id).Scan(
		&b.ID, &b.TeamID, &b.AudienceID, &b.SegmentID, &b.SendingDomainID, &b.Name, &b.Status,
		&b.Content.Subject, &b.Content.FromName, &b.Content.From, &b.Content.ReplyTo, &b.Content.HTML, &b.Content.Text,
		&b.IsABTest, &waitSeconds, &b.WinningVariantID, &b.Tracking.Clicks, &b.Tracking.Opens,
		&b.ScheduledAt, &b.SendingAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get broadcast: %w", err)
	}
	b.WaitingTime = time.Duration(waitSeconds) * time.Second
	return &b, nil
}

// UpdateBroadcastStatus sets the status. Entering SENDING stamps sending_at
// once.
func (r *BroadcastRepo) UpdateBroadcastStatus(ctx context.Context, id string, status domain.BroadcastStatus) error {
	q := `UPDATE broadcasts SET status = $1, updated_at = NOW() WHERE id = $2`
	if status == domain.BroadcastSending {
		q = `UPDATE broadcasts SET status = $1, sending_at = COALESCE(sending_at, NOW()), updated_at = NOW() WHERE id = $2`
	}
	res, err := r.db.ExecContext(ctx, q, string(status), id)
	if err != nil {
		return fmt.Errorf("update broadcast status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetWinningVariant stores the winner unless one is already set.
func (r *BroadcastRepo) SetWinningVariant(ctx context.Context, broadcastID, variantID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET winning_variant_id = $1, updated_at = NOW()
		WHERE id = $2 AND winning_variant_id IS NULL
	`, variantID, broadcastID)
	if err != nil {
		return fmt.Errorf("set winning variant: %w", err)
	}
	return nil
}

// ListVariants returns variants in partition order.
func (r *BroadcastRepo) ListVariants(ctx context.Context, broadcastID string) ([]domain.AbTestVariant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, broadcast_id, name, weight,
		       COALESCE(subject,''), COALESCE(from_name,''), COALESCE(from_email,''),
		       COALESCE(reply_to,''), COALESCE(html,''), COALESCE(text,'')
		FROM ab_test_variants
		WHERE broadcast_id = $1
		ORDER BY position ASC, id ASC
	`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	var out []domain.AbTestVariant
	for rows.Next() {
		var v domain.AbTestVariant
		if err := rows.Scan(
			&v.ID, &v.BroadcastID, &v.Name, &v.Weight,
			&v.Content.Subject, &v.Content.FromName, &v.Content.From,
			&v.Content.ReplyTo, &v.Content.HTML, &v.Content.Text,
		); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// VariantStats counts injected sends and unique opening and clicking sends
// per variant, in partition order.
func (r *BroadcastRepo) VariantStats(ctx context.Context, broadcastID string) ([]domain.VariantStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT v.id,
		       (SELECT COUNT(*) FROM email_sends s
		         WHERE s.variant_id = v.id AND s.status <> 'failed' AND s.status <> 'pending'),
		       (SELECT COUNT(DISTINCT e.email_send_id) FROM email_send_events e
		         JOIN email_sends s ON s.id = e.email_send_id
		         WHERE s.variant_id = v.id AND e.type = 'Open'),
		       (SELECT COUNT(DISTINCT e.email_send_id) FROM email_send_events e
		         JOIN email_sends s ON s.id = e.email_send_id
		         WHERE s.variant_id = v.id AND e.type = 'Click')
		FROM ab_test_variants v
		WHERE v.broadcast_id = $1
		ORDER BY v.position ASC, v.id ASC
	`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("variant stats: %w", err)
	}
	defer rows.Close()

	var out []domain.VariantStats
	for rows.Next() {
		var s domain.VariantStats
		if err := rows.Scan(&s.VariantID, &s.Sent, &s.Opens, &s.Clicks); err != nil {
			return nil, fmt.Errorf("scan variant stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
