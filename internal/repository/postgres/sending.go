package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// SendingRepo reads sending domains and egress sources.
type SendingRepo struct{ db *sql.DB }

func NewSendingRepo(db *sql.DB) *SendingRepo { return &SendingRepo{db: db} }

func (r *SendingRepo) GetSendingDomain(ctx context.Context, id string) (*domain.SendingDomain, error) {
	var d domain.SendingDomain
	err := r.db.QueryRowContext(ctx, `
		SELECT id, team_id, domain, bounce_subdomain, tracking_host, click_tracking, open_tracking
		FROM sending_domains
		WHERE id = $1
	`, id).Scan(&d.ID, &d.TeamID, &d.Domain, &d.BounceSubdomain, &d.TrackingHost, &d.ClickTracking, &d.OpenTracking)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sending domain: %w", err)
	}
	return &d, nil
}

// FindByIP implements ingest.SourceRepository.
func (r *SendingRepo) FindByIP(ctx context.Context, ip string) (*domain.SendingSource, error) {
	var s domain.SendingSource
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, ip, COALESCE(ip_pool,'')
		FROM sending_sources
		WHERE ip = $1
	`, ip).Scan(&s.ID, &s.Name, &s.IP, &s.IPPool)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find sending source: %w", err)
	}
	return &s, nil
}
