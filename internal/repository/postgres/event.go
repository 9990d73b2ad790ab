package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// EventRepo appends EmailSendEvents and maintains contact engagement
// summaries.
type EventRepo struct{ db *sql.DB }

func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev *domain.EmailSendEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO email_send_events
			(id, email_send_id, type, broadcast_id, contact_id, message_id,
			 response_code, command, enhanced_code, content, link_url, ip, user_agent,
			 browser, os, device, country, region, city, latitude, longitude,
			 occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, NOW())
	`, ev.ID, ev.EmailSendID, string(ev.Type), ev.BroadcastID, ev.ContactID, ev.MessageID,
		ev.ResponseCode, ev.Command, ev.EnhancedCode, ev.Content, ev.LinkURL, ev.IP, ev.UserAgent,
		ev.Device.Browser, ev.Device.OS, ev.Device.Type,
		ev.Geo.Country, ev.Geo.Region, ev.Geo.City, ev.Geo.Latitude, ev.Geo.Longitude,
		ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", ev.Type, err)
	}
	return nil
}

func (r *EventRepo) Record(ctx context.Context, ev *domain.EmailSendEvent) error {
	return insertEvent(ctx, r.db, ev)
}

// RecordEngagement writes an Open or Click and, in the same transaction,
// overwrites the contact's last-opened or last-clicked fields with the
// event's values.
func (r *EventRepo) RecordEngagement(ctx context.Context, ev *domain.EmailSendEvent, contactID string) error {
	var update string
	switch ev.Type {
	case domain.EventOpen:
		update = `
			UPDATE contacts
			SET last_opened_at = $2, last_opened_city = $3, last_opened_country = $4,
			    last_opened_device = $5, last_opened_browser = $6, updated_at = NOW()
			WHERE id = $1`
	case domain.EventClick:
		update = `
			UPDATE contacts
			SET last_clicked_at = $2, last_clicked_city = $3, last_clicked_country = $4,
			    last_clicked_device = $5, last_clicked_browser = $6, updated_at = NOW()
			WHERE id = $1`
	default:
		return fmt.Errorf("record engagement: %s is not an engagement event", ev.Type)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin engagement tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, update, contactID, ev.OccurredAt,
		ev.Geo.City, ev.Geo.Country, nullIfEmpty(ev.Device.Type), nullIfEmpty(ev.Device.Browser)); err != nil {
		return fmt.Errorf("update contact engagement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit engagement tx: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
