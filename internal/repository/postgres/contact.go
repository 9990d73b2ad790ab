package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// ContactRepo reads contacts with their properties.
type ContactRepo struct{ db *sql.DB }

func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

func (r *ContactRepo) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	var c domain.Contact
	err := r.db.QueryRowContext(ctx, `
		SELECT id, audience_id, email, first_name, last_name, subscribed,
		       last_opened_at, last_opened_city, last_opened_country, last_opened_device, last_opened_browser,
		       last_clicked_at, last_clicked_city, last_clicked_country, last_clicked_device, last_clicked_browser,
		       created_at, updated_at
		FROM contacts
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.AudienceID, &c.Email, &c.FirstName, &c.LastName, &c.Subscribed,
		&c.LastOpenedAt, &c.LastOpenedCity, &c.LastOpenedCountry, &c.LastOpenedDevice, &c.LastOpenedBrowser,
		&c.LastClickedAt, &c.LastClickedCity, &c.LastClickedCountry, &c.LastClickedDevice, &c.LastClickedBrowser,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT name, COALESCE(string_value, number_value::text, to_char(date_value, 'YYYY-MM-DD"T"HH24:MI:SSOF'), bool_value::text, '')
		FROM contact_properties
		WHERE contact_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get contact properties: %w", err)
	}
	defer rows.Close()

	c.Properties = map[string]string{}
	for rows.Next() {
		var name, val string
		if err := rows.Scan(&name, &val); err != nil {
			return nil, fmt.Errorf("scan contact property: %w", err)
		}
		c.Properties[name] = val
	}
	return &c, rows.Err()
}
