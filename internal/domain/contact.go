package domain

import "time"

// Contact is a recipient within an audience. The LastOpened*/LastClicked*
// fields are last-write-wins summaries maintained by event ingestion.
type Contact struct {
	ID         string            `json:"id" db:"id"`
	AudienceID string            `json:"audience_id" db:"audience_id"`
	Email      string            `json:"email" db:"email"`
	FirstName  string            `json:"first_name" db:"first_name"`
	LastName   string            `json:"last_name" db:"last_name"`
	Subscribed bool              `json:"subscribed" db:"subscribed"`
	Properties map[string]string `json:"properties,omitempty"`

	LastOpenedAt      *time.Time `json:"last_opened_at" db:"last_opened_at"`
	LastOpenedCity    *string    `json:"last_opened_city" db:"last_opened_city"`
	LastOpenedCountry *string    `json:"last_opened_country" db:"last_opened_country"`
	LastOpenedDevice  *string    `json:"last_opened_device" db:"last_opened_device"`
	LastOpenedBrowser *string    `json:"last_opened_browser" db:"last_opened_browser"`

	LastClickedAt      *time.Time `json:"last_clicked_at" db:"last_clicked_at"`
	LastClickedCity    *string    `json:"last_clicked_city" db:"last_clicked_city"`
	LastClickedCountry *string    `json:"last_clicked_country" db:"last_clicked_country"`
	LastClickedDevice  *string    `json:"last_clicked_device" db:"last_clicked_device"`
	LastClickedBrowser *string    `json:"last_clicked_browser" db:"last_clicked_browser"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MergeFields is the data exposed to merge tags in content.
func (c *Contact) MergeFields() map[string]any {
	props := make(map[string]any, len(c.Properties))
	for k, v := range c.Properties {
		props[k] = v
	}
	return map[string]any{
		"email":      c.Email,
		"first_name": c.FirstName,
		"last_name":  c.LastName,
		"properties": props,
	}
}
