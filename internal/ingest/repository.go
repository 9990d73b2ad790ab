package ingest

import (
	"context"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// SendRepository reads and updates EmailSend rows.
type SendRepository interface {
	// GetSend returns domain.ErrNotFound if the send does not exist.
	GetSend(ctx context.Context, id string) (*domain.EmailSend, error)

	// UpdateDelivery stores the Delivery metadata and marks the send delivered.
	UpdateDelivery(ctx context.Context, sendID string, u domain.DeliveryUpdate) error
}

// SourceRepository resolves the transfer agent's egress IPs.
type SourceRepository interface {
	// FindByIP returns domain.ErrNotFound for an unknown IP.
	FindByIP(ctx context.Context, ip string) (*domain.SendingSource, error)
}

// EventRepository appends EmailSendEvents.
type EventRepository interface {
	Record(ctx context.Context, ev *domain.EmailSendEvent) error

	// RecordEngagement writes an Open or Click event and updates the
	// contact's matching last-opened or last-clicked fields in one
	// transaction. The other event type's fields are never touched.
	RecordEngagement(ctx context.Context, ev *domain.EmailSendEvent, contactID string) error
}
