package domain

import "time"

// EventType enumerates the lifecycle events the transfer agent and the
// tracking endpoints emit for a send.
type EventType string

const (
	EventReception   EventType = "Reception"
	EventDelivery    EventType = "Delivery"
	EventDefer       EventType = "Defer"
	EventBounce      EventType = "Bounce"
	EventReject      EventType = "Reject"
	EventComplaint   EventType = "Complaint"
	EventOpen        EventType = "Open"
	EventClick       EventType = "Click"
	EventUnsubscribe EventType = "Unsubscribe"
)

// EventTypes lists every known type.
var EventTypes = []EventType{
	EventReception, EventDelivery, EventDefer, EventBounce, EventReject,
	EventComplaint, EventOpen, EventClick, EventUnsubscribe,
}

// Geo is a city-level location. Fields stay nil on a lookup miss.
type Geo struct {
	Country   *string  `json:"country,omitempty"`
	Region    *string  `json:"region,omitempty"`
	City      *string  `json:"city,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Device is what we extract from a user agent.
type Device struct {
	Browser string `json:"browser,omitempty"`
	OS      string `json:"os,omitempty"`
	Type    string `json:"device,omitempty"`
}

// EmailSendEvent is an append-only lifecycle record of an EmailSend.
type EmailSendEvent struct {
	ID           string    `json:"id" db:"id"`
	EmailSendID  string    `json:"email_send_id" db:"email_send_id"`
	Type         EventType `json:"type" db:"type"`
	BroadcastID  *string   `json:"broadcast_id" db:"broadcast_id"`
	ContactID    *string   `json:"contact_id" db:"contact_id"`
	MessageID    string    `json:"message_id" db:"message_id"`
	ResponseCode *int      `json:"response_code" db:"response_code"`
	Command      string    `json:"command" db:"command"`
	EnhancedCode string    `json:"enhanced_code" db:"enhanced_code"`
	Content      string    `json:"content" db:"content"`
	LinkURL      string    `json:"link_url,omitempty" db:"link_url"`
	IP           string    `json:"ip,omitempty" db:"ip"`
	UserAgent    string    `json:"user_agent,omitempty" db:"user_agent"`
	Device       Device    `json:"device"`
	Geo          Geo       `json:"geo"`
	OccurredAt   time.Time `json:"occurred_at" db:"occurred_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// IsEngagement reports whether the event carries device and geo data.
func (e *EmailSendEvent) IsEngagement() bool {
	return e.Type == EventOpen || e.Type == EventClick
}
