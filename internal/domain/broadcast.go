package domain

import (
	"time"
)

// BroadcastStatus enumerates the lifecycle states of a broadcast.
type BroadcastStatus string

const (
	BroadcastDraft            BroadcastStatus = "DRAFT"
	BroadcastScheduled        BroadcastStatus = "SCHEDULED"
	BroadcastQueuedForSending BroadcastStatus = "QUEUED_FOR_SENDING"
	BroadcastSending          BroadcastStatus = "SENDING"
	BroadcastSent             BroadcastStatus = "SENT"
	BroadcastSendingFailed    BroadcastStatus = "SENDING_FAILED"
	BroadcastCancelled        BroadcastStatus = "CANCELLED"
)

// DefaultWinnerWait applies when a broadcast does not set its own wait.
const DefaultWinnerWait = 4 * time.Hour

// Content is the renderable part of a message.
type Content struct {
	Subject  string `json:"subject" db:"subject"`
	FromName string `json:"from_name" db:"from_name"`
	From     string `json:"from_email" db:"from_email"`
	ReplyTo  string `json:"reply_to" db:"reply_to"`
	HTML     string `json:"html" db:"html"`
	Text     string `json:"text" db:"text"`
}

// Broadcast is one marketing send to an audience, optionally narrowed by a
// segment and optionally split into A/B variants.
type Broadcast struct {
	ID               string          `json:"id" db:"id"`
	TeamID           string          `json:"team_id" db:"team_id"`
	AudienceID       string          `json:"audience_id" db:"audience_id"`
	SegmentID        *string         `json:"segment_id" db:"segment_id"`
	SendingDomainID  string          `json:"sending_domain_id" db:"sending_domain_id"`
	Name             string          `json:"name" db:"name"`
	Status           BroadcastStatus `json:"status" db:"status"`
	Content          Content         `json:"content"`
	IsABTest         bool            `json:"is_ab_test" db:"is_ab_test"`
	WaitingTime      time.Duration   `json:"waiting_time_to_pick_winner" db:"waiting_time_to_pick_winner"`
	WinningVariantID *string         `json:"winning_variant_id" db:"winning_variant_id"`
	Tracking         TrackingToggle  `json:"tracking"`
	ScheduledAt      *time.Time      `json:"scheduled_at" db:"scheduled_at"`
	SendingAt        *time.Time      `json:"sending_at" db:"sending_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// WinnerWait returns the configured wait or DefaultWinnerWait.
func (b *Broadcast) WinnerWait() time.Duration {
	if b.WaitingTime <= 0 {
		return DefaultWinnerWait
	}
	return b.WaitingTime
}

// CanDispatch reports whether the broadcast may be handed to the scheduler.
func (b *Broadcast) CanDispatch() bool {
	switch b.Status {
	case BroadcastDraft, BroadcastScheduled, BroadcastQueuedForSending:
		return true
	default:
		return false
	}
}

// AcceptsSends reports whether queued per-contact tasks should still run.
// Tasks re-check this at execution time; it is how a cancel reaches
// tasks that are already enqueued.
func (b *Broadcast) AcceptsSends() bool {
	return b.Status == BroadcastQueuedForSending || b.Status == BroadcastSending
}

// IsTerminal returns true if the broadcast is in a final state.
func (b *Broadcast) IsTerminal() bool {
	return b.Status == BroadcastSent || b.Status == BroadcastSendingFailed || b.Status == BroadcastCancelled
}

// AbTestVariant is one content alternative of an A/B broadcast.
type AbTestVariant struct {
	ID          string  `json:"id" db:"id"`
	BroadcastID string  `json:"broadcast_id" db:"broadcast_id"`
	Name        string  `json:"name" db:"name"`
	Weight      int     `json:"weight" db:"weight"`
	Content     Content `json:"content"`
}

// VariantStats aggregates engagement for winner selection.
type VariantStats struct {
	VariantID string `json:"variant_id" db:"variant_id"`
	Sent      int    `json:"sent" db:"sent"`
	Opens     int    `json:"opens" db:"opens"`
	Clicks    int    `json:"clicks" db:"clicks"`
}

// TrackingToggle is a per-send override of the domain tracking defaults.
// A nil field means "use the domain setting".
type TrackingToggle struct {
	Clicks *bool `json:"clicks,omitempty"`
	Opens  *bool `json:"opens,omitempty"`
}
