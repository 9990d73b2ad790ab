package domain

import (
	"strings"
	"time"
)

// Product classifies a send: marketing broadcasts or transactional mail.
type Product string

const (
	ProductEngage Product = "engage"
	ProductSend   Product = "send"
)

// SendStatus tracks an EmailSend from claim to final disposition.
type SendStatus string

const (
	SendPending   SendStatus = "pending"
	SendInjected  SendStatus = "injected"
	SendFailed    SendStatus = "failed"
	SendDelivered SendStatus = "delivered"
	SendBounced   SendStatus = "bounced"
)

// SendingDomain is a verified From domain with its bounce subdomain and
// tracking defaults.
type SendingDomain struct {
	ID              string `json:"id" db:"id"`
	TeamID          string `json:"team_id" db:"team_id"`
	Domain          string `json:"domain" db:"domain"`
	BounceSubdomain string `json:"bounce_subdomain" db:"bounce_subdomain"`
	TrackingHost    string `json:"tracking_host" db:"tracking_host"`
	ClickTracking   bool   `json:"click_tracking" db:"click_tracking"`
	OpenTracking    bool   `json:"open_tracking" db:"open_tracking"`
}

// EnvelopeSender is the return-path address on the bounce subdomain.
func (d *SendingDomain) EnvelopeSender() string {
	sub := strings.Trim(d.BounceSubdomain, ".")
	if sub == "" {
		return "bounces@" + d.Domain
	}
	return "bounces@" + sub + "." + d.Domain
}

// ResolveTracking applies a per-send override on top of the domain defaults.
func (d *SendingDomain) ResolveTracking(o TrackingToggle) (clicks, opens bool) {
	clicks, opens = d.ClickTracking, d.OpenTracking
	if o.Clicks != nil {
		clicks = *o.Clicks
	}
	if o.Opens != nil {
		opens = *o.Opens
	}
	return clicks, opens
}

// SendingSource is an egress IP of the transfer agent.
type SendingSource struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	IP     string `json:"ip" db:"ip"`
	IPPool string `json:"ip_pool" db:"ip_pool"`
}

// EmailSend is one delivery attempt to one recipient. Its id is the
// correlation key carried in headers and tracking tokens.
type EmailSend struct {
	ID              string     `json:"id" db:"id"`
	DedupKey        *string    `json:"dedup_key,omitempty" db:"dedup_key"`
	Product         Product    `json:"product" db:"product"`
	Status          SendStatus `json:"status" db:"status"`
	BroadcastID     *string    `json:"broadcast_id" db:"broadcast_id"`
	VariantID       *string    `json:"variant_id" db:"variant_id"`
	ContactID       *string    `json:"contact_id" db:"contact_id"`
	AudienceID      *string    `json:"audience_id" db:"audience_id"`
	SendingDomainID string     `json:"sending_domain_id" db:"sending_domain_id"`
	Recipient       string     `json:"recipient" db:"recipient"`
	Sender          string     `json:"sender" db:"sender"`
	MessageID       string     `json:"message_id" db:"message_id"`

	// Filled by Delivery events.
	Protocol        *string `json:"protocol" db:"protocol"`
	Queue           *string `json:"queue" db:"queue"`
	Attempts        *int    `json:"attempts" db:"attempts"`
	SendingSourceID *string `json:"sending_source_id" db:"sending_source_id"`
	SourceIP        *string `json:"source_ip" db:"source_ip"`

	Error      *string    `json:"error,omitempty" db:"error"`
	InjectedAt *time.Time `json:"injected_at" db:"injected_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// SendDedupKey identifies a single logical send of a broadcast to a contact.
func SendDedupKey(broadcastID, contactID, variantID string) string {
	return broadcastID + ":" + contactID + ":" + variantID
}

// DeliveryUpdate holds what a Delivery event writes back to its EmailSend.
type DeliveryUpdate struct {
	Protocol        string
	Queue           string
	Attempts        int
	Sender          string
	Recipient       string
	SourceIP        string
	SendingSourceID *string
	DeliveredAt     time.Time
}

// Correlation headers stamped on every outbound message. The transfer
// agent echoes them into its log events; they are the only join key from
// an event back to its send.
const (
	HeaderSendID          = "X-Email-Send-Id"
	HeaderMessageID       = "Message-Id"
	HeaderSendingDomainID = "X-Sending-Domain-Id"
	HeaderContactID       = "X-Contact-Id"
	HeaderBroadcastID     = "X-Broadcast-Id"
	HeaderAudienceID      = "X-Audience-Id"
)
