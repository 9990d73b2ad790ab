package pmta

import (
	"time"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// Injection is one message for one recipient.
type Injection struct {
	SendID    string                `validate:"required"`
	MessageID string                `validate:"required"`
	Domain    *domain.SendingDomain `validate:"required"`
	Recipient string                `validate:"required,email"`

	From        string `validate:"required_without=RawMIME"`
	Subject     string `validate:"required_without=RawMIME"`
	ReplyTo     string `validate:"omitempty,email"`
	HTML        string
	Text        string
	Attachments []Attachment `validate:"dive"`

	// RawMIME, when set, is sent as-is after tracking rewrite and replaces
	// the structured content fields.
	RawMIME []byte

	ContactID   string
	BroadcastID string
	AudienceID  string
	Tracking    domain.TrackingToggle
}

type Attachment struct {
	Filename    string `validate:"required"`
	ContentType string
	Content     []byte `validate:"required"`
}

// Payload is the injector request body.
type Payload struct {
	EnvelopeSender string      `json:"envelope_sender"`
	Recipients     []Recipient `json:"recipients"`
	Content        *Content    `json:"content,omitempty"`
	RFC822         string      `json:"email_rfc822,omitempty"`
}

type Recipient struct {
	Email string `json:"email"`
}

type Content struct {
	From        string              `json:"from"`
	Subject     string              `json:"subject"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	TextBody    string              `json:"text_body,omitempty"`
	HTMLBody    string              `json:"html_body,omitempty"`
	Attachments []PayloadAttachment `json:"attachments,omitempty"`
	Headers     map[string]string   `json:"headers"`
}

// PayloadAttachment carries base64 data.
type PayloadAttachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"`
}

type injectResponse struct {
	SuccessCount int      `json:"success_count"`
	FailCount    int      `json:"fail_count"`
	Errors       []string `json:"errors"`
}

// Result is the outcome for one recipient. A failed Result is never
// returned as an error.
type Result struct {
	OK        bool     `json:"ok"`
	SendID    string   `json:"send_id"`
	Recipient string   `json:"recipient"`
	MessageID string   `json:"message_id"`
	Errors    []string `json:"errors,omitempty"`

	// Permanent is set when resubmitting the same injection cannot succeed:
	// invalid input or an explicit rejection by the injector.
	Permanent bool `json:"permanent,omitempty"`
}

// AcctRecord is one row of the PMTA accounting CSV.
type AcctRecord struct {
	Type         string    `json:"type"` // d=delivered, b=bounced, f=FBL, rb=remote-bounce, t=transient, r=receipt
	TimeLogged   time.Time `json:"time_logged"`
	Orig         string    `json:"orig"` // envelope sender
	Rcpt         string    `json:"rcpt"` // envelope recipient
	SourceIP     string    `json:"source_ip"`
	VMTA         string    `json:"vmta"`
	Queue        string    `json:"queue"`
	DlvType      string    `json:"dlv_type"`
	JobID        string    `json:"job_id"`
	Domain       string    `json:"domain"` // recipient domain
	BounceCode   string    `json:"bounce_code"`
	DSNDiag      string    `json:"dsn_diag"`
	BounceCat    string    `json:"bounce_cat"`
	MessageID    string    `json:"message_id"`
	SendID       string    `json:"send_id"`
	BroadcastID  string    `json:"broadcast_id"`
	ContactID    string    `json:"contact_id"`
	SendingDomID string    `json:"sending_domain_id"`
}
