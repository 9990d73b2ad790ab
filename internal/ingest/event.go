package ingest

import (
	"strings"
	"time"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// LogEvent is one structured log line from the transfer agent or the
// tracking redirector.
type LogEvent struct {
	Type      domain.EventType  `json:"type"`
	Headers   map[string]string `json:"headers"`
	Response  Response          `json:"response"`
	Delivery  *DeliveryInfo     `json:"delivery,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	LinkURL   string            `json:"link_url,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Response is the remote MTA's answer for the attempt.
type Response struct {
	Code         *int   `json:"code,omitempty"`
	Command      string `json:"command,omitempty"`
	EnhancedCode string `json:"enhanced_code,omitempty"`
	Content      string `json:"content,omitempty"`
}

// DeliveryInfo is set on Delivery events.
type DeliveryInfo struct {
	Protocol  string `json:"protocol,omitempty"`
	Queue     string `json:"queue,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	SourceIP  string `json:"source_ip,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// Header returns a correlation header, matching the name case-insensitively.
func (e *LogEvent) Header(name string) string {
	if v, ok := e.Headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
