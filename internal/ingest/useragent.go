package ingest

import (
	"strings"

	"github.com/mssola/useragent"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// ParseDevice extracts browser, OS and device class from a user agent.
func ParseDevice(ua string) domain.Device {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return domain.Device{}
	}
	p := useragent.New(ua)
	browser, _ := p.Browser()
	return domain.Device{
		Browser: browser,
		OS:      p.OSInfo().Name,
		Type:    deviceType(p, ua),
	}
}

func deviceType(p *useragent.UserAgent, ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case p.Bot():
		return "bot"
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		return "tablet"
	case p.Mobile():
		return "mobile"
	default:
		return "desktop"
	}
}
