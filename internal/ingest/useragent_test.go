package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/broadcast-engine/internal/domain"
)

func TestParseDevice(t *testing.T) {
	cases := []struct {
		name, ua, browser, typ string
	}{
		{"desktop chrome", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", "Chrome", "desktop"},
		{"iphone safari", "Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1", "Safari", "mobile"},
		{"ipad", "Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1", "Safari", "tablet"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := ParseDevice(tc.ua)
			assert.Equal(t, tc.browser, d.Browser)
			assert.Equal(t, tc.typ, d.Type)
		})
	}
}

func TestParseDevice_OS(t *testing.T) {
	d := ParseDevice("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	assert.Equal(t, "Windows", d.OS)
}

func TestParseDevice_Bot(t *testing.T) {
	d := ParseDevice("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	assert.Equal(t, "bot", d.Type)
}

func TestParseDevice_Empty(t *testing.T) {
	assert.Equal(t, domain.Device{}, ParseDevice("  "))
}

func TestNopLocator(t *testing.T) {
	g, ok := NopLocator{}.Lookup("203.0.113.7")
	assert.False(t, ok)
	assert.Nil(t, g.City)
}
