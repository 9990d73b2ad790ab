// Package tracking rewrites outbound HTML so clicks and opens route through
// the signed redirector, and serves that redirector.
package tracking

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"net/url"
	"strings"
	"time"

	xhtml "golang.org/x/net/html"
)

// MetaSendID is the token metadata key carrying the EmailSend id.
const MetaSendID = "sendId"

// MetaKind marks what a token without an original URL may be used for, so
// a pixel token cannot be replayed against the unsubscribe endpoint.
const (
	MetaKind        = "k"
	KindOpen        = "o"
	KindUnsubscribe = "u"
)

// TokenEncoder is satisfied by *signedtoken.Codec.
type TokenEncoder interface {
	Encode(original string, metadata map[string]string) (string, error)
}

type expiringEncoder interface {
	EncodeWithExpiry(original string, metadata map[string]string, ttl time.Duration) (string, error)
}

// Link is one rewritten anchor.
type Link struct {
	Original string `json:"original"`
	Token    string `json:"token"`
}

// Options toggles the two rewrites independently.
type Options struct {
	Clicks bool
	Opens  bool
}

// Engine rewrites HTML for one tracking host.
type Engine struct {
	tokens     TokenEncoder
	host       string
	optOutAttr string
	ttl        time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithOptOutAttribute sets the anchor attribute that disables rewriting.
// Defaults to "data-notrack".
func WithOptOutAttribute(name string) EngineOption {
	return func(e *Engine) {
		if name != "" {
			e.optOutAttr = strings.ToLower(name)
		}
	}
}

// WithLinkTTL makes issued tokens expire after ttl when the encoder
// supports expiry. Zero keeps tokens valid forever.
func WithLinkTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) { e.ttl = ttl }
}

// NewEngine returns an engine that points links at https://{host}.
func NewEngine(tokens TokenEncoder, host string, opts ...EngineOption) *Engine {
	e := &Engine{
		tokens:     tokens,
		host:       strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://"), "/"),
		optOutAttr: "data-notrack",
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ForHost returns a copy of e that points links at host instead. An empty
// host returns e unchanged.
func (e *Engine) ForHost(host string) *Engine {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://"), "/")
	if host == "" || host == e.host {
		return e
	}
	cp := *e
	cp.host = host
	return &cp
}

// Host returns the tracking host without scheme.
func (e *Engine) Host() string { return e.host }

// ClickURL is the redirector URL for token.
func (e *Engine) ClickURL(token string) string { return "https://" + e.host + "/c/" + token }

// OpenURL is the pixel URL for token.
func (e *Engine) OpenURL(token string) string { return "https://" + e.host + "/o/" + token }

// UnsubscribeURL returns a signed one-click unsubscribe link for a send.
func (e *Engine) UnsubscribeURL(sendID string) (string, error) {
	token, err := e.encode("", map[string]string{MetaSendID: sendID, MetaKind: KindUnsubscribe})
	if err != nil {
		return "", fmt.Errorf("encode unsubscribe token: %w", err)
	}
	return "https://" + e.host + "/u/" + token, nil
}

func (e *Engine) encode(original string, md map[string]string) (string, error) {
	if e.ttl > 0 {
		if ee, ok := e.tokens.(expiringEncoder); ok {
			return ee.EncodeWithExpiry(original, md, e.ttl)
		}
	}
	return e.tokens.Encode(original, md)
}

// RewriteLinks routes every trackable anchor through the redirector.
func (e *Engine) RewriteLinks(src, sendID string) (string, []Link, error) {
	return e.Apply(src, sendID, Options{Clicks: true})
}

// InjectPixel adds the open pixel before the closing body tag, or at the
// end when there is none.
func (e *Engine) InjectPixel(src, sendID string) (string, error) {
	out, _, err := e.Apply(src, sendID, Options{Opens: true})
	return out, err
}

// Apply runs the enabled rewrites in a single tokenizer pass. Bytes outside
// rewritten href values are copied through unchanged.
func (e *Engine) Apply(src, sendID string, opts Options) (string, []Link, error) {
	if !opts.Clicks && !opts.Opens {
		return src, nil, nil
	}

	var (
		out     bytes.Buffer
		links   []Link
		bodyEnd = -1
	)
	out.Grow(len(src) + 256)

	z := xhtml.NewTokenizer(strings.NewReader(src))
	for {
		tt := z.Next()
		if tt == xhtml.ErrorToken {
			if errors.Is(z.Err(), io.EOF) {
				break
			}
			return "", nil, fmt.Errorf("tokenize html: %w", z.Err())
		}
		// TagName and TagAttr rewrite the tokenizer buffer in place
		raw := append([]byte(nil), z.Raw()...)

		switch tt {
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if !opts.Clicks || !hasAttr || string(name) != "a" {
				break
			}
			href, ok := e.trackableHref(z)
			if !ok {
				break
			}
			token, err := e.encode(href, map[string]string{MetaSendID: sendID})
			if err != nil {
				return "", nil, fmt.Errorf("encode link token: %w", err)
			}
			if rewritten, ok := replaceAttr(raw, "href", e.ClickURL(token)); ok {
				out.Write(rewritten)
				links = append(links, Link{Original: href, Token: token})
				continue
			}
		case xhtml.EndTagToken:
			if name, _ := z.TagName(); string(name) == "body" {
				bodyEnd = out.Len()
			}
		}
		out.Write(raw)
	}

	if !opts.Opens {
		return out.String(), links, nil
	}

	token, err := e.encode("", map[string]string{MetaSendID: sendID, MetaKind: KindOpen})
	if err != nil {
		return "", nil, fmt.Errorf("encode pixel token: %w", err)
	}
	pixel := `<img src="` + html.EscapeString(e.OpenURL(token)) + `" width="1" height="1" alt="" style="display:none;border:0;" />`

	result := out.String()
	if bodyEnd < 0 {
		return result + pixel, links, nil
	}
	return result[:bodyEnd] + pixel + result[bodyEnd:], links, nil
}

// trackableHref reads the anchor's attributes. It reports false for anchors
// carrying the opt-out attribute, anchors already pointing at the
// redirector, and hrefs that are not absolute http(s) URLs (mailto:, tel:,
// fragments, relative paths, empty).
func (e *Engine) trackableHref(z *xhtml.Tokenizer) (string, bool) {
	var (
		href    string
		hasHref bool
	)
	for {
		key, val, more := z.TagAttr()
		switch k := string(key); {
		case k == e.optOutAttr:
			return "", false
		case k == "href" && !hasHref:
			href, hasHref = strings.TrimSpace(string(val)), true
		}
		if !more {
			break
		}
	}
	if !hasHref || href == "" {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil || u.Host == "" {
		return "", false
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return "", false
	}
	if strings.EqualFold(u.Host, e.host) && strings.HasPrefix(u.Path, "/c/") {
		return "", false
	}
	return href, true
}

// replaceAttr swaps the value of the first attribute called name in a raw
// start tag, leaving every other byte as written.
func replaceAttr(raw []byte, name, value string) ([]byte, bool) {
	i := 1 // past '<'
	for i < len(raw) && !isTagSpace(raw[i]) && raw[i] != '>' && raw[i] != '/' {
		i++
	}
	for i < len(raw) {
		for i < len(raw) && (isTagSpace(raw[i]) || raw[i] == '/') {
			i++
		}
		if i >= len(raw) || raw[i] == '>' {
			return nil, false
		}
		nameStart := i
		for i < len(raw) && !isTagSpace(raw[i]) && raw[i] != '=' && raw[i] != '>' && raw[i] != '/' {
			i++
		}
		attrName := raw[nameStart:i]
		for i < len(raw) && isTagSpace(raw[i]) {
			i++
		}
		if i >= len(raw) || raw[i] != '=' {
			continue
		}
		i++
		for i < len(raw) && isTagSpace(raw[i]) {
			i++
		}
		valStart := i
		if i < len(raw) && (raw[i] == '"' || raw[i] == '\'') {
			q := raw[i]
			i++
			for i < len(raw) && raw[i] != q {
				i++
			}
			if i < len(raw) {
				i++
			}
		} else {
			for i < len(raw) && !isTagSpace(raw[i]) && raw[i] != '>' {
				i++
			}
		}
		if strings.EqualFold(string(attrName), name) {
			out := make([]byte, 0, len(raw)+len(value))
			out = append(out, raw[:valStart]...)
			out = append(out, '"')
			out = append(out, html.EscapeString(value)...)
			out = append(out, '"')
			out = append(out, raw[i:]...)
			return out, true
		}
	}
	return nil, false
}

func isTagSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
