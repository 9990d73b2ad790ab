package tracking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/ingest"
	"github.com/ignite/broadcast-engine/internal/signedtoken"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []ingest.LogEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt ingest.LogEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func newTestHandler(t *testing.T, fallback string) (*Handler, *signedtoken.Codec, *recordingPublisher) {
	t.Helper()
	codec, err := signedtoken.New("tracking-secret")
	require.NoError(t, err)
	pub := &recordingPublisher{}
	return NewHandler(codec, pub, fallback), codec, pub
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleClick_RedirectsAndPublishes(t *testing.T) {
	h, codec, pub := newTestHandler(t, "https://acme.com")
	token, err := codec.Encode("https://example.com/landing?x=1", map[string]string{MetaSendID: "send123"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/c/"+token, nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := serve(h, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com/landing?x=1", rec.Header().Get("Location"))

	require.Len(t, pub.events, 1)
	evt := pub.events[0]
	assert.Equal(t, domain.EventClick, evt.Type)
	assert.Equal(t, "send123", evt.Header(domain.HeaderSendID))
	assert.Equal(t, "https://example.com/landing?x=1", evt.LinkURL)
	assert.Equal(t, "203.0.113.7", evt.IP)
	assert.Equal(t, "Mozilla/5.0", evt.UserAgent)
}

func TestHandleClick_TamperedTokenFallsBack(t *testing.T) {
	h, codec, pub := newTestHandler(t, "https://acme.com")
	token, err := codec.Encode("https://example.com", map[string]string{MetaSendID: "s"})
	require.NoError(t, err)
	bad := []byte(token)
	if bad[5] == 'A' {
		bad[5] = 'B'
	} else {
		bad[5] = 'A'
	}

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/c/"+string(bad), nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://acme.com", rec.Header().Get("Location"))
	assert.Empty(t, pub.events)
}

func TestHandleClick_NoFallbackIs404(t *testing.T) {
	h, _, _ := newTestHandler(t, "")
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/c/garbage", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleOpen_ServesPixel(t *testing.T) {
	h, codec, pub := newTestHandler(t, "")
	token, err := codec.Encode("", map[string]string{MetaSendID: "send-9", MetaKind: KindOpen})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/o/"+token, nil)
	req.RemoteAddr = "198.51.100.2:4431"
	rec := serve(h, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, pixelPNG, rec.Body.Bytes())

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.EventOpen, pub.events[0].Type)
	assert.Equal(t, "198.51.100.2", pub.events[0].IP)
}

func TestHandleOpen_InvalidTokenStillServesPixel(t *testing.T) {
	h, _, pub := newTestHandler(t, "")
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/o/nonsense", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Empty(t, pub.events)
}

func TestHandleUnsubscribe(t *testing.T) {
	h, codec, pub := newTestHandler(t, "")
	e := NewEngine(codec, "t.example.com")
	link, err := e.UnsubscribeURL("send-4")
	require.NoError(t, err)
	path := link[len("https://t.example.com"):]

	// GET only confirms; prefetchers must not unsubscribe anyone
	rec := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `method="POST"`)
	assert.Empty(t, pub.events)

	rec = serve(h, httptest.NewRequest(http.MethodPost, path, strings.NewReader("List-Unsubscribe=One-Click")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsubscribed")
	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.EventUnsubscribe, pub.events[0].Type)
	assert.Equal(t, "send-4", pub.events[0].Header(domain.HeaderSendID))
}

func TestTokenKindsAreNotInterchangeable(t *testing.T) {
	h, codec, pub := newTestHandler(t, "")
	e := NewEngine(codec, "t.example.com")

	html, err := e.InjectPixel("<body></body>", "send-4")
	require.NoError(t, err)
	start := strings.Index(html, "/o/") + len("/o/")
	openToken := html[start : start+strings.Index(html[start:], `"`)]

	link, err := e.UnsubscribeURL("send-4")
	require.NoError(t, err)
	unsubToken := link[len("https://t.example.com/u/"):]

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := serve(h, httptest.NewRequest(method, "/u/"+openToken, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, method)
	}

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/o/"+unsubToken, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Empty(t, pub.events)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/o/"+openToken, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.EventOpen, pub.events[0].Type)
}

func TestHandleHealth(t *testing.T) {
	h, _, _ := newTestHandler(t, "")
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
