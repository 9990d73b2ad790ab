package tracking

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/ingest"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/pkg/metrics"
	"github.com/ignite/broadcast-engine/internal/signedtoken"
)

// 1x1 transparent PNG
var pixelPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// TokenDecoder is satisfied by *signedtoken.Codec.
type TokenDecoder interface {
	Decode(token string) (*signedtoken.Payload, bool)
}

// EventPublisher is satisfied by *ingest.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, evt ingest.LogEvent)
}

// Handler serves the click redirector, the open pixel and the unsubscribe
// endpoint. A token that fails to decode is never an error for the
// recipient: clicks go to the fallback URL and opens still get a pixel.
type Handler struct {
	tokens   TokenDecoder
	pub      EventPublisher
	fallback string
	now      func() time.Time
}

func NewHandler(tokens TokenDecoder, pub EventPublisher, fallbackURL string) *Handler {
	return &Handler{tokens: tokens, pub: pub, fallback: fallbackURL, now: time.Now}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/c/{token}", h.HandleClick)
	r.Get("/o/{token}", h.HandleOpen)
	r.Get("/u/{token}", h.HandleUnsubscribeConfirm)
	r.Post("/u/{token}", h.HandleUnsubscribe)
	r.Get("/health", h.HandleHealth)
	r.Handle("/metrics", metrics.Handler())
	return r
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	p, ok := h.tokens.Decode(chi.URLParam(r, "token"))
	if !ok || p.Original == "" {
		metrics.TrackingHits.WithLabelValues("click", "invalid").Inc()
		h.redirectFallback(w, r)
		return
	}

	if sendID := p.Metadata[MetaSendID]; sendID != "" {
		evt := h.event(r, domain.EventClick, sendID)
		evt.LinkURL = p.Original
		h.pub.Publish(r.Context(), evt)
	}
	metrics.TrackingHits.WithLabelValues("click", "ok").Inc()

	logger.Debug("click", "send_id", p.Metadata[MetaSendID], "url", p.Original)
	http.Redirect(w, r, p.Original, http.StatusFound)
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decodeKind(r, KindOpen)
	if !ok {
		metrics.TrackingHits.WithLabelValues("open", "invalid").Inc()
		h.servePixel(w)
		return
	}

	h.pub.Publish(r.Context(), h.event(r, domain.EventOpen, p.Metadata[MetaSendID]))
	metrics.TrackingHits.WithLabelValues("open", "ok").Inc()
	h.servePixel(w)
}

// HandleUnsubscribeConfirm answers GET with a page that POSTs back. Link
// scanners prefetch GETs, so only the POST records anything.
func (h *Handler) HandleUnsubscribeConfirm(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.decodeKind(r, KindUnsubscribe); !ok {
		metrics.TrackingHits.WithLabelValues("unsubscribe", "invalid").Inc()
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>Unsubscribe</h1>
		<form method="POST"><input type="hidden" name="List-Unsubscribe" value="One-Click" />
		<button type="submit">Unsubscribe me</button></form>
	</body></html>`))
}

// HandleUnsubscribe records the unsubscribe. Mail clients send the RFC 8058
// one-click POST here directly.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decodeKind(r, KindUnsubscribe)
	if !ok {
		metrics.TrackingHits.WithLabelValues("unsubscribe", "invalid").Inc()
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	h.pub.Publish(r.Context(), h.event(r, domain.EventUnsubscribe, p.Metadata[MetaSendID]))
	metrics.TrackingHits.WithLabelValues("unsubscribe", "ok").Inc()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive emails from us.</p>
	</body></html>`))
}

func (h *Handler) decodeKind(r *http.Request, kind string) (*signedtoken.Payload, bool) {
	p, ok := h.tokens.Decode(chi.URLParam(r, "token"))
	if !ok || p.Metadata[MetaSendID] == "" || p.Metadata[MetaKind] != kind {
		return nil, false
	}
	return p, true
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) event(r *http.Request, typ domain.EventType, sendID string) ingest.LogEvent {
	return ingest.LogEvent{
		Type:      typ,
		Headers:   map[string]string{domain.HeaderSendID: sendID},
		IP:        realIP(r),
		UserAgent: r.UserAgent(),
		Timestamp: h.now().UTC(),
	}
}

func (h *Handler) redirectFallback(w http.ResponseWriter, r *http.Request) {
	if h.fallback == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, h.fallback, http.StatusFound)
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelPNG)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
