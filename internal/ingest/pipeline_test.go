package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// memStore is an in-memory implementation of all three repositories.
type memStore struct {
	mu          sync.Mutex
	sends       map[string]*domain.EmailSend
	sources     map[string]*domain.SendingSource
	deliveries  map[string]domain.DeliveryUpdate
	events      []*domain.EmailSendEvent
	engagements map[string][]*domain.EmailSendEvent // keyed by contact id
	getErr      error
}

func newMemStore() *memStore {
	return &memStore{
		sends:       make(map[string]*domain.EmailSend),
		sources:     make(map[string]*domain.SendingSource),
		deliveries:  make(map[string]domain.DeliveryUpdate),
		engagements: make(map[string][]*domain.EmailSendEvent),
	}
}

func (m *memStore) GetSend(_ context.Context, id string) (*domain.EmailSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	s, ok := m.sends[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) UpdateDelivery(_ context.Context, id string, u domain.DeliveryUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[id] = u
	return nil
}

func (m *memStore) FindByIP(_ context.Context, ip string) (*domain.SendingSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[ip]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (m *memStore) Record(_ context.Context, ev *domain.EmailSendEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) RecordEngagement(_ context.Context, ev *domain.EmailSendEvent, contactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	m.engagements[contactID] = append(m.engagements[contactID], ev)
	return nil
}

type stubLocator struct {
	geo  domain.Geo
	seen []string
}

func (s *stubLocator) Lookup(ip string) (domain.Geo, bool) {
	s.seen = append(s.seen, ip)
	if ip == "203.0.113.7" {
		return s.geo, true
	}
	return domain.Geo{}, false
}

func strp(s string) *string { return &s }

func broadcastSend() *domain.EmailSend {
	return &domain.EmailSend{
		ID:          "send-1",
		Product:     domain.ProductEngage,
		BroadcastID: strp("b-1"),
		ContactID:   strp("c-1"),
		MessageID:   "<m1@example.com>",
	}
}

func sendHeaders(id string) map[string]string {
	return map[string]string{domain.HeaderSendID: id}
}

func TestProcess_UnknownTypeIsFatal(t *testing.T) {
	store := newMemStore()
	p := NewPipeline(store, store, store)

	err := p.Process(context.Background(), LogEvent{Type: "Teleport", Headers: sendHeaders("send-1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownEventType)
	assert.True(t, IsFatal(err))
	assert.Empty(t, store.events)
}

func TestProcess_EveryKnownTypeIsHandled(t *testing.T) {
	for _, typ := range domain.EventTypes {
		t.Run(string(typ), func(t *testing.T) {
			store := newMemStore()
			store.sends["send-1"] = broadcastSend()
			p := NewPipeline(store, store, store)

			err := p.Process(context.Background(), LogEvent{Type: typ, Headers: sendHeaders("send-1")})
			require.NoError(t, err)
			require.Len(t, store.events, 1)
			assert.Equal(t, typ, store.events[0].Type)
		})
	}
}

func TestProcess_MissingOrUnknownSend(t *testing.T) {
	store := newMemStore()
	p := NewPipeline(store, store, store)

	err := p.Process(context.Background(), LogEvent{Type: domain.EventBounce})
	assert.ErrorIs(t, err, ErrSendNotFound)

	err = p.Process(context.Background(), LogEvent{Type: domain.EventBounce, Headers: sendHeaders("nope")})
	assert.ErrorIs(t, err, ErrSendNotFound)
	assert.True(t, IsFatal(err))
}

func TestProcess_StoreErrorIsRetryable(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("connection reset")
	p := NewPipeline(store, store, store)

	err := p.Process(context.Background(), LogEvent{Type: domain.EventBounce, Headers: sendHeaders("send-1")})
	require.Error(t, err)
	assert.False(t, IsFatal(err))
}

func TestProcess_DeliveryResolvesSource(t *testing.T) {
	store := newMemStore()
	store.sends["send-1"] = broadcastSend()
	store.sources["198.51.100.4"] = &domain.SendingSource{ID: "src-1", IP: "198.51.100.4"}
	p := NewPipeline(store, store, store)

	code := 250
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := p.Process(context.Background(), LogEvent{
		Type:     domain.EventDelivery,
		Headers:  map[string]string{"x-email-send-id": "send-1"},
		Response: Response{Code: &code, Command: "DATA", EnhancedCode: "2.0.0", Content: "ok"},
		Delivery: &DeliveryInfo{
			Protocol: "ESMTP", Queue: "gmail.com/pool-a", Attempts: 2,
			SourceIP: "198.51.100.4", Sender: "bounces@mail.acme.com", Recipient: "jane@example.com",
		},
		Timestamp: ts,
	})
	require.NoError(t, err)

	u := store.deliveries["send-1"]
	require.NotNil(t, u.SendingSourceID)
	assert.Equal(t, "src-1", *u.SendingSourceID)
	assert.Equal(t, "gmail.com/pool-a", u.Queue)
	assert.Equal(t, 2, u.Attempts)
	assert.Equal(t, ts, u.DeliveredAt)

	require.Len(t, store.events, 1)
	ev := store.events[0]
	assert.Equal(t, domain.EventDelivery, ev.Type)
	assert.Equal(t, 250, *ev.ResponseCode)
	assert.Equal(t, "2.0.0", ev.EnhancedCode)
	assert.Equal(t, "b-1", *ev.BroadcastID)
	assert.Empty(t, store.engagements)
}

func TestProcess_DeliveryUnknownSourceStillUpdates(t *testing.T) {
	store := newMemStore()
	store.sends["send-1"] = broadcastSend()
	p := NewPipeline(store, store, store)

	err := p.Process(context.Background(), LogEvent{
		Type:     domain.EventDelivery,
		Headers:  sendHeaders("send-1"),
		Delivery: &DeliveryInfo{SourceIP: "192.0.2.1", Protocol: "SMTP"},
	})
	require.NoError(t, err)
	u, ok := store.deliveries["send-1"]
	require.True(t, ok)
	assert.Nil(t, u.SendingSourceID)
	assert.Equal(t, "SMTP", u.Protocol)
}

func TestProcess_OpenOnBroadcastUpdatesContact(t *testing.T) {
	store := newMemStore()
	store.sends["send-1"] = broadcastSend()
	city, country := "Lisbon", "PT"
	geo := &stubLocator{geo: domain.Geo{City: &city, Country: &country}}
	p := NewPipeline(store, store, store, WithLocator(geo))

	err := p.Process(context.Background(), LogEvent{
		Type:      domain.EventOpen,
		Headers:   sendHeaders("send-1"),
		IP:        "203.0.113.7:52311",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"203.0.113.7"}, geo.seen)
	require.Len(t, store.engagements["c-1"], 1)
	ev := store.engagements["c-1"][0]
	assert.Equal(t, domain.EventOpen, ev.Type)
	assert.Equal(t, "Chrome", ev.Device.Browser)
	assert.Equal(t, "desktop", ev.Device.Type)
	assert.Equal(t, "Lisbon", *ev.Geo.City)
	assert.Equal(t, "PT", *ev.Geo.Country)
}

func TestProcess_ClickWithoutBroadcastOnlyRecordsEvent(t *testing.T) {
	store := newMemStore()
	store.sends["send-2"] = &domain.EmailSend{ID: "send-2", Product: domain.ProductSend}
	p := NewPipeline(store, store, store)

	err := p.Process(context.Background(), LogEvent{
		Type:    domain.EventClick,
		Headers: sendHeaders("send-2"),
		IP:      "192.0.2.10",
		LinkURL: "https://example.com/deal",
	})
	require.NoError(t, err)

	assert.Empty(t, store.engagements)
	require.Len(t, store.events, 1)
	assert.Equal(t, "https://example.com/deal", store.events[0].LinkURL)
	assert.Nil(t, store.events[0].Geo.City)
}

func TestProcess_BroadcastHeaderMarksEngagement(t *testing.T) {
	store := newMemStore()
	store.sends["send-3"] = &domain.EmailSend{ID: "send-3", ContactID: strp("c-9")}
	p := NewPipeline(store, store, store)

	err := p.Process(context.Background(), LogEvent{
		Type: domain.EventClick,
		Headers: map[string]string{
			domain.HeaderSendID:      "send-3",
			domain.HeaderBroadcastID: "b-7",
		},
	})
	require.NoError(t, err)
	require.Len(t, store.engagements["c-9"], 1)
	assert.Equal(t, "b-7", *store.engagements["c-9"][0].BroadcastID)
}

func TestProcess_MissingTimestampUsesClock(t *testing.T) {
	store := newMemStore()
	store.sends["send-1"] = broadcastSend()
	fixed := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	p := NewPipeline(store, store, store, WithClock(func() time.Time { return fixed }))

	require.NoError(t, p.Process(context.Background(), LogEvent{Type: domain.EventDefer, Headers: sendHeaders("send-1")}))
	assert.Equal(t, fixed, store.events[0].OccurredAt)
}
