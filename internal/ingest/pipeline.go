package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/pkg/metrics"
)

// Pipeline applies log events to the store, one at a time.
type Pipeline struct {
	sends   SendRepository
	sources SourceRepository
	events  EventRepository
	geo     Locator
	now     func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLocator sets the geo lookup used for Open and Click events.
func WithLocator(l Locator) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.geo = l
		}
	}
}

// WithClock overrides the time source for events without a timestamp.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline wires the pipeline to its repositories.
func NewPipeline(sends SendRepository, sources SourceRepository, events EventRepository, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		sends:   sends,
		sources: sources,
		events:  events,
		geo:     NopLocator{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process handles one event. Errors satisfying IsFatal mean the event can
// be dropped; any other error is worth a retry.
func (p *Pipeline) Process(ctx context.Context, evt LogEvent) error {
	err := p.process(ctx, evt)
	switch {
	case err == nil:
		metrics.EventsTotal.WithLabelValues(string(evt.Type), "ok").Inc()
	case IsFatal(err):
		metrics.EventsTotal.WithLabelValues(string(evt.Type), "dropped").Inc()
		logger.Warn("log event dropped", "type", evt.Type, "send_id", evt.Header(domain.HeaderSendID), "error", err)
	default:
		metrics.EventsTotal.WithLabelValues(string(evt.Type), "error").Inc()
	}
	return err
}

func (p *Pipeline) process(ctx context.Context, evt LogEvent) error {
	switch evt.Type {
	case domain.EventDelivery:
		send, err := p.lookupSend(ctx, evt)
		if err != nil {
			return err
		}
		if err := p.applyDelivery(ctx, send, evt); err != nil {
			return err
		}
		return p.recordGeneric(ctx, send, evt)

	case domain.EventOpen, domain.EventClick:
		send, err := p.lookupSend(ctx, evt)
		if err != nil {
			return err
		}
		return p.recordEngagement(ctx, send, evt)

	case domain.EventReception, domain.EventDefer, domain.EventBounce,
		domain.EventReject, domain.EventComplaint, domain.EventUnsubscribe:
		send, err := p.lookupSend(ctx, evt)
		if err != nil {
			return err
		}
		return p.recordGeneric(ctx, send, evt)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, evt.Type)
	}
}

func (p *Pipeline) lookupSend(ctx context.Context, evt LogEvent) (*domain.EmailSend, error) {
	id := evt.Header(domain.HeaderSendID)
	if id == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrSendNotFound, domain.HeaderSendID)
	}
	send, err := p.sends.GetSend(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSendNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load send %s: %w", id, err)
	}
	return send, nil
}

func (p *Pipeline) applyDelivery(ctx context.Context, send *domain.EmailSend, evt LogEvent) error {
	var d DeliveryInfo
	if evt.Delivery != nil {
		d = *evt.Delivery
	}
	u := domain.DeliveryUpdate{
		Protocol:    d.Protocol,
		Queue:       d.Queue,
		Attempts:    d.Attempts,
		Sender:      d.Sender,
		Recipient:   d.Recipient,
		SourceIP:    d.SourceIP,
		DeliveredAt: p.occurredAt(evt),
	}
	if d.SourceIP != "" {
		src, err := p.sources.FindByIP(ctx, d.SourceIP)
		switch {
		case err == nil:
			u.SendingSourceID = &src.ID
		case errors.Is(err, domain.ErrNotFound):
			logger.Debug("unknown sending source", "ip", d.SourceIP, "send_id", send.ID)
		default:
			return fmt.Errorf("resolve sending source: %w", err)
		}
	}
	if err := p.sends.UpdateDelivery(ctx, send.ID, u); err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

func (p *Pipeline) recordGeneric(ctx context.Context, send *domain.EmailSend, evt LogEvent) error {
	ev := p.baseEvent(send, evt)
	if err := p.events.Record(ctx, ev); err != nil {
		return fmt.Errorf("record %s event: %w", evt.Type, err)
	}
	return nil
}

func (p *Pipeline) recordEngagement(ctx context.Context, send *domain.EmailSend, evt LogEvent) error {
	ev := p.baseEvent(send, evt)
	ev.IP = evt.IP
	ev.UserAgent = evt.UserAgent
	ev.LinkURL = evt.LinkURL
	ev.Device = ParseDevice(evt.UserAgent)
	if g, ok := p.geo.Lookup(hostOnly(evt.IP)); ok {
		ev.Geo = g
	}

	// Only broadcast sends update contact engagement.
	contactID := evt.Header(domain.HeaderContactID)
	if contactID == "" && send.ContactID != nil {
		contactID = *send.ContactID
	}
	if ev.BroadcastID == nil || contactID == "" {
		if err := p.events.Record(ctx, ev); err != nil {
			return fmt.Errorf("record %s event: %w", evt.Type, err)
		}
		return nil
	}
	if err := p.events.RecordEngagement(ctx, ev, contactID); err != nil {
		return fmt.Errorf("record %s engagement: %w", evt.Type, err)
	}
	return nil
}

// baseEvent fills the correlation ids, preferring the event's headers and
// falling back to the send row.
func (p *Pipeline) baseEvent(send *domain.EmailSend, evt LogEvent) *domain.EmailSendEvent {
	ev := &domain.EmailSendEvent{
		ID:           uuid.NewString(),
		EmailSendID:  send.ID,
		Type:         evt.Type,
		BroadcastID:  send.BroadcastID,
		ContactID:    send.ContactID,
		MessageID:    send.MessageID,
		ResponseCode: evt.Response.Code,
		Command:      evt.Response.Command,
		EnhancedCode: evt.Response.EnhancedCode,
		Content:      evt.Response.Content,
		OccurredAt:   p.occurredAt(evt),
	}
	if v := evt.Header(domain.HeaderBroadcastID); v != "" {
		ev.BroadcastID = &v
	}
	if v := evt.Header(domain.HeaderContactID); v != "" {
		ev.ContactID = &v
	}
	if v := evt.Header(domain.HeaderMessageID); v != "" {
		ev.MessageID = v
	}
	return ev
}

func (p *Pipeline) occurredAt(evt LogEvent) time.Time {
	if evt.Timestamp.IsZero() {
		return p.now().UTC()
	}
	return evt.Timestamp.UTC()
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
