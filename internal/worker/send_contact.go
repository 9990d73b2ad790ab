package worker

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/pmta"
	"github.com/ignite/broadcast-engine/internal/taskqueue"
	"github.com/ignite/broadcast-engine/internal/tracking"
)

// SendContactDeps are the collaborators of SendContactHandler. Links is
// optional; without it content gets no unsubscribe_url.
type SendContactDeps struct {
	Broadcasts BroadcastRepository
	Contacts   ContactRepository
	Domains    SendingDomainRepository
	Sends      SendRepository
	Injector   Injector
	Renderer   *Renderer
	Links      *tracking.Engine
	Now        func() time.Time
}

// SendContactHandler sends one broadcast message to one contact.
type SendContactHandler struct {
	deps SendContactDeps
	now  func() time.Time
}

func NewSendContactHandler(deps SendContactDeps) *SendContactHandler {
	if deps.Renderer == nil {
		deps.Renderer = NewRenderer()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &SendContactHandler{deps: deps, now: now}
}

// Handle implements taskqueue.Handler. Missing prerequisites and cancelled
// broadcasts complete the task without sending. Failed injections return
// an error so the queue retries them.
func (h *SendContactHandler) Handle(ctx context.Context, t *taskqueue.Task) error {
	var p SendContactPayload
	if err := t.Decode(&p); err != nil {
		return fmt.Errorf("%w: %v", taskqueue.ErrPermanent, err)
	}
	err := h.Send(ctx, p)
	if errors.Is(err, ErrPrerequisite) {
		logger.Info("send skipped", "broadcast_id", p.BroadcastID, "contact_id", p.ContactID, "reason", err.Error())
		return nil
	}
	return err
}

// Send runs one send. It returns an error wrapping ErrPrerequisite when
// there is nothing to do.
func (h *SendContactHandler) Send(ctx context.Context, p SendContactPayload) error {
	b, err := h.deps.Broadcasts.GetBroadcast(ctx, p.BroadcastID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("broadcast %s: %w", p.BroadcastID, ErrPrerequisite)
	}
	if err != nil {
		return fmt.Errorf("load broadcast: %w", err)
	}
	// cancellation reaches already-queued tasks here
	if !b.AcceptsSends() {
		return fmt.Errorf("broadcast %s is %s: %w", b.ID, b.Status, ErrPrerequisite)
	}

	c, err := h.deps.Contacts.GetContact(ctx, p.ContactID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("contact %s: %w", p.ContactID, ErrPrerequisite)
	}
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if !c.Subscribed {
		return fmt.Errorf("contact %s unsubscribed: %w", c.ID, ErrPrerequisite)
	}

	content, variantID, err := h.content(ctx, b, p)
	if err != nil {
		return err
	}

	sd, err := h.deps.Domains.GetSendingDomain(ctx, b.SendingDomainID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("sending domain %s: %w", b.SendingDomainID, ErrPrerequisite)
	}
	if err != nil {
		return fmt.Errorf("load sending domain: %w", err)
	}

	send, err := h.claim(ctx, b, c, sd, p, variantID, content)
	if err != nil {
		return err
	}
	if send == nil {
		return nil
	}

	rendered, err := h.render(content, c, sd, send.ID)
	if err != nil {
		if merr := h.deps.Sends.MarkFailed(ctx, send.ID, err.Error()); merr != nil {
			logger.Error("failed to mark send failed", "send_id", send.ID, "error", merr)
		}
		return fmt.Errorf("%w: %v", taskqueue.ErrPermanent, err)
	}

	res := h.deps.Injector.Inject(ctx, pmta.Injection{
		SendID:      send.ID,
		MessageID:   send.MessageID,
		Domain:      sd,
		Recipient:   c.Email,
		From:        fromHeader(rendered),
		Subject:     rendered.Subject,
		ReplyTo:     rendered.ReplyTo,
		HTML:        rendered.HTML,
		Text:        rendered.Text,
		ContactID:   c.ID,
		BroadcastID: b.ID,
		AudienceID:  b.AudienceID,
		Tracking:    b.Tracking,
	})
	if !res.OK {
		reason := strings.Join(res.Errors, "; ")
		if err := h.deps.Sends.MarkFailed(ctx, send.ID, reason); err != nil {
			logger.Error("failed to mark send failed", "send_id", send.ID, "error", err)
		}
		if res.Permanent {
			return fmt.Errorf("%w: inject %s: %s", taskqueue.ErrPermanent, send.ID, reason)
		}
		return fmt.Errorf("inject %s: %s", send.ID, reason)
	}

	if err := h.deps.Sends.MarkInjected(ctx, send.ID, send.MessageID, h.now()); err != nil {
		// the message is out; a retry would send it twice
		logger.Error("failed to mark send injected", "send_id", send.ID, "error", err)
	}
	return nil
}

// content picks variant content, the winner's content for the final
// sample, or the broadcast's own content. Variant fields left empty fall
// back to the broadcast.
func (h *SendContactHandler) content(ctx context.Context, b *domain.Broadcast, p SendContactPayload) (domain.Content, string, error) {
	variantID := p.VariantID
	if p.FinalSample {
		if b.WinningVariantID == nil || *b.WinningVariantID == "" {
			logger.Warn("final sample without a winner, using broadcast content", "broadcast_id", b.ID)
			return b.Content, "", nil
		}
		variantID = *b.WinningVariantID
	}
	if variantID == "" {
		return b.Content, "", nil
	}

	variants, err := h.deps.Broadcasts.ListVariants(ctx, b.ID)
	if err != nil {
		return domain.Content{}, "", fmt.Errorf("list variants: %w", err)
	}
	for _, v := range variants {
		if v.ID == variantID {
			return mergeContent(b.Content, v.Content), v.ID, nil
		}
	}
	return domain.Content{}, "", fmt.Errorf("variant %s: %w", variantID, ErrPrerequisite)
}

// claim creates the EmailSend row for this task, or returns nil when an
// earlier run of the same task already got the message out.
func (h *SendContactHandler) claim(ctx context.Context, b *domain.Broadcast, c *domain.Contact, sd *domain.SendingDomain,
	p SendContactPayload, variantID string, content domain.Content) (*domain.EmailSend, error) {
	id := uuid.NewString()
	dedup := p.DedupKey()
	send := &domain.EmailSend{
		ID:              id,
		DedupKey:        &dedup,
		Product:         domain.ProductEngage,
		Status:          domain.SendPending,
		BroadcastID:     &b.ID,
		ContactID:       &c.ID,
		AudienceID:      &b.AudienceID,
		SendingDomainID: sd.ID,
		Recipient:       c.Email,
		Sender:          content.From,
		MessageID:       fmt.Sprintf("<%s@%s>", id, sd.Domain),
	}
	if variantID != "" {
		send.VariantID = &variantID
	}

	row, created, err := h.deps.Sends.ClaimSend(ctx, send)
	if err != nil {
		return nil, fmt.Errorf("claim send: %w", err)
	}
	if !created && row.Status != domain.SendPending && row.Status != domain.SendFailed {
		logger.Debug("send already injected", "send_id", row.ID, "dedup_key", dedup)
		return nil, nil
	}
	return row, nil
}

func (h *SendContactHandler) render(content domain.Content, c *domain.Contact, sd *domain.SendingDomain, sendID string) (domain.Content, error) {
	bindings := c.MergeFields()
	if h.deps.Links != nil {
		u, err := h.deps.Links.ForHost(sd.TrackingHost).UnsubscribeURL(sendID)
		if err != nil {
			return domain.Content{}, err
		}
		bindings["unsubscribe_url"] = u
	}

	out := content
	fields := []*string{&out.Subject, &out.FromName, &out.HTML, &out.Text}
	for _, f := range fields {
		r, err := h.deps.Renderer.Render(*f, bindings)
		if err != nil {
			return domain.Content{}, err
		}
		*f = r
	}
	return out, nil
}

func mergeContent(base, over domain.Content) domain.Content {
	pick := func(a, b string) string {
		if b != "" {
			return b
		}
		return a
	}
	return domain.Content{
		Subject:  pick(base.Subject, over.Subject),
		FromName: pick(base.FromName, over.FromName),
		From:     pick(base.From, over.From),
		ReplyTo:  pick(base.ReplyTo, over.ReplyTo),
		HTML:     pick(base.HTML, over.HTML),
		Text:     pick(base.Text, over.Text),
	}
}

func fromHeader(c domain.Content) string {
	if c.FromName == "" {
		return c.From
	}
	return (&mail.Address{Name: c.FromName, Address: c.From}).String()
}
