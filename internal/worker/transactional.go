package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/pmta"
)

// TransactionalRequest is one message to one or more recipients outside
// any broadcast. Each recipient gets its own EmailSend and tracking ids.
type TransactionalRequest struct {
	SendingDomainID string   `json:"sending_domain_id" validate:"required"`
	Recipients      []string `json:"recipients" validate:"required,min=1,dive,required"`
	From            string   `json:"from" validate:"required"`
	Subject         string   `json:"subject" validate:"required"`
	ReplyTo         string   `json:"reply_to,omitempty"`
	HTML            string   `json:"html,omitempty"`
	Text            string   `json:"text,omitempty"`

	Attachments []pmta.Attachment     `json:"attachments,omitempty"`
	Tracking    domain.TrackingToggle `json:"tracking"`
}

// TransactionalSender submits product "send" mail straight to the
// transfer agent.
type TransactionalSender struct {
	domains  SendingDomainRepository
	sends    SendRepository
	injector Injector
	validate *validator.Validate
	now      func() time.Time
}

func NewTransactionalSender(domains SendingDomainRepository, sends SendRepository, injector Injector) *TransactionalSender {
	return &TransactionalSender{
		domains:  domains,
		sends:    sends,
		injector: injector,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Send injects the request for every recipient concurrently. Per-recipient
// failures are reported in the results, in recipient order; the error is
// reserved for problems that stop the whole request.
func (s *TransactionalSender) Send(ctx context.Context, req TransactionalRequest) ([]pmta.Result, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	sd, err := s.domains.GetSendingDomain(ctx, req.SendingDomainID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("sending domain %s: %w", req.SendingDomainID, ErrPrerequisite)
	}
	if err != nil {
		return nil, fmt.Errorf("load sending domain: %w", err)
	}

	injs := make([]pmta.Injection, len(req.Recipients))
	for i, rcpt := range req.Recipients {
		id := uuid.NewString()
		send := &domain.EmailSend{
			ID:              id,
			Product:         domain.ProductSend,
			Status:          domain.SendPending,
			SendingDomainID: sd.ID,
			Recipient:       rcpt,
			Sender:          req.From,
			MessageID:       fmt.Sprintf("<%s@%s>", id, sd.Domain),
		}
		if _, _, err := s.sends.ClaimSend(ctx, send); err != nil {
			return nil, fmt.Errorf("create send for recipient %d: %w", i, err)
		}
		injs[i] = pmta.Injection{
			SendID:      send.ID,
			MessageID:   send.MessageID,
			Domain:      sd,
			Recipient:   rcpt,
			From:        req.From,
			Subject:     req.Subject,
			ReplyTo:     req.ReplyTo,
			HTML:        req.HTML,
			Text:        req.Text,
			Attachments: req.Attachments,
			Tracking:    req.Tracking,
		}
	}

	results := s.injector.InjectBatch(ctx, injs)

	now := s.now()
	failed := 0
	for _, r := range results {
		var err error
		if r.OK {
			err = s.sends.MarkInjected(ctx, r.SendID, r.MessageID, now)
		} else {
			failed++
			err = s.sends.MarkFailed(ctx, r.SendID, strings.Join(r.Errors, "; "))
		}
		if err != nil {
			logger.Error("failed to record injection result", "send_id", r.SendID, "error", err)
		}
	}
	logger.Info("transactional batch injected", "recipients", len(results), "failed", failed)
	return results, nil
}
