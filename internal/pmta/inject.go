package pmta

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/pkg/httpretry"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/pkg/metrics"
	"github.com/ignite/broadcast-engine/internal/tracking"
)

const injectPath = "/api/inject/v1"

// InjectionClient submits messages to the PMTA HTTP injector. Each
// recipient is injected independently: its own request, timeout and
// retries.
type InjectionClient struct {
	endpoint    string
	doer        httpretry.HTTPDoer
	httpClient  httpretry.HTTPDoer
	tracking    *tracking.Engine
	validate    *validator.Validate
	concurrency int
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

type ClientOption func(*InjectionClient)

// WithHTTPClient replaces the underlying transport. Retries still apply.
func WithHTTPClient(c httpretry.HTTPDoer) ClientOption {
	return func(ic *InjectionClient) { ic.httpClient = c }
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(ic *InjectionClient) {
		if d > 0 {
			ic.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithMaxAttempts sets total attempts per recipient. Defaults to 2.
func WithMaxAttempts(n int) ClientOption {
	return func(ic *InjectionClient) {
		if n > 0 {
			ic.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the delay between attempts.
func WithRetryBackoff(base, max time.Duration) ClientOption {
	return func(ic *InjectionClient) { ic.backoffBase, ic.backoffMax = base, max }
}

// WithConcurrency bounds in-flight requests in InjectBatch.
func WithConcurrency(n int) ClientOption {
	return func(ic *InjectionClient) {
		if n > 0 {
			ic.concurrency = n
		}
	}
}

// NewInjectionClient builds a client for the injector at baseURL. engine
// may be nil, in which case content is sent without tracking.
func NewInjectionClient(baseURL string, engine *tracking.Engine, opts ...ClientOption) *InjectionClient {
	ic := &InjectionClient{
		endpoint:    strings.TrimRight(baseURL, "/") + injectPath,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		tracking:    engine,
		validate:    validator.New(),
		concurrency: 10,
		maxAttempts: 2,
		backoffBase: 500 * time.Millisecond,
		backoffMax:  5 * time.Second,
	}
	if baseURL == "" {
		ic.endpoint = ""
	}
	for _, o := range opts {
		o(ic)
	}
	ic.doer = httpretry.NewRetryClient(ic.httpClient,
		httpretry.WithMaxAttempts(ic.maxAttempts),
		httpretry.WithBackoff(ic.backoffBase, ic.backoffMax),
		httpretry.WithPolicy(httpretry.AnyFailure),
	)
	return ic
}

// BuildPayload validates inj and produces the injector request body with
// tracking applied and correlation headers stamped.
func (c *InjectionClient) BuildPayload(inj Injection) (*Payload, error) {
	if err := c.validate.Struct(inj); err != nil {
		return nil, fmt.Errorf("invalid injection: %w", err)
	}
	if inj.HTML == "" && inj.Text == "" && len(inj.RawMIME) == 0 {
		return nil, ErrNoContent
	}

	clicks, opens := inj.Domain.ResolveTracking(inj.Tracking)
	opts := tracking.Options{Clicks: clicks, Opens: opens}
	engine := c.engineFor(inj.Domain)
	headers := c.headers(engine, inj)

	p := &Payload{
		EnvelopeSender: inj.Domain.EnvelopeSender(),
		Recipients:     []Recipient{{Email: inj.Recipient}},
	}

	if len(inj.RawMIME) > 0 {
		raw := inj.RawMIME
		if engine != nil {
			var err error
			if raw, err = engine.RewriteMIME(raw, inj.SendID, opts); err != nil {
				return nil, fmt.Errorf("rewrite mime: %w", err)
			}
		}
		p.RFC822 = string(stampHeaders(raw, headers))
		return p, nil
	}

	html := inj.HTML
	if html != "" && engine != nil {
		var err error
		if html, _, err = engine.Apply(html, inj.SendID, opts); err != nil {
			return nil, fmt.Errorf("apply tracking: %w", err)
		}
	}

	content := &Content{
		From:     inj.From,
		Subject:  inj.Subject,
		ReplyTo:  inj.ReplyTo,
		TextBody: inj.Text,
		HTMLBody: html,
		Headers:  headers,
	}
	for _, a := range inj.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		content.Attachments = append(content.Attachments, PayloadAttachment{
			Name: a.Filename,
			Type: ct,
			Data: base64.StdEncoding.EncodeToString(a.Content),
		})
	}
	p.Content = content
	return p, nil
}

func (c *InjectionClient) engineFor(d *domain.SendingDomain) *tracking.Engine {
	if c.tracking == nil {
		return nil
	}
	return c.tracking.ForHost(d.TrackingHost)
}

func (c *InjectionClient) headers(engine *tracking.Engine, inj Injection) map[string]string {
	h := map[string]string{
		domain.HeaderSendID:          inj.SendID,
		domain.HeaderMessageID:       inj.MessageID,
		domain.HeaderSendingDomainID: inj.Domain.ID,
	}
	if inj.ContactID != "" {
		h[domain.HeaderContactID] = inj.ContactID
	}
	if inj.AudienceID != "" {
		h[domain.HeaderAudienceID] = inj.AudienceID
	}
	if inj.BroadcastID != "" {
		h[domain.HeaderBroadcastID] = inj.BroadcastID
		if engine != nil {
			if u, err := engine.UnsubscribeURL(inj.SendID); err == nil {
				h["List-Unsubscribe"] = "<" + u + ">"
				h["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
			}
		}
	}
	return h
}

// stampHeaders prepends headers to a raw message. A Message-Id already in
// the message wins.
func stampHeaders(raw []byte, headers map[string]string) []byte {
	existing, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))

	keys := make([]string, 0, len(headers))
	for k := range headers {
		if existing.Has(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(headers[k])
		buf.WriteString("\r\n")
	}
	buf.Write(raw)
	return buf.Bytes()
}

// Inject submits one message. Failures are reported in the Result.
func (c *InjectionClient) Inject(ctx context.Context, inj Injection) Result {
	start := time.Now()
	res := c.inject(ctx, inj)
	metrics.InjectionDuration.Observe(time.Since(start).Seconds())
	if res.OK {
		metrics.InjectionsTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.InjectionsTotal.WithLabelValues("failed").Inc()
		logger.Warn("injection failed", "send_id", inj.SendID, "recipient", inj.Recipient, "errors", strings.Join(res.Errors, "; "))
	}
	return res
}

func (c *InjectionClient) inject(ctx context.Context, inj Injection) Result {
	res := Result{SendID: inj.SendID, Recipient: inj.Recipient, MessageID: inj.MessageID}
	fail := func(err error) Result {
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	if c.endpoint == "" {
		return fail(ErrInjectorMissing)
	}
	payload, err := c.BuildPayload(inj)
	if err != nil {
		res.Permanent = true
		return fail(err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fail(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return fail(fmt.Errorf("injector request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(fmt.Errorf("read injector response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(fmt.Errorf("injector returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	var ir injectResponse
	if err := json.Unmarshal(respBody, &ir); err != nil {
		return fail(fmt.Errorf("decode injector response: %w", err))
	}
	if ir.FailCount > 0 {
		if len(ir.Errors) == 0 {
			ir.Errors = []string{fmt.Sprintf("injector rejected %d recipient(s)", ir.FailCount)}
		}
		res.Errors = ir.Errors
		res.Permanent = true
		return res
	}
	res.OK = true
	return res
}

// InjectBatch injects every message concurrently and waits for all of
// them. Results are in input order; one failure never affects another.
func (c *InjectionClient) InjectBatch(ctx context.Context, injs []Injection) []Result {
	results := make([]Result, len(injs))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i := range injs {
		i := i // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			results[i] = c.Inject(ctx, injs[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}
