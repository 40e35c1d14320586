// Package webhook implements at-least-once HTTP delivery of stream events
// to caller-registered URLs, grounded on the teacher pack's
// internal/services/webhook_service.go: HMAC-SHA256 request signing, a
// dedicated delivery HTTP client, and capped exponential-backoff retries
// tracked per registration.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lukeslp/dreamwalker/dwerrors"
	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/telemetry"
	"github.com/lukeslp/dreamwalker/workflow"
)

const (
	// MaxAttempts is the number of delivery attempts before a failure is terminal.
	MaxAttempts = 3
	// RequestTimeout bounds a single delivery attempt.
	RequestTimeout = 10 * time.Second
	// RetryQueueTTL is how long an entry may sit in the retry queue before
	// being dropped with a logged warning.
	RetryQueueTTL = time.Hour
)

// Payload is the JSON body POSTed to a registered webhook URL for every
// stream event published on its workflow.
type Payload struct {
	Event      workflow.StreamEventType `json:"event"`
	WorkflowID ident.WorkflowID         `json:"workflow_id"`
	Seq        uint64                   `json:"seq"`
	Timestamp  time.Time                `json:"timestamp"`
	Data       json.RawMessage          `json:"data,omitempty"`
}

type registration struct {
	workflow.WebhookRegistration
	mu sync.Mutex
}

type retryEntry struct {
	reg       *registration
	payload   Payload
	attempt   int
	enqueued  time.Time
	notBefore time.Time
}

// Dispatcher owns webhook registrations and delivers stream events to them.
type Dispatcher struct {
	httpClient *http.Client
	logger     telemetry.Logger

	mu   sync.Mutex
	regs map[ident.WorkflowID]*registration

	retryMu sync.Mutex
	retry   []*retryEntry
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries (tests
// substitute one pointed at an httptest.Server).
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(l telemetry.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New constructs a Dispatcher with no registrations.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		httpClient: &http.Client{Timeout: RequestTimeout},
		regs:       make(map[ident.WorkflowID]*registration),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.logger == nil {
		d.logger = telemetry.NewNoopLogger()
	}
	return d
}

// Register binds workflowID to a delivery URL and optional shared secret.
func (d *Dispatcher) Register(workflowID ident.WorkflowID, url, secret string) error {
	if url == "" {
		return dwerrors.New(dwerrors.KindInvalidArguments, "webhook URL must not be empty").WithField("url")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[workflowID] = &registration{WebhookRegistration: workflow.WebhookRegistration{
		WorkflowID: workflowID,
		URL:        url,
		Secret:     secret,
	}}
	return nil
}

// Unregister removes workflowID's registration, if any.
func (d *Dispatcher) Unregister(workflowID ident.WorkflowID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.regs, workflowID)
}

// Registration returns a snapshot of workflowID's registration counters.
func (d *Dispatcher) Registration(workflowID ident.WorkflowID) (workflow.WebhookRegistration, bool) {
	d.mu.Lock()
	reg, ok := d.regs[workflowID]
	d.mu.Unlock()
	if !ok {
		return workflow.WebhookRegistration{}, false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.WebhookRegistration, true
}

// Deliver sends evt to workflowID's registered URL, if any, and blocks the
// caller only for the first attempt; failed attempts are queued for
// background retry via ProcessRetries. Returns nil immediately if no
// registration exists for the workflow.
func (d *Dispatcher) Deliver(ctx context.Context, evt workflow.StreamEvent) error {
	d.mu.Lock()
	reg, ok := d.regs[evt.WorkflowID]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	payload := Payload{
		Event:      evt.Type,
		WorkflowID: evt.WorkflowID,
		Seq:        evt.Seq,
		Timestamp:  evt.Timestamp,
		Data:       evt.Payload,
	}

	outcome := d.attempt(ctx, reg, payload, 1)
	if outcome == nil {
		return nil
	}
	if !outcome.retryable {
		reg.mu.Lock()
		reg.Failed++
		reg.mu.Unlock()
		return outcome.err
	}

	d.enqueueRetry(reg, payload, 1)
	return outcome.err
}

type attemptOutcome struct {
	err       error
	retryable bool
}

// attempt performs one HTTP POST and classifies the result: nil means
// success, a non-retryable outcome means terminal failure (4xx other than
// 408/425/429), and a retryable outcome means the caller should schedule a
// retry (network error, 5xx, or one of the retryable 4xx codes).
func (d *Dispatcher) attempt(ctx context.Context, reg *registration, payload Payload, attemptNum int) *attemptOutcome {
	body, err := json.Marshal(payload)
	if err != nil {
		return &attemptOutcome{err: fmt.Errorf("marshal webhook payload: %w", err), retryable: false}
	}

	reqCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, reg.URL, bytes.NewReader(body))
	if err != nil {
		return &attemptOutcome{err: fmt.Errorf("build webhook request: %w", err), retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Dreamwalker-Webhook/1.0")
	req.Header.Set("X-Dreamwalker-Event", string(payload.Event))
	req.Header.Set("X-Dreamwalker-Workflow-Id", reg.WorkflowID.String())
	req.Header.Set("X-Dreamwalker-Timestamp", payload.Timestamp.Format(time.RFC3339))

	if reg.Secret != "" {
		req.Header.Set("X-Dreamwalker-Signature", sign(body, reg.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Warn(ctx, "webhook delivery attempt failed", "workflow_id", reg.WorkflowID.String(), "attempt", attemptNum, "error", err.Error())
		return &attemptOutcome{err: err, retryable: true}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		reg.mu.Lock()
		reg.Delivered++
		reg.mu.Unlock()
		return nil
	case resp.StatusCode == 408 || resp.StatusCode == 425 || resp.StatusCode == 429:
		return &attemptOutcome{err: fmt.Errorf("webhook responded %d: %s", resp.StatusCode, respBody), retryable: true}
	case resp.StatusCode >= 500:
		return &attemptOutcome{err: fmt.Errorf("webhook responded %d: %s", resp.StatusCode, respBody), retryable: true}
	default:
		return &attemptOutcome{err: fmt.Errorf("webhook responded %d: %s", resp.StatusCode, respBody), retryable: false}
	}
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// backoff returns the delay before retry attempt n (1-indexed): 1s, 2s, 4s.
func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt-1)) * time.Second
}

func (d *Dispatcher) enqueueRetry(reg *registration, payload Payload, attempt int) {
	now := time.Now()
	d.retryMu.Lock()
	d.retry = append(d.retry, &retryEntry{
		reg:       reg,
		payload:   payload,
		attempt:   attempt,
		enqueued:  now,
		notBefore: now.Add(backoff(attempt)),
	})
	d.retryMu.Unlock()
}

// ProcessRetries attempts every queued retry whose backoff has elapsed.
// Entries older than RetryQueueTTL are dropped with a logged warning
// instead of retried. Call this periodically from a background loop.
func (d *Dispatcher) ProcessRetries(ctx context.Context) {
	now := time.Now()

	d.retryMu.Lock()
	var due []*retryEntry
	var pending []*retryEntry
	for _, e := range d.retry {
		switch {
		case now.Sub(e.enqueued) > RetryQueueTTL:
			d.logger.Warn(ctx, "dropping expired webhook retry", "workflow_id", e.reg.WorkflowID.String(), "attempt", e.attempt)
		case now.Before(e.notBefore):
			pending = append(pending, e)
		default:
			due = append(due, e)
		}
	}
	d.retry = pending
	d.retryMu.Unlock()

	for _, e := range due {
		if e.attempt >= MaxAttempts {
			e.reg.mu.Lock()
			e.reg.Failed++
			e.reg.mu.Unlock()
			continue
		}
		outcome := d.attempt(ctx, e.reg, e.payload, e.attempt+1)
		if outcome == nil {
			continue
		}
		if !outcome.retryable || e.attempt+1 >= MaxAttempts {
			e.reg.mu.Lock()
			e.reg.Failed++
			e.reg.mu.Unlock()
			continue
		}
		d.enqueueRetry(e.reg, e.payload, e.attempt+1)
	}
}
