// Package supervisor owns the workflow_id -> cancellable execution mapping,
// per spec §4.8: it creates records, spawns each orchestrator run as an
// independent cancellable goroutine, enforces the concurrency cap via the
// state store, routes lifecycle events to the stream bus and webhook
// dispatcher, and drives graceful shutdown. Grounded on the teacher's
// engine/inmem.eng (handle/done-channel pattern, status map under a single
// mutex) and registry.Manager's StartSync/StopSync shutdown shape.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lukeslp/dreamwalker/dwerrors"
	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/orchestrator"
	"github.com/lukeslp/dreamwalker/statestore"
	"github.com/lukeslp/dreamwalker/streambus"
	"github.com/lukeslp/dreamwalker/telemetry"
	"github.com/lukeslp/dreamwalker/webhook"
	"github.com/lukeslp/dreamwalker/workflow"
)

const (
	// DefaultCancelGrace is how long Cancel awaits graceful unwind before
	// returning regardless of whether the run goroutine has exited.
	DefaultCancelGrace = 5 * time.Second
	// DefaultShutdownWindow bounds how long Shutdown waits for in-flight
	// workflows to unwind before returning.
	DefaultShutdownWindow = 30 * time.Second
)

// Runner is the slice of orchestrator.Base the supervisor depends on, so
// this package never has to know which pattern (Beltalowda, Swarm, ...) it
// is driving.
type Runner interface {
	Run(ctx context.Context, in orchestrator.RunInput) (workflow.OrchestratorResult, error)
}

// WebhookSpec is the optional webhook registration supplied at Submit time.
type WebhookSpec struct {
	URL    string
	Secret string
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Config tunes supervisor timings. Zero values fall back to defaults.
type Config struct {
	CancelGrace     time.Duration
	ShutdownWindow  time.Duration
}

func (c Config) withDefaults() Config {
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.ShutdownWindow <= 0 {
		c.ShutdownWindow = DefaultShutdownWindow
	}
	return c
}

// Supervisor creates workflow records, owns their cancellable execution
// goroutines, and routes their lifecycle into the state store, stream bus,
// and webhook dispatcher.
type Supervisor struct {
	cfg      Config
	store    *statestore.Store
	bus      *streambus.Bus
	webhooks *webhook.Dispatcher
	logger   telemetry.Logger

	mu       sync.Mutex
	handles  map[ident.WorkflowID]*handle
	draining atomic.Bool
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

func WithConfig(c Config) Option              { return func(s *Supervisor) { s.cfg = c } }
func WithLogger(l telemetry.Logger) Option    { return func(s *Supervisor) { s.logger = l } }

// New constructs a Supervisor wired to the given store, bus, and webhook
// dispatcher. All three must be non-nil.
func New(store *statestore.Store, bus *streambus.Bus, webhooks *webhook.Dispatcher, opts ...Option) *Supervisor {
	s := &Supervisor{store: store, bus: bus, webhooks: webhooks, handles: make(map[ident.WorkflowID]*handle)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cfg = s.cfg.withDefaults()
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	return s
}

// Submit creates a pending WorkflowRecord, registers an optional webhook,
// transitions the record to running, and spawns runner as an independent
// cancellable goroutine. It returns the assigned workflow identity
// immediately without awaiting completion. Fails with too_many_active if
// the state store is already at its active-record bound, or shutdown if
// the supervisor is draining.
func (s *Supervisor) Submit(ctx context.Context, pattern, task string, configSnapshot json.RawMessage, runner Runner, in orchestrator.RunInput, wh *WebhookSpec) (ident.WorkflowID, error) {
	if s.draining.Load() {
		return "", dwerrors.New(dwerrors.KindShutdown, "supervisor is shutting down, not accepting new workflows")
	}

	id := ident.NewWorkflowID()
	in.WorkflowID = id
	in.Pattern = pattern

	rec := workflow.Record{
		WorkflowID: id, Pattern: pattern, Task: task, Status: workflow.StatusPending,
		Timestamps: workflow.Timestamps{Created: time.Now()}, Config: configSnapshot,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return "", err
	}

	if wh != nil && wh.URL != "" {
		if err := s.webhooks.Register(id, wh.URL, wh.Secret); err != nil {
			return "", err
		}
	}

	if err := s.store.Transition(ctx, id, workflow.StatusRunning, nil); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()

	if wh != nil && wh.URL != "" {
		go s.pumpWebhook(id)
	}

	go s.runWorkflow(runCtx, id, h, runner, in)

	return id, nil
}

// runWorkflow drives one workflow to completion, splitting the cancelled
// path (runner.Run returned a context-cancellation error, meaning Cancel
// was called) from the normal terminal path (runner.Run already emitted
// its own workflow_completed/workflow_failed event and returned a terminal
// result).
func (s *Supervisor) runWorkflow(ctx context.Context, id ident.WorkflowID, h *handle, runner Runner, in orchestrator.RunInput) {
	defer close(h.done)
	defer func() {
		s.mu.Lock()
		delete(s.handles, id)
		s.mu.Unlock()
	}()

	result, err := runner.Run(ctx, in)
	bgCtx := context.Background()

	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)) {
		completedBeforeCancel := 0
		for _, r := range result.AgentResults {
			if r.Status == workflow.StatusCompleted {
				completedBeforeCancel++
			}
		}
		result.Status = workflow.StatusCancelled
		result.Error = dwerrors.New(dwerrors.KindCancelled, "workflow cancelled")
		if cerr := s.store.Complete(bgCtx, id, result); cerr != nil {
			s.logger.Warn(bgCtx, "failed to complete cancelled workflow", "workflow_id", id.String(), "error", cerr.Error())
		}
		s.publish(bgCtx, id, workflow.EventWorkflowCancelled, map[string]any{
			"cancelled_at": time.Now(), "completed_before_cancel": completedBeforeCancel,
		})
	} else {
		if result.Status == "" {
			result.Status = workflow.StatusFailed
		}
		if cerr := s.store.Complete(bgCtx, id, result); cerr != nil {
			s.logger.Warn(bgCtx, "failed to complete workflow", "workflow_id", id.String(), "error", cerr.Error())
		}
	}

	s.bus.Close(id)
}

func (s *Supervisor) publish(ctx context.Context, id ident.WorkflowID, eventType workflow.StreamEventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := s.bus.Publish(ctx, id, eventType, data); err != nil {
		s.logger.Warn(ctx, "failed to publish terminal event", "workflow_id", id.String(), "event", string(eventType), "error", err.Error())
	}
}

// pumpWebhook forwards every stream event published for id to the webhook
// dispatcher, per the spec's "all events" resolution of the webhook-scope
// open question (§9). It exits once the stream closes.
func (s *Supervisor) pumpWebhook(id ident.WorkflowID) {
	ctx := context.Background()
	var sub *streambus.Subscription
	for i := 0; i < 20; i++ {
		var err error
		sub, err = s.bus.Subscribe(id, nil)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sub == nil {
		return
	}
	defer sub.Unsubscribe()

	for {
		evt, ok, err := sub.Next(ctx)
		if err != nil || !ok {
			return
		}
		if derr := s.webhooks.Deliver(ctx, evt); derr != nil {
			s.logger.Warn(ctx, "webhook delivery failed", "workflow_id", id.String(), "error", derr.Error())
		}
	}
}

// Cancel signals cancellation for id and awaits graceful unwind up to the
// configured grace window. Idempotent: cancelling a workflow whose record is
// already terminal returns success; an id with no record at all returns an
// unknown_workflow error.
func (s *Supervisor) Cancel(ctx context.Context, id ident.WorkflowID) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()

	if !ok {
		rec, found := s.store.GetRecord(id)
		if !found {
			return dwerrors.Newf(dwerrors.KindUnknownWorkflow, "workflow %s not found", id)
		}
		if rec.Status.Terminal() {
			return nil
		}
		return dwerrors.Newf(dwerrors.KindInternal, "workflow %s has no active execution handle", id)
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(s.cfg.CancelGrace):
	}
	return nil
}

// Status proxies to the state store.
func (s *Supervisor) Status(id ident.WorkflowID) (workflow.Record, error) {
	rec, ok := s.store.GetRecord(id)
	if !ok {
		return workflow.Record{}, dwerrors.Newf(dwerrors.KindUnknownWorkflow, "workflow %s not found", id)
	}
	return rec, nil
}

// Result proxies to the state store.
func (s *Supervisor) Result(id ident.WorkflowID) (workflow.OrchestratorResult, error) {
	res, ok := s.store.GetResult(id)
	if !ok {
		if _, found := s.store.GetRecord(id); !found {
			return workflow.OrchestratorResult{}, dwerrors.Newf(dwerrors.KindUnknownWorkflow, "workflow %s not found", id)
		}
		return workflow.OrchestratorResult{}, dwerrors.Newf(dwerrors.KindInternal, "workflow %s has not completed yet", id)
	}
	return res, nil
}

// Shutdown stops accepting new submissions, cancels every in-flight
// workflow with a shutting_down event, and awaits their unwind up to the
// configured shutdown window.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.draining.Store(true)

	s.mu.Lock()
	handles := make(map[ident.WorkflowID]*handle, len(s.handles))
	for id, h := range s.handles {
		handles[id] = h
	}
	s.mu.Unlock()

	for id, h := range handles {
		s.publish(ctx, id, workflow.EventShuttingDown, map[string]any{})
		h.cancel()
	}

	deadline := time.After(s.cfg.ShutdownWindow)
	for id, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			return dwerrors.Newf(dwerrors.KindShutdown, "shutdown window elapsed with workflow %s still running", id)
		}
	}
	return nil
}
