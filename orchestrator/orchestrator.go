// Package orchestrator implements the template-method skeleton shared by
// every orchestration pattern: decompose -> execute (bounded, parallel) ->
// synthesise -> optionally render, emitting lifecycle events at each stage
// per spec §4.5. It is grounded on the teacher's engine/inmem.eng
// (goroutine-per-unit-of-work, done-channel/WaitGroup completion tracking,
// status map) generalised from a single workflow handler invocation to a
// bounded-concurrency subtask fan-out with per-subtask and per-workflow
// deadlines.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lukeslp/dreamwalker/dwerrors"
	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/telemetry"
	"github.com/lukeslp/dreamwalker/workflow"
)

const (
	// DefaultConcurrency bounds how many subtasks a single workflow runs at once.
	DefaultConcurrency = 10
	// DefaultSubtaskTimeout bounds a single execute_subtask call.
	DefaultSubtaskTimeout = 180 * time.Second
	// WorkflowTimeoutMultiplier scales the subtask-timeout-derived floor for
	// the overall workflow deadline (spec §4.5): max(configured, 1.5 *
	// per_subtask_timeout * num_subtasks).
	WorkflowTimeoutMultiplier = 1.5
)

// Decomposer turns a task description into one or more SubTasks. Must
// return at least one SubTask; ordering is irrelevant unless Priority or
// Prerequisites are set.
type Decomposer interface {
	Decompose(ctx context.Context, task string) ([]workflow.SubTask, error)
}

// DecomposerFunc adapts a function to a Decomposer.
type DecomposerFunc func(ctx context.Context, task string) ([]workflow.SubTask, error)

func (f DecomposerFunc) Decompose(ctx context.Context, task string) ([]workflow.SubTask, error) {
	return f(ctx, task)
}

// SubtaskExecutor executes a single SubTask to a terminal AgentResult. It
// may suspend awaiting provider responses or tool calls; implementations
// must never panic or return a non-terminal result — the base orchestrator
// converts a returned error into a failed AgentResult on the caller's
// behalf, but a well-behaved executor should do so itself when it can
// attach richer detail (cost incurred before the failure, partial content).
type SubtaskExecutor interface {
	Execute(ctx context.Context, subtask workflow.SubTask) (workflow.AgentResult, error)
}

// Synthesiser consumes the full set of AgentResults (including failures,
// which the caller filters if it only wants successes) and produces zero or
// more SynthesisResult values plus an optional final text. Implementations
// that need to emit their own synthesis_started/synthesis_completed events
// (e.g. Beltalowda's two-tier synthesis) hold their own EventBus reference
// injected at construction; the base orchestrator does not wrap this call
// with its own events because a single wrap cannot express multi-level
// synthesis.
type Synthesiser interface {
	Synthesise(ctx context.Context, workflowID ident.WorkflowID, results []workflow.AgentResult) ([]workflow.SynthesisResult, string, error)
}

// Renderer is the out-of-core document-generation plugin invoked when a
// workflow requests generated artifacts. Out of scope for the core per
// spec §1; this is only the seam it is invoked through.
type Renderer interface {
	Render(ctx context.Context, workflowID ident.WorkflowID, finalText string, results []workflow.AgentResult) ([]workflow.DocumentDescriptor, error)
}

// EventBus is the narrow slice of streambus.Bus the orchestrator depends
// on, so this package never imports streambus directly.
type EventBus interface {
	Publish(ctx context.Context, workflowID ident.WorkflowID, eventType workflow.StreamEventType, payload json.RawMessage) (uint64, error)
}

// Config tunes concurrency and timeouts for one Base instance. Zero values
// fall back to package defaults.
type Config struct {
	Concurrency      int
	SubtaskTimeout   time.Duration
	WorkflowTimeout  time.Duration // optional; the deadline is the larger of this and 1.5 * SubtaskTimeout * subtasks
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.SubtaskTimeout <= 0 {
		c.SubtaskTimeout = DefaultSubtaskTimeout
	}
	return c
}

// Base is the fixed execution skeleton shared by every orchestration
// pattern. Patterns construct one via NewBase, supplying their own
// Decomposer/SubtaskExecutor/Synthesiser/Renderer.
type Base struct {
	cfg        Config
	decomposer Decomposer
	executor   SubtaskExecutor
	synth      Synthesiser
	renderer   Renderer
	bus        EventBus
	logger     telemetry.Logger
}

// Option configures a Base at construction time.
type Option func(*Base)

func WithConfig(c Config) Option   { return func(b *Base) { b.cfg = c } }
func WithRenderer(r Renderer) Option { return func(b *Base) { b.renderer = r } }
func WithLogger(l telemetry.Logger) Option { return func(b *Base) { b.logger = l } }

// NewBase constructs a Base orchestrator. bus, decomposer, executor, and
// synth must be non-nil; renderer is optional (nil disables §4.5 step 6).
func NewBase(bus EventBus, decomposer Decomposer, executor SubtaskExecutor, synth Synthesiser, opts ...Option) *Base {
	b := &Base{bus: bus, decomposer: decomposer, executor: executor, synth: synth}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.cfg = b.cfg.withDefaults()
	if b.logger == nil {
		b.logger = telemetry.NewNoopLogger()
	}
	return b
}

// RunInput bundles the per-invocation parameters Run needs beyond the
// Decomposer/Executor/Synthesiser already bound to the Base.
type RunInput struct {
	WorkflowID      ident.WorkflowID
	Pattern         string
	Title           string
	Task            string
	NumAgentsHint   int  // reported in workflow_started before decomposition completes
	SynthesisEnabled bool
	RenderRequested bool
}

// Run executes the full decompose -> execute -> synthesise -> render
// skeleton and returns the terminal OrchestratorResult. The returned error
// is non-nil for: a Decompose failure (orchestrator-internal, §4.5
// "aborts before any subtask begins"), the workflow deadline passing, no
// subtask succeeding (these three also emit workflow_failed), or ctx being
// cancelled by the caller (the supervisor), which the caller is expected to translate into
// a cancelled transition and a workflow_cancelled event itself — Run does
// not emit that event because it does not own the cancel reason or the
// completed-before-cancel accounting the supervisor performs.
func (b *Base) Run(ctx context.Context, in RunInput) (workflow.OrchestratorResult, error) {
	start := time.Now()

	b.emit(ctx, in.WorkflowID, workflow.EventWorkflowStarted, map[string]any{
		"workflow_id": in.WorkflowID.String(),
		"pattern":     in.Pattern,
		"num_agents":  in.NumAgentsHint,
	})

	subtasks, err := b.decomposer.Decompose(ctx, in.Task)
	if err != nil {
		result := workflow.OrchestratorResult{
			WorkflowID: in.WorkflowID, Title: in.Title, Status: workflow.StatusFailed,
			TotalDuration: time.Since(start), Error: err,
		}
		b.emit(ctx, in.WorkflowID, workflow.EventWorkflowFailed, map[string]any{"error": err.Error(), "reason": "internal"})
		return result, dwerrors.Wrap(dwerrors.KindInternal, err, "decompose failed")
	}
	if len(subtasks) == 0 {
		err := errors.New("decompose returned no subtasks")
		result := workflow.OrchestratorResult{
			WorkflowID: in.WorkflowID, Title: in.Title, Status: workflow.StatusFailed,
			TotalDuration: time.Since(start), Error: err,
		}
		b.emit(ctx, in.WorkflowID, workflow.EventWorkflowFailed, map[string]any{"error": err.Error(), "reason": "internal"})
		return result, dwerrors.Wrap(dwerrors.KindInternal, err, "decompose failed")
	}

	descs := make([]map[string]any, len(subtasks))
	for i, st := range subtasks {
		descs[i] = map[string]any{"id": st.ID.String(), "description": shorten(st.Description), "agent_type": string(st.TargetType)}
	}
	b.emit(ctx, in.WorkflowID, workflow.EventTaskDecomposed, map[string]any{
		"subtask_count": len(subtasks),
		"subtasks":      descs,
	})

	timeout := b.cfg.WorkflowTimeout
	floor := time.Duration(float64(b.cfg.SubtaskTimeout) * WorkflowTimeoutMultiplier * float64(len(subtasks)))
	if floor > timeout {
		timeout = floor
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := b.dispatch(runCtx, in.WorkflowID, subtasks)

	if runCtx.Err() == context.DeadlineExceeded {
		result := workflow.OrchestratorResult{
			WorkflowID: in.WorkflowID, Title: in.Title, Status: workflow.StatusFailed,
			AgentResults: results, TotalDuration: time.Since(start), TotalCost: sumCost(results),
			Error: dwerrors.New(dwerrors.KindWorkflowTimeout, "workflow exceeded its computed deadline"),
		}
		b.emit(ctx, in.WorkflowID, workflow.EventWorkflowFailed, map[string]any{"error": "workflow_timeout", "reason": "workflow_timeout"})
		return result, result.Error
	}

	if ctx.Err() != nil {
		// Cancelled by the caller (supervisor). Return partial results and
		// let the caller own the cancelled transition and event.
		return workflow.OrchestratorResult{
			WorkflowID: in.WorkflowID, Title: in.Title, Status: workflow.StatusRunning,
			AgentResults: results, TotalDuration: time.Since(start), TotalCost: sumCost(results),
		}, ctx.Err()
	}

	successes := 0
	for _, r := range results {
		if r.Status == workflow.StatusCompleted {
			successes++
		}
	}
	if successes == 0 {
		result := workflow.OrchestratorResult{
			WorkflowID: in.WorkflowID, Title: in.Title, Status: workflow.StatusFailed,
			AgentResults: results, TotalDuration: time.Since(start), TotalCost: sumCost(results),
			Error: dwerrors.New(dwerrors.KindInternal, "no agent succeeded"),
		}
		b.emit(ctx, in.WorkflowID, workflow.EventWorkflowFailed, map[string]any{"error": "no agent succeeded", "reason": "no_agent_succeeded"})
		return result, result.Error
	}

	var syntheses []workflow.SynthesisResult
	var finalText string
	if in.SynthesisEnabled && b.synth != nil {
		var synthErr error
		syntheses, finalText, synthErr = b.synth.Synthesise(ctx, in.WorkflowID, results)
		if synthErr != nil {
			b.logger.Warn(ctx, "synthesis degraded", "workflow_id", in.WorkflowID.String(), "error", synthErr.Error())
		}
	}

	var docs []workflow.DocumentDescriptor
	if in.RenderRequested && b.renderer != nil {
		rendered, err := b.renderer.Render(ctx, in.WorkflowID, finalText, results)
		if err != nil {
			b.logger.Warn(ctx, "document rendering failed", "workflow_id", in.WorkflowID.String(), "error", err.Error())
		} else {
			docs = rendered
			formats := make([]string, len(docs))
			artifacts := make([]string, len(docs))
			for i, d := range docs {
				formats[i] = d.ContentType
				artifacts[i] = d.URI
			}
			b.emit(ctx, in.WorkflowID, workflow.EventDocumentsGenerated, map[string]any{"formats": formats, "artifacts": artifacts})
		}
	}

	totalCost := sumCost(results)
	for _, s := range syntheses {
		totalCost += s.Cost
	}
	duration := time.Since(start)

	artifactRefs := make([]string, len(docs))
	for i, d := range docs {
		artifactRefs[i] = d.URI
	}
	b.emit(ctx, in.WorkflowID, workflow.EventWorkflowCompleted, map[string]any{
		"status": string(workflow.StatusCompleted), "total_cost": totalCost,
		"duration_ms": duration.Milliseconds(), "artifact_refs": artifactRefs,
	})

	return workflow.OrchestratorResult{
		WorkflowID: in.WorkflowID, Title: in.Title, Status: workflow.StatusCompleted,
		AgentResults: results, Syntheses: syntheses, FinalText: finalText,
		TotalDuration: duration, TotalCost: totalCost, Documents: docs,
	}, nil
}

// dispatch runs every subtask subject to the concurrency semaphore and
// per-subtask timeout, emitting agent_started/agent_completed around each.
// Results preserve subtask order regardless of completion order.
func (b *Base) dispatch(ctx context.Context, workflowID ident.WorkflowID, subtasks []workflow.SubTask) []workflow.AgentResult {
	results := make([]workflow.AgentResult, len(subtasks))
	sem := make(chan struct{}, b.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, st := range subtasks {
		if ctx.Err() != nil {
			results[i] = failedResult(st, ctx.Err())
			continue
		}
		wg.Add(1)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Done()
			results[i] = failedResult(st, ctx.Err())
			continue
		}
		go func(i int, st workflow.SubTask) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = b.runOne(ctx, workflowID, st)
		}(i, st)
	}
	wg.Wait()
	return results
}

func (b *Base) runOne(ctx context.Context, workflowID ident.WorkflowID, st workflow.SubTask) (result workflow.AgentResult) {
	agentID := ident.NewAgentID()
	b.emit(ctx, workflowID, workflow.EventAgentStarted, map[string]any{
		"agent_id": agentID.String(), "agent_type": string(st.TargetType), "subtask_id": st.ID.String(),
	})

	subCtx, cancel := context.WithTimeout(ctx, b.cfg.SubtaskTimeout)
	defer cancel()

	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result = failedResult(st, fmt.Errorf("panic in execute_subtask: %v", rec))
		}
		result.ID = agentID
		result.SubTaskID = st.ID
		if result.AgentType == "" {
			result.AgentType = st.TargetType
		}
		if result.Duration == 0 {
			result.Duration = time.Since(started)
		}
		b.emit(ctx, workflowID, workflow.EventAgentCompleted, map[string]any{
			"agent_id": agentID.String(), "status": string(result.Status), "cost": result.Cost,
			"duration_ms": result.Duration.Milliseconds(),
		})
	}()

	r, err := b.executor.Execute(subCtx, st)
	if err != nil {
		return failedResult(st, err)
	}
	if !r.Status.Terminal() {
		r.Status = workflow.StatusCompleted
	}
	return r
}

func failedResult(st workflow.SubTask, err error) workflow.AgentResult {
	return workflow.AgentResult{
		SubTaskID: st.ID,
		AgentType: st.TargetType,
		Status:    workflow.StatusFailed,
		Error:     err,
	}
}

func sumCost(results []workflow.AgentResult) float64 {
	var total float64
	for _, r := range results {
		total += r.Cost
	}
	return total
}

func shorten(s string) string {
	const max = 140
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func (b *Base) emit(ctx context.Context, workflowID ident.WorkflowID, eventType workflow.StreamEventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn(ctx, "failed to marshal event payload", "event", string(eventType), "error", err.Error())
		return
	}
	if _, err := b.bus.Publish(context.WithoutCancel(ctx), workflowID, eventType, data); err != nil {
		b.logger.Warn(ctx, "failed to publish event", "event", string(eventType), "error", err.Error())
	}
}
