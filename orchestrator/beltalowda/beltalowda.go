// Package beltalowda implements the hierarchical three-tier synthesis
// specialisation of orchestrator.Base: many worker agents, grouped
// mid-tier synthesisers, and a single executive synthesiser, per spec
// §4.6. It is grounded on the teacher's engine/inmem fan-out pattern for
// the worker tier and the teacher's aggregate package (grouping /
// reduction over agent outputs) for the mid/executive reduction shape.
package beltalowda

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/orchestrator"
	"github.com/lukeslp/dreamwalker/provider"
	"github.com/lukeslp/dreamwalker/workflow"
)

const (
	// DefaultNumWorkers is the default worker-tier fan-out width.
	DefaultNumWorkers = 8
	// MinWorkers and MaxWorkers bound the configurable worker count.
	MinWorkers = 1
	MaxWorkers = 20
	// DefaultGroupSize is the default number of worker results per mid-synthesiser.
	DefaultGroupSize = 5

	DefaultWorkerTimeout    = 180 * time.Second
	DefaultMidTimeout       = 240 * time.Second
	DefaultExecutiveTimeout = 300 * time.Second
)

// Config configures one Beltalowda run. Zero values fall back to defaults.
type Config struct {
	NumWorkers      int
	GroupSize       int
	EnableMid       bool
	EnableExecutive bool

	ProviderName string
	WorkerModel  string
	MidModel     string
	ExecutiveModel string

	WorkerTimeout    time.Duration
	MidTimeout       time.Duration
	ExecutiveTimeout time.Duration
}

// WithDefaults returns a copy of c with unset fields replaced by package
// defaults and NumWorkers clamped to [MinWorkers, MaxWorkers].
func (c Config) WithDefaults() Config {
	if c.NumWorkers == 0 {
		c.NumWorkers = DefaultNumWorkers
	}
	if c.NumWorkers < MinWorkers {
		c.NumWorkers = MinWorkers
	}
	if c.NumWorkers > MaxWorkers {
		c.NumWorkers = MaxWorkers
	}
	if c.GroupSize <= 0 {
		c.GroupSize = DefaultGroupSize
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = DefaultWorkerTimeout
	}
	if c.MidTimeout <= 0 {
		c.MidTimeout = DefaultMidTimeout
	}
	if c.ExecutiveTimeout <= 0 {
		c.ExecutiveTimeout = DefaultExecutiveTimeout
	}
	return c
}

// SynthesisEnabled reports whether either tier is active, the flag the
// orchestrator base uses to decide whether to call Synthesise at all.
func (c Config) SynthesisEnabled() bool { return c.EnableMid || c.EnableExecutive }

// decomposer produces exactly cfg.NumWorkers subtasks by asking the
// configured provider to break the task down, padding with the residual
// task text or truncating to match the spec's exact-count contract.
type decomposer struct {
	cfg     Config
	cache   *provider.Cache
}

// NewDecomposer constructs the Beltalowda task decomposer.
func NewDecomposer(cfg Config, cache *provider.Cache) orchestrator.Decomposer {
	return &decomposer{cfg: cfg.WithDefaults(), cache: cache}
}

func (d *decomposer) Decompose(ctx context.Context, task string) ([]workflow.SubTask, error) {
	client, err := d.cache.Get(d.cfg.ProviderName, d.cfg.WorkerModel)
	if err != nil {
		return nil, err
	}

	resp, err := client.Complete(ctx, provider.Request{
		Model: d.cfg.WorkerModel,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "Decompose the task into independent research subtasks, one per line."},
			{Role: provider.RoleUser, Content: task},
		},
		ResponseFormat: "lines",
	})
	if err != nil {
		return nil, err
	}

	items := splitNonEmpty(resp.Content)

	subtasks := make([]workflow.SubTask, d.cfg.NumWorkers)
	for i := 0; i < d.cfg.NumWorkers; i++ {
		desc := task
		if i < len(items) {
			desc = items[i]
		} else if len(items) > 0 {
			desc = fmt.Sprintf("%s (continued %d)", task, i-len(items)+1)
		}
		subtasks[i] = workflow.SubTask{
			ID:          ident.NewSubTaskID(),
			Description: desc,
			TargetType:  workflow.AgentWorker,
			Priority:    i,
		}
	}
	return subtasks, nil
}

func splitNonEmpty(s string) []string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(strings.TrimLeft(l, "-*0123456789. "))
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// workerExecutor executes one worker subtask against the worker-tier
// provider/model.
type workerExecutor struct {
	cfg   Config
	cache *provider.Cache
}

// NewWorkerExecutor constructs the Beltalowda worker-tier SubtaskExecutor.
func NewWorkerExecutor(cfg Config, cache *provider.Cache) orchestrator.SubtaskExecutor {
	return &workerExecutor{cfg: cfg.WithDefaults(), cache: cache}
}

func (w *workerExecutor) Execute(ctx context.Context, subtask workflow.SubTask) (workflow.AgentResult, error) {
	client, err := w.cache.Get(w.cfg.ProviderName, w.cfg.WorkerModel)
	if err != nil {
		return workflow.AgentResult{}, err
	}
	start := time.Now()
	resp, err := client.Complete(ctx, provider.Request{
		Model: w.cfg.WorkerModel,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "You are a research worker agent. Investigate the assigned subtask thoroughly and report findings."},
			{Role: provider.RoleUser, Content: subtask.Description},
		},
	})
	if err != nil {
		return workflow.AgentResult{}, err
	}
	return workflow.AgentResult{
		AgentType: workflow.AgentWorker,
		Content:   resp.Content,
		Status:    workflow.StatusCompleted,
		Duration:  time.Since(start),
		Cost:      resp.Cost,
	}, nil
}

// synthesiser implements the mid + executive reduction tiers. It holds its
// own EventBus reference because it must emit one synthesis_started /
// synthesis_completed pair per mid-group plus one for the executive tier,
// which the single generic wrap orchestrator.Base offers cannot express.
type synthesiser struct {
	cfg   Config
	cache *provider.Cache
	bus   orchestrator.EventBus
}

// NewSynthesiser constructs the Beltalowda Synthesiser.
func NewSynthesiser(cfg Config, cache *provider.Cache, bus orchestrator.EventBus) orchestrator.Synthesiser {
	return &synthesiser{cfg: cfg.WithDefaults(), cache: cache, bus: bus}
}

func (s *synthesiser) Synthesise(ctx context.Context, workflowID ident.WorkflowID, results []workflow.AgentResult) ([]workflow.SynthesisResult, string, error) {
	successes := make([]workflow.AgentResult, 0, len(results))
	for _, r := range results {
		if r.Status == workflow.StatusCompleted {
			successes = append(successes, r)
		}
	}

	var midResults []workflow.SynthesisResult
	executiveInputContent := make([]string, 0, len(successes))
	executiveInputIDs := make([]ident.AgentID, 0, len(successes))

	if s.cfg.EnableMid && len(successes) > 0 {
		groups := groupBy(successes, s.cfg.GroupSize)
		for _, group := range groups {
			mr, err := s.synthOne(ctx, workflowID, workflow.SynthesisMid, s.cfg.MidModel, s.cfg.MidTimeout, contentsOf(group), idsOf(group))
			if err != nil {
				// Mid-synthesis failure degrades to raw worker results for
				// this group: fall back to concatenated content as the
				// group's contribution to the executive tier.
				executiveInputContent = append(executiveInputContent, contentsOf(group)...)
				executiveInputIDs = append(executiveInputIDs, idsOf(group)...)
				continue
			}
			midResults = append(midResults, mr)
			executiveInputContent = append(executiveInputContent, mr.Content)
			executiveInputIDs = append(executiveInputIDs, mr.ID)
		}
	} else {
		executiveInputContent = append(executiveInputContent, contentsOf(successes)...)
		executiveInputIDs = append(executiveInputIDs, idsOf(successes)...)
	}

	if !s.cfg.EnableExecutive || len(executiveInputContent) == 0 {
		return midResults, "", nil
	}

	er, err := s.synthOne(ctx, workflowID, workflow.SynthesisExecutive, s.cfg.ExecutiveModel, s.cfg.ExecutiveTimeout, executiveInputContent, executiveInputIDs)
	if err != nil {
		// Executive failure: mid-syntheses (or raw content, if mid was
		// disabled) remain the best available artifact.
		return midResults, "", err
	}
	return append(midResults, er), er.Content, nil
}

func (s *synthesiser) synthOne(ctx context.Context, workflowID ident.WorkflowID, level workflow.SynthesisLevel, model string, timeout time.Duration, contents []string, ids []ident.AgentID) (workflow.SynthesisResult, error) {
	s.emit(ctx, workflowID, workflow.EventSynthesisStarted, map[string]any{"level": string(level), "input_count": len(contents)})

	synCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := s.cache.Get(s.cfg.ProviderName, model)
	if err != nil {
		return workflow.SynthesisResult{}, err
	}

	start := time.Now()
	resp, err := client.Complete(synCtx, provider.Request{
		Model: model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: fmt.Sprintf("You are the %s synthesiser. Combine the inputs into a single coherent report.", level)},
			{Role: provider.RoleUser, Content: strings.Join(contents, "\n\n---\n\n")},
		},
	})
	if err != nil {
		return workflow.SynthesisResult{}, err
	}

	result := workflow.SynthesisResult{
		ID: ident.NewAgentID(), Level: level, Content: resp.Content,
		ContributingIDs: append([]ident.AgentID(nil), ids...),
		Duration:        time.Since(start), Cost: resp.Cost,
	}
	s.emit(ctx, workflowID, workflow.EventSynthesisComplete, map[string]any{"level": string(level), "output_length": len(resp.Content), "cost": resp.Cost})
	return result, nil
}

func (s *synthesiser) emit(ctx context.Context, workflowID ident.WorkflowID, eventType workflow.StreamEventType, payload any) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = s.bus.Publish(context.WithoutCancel(ctx), workflowID, eventType, data)
}

func groupBy(items []workflow.AgentResult, size int) [][]workflow.AgentResult {
	var groups [][]workflow.AgentResult
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		groups = append(groups, items[i:end])
	}
	return groups
}

func contentsOf(results []workflow.AgentResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Content
	}
	return out
}

func idsOf(results []workflow.AgentResult) []ident.AgentID {
	out := make([]ident.AgentID, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}
