// Package swarm implements the typed-agent specialisation of
// orchestrator.Base: a single fan-out of specialised agents selected by
// either an explicit allow-list or keyword classification of the query,
// per spec §4.7. Grounded on the teacher's registry.SearchClient keyword
// fallback (substring matching over a ranked term table) generalised from
// scoring registry entries to distributing agent-type counts.
package swarm

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
	// DefaultNumAgents is the default fan-out width when the caller does
	// not supply an explicit agent-type allow-list.
	DefaultNumAgents = 4
	// DefaultAgentTimeout bounds every agent's single provider call.
	DefaultAgentTimeout = 180 * time.Second
)

// keywordRule maps a substring found in the query to the AgentType it selects.
type keywordRule struct {
	substr string
	agent  workflow.AgentType
}

// classificationTable is checked in order. Every agent type with at least
// one matching substring is selected once, in the order of its first
// matching rule; several rules for the same type still select it only once.
var classificationTable = []keywordRule{
	{"paper", workflow.AgentAcademic},
	{"study", workflow.AgentAcademic},
	{"preprint", workflow.AgentAcademic},
	{"research", workflow.AgentAcademic},
	{"price", workflow.AgentProduct},
	{"review", workflow.AgentProduct},
	{"buy", workflow.AgentProduct},
	{"compare", workflow.AgentProduct},
	{"breaking", workflow.AgentNews},
	{"news", workflow.AgentNews},
	{"headline", workflow.AgentNews},
	{"trending", workflow.AgentSocial},
	{"twitter", workflow.AgentSocial},
	{"social", workflow.AgentSocial},
	{"reddit", workflow.AgentSocial},
	{"how to", workflow.AgentTechnical},
	{"error", workflow.AgentTechnical},
	{"code", workflow.AgentTechnical},
	{"api", workflow.AgentTechnical},
	{"image", workflow.AgentImage},
	{"photo", workflow.AgentImage},
	{"picture", workflow.AgentImage},
	{"video", workflow.AgentVideo},
	{"clip", workflow.AgentVideo},
}

// Classify returns the multiset of AgentType values selected for query,
// summing to exactly numAgents. Each distinct agent type with a matching
// rule fills one slot (in classificationTable order of its first match);
// the distribution then cycles through the matched types to fill remaining
// slots, and only the first numAgents types are used when more match. If
// no rule matches, every slot defaults to AgentGeneral.
func Classify(query string, numAgents int) []workflow.AgentType {
	if numAgents <= 0 {
		numAgents = DefaultNumAgents
	}
	lower := strings.ToLower(query)

	seen := make(map[workflow.AgentType]bool)
	var matched []workflow.AgentType
	for _, rule := range classificationTable {
		if strings.Contains(lower, rule.substr) && !seen[rule.agent] {
			seen[rule.agent] = true
			matched = append(matched, rule.agent)
		}
	}
	if len(matched) == 0 {
		matched = []workflow.AgentType{workflow.AgentGeneral}
	}

	out := make([]workflow.AgentType, numAgents)
	for i := 0; i < numAgents; i++ {
		out[i] = matched[i%len(matched)]
	}
	return out
}

// Config configures one Swarm run. Zero values fall back to defaults.
type Config struct {
	NumAgents    int
	AgentTypes   []workflow.AgentType // explicit allow-list; nil triggers keyword classification
	ProviderName string
	Model        string
	AgentTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.NumAgents <= 0 {
		if len(c.AgentTypes) > 0 {
			c.NumAgents = len(c.AgentTypes)
		} else {
			c.NumAgents = DefaultNumAgents
		}
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = DefaultAgentTimeout
	}
	return c
}

// decomposer builds one SubTask per selected agent type: either the
// caller's explicit allow-list or the keyword-classified distribution.
type decomposer struct {
	cfg Config
}

// NewDecomposer constructs the Swarm task decomposer.
func NewDecomposer(cfg Config) orchestrator.Decomposer {
	return &decomposer{cfg: cfg.withDefaults()}
}

func (d *decomposer) Decompose(ctx context.Context, task string) ([]workflow.SubTask, error) {
	types := d.cfg.AgentTypes
	if len(types) == 0 {
		types = Classify(task, d.cfg.NumAgents)
	}
	subtasks := make([]workflow.SubTask, len(types))
	for i, t := range types {
		subtasks[i] = workflow.SubTask{
			ID:          ident.NewSubTaskID(),
			Description: task,
			TargetType:  t,
			Priority:    i,
		}
	}
	return subtasks, nil
}

// promptTemplates gives each agent type a role-specific system prompt.
var promptTemplates = map[workflow.AgentType]string{
	workflow.AgentText:      "You are a general text research agent. Answer the query directly and concisely.",
	workflow.AgentImage:     "You are an image-search agent. Describe the most relevant visual results for the query.",
	workflow.AgentVideo:     "You are a video-search agent. Describe the most relevant video results for the query.",
	workflow.AgentNews:      "You are a news-search agent. Summarise the most relevant recent coverage of the query.",
	workflow.AgentAcademic:  "You are an academic-search agent. Summarise relevant papers, studies, and preprints.",
	workflow.AgentSocial:    "You are a social-media-search agent. Summarise relevant discussion and sentiment.",
	workflow.AgentProduct:   "You are a product-search agent. Summarise relevant pricing, reviews, and comparisons.",
	workflow.AgentTechnical: "You are a technical-search agent. Summarise relevant documentation and troubleshooting steps.",
	workflow.AgentGeneral:   "You are a general-purpose research agent. Answer the query as thoroughly as you can.",
}

// executor runs one agent's single provider call against an agent-type
// specific prompt. No inter-agent communication occurs.
type executor struct {
	cfg   Config
	cache *provider.Cache
}

// NewExecutor constructs the Swarm SubtaskExecutor.
func NewExecutor(cfg Config, cache *provider.Cache) orchestrator.SubtaskExecutor {
	return &executor{cfg: cfg.withDefaults(), cache: cache}
}

func (e *executor) Execute(ctx context.Context, subtask workflow.SubTask) (workflow.AgentResult, error) {
	client, err := e.cache.Get(e.cfg.ProviderName, e.cfg.Model)
	if err != nil {
		return workflow.AgentResult{}, err
	}
	prompt, ok := promptTemplates[subtask.TargetType]
	if !ok {
		prompt = promptTemplates[workflow.AgentGeneral]
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AgentTimeout)
	defer cancel()
	start := time.Now()
	resp, err := client.Complete(ctx, provider.Request{
		Model: e.cfg.Model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: prompt},
			{Role: provider.RoleUser, Content: subtask.Description},
		},
	})
	if err != nil {
		return workflow.AgentResult{}, err
	}
	return workflow.AgentResult{
		AgentType: subtask.TargetType,
		Content:   resp.Content,
		Status:    workflow.StatusCompleted,
		Duration:  time.Since(start),
		Cost:      resp.Cost,
	}, nil
}

// synthesiser collapses every agent result into one final text. Unlike
// Beltalowda there is only one tier, so a single synthesis_started /
// synthesis_completed pair at level=executive is emitted.
type synthesiser struct {
	cfg   Config
	cache *provider.Cache
	bus   orchestrator.EventBus
}

// NewSynthesiser constructs the Swarm Synthesiser.
func NewSynthesiser(cfg Config, cache *provider.Cache, bus orchestrator.EventBus) orchestrator.Synthesiser {
	return &synthesiser{cfg: cfg.withDefaults(), cache: cache, bus: bus}
}

func (s *synthesiser) Synthesise(ctx context.Context, workflowID ident.WorkflowID, results []workflow.AgentResult) ([]workflow.SynthesisResult, string, error) {
	var contents []string
	var ids []ident.AgentID
	for _, r := range results {
		if r.Status == workflow.StatusCompleted {
			contents = append(contents, fmt.Sprintf("[%s] %s", r.AgentType, r.Content))
			ids = append(ids, r.ID)
		}
	}
	if len(contents) == 0 {
		return nil, "", nil
	}

	s.emit(ctx, workflowID, workflow.EventSynthesisStarted, map[string]any{"level": string(workflow.SynthesisExecutive), "input_count": len(contents)})

	client, err := s.cache.Get(s.cfg.ProviderName, s.cfg.Model)
	if err != nil {
		return nil, "", err
	}
	start := time.Now()
	resp, err := client.Complete(ctx, provider.Request{
		Model: s.cfg.Model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "Combine the findings from each specialised agent into one coherent answer."},
			{Role: provider.RoleUser, Content: strings.Join(contents, "\n\n")},
		},
	})
	if err != nil {
		return nil, "", err
	}

	result := workflow.SynthesisResult{
		ID: ident.NewAgentID(), Level: workflow.SynthesisExecutive, Content: resp.Content,
		ContributingIDs: ids, Duration: time.Since(start), Cost: resp.Cost,
	}
	s.emit(ctx, workflowID, workflow.EventSynthesisComplete, map[string]any{"level": string(workflow.SynthesisExecutive), "output_length": len(resp.Content), "cost": resp.Cost})
	return []workflow.SynthesisResult{result}, resp.Content, nil
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
