// Package toolsurface implements the MCP-visible verbs (spec §4.9): thin
// projections over the supervisor, state store, and tool registry that
// return a uniform {ok, ...} envelope. Each verb validates its own
// arguments and otherwise only dispatches; no orchestration logic lives
// here. Grounded on the teacher's runtime/mcp request/response envelope
// idiom, generalised from Goa-generated transport types to a
// transport-agnostic Go struct this spec's tool surface can serialise
// however the caller's outer transport (out of scope) wants.
package toolsurface

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lukeslp/dreamwalker/dwerrors"
	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/orchestrator"
	"github.com/lukeslp/dreamwalker/orchestrator/beltalowda"
	"github.com/lukeslp/dreamwalker/orchestrator/swarm"
	"github.com/lukeslp/dreamwalker/provider"
	"github.com/lukeslp/dreamwalker/streambus"
	"github.com/lukeslp/dreamwalker/supervisor"
	"github.com/lukeslp/dreamwalker/toolregistry"
	"github.com/lukeslp/dreamwalker/workflow"
)

// Response is the uniform envelope every verb returns: {ok:true, data:...}
// on success, {ok:false, kind, message} on failure.
type Response struct {
	OK      bool   `json:"ok"`
	Data    any    `json:"data,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

func ok(data any) Response { return Response{OK: true, Data: data} }

func fail(err error) Response {
	if e, as := dwerrors.As(err); as {
		return Response{OK: false, Kind: string(e.Kind), Message: e.Message}
	}
	return Response{OK: false, Kind: string(dwerrors.KindInternal), Message: err.Error()}
}

// WebhookRequest is the caller-supplied delivery target for a workflow's
// stream events.
type WebhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// HierarchicalConfig is the decoded request body for start_hierarchical.
// EnableMid/EnableExecutive default to true when omitted.
type HierarchicalConfig struct {
	NumWorkers              int    `json:"num_workers,omitempty"`
	GroupSize               int    `json:"group_size,omitempty"`
	EnableMid               *bool  `json:"enable_mid,omitempty"`
	EnableExecutive         *bool  `json:"enable_executive,omitempty"`
	Provider                string `json:"provider,omitempty"`
	WorkerModel             string `json:"worker_model,omitempty"`
	MidModel                string `json:"mid_model,omitempty"`
	ExecutiveModel          string `json:"executive_model,omitempty"`
	Concurrency             int    `json:"concurrency,omitempty"`
	WorkerTimeoutSeconds    int    `json:"worker_timeout_seconds,omitempty"`
	MidTimeoutSeconds       int    `json:"mid_timeout_seconds,omitempty"`
	ExecutiveTimeoutSeconds int    `json:"executive_timeout_seconds,omitempty"`
	WorkflowTimeoutSeconds  int    `json:"workflow_timeout_seconds,omitempty"`
	Render                  bool   `json:"render,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// SwarmConfig is the decoded request body for start_swarm.
type SwarmConfig struct {
	NumAgents           int      `json:"num_agents,omitempty"`
	AgentTypes          []string `json:"agent_types,omitempty"`
	Provider            string   `json:"provider,omitempty"`
	Model               string   `json:"model,omitempty"`
	Concurrency         int      `json:"concurrency,omitempty"`
	AgentTimeoutSeconds int      `json:"agent_timeout_seconds,omitempty"`
	WorkflowTimeoutSeconds int   `json:"workflow_timeout_seconds,omitempty"`
	Render              bool     `json:"render,omitempty"`
}

// Surface wires the tool-surface verbs to the supervisor, registry, stream
// bus, and provider cache.
type Surface struct {
	supervisor *supervisor.Supervisor
	registry   *toolregistry.Registry
	bus        *streambus.Bus
	providers  *provider.Cache
}

// New constructs a Surface. All arguments must be non-nil.
func New(sup *supervisor.Supervisor, reg *toolregistry.Registry, bus *streambus.Bus, providers *provider.Cache) *Surface {
	return &Surface{supervisor: sup, registry: reg, bus: bus, providers: providers}
}

// StartHierarchical submits a Beltalowda workflow.
func (s *Surface) StartHierarchical(ctx context.Context, task string, cfg *HierarchicalConfig, wh *WebhookRequest) Response {
	if task == "" {
		return fail(dwerrors.New(dwerrors.KindInvalidArguments, "task must not be empty").WithField("task"))
	}
	if cfg == nil {
		cfg = &HierarchicalConfig{}
	}

	bCfg := beltalowda.Config{
		NumWorkers: cfg.NumWorkers, GroupSize: cfg.GroupSize,
		EnableMid: boolOr(cfg.EnableMid, true), EnableExecutive: boolOr(cfg.EnableExecutive, true),
		ProviderName: cfg.Provider, WorkerModel: cfg.WorkerModel, MidModel: cfg.MidModel, ExecutiveModel: cfg.ExecutiveModel,
		WorkerTimeout: seconds(cfg.WorkerTimeoutSeconds), MidTimeout: seconds(cfg.MidTimeoutSeconds), ExecutiveTimeout: seconds(cfg.ExecutiveTimeoutSeconds),
	}.WithDefaults()

	decomposer := beltalowda.NewDecomposer(bCfg, s.providers)
	executor := beltalowda.NewWorkerExecutor(bCfg, s.providers)
	synth := beltalowda.NewSynthesiser(bCfg, s.providers, s.bus)

	oCfg := orchestrator.Config{Concurrency: cfg.Concurrency, SubtaskTimeout: bCfg.WorkerTimeout, WorkflowTimeout: seconds(cfg.WorkflowTimeoutSeconds)}
	base := orchestrator.NewBase(s.bus, decomposer, executor, synth, orchestrator.WithConfig(oCfg))

	in := orchestrator.RunInput{
		Title: task, Task: task, NumAgentsHint: bCfg.NumWorkers,
		SynthesisEnabled: bCfg.SynthesisEnabled(), RenderRequested: cfg.Render,
	}

	snapshot, _ := json.Marshal(cfg)
	var whSpec *supervisor.WebhookSpec
	if wh != nil && wh.URL != "" {
		whSpec = &supervisor.WebhookSpec{URL: wh.URL, Secret: wh.Secret}
	}

	id, err := s.supervisor.Submit(ctx, "beltalowda", task, snapshot, base, in, whSpec)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"workflow_id": id.String()})
}

// StartSwarm submits a Swarm workflow.
func (s *Surface) StartSwarm(ctx context.Context, query string, cfg *SwarmConfig, wh *WebhookRequest) Response {
	if query == "" {
		return fail(dwerrors.New(dwerrors.KindInvalidArguments, "query must not be empty").WithField("query"))
	}
	if cfg == nil {
		cfg = &SwarmConfig{}
	}

	var types []workflow.AgentType
	for _, t := range cfg.AgentTypes {
		types = append(types, workflow.AgentType(t))
	}

	sCfg := swarm.Config{
		NumAgents: cfg.NumAgents, AgentTypes: types, ProviderName: cfg.Provider, Model: cfg.Model,
		AgentTimeout: seconds(cfg.AgentTimeoutSeconds),
	}

	decomposer := swarm.NewDecomposer(sCfg)
	executor := swarm.NewExecutor(sCfg, s.providers)
	synth := swarm.NewSynthesiser(sCfg, s.providers, s.bus)

	oCfg := orchestrator.Config{Concurrency: cfg.Concurrency, SubtaskTimeout: seconds(cfg.AgentTimeoutSeconds), WorkflowTimeout: seconds(cfg.WorkflowTimeoutSeconds)}
	base := orchestrator.NewBase(s.bus, decomposer, executor, synth, orchestrator.WithConfig(oCfg))

	in := orchestrator.RunInput{
		Title: query, Task: query, NumAgentsHint: len(types),
		SynthesisEnabled: true, RenderRequested: cfg.Render,
	}

	snapshot, _ := json.Marshal(cfg)
	var whSpec *supervisor.WebhookSpec
	if wh != nil && wh.URL != "" {
		whSpec = &supervisor.WebhookSpec{URL: wh.URL, Secret: wh.Secret}
	}

	id, err := s.supervisor.Submit(ctx, "swarm", query, snapshot, base, in, whSpec)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"workflow_id": id.String()})
}

// Status returns the current lifecycle record for a workflow.
func (s *Surface) Status(workflowID string) Response {
	rec, err := s.supervisor.Status(ident.WorkflowID(workflowID))
	if err != nil {
		return fail(err)
	}
	errMsg := ""
	if rec.Error != nil {
		errMsg = rec.Error.Error()
	}
	return ok(map[string]any{
		"workflow_id": rec.WorkflowID.String(), "pattern": rec.Pattern, "status": string(rec.Status),
		"created_at": rec.Timestamps.Created, "started_at": rec.Timestamps.Started, "completed_at": rec.Timestamps.Completed,
		"error": errMsg,
	})
}

// Cancel proxies to the supervisor.
func (s *Surface) Cancel(ctx context.Context, workflowID string) Response {
	if err := s.supervisor.Cancel(ctx, ident.WorkflowID(workflowID)); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"workflow_id": workflowID, "cancelled": true})
}

// Result returns the terminal OrchestratorResult for a workflow, if any.
func (s *Surface) Result(workflowID string) Response {
	res, err := s.supervisor.Result(ident.WorkflowID(workflowID))
	if err != nil {
		return fail(err)
	}
	return ok(res)
}

// ListPatterns returns display metadata for the two orchestration patterns.
func (s *Surface) ListPatterns() Response {
	return ok([]map[string]any{
		{
			"name": "beltalowda", "display_name": "Beltalowda (hierarchical synthesis)",
			"defaults": map[string]any{"num_workers": beltalowda.DefaultNumWorkers, "group_size": beltalowda.DefaultGroupSize},
			"agent_types": []string{string(workflow.AgentWorker), string(workflow.AgentSynthesiser), string(workflow.AgentExecutive)},
		},
		{
			"name": "swarm", "display_name": "Swarm (typed specialisation)",
			"defaults": map[string]any{"num_agents": swarm.DefaultNumAgents},
			"agent_types": []string{
				string(workflow.AgentText), string(workflow.AgentImage), string(workflow.AgentVideo), string(workflow.AgentNews),
				string(workflow.AgentAcademic), string(workflow.AgentSocial), string(workflow.AgentProduct),
				string(workflow.AgentTechnical), string(workflow.AgentGeneral),
			},
		},
	})
}

// ListTools proxies to the tool registry.
func (s *Surface) ListTools(filter toolregistry.Filter) Response {
	return ok(s.registry.List(filter))
}

// ExecuteTool proxies to the tool registry.
func (s *Surface) ExecuteTool(ctx context.Context, name, namespace string, args json.RawMessage) Response {
	result, err := s.registry.Execute(ctx, name, namespace, args)
	if err != nil {
		return fail(err)
	}
	return ok(result)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
