package swarm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/provider"
	"github.com/lukeslp/dreamwalker/workflow"
)

type stubClient struct {
	content string
	fail    bool
	lastReq provider.Request
}

func (c *stubClient) Name() string { return "stub" }
func (c *stubClient) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	c.lastReq = req
	if c.fail {
		return provider.Response{}, &provider.Error{Provider: "stub", Kind: provider.ErrorKindUnavailable}
	}
	return provider.Response{Content: c.content}, nil
}

func newCache(client provider.Client) *provider.Cache {
	return provider.NewCache(func(model string) (provider.Client, error) { return client, nil })
}

func TestClassifyMatchesKnownKeyword(t *testing.T) {
	types := Classify("find me the latest research paper on this", 3)
	require.Len(t, types, 3)
	for _, ty := range types {
		assert.Equal(t, workflow.AgentAcademic, ty)
	}
}

func TestClassifyNoMatchDefaultsToGeneral(t *testing.T) {
	types := Classify("xyzzy plugh", 2)
	assert.Equal(t, []workflow.AgentType{workflow.AgentGeneral, workflow.AgentGeneral}, types)
}

func TestClassifyCyclesThroughMultipleMatches(t *testing.T) {
	types := Classify("breaking news about the stock price", 4)
	require.Len(t, types, 4)
	assert.Contains(t, types, workflow.AgentNews)
	assert.Contains(t, types, workflow.AgentProduct)
}

func TestClassifyDefaultsNumAgentsWhenZero(t *testing.T) {
	types := Classify("general query", 0)
	assert.Len(t, types, DefaultNumAgents)
}

func TestDecomposeUsesExplicitAllowList(t *testing.T) {
	d := NewDecomposer(Config{AgentTypes: []workflow.AgentType{workflow.AgentNews, workflow.AgentTechnical}})
	subs, err := d.Decompose(context.Background(), "anything")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, workflow.AgentNews, subs[0].TargetType)
	assert.Equal(t, workflow.AgentTechnical, subs[1].TargetType)
}

func TestDecomposeFallsBackToClassification(t *testing.T) {
	d := NewDecomposer(Config{NumAgents: 2})
	subs, err := d.Decompose(context.Background(), "breaking news today")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, workflow.AgentNews, subs[0].TargetType)
}

func TestExecutorUsesAgentTypeSpecificPrompt(t *testing.T) {
	client := &stubClient{content: "result"}
	exec := NewExecutor(Config{}, newCache(client))

	result, err := exec.Execute(context.Background(), workflow.SubTask{
		ID: ident.NewSubTaskID(), TargetType: workflow.AgentAcademic, Description: "q",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.AgentAcademic, result.AgentType)
	assert.Equal(t, "result", result.Content)
	require.NotEmpty(t, client.lastReq.Messages)
	assert.Equal(t, promptTemplates[workflow.AgentAcademic], client.lastReq.Messages[0].Content)
}

func TestExecutorPropagatesProviderError(t *testing.T) {
	client := &stubClient{fail: true}
	exec := NewExecutor(Config{}, newCache(client))

	_, err := exec.Execute(context.Background(), workflow.SubTask{TargetType: workflow.AgentGeneral})
	require.Error(t, err)
}

func TestSynthesiseCombinesTaggedContent(t *testing.T) {
	client := &stubClient{content: "combined answer"}
	synth := NewSynthesiser(Config{}, newCache(client), nil)

	results := []workflow.AgentResult{
		{ID: ident.NewAgentID(), AgentType: workflow.AgentNews, Status: workflow.StatusCompleted, Content: "news finding"},
		{ID: ident.NewAgentID(), AgentType: workflow.AgentTechnical, Status: workflow.StatusCompleted, Content: "tech finding"},
		{Status: workflow.StatusFailed},
	}

	syntheses, finalText, err := synth.Synthesise(context.Background(), ident.NewWorkflowID(), results)
	require.NoError(t, err)
	assert.Equal(t, "combined answer", finalText)
	require.Len(t, syntheses, 1)
	assert.Equal(t, workflow.SynthesisExecutive, syntheses[0].Level)
	assert.Len(t, syntheses[0].ContributingIDs, 2)
}

func TestSynthesiseNoSuccessesReturnsEmptyWithoutCallingProvider(t *testing.T) {
	called := false
	cache := provider.NewCache(func(model string) (provider.Client, error) {
		called = true
		return &stubClient{}, nil
	})
	synth := NewSynthesiser(Config{}, cache, nil)

	syntheses, finalText, err := synth.Synthesise(context.Background(), ident.NewWorkflowID(), []workflow.AgentResult{
		{Status: workflow.StatusFailed},
	})
	require.NoError(t, err)
	assert.Empty(t, finalText)
	assert.Empty(t, syntheses)
	assert.False(t, called)
}
