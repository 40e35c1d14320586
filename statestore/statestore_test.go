package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukeslp/dreamwalker/dwerrors"
	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/workflow"
)

func newRecord(id ident.WorkflowID) workflow.Record {
	return workflow.Record{WorkflowID: id, Pattern: "beltalowda", Status: workflow.StatusPending}
}

func TestCreateAndTransition(t *testing.T) {
	s := New()
	id := ident.NewWorkflowID()
	require.NoError(t, s.Create(context.Background(), newRecord(id)))

	rec, ok := s.GetRecord(id)
	require.True(t, ok)
	assert.Equal(t, workflow.StatusPending, rec.Status)

	require.NoError(t, s.Transition(context.Background(), id, workflow.StatusRunning, nil))
	rec, ok = s.GetRecord(id)
	require.True(t, ok)
	assert.Equal(t, workflow.StatusRunning, rec.Status)
	assert.False(t, rec.Timestamps.Started.IsZero())
}

func TestCreateRejectsOverActiveBound(t *testing.T) {
	s := New(WithConfig(Config{MaxActive: 1}))
	require.NoError(t, s.Create(context.Background(), newRecord(ident.NewWorkflowID())))

	err := s.Create(context.Background(), newRecord(ident.NewWorkflowID()))
	require.Error(t, err)
	assert.Equal(t, dwerrors.KindTooManyActive, dwerrors.KindOf(err))
}

func TestCompleteMovesToCompletedTier(t *testing.T) {
	s := New()
	id := ident.NewWorkflowID()
	require.NoError(t, s.Create(context.Background(), newRecord(id)))
	require.NoError(t, s.Transition(context.Background(), id, workflow.StatusRunning, nil))

	result := workflow.OrchestratorResult{WorkflowID: id, Status: workflow.StatusCompleted}
	require.NoError(t, s.Complete(context.Background(), id, result))

	_, activeOK := func() (workflow.Record, bool) {
		r, ok := s.GetRecord(id)
		return r, ok
	}()
	assert.True(t, activeOK)

	got, ok := s.GetResult(id)
	require.True(t, ok)
	assert.Equal(t, workflow.StatusCompleted, got.Status)

	ids := s.ActiveIDs()
	assert.NotContains(t, ids, id)
}

func TestCompleteRequiresTerminalStatus(t *testing.T) {
	s := New()
	id := ident.NewWorkflowID()
	require.NoError(t, s.Create(context.Background(), newRecord(id)))

	err := s.Complete(context.Background(), id, workflow.OrchestratorResult{Status: workflow.StatusRunning})
	require.Error(t, err)
	assert.Equal(t, dwerrors.KindInternal, dwerrors.KindOf(err))
}

func TestEvictionIsStrictlyByCompletionOrder(t *testing.T) {
	// This is the regression test for the spec's documented source bug:
	// eviction must follow completion order, never execution duration.
	s := New(WithConfig(Config{CompletedRetention: 2}))

	var ids []ident.WorkflowID
	for i := 0; i < 3; i++ {
		id := ident.NewWorkflowID()
		ids = append(ids, id)
		require.NoError(t, s.Create(context.Background(), newRecord(id)))
		require.NoError(t, s.Transition(context.Background(), id, workflow.StatusRunning, nil))
	}

	// Complete the first workflow with the longest duration and the other
	// two with short durations, in order. The long-running first workflow
	// must still be evicted first because it completed first.
	require.NoError(t, s.Complete(context.Background(), ids[0], workflow.OrchestratorResult{
		WorkflowID: ids[0], Status: workflow.StatusCompleted, TotalDuration: time.Hour,
	}))
	require.NoError(t, s.Complete(context.Background(), ids[1], workflow.OrchestratorResult{
		WorkflowID: ids[1], Status: workflow.StatusCompleted, TotalDuration: time.Millisecond,
	}))
	require.NoError(t, s.Complete(context.Background(), ids[2], workflow.OrchestratorResult{
		WorkflowID: ids[2], Status: workflow.StatusCompleted, TotalDuration: time.Millisecond,
	}))

	_, ok := s.GetResult(ids[0])
	assert.False(t, ok, "oldest-by-completion-time entry should have been evicted")
	_, ok = s.GetResult(ids[1])
	assert.True(t, ok)
	_, ok = s.GetResult(ids[2])
	assert.True(t, ok)
}

func TestEvictExpiredRemovesOldCompletions(t *testing.T) {
	s := New(WithConfig(Config{RetentionWindow: time.Minute}))
	id := ident.NewWorkflowID()
	require.NoError(t, s.Create(context.Background(), newRecord(id)))
	require.NoError(t, s.Transition(context.Background(), id, workflow.StatusRunning, nil))
	require.NoError(t, s.Complete(context.Background(), id, workflow.OrchestratorResult{WorkflowID: id, Status: workflow.StatusCompleted}))

	removed := s.EvictExpired(context.Background(), time.Now().Add(2*time.Minute))
	assert.Equal(t, 1, removed)
	_, ok := s.GetResult(id)
	assert.False(t, ok)
}

func TestGetRecordUnknownWorkflow(t *testing.T) {
	s := New()
	_, ok := s.GetRecord(ident.NewWorkflowID())
	assert.False(t, ok)
}
