package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukeslp/dreamwalker/dwerrors"
	"github.com/lukeslp/dreamwalker/orchestrator"
	"github.com/lukeslp/dreamwalker/statestore"
	"github.com/lukeslp/dreamwalker/streambus"
	"github.com/lukeslp/dreamwalker/webhook"
	"github.com/lukeslp/dreamwalker/workflow"
)

type stubRunner struct {
	delay  time.Duration
	result workflow.OrchestratorResult
	err    error
}

func (r stubRunner) Run(ctx context.Context, in orchestrator.RunInput) (workflow.OrchestratorResult, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return workflow.OrchestratorResult{WorkflowID: in.WorkflowID, Status: workflow.StatusRunning}, ctx.Err()
		}
	}
	res := r.result
	res.WorkflowID = in.WorkflowID
	return res, r.err
}

func newTestSupervisor() (*Supervisor, *statestore.Store) {
	store := statestore.New()
	bus := streambus.New()
	webhooks := webhook.New()
	return New(store, bus, webhooks), store
}

func TestSubmitRunsToCompletion(t *testing.T) {
	sup, _ := newTestSupervisor()
	runner := stubRunner{result: workflow.OrchestratorResult{Status: workflow.StatusCompleted, FinalText: "done"}}

	id, err := sup.Submit(context.Background(), "test", "task", nil, runner, orchestrator.RunInput{}, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rec, err := sup.Status(id)
		require.NoError(t, err)
		if rec.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec, err := sup.Status(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, rec.Status)

	result, err := sup.Result(id)
	require.NoError(t, err)
	assert.Equal(t, "done", result.FinalText)
}

func TestCancelStopsInFlightWorkflow(t *testing.T) {
	sup, _ := newTestSupervisor()
	runner := stubRunner{delay: 2 * time.Second}

	id, err := sup.Submit(context.Background(), "test", "task", nil, runner, orchestrator.RunInput{}, nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, sup.Cancel(context.Background(), id))

	rec, err := sup.Status(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, rec.Status)
}

func TestCancelUnknownWorkflowErrors(t *testing.T) {
	sup, _ := newTestSupervisor()
	err := sup.Cancel(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, dwerrors.KindUnknownWorkflow, dwerrors.KindOf(err))
}

func TestCancelTerminalWorkflowIsIdempotent(t *testing.T) {
	sup, _ := newTestSupervisor()
	runner := stubRunner{result: workflow.OrchestratorResult{Status: workflow.StatusCompleted}}
	id, err := sup.Submit(context.Background(), "test", "task", nil, runner, orchestrator.RunInput{}, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rec, _ := sup.Status(id)
		if rec.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	assert.NoError(t, sup.Cancel(context.Background(), id))
}

func TestStatusUnknownWorkflowErrors(t *testing.T) {
	sup, _ := newTestSupervisor()
	_, err := sup.Status("nope")
	require.Error(t, err)
	assert.Equal(t, dwerrors.KindUnknownWorkflow, dwerrors.KindOf(err))
}

func TestResultBeforeCompletionErrors(t *testing.T) {
	sup, _ := newTestSupervisor()
	runner := stubRunner{delay: time.Second}
	id, err := sup.Submit(context.Background(), "test", "task", nil, runner, orchestrator.RunInput{}, nil)
	require.NoError(t, err)

	_, err = sup.Result(id)
	require.Error(t, err)
	assert.Equal(t, dwerrors.KindInternal, dwerrors.KindOf(err))
	_ = sup.Cancel(context.Background(), id)
}

func TestShutdownRejectsNewSubmissions(t *testing.T) {
	sup, _ := newTestSupervisor()
	require.NoError(t, sup.Shutdown(context.Background()))

	_, err := sup.Submit(context.Background(), "test", "task", nil, stubRunner{}, orchestrator.RunInput{}, nil)
	require.Error(t, err)
	assert.Equal(t, dwerrors.KindShutdown, dwerrors.KindOf(err))
}

func TestShutdownAwaitsInFlightWorkflows(t *testing.T) {
	sup, _ := newTestSupervisor()
	runner := stubRunner{delay: 50 * time.Millisecond}
	_, err := sup.Submit(context.Background(), "test", "task", nil, runner, orchestrator.RunInput{}, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(shutdownCtx))
}
