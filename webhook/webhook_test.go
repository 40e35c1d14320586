package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/workflow"
)

func testEvent(id ident.WorkflowID) workflow.StreamEvent {
	return workflow.StreamEvent{
		WorkflowID: id, Seq: 1, Type: workflow.EventWorkflowStarted,
		Timestamp: time.Now(), Payload: json.RawMessage(`{"ok":true}`),
	}
}

func TestDeliverSuccess(t *testing.T) {
	var received int32
	var gotEvent, gotWorkflow string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		gotEvent = r.Header.Get("X-Dreamwalker-Event")
		gotWorkflow = r.Header.Get("X-Dreamwalker-Workflow-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(WithHTTPClient(srv.Client()))
	id := ident.NewWorkflowID()
	require.NoError(t, d.Register(id, srv.URL, ""))

	require.NoError(t, d.Deliver(t.Context(), testEvent(id)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&received))
	assert.Equal(t, string(workflow.EventWorkflowStarted), gotEvent)
	assert.Equal(t, id.String(), gotWorkflow)

	reg, ok := d.Registration(id)
	require.True(t, ok)
	assert.Equal(t, 1, reg.Delivered)
}

func TestDeliverSignsPayloadWhenSecretSet(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Dreamwalker-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(WithHTTPClient(srv.Client()))
	id := ident.NewWorkflowID()
	require.NoError(t, d.Register(id, srv.URL, "shh"))
	require.NoError(t, d.Deliver(t.Context(), testEvent(id)))

	assert.NotEmpty(t, gotSig)
}

func TestDeliverNoRegistrationIsNoop(t *testing.T) {
	d := New()
	err := d.Deliver(t.Context(), testEvent(ident.NewWorkflowID()))
	assert.NoError(t, err)
}

func TestDeliverTerminalFailureMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := New(WithHTTPClient(srv.Client()))
	id := ident.NewWorkflowID()
	require.NoError(t, d.Register(id, srv.URL, ""))

	err := d.Deliver(t.Context(), testEvent(id))
	require.Error(t, err)

	reg, ok := d.Registration(id)
	require.True(t, ok)
	assert.Equal(t, 1, reg.Failed)
}

func TestDeliverRetryableFailureEnqueuesRetry(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(WithHTTPClient(srv.Client()))
	id := ident.NewWorkflowID()
	require.NoError(t, d.Register(id, srv.URL, ""))

	err := d.Deliver(t.Context(), testEvent(id))
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	// backoff(1) is 1s; wait past it and process the retry queue.
	time.Sleep(1100 * time.Millisecond)
	d.ProcessRetries(t.Context())
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	reg, ok := d.Registration(id)
	require.True(t, ok)
	assert.Equal(t, 1, reg.Delivered)
}
