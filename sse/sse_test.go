package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/streambus"
	"github.com/lukeslp/dreamwalker/workflow"
)

func TestServeWorkflowStreamsPublishedEvents(t *testing.T) {
	bus := streambus.New()
	wfID := ident.NewWorkflowID()
	h := New(bus)

	// The stream must exist before the request (an unknown workflow is a
	// 404); without Last-Event-ID the handler then streams from the tail.
	_, err := bus.Publish(context.Background(), wfID, workflow.EventWorkflowStarted, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWorkflow(w, r, wfID)
	}))
	defer srv.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = bus.Publish(context.Background(), wfID, workflow.EventTaskDecomposed, nil)
		time.Sleep(10 * time.Millisecond)
		bus.Close(wfID)
	}()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "event: task_decomposed")
	assert.Contains(t, joined, "id: 1")
}

func TestServeWorkflowUnknownWorkflowReturns404(t *testing.T) {
	bus := streambus.New()
	h := New(bus)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWorkflow(w, r, ident.NewWorkflowID())
	}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeWorkflowResumesFromLastEventID(t *testing.T) {
	bus := streambus.New()
	wfID := ident.NewWorkflowID()
	h := New(bus)

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(context.Background(), wfID, workflow.EventAgentStarted, nil)
		require.NoError(t, err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWorkflow(w, r, wfID)
	}))
	defer srv.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Close(wfID)
	}()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "id: 2")
	assert.NotContains(t, joined, "id: 0\n")
	assert.NotContains(t, joined, "id: 1\n")
}
