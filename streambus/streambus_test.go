package streambus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/workflow"
)

func TestPublishSubscribeOrdering(t *testing.T) {
	bus := New()
	wfID := ident.NewWorkflowID()

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(context.Background(), wfID, workflow.EventAgentStarted, nil)
		require.NoError(t, err)
	}

	// Subscribe only attaches to a stream that exists, so replay from 0.
	from := uint64(0)
	sub, err := bus.Subscribe(wfID, &from)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var seqs []uint64
	for i := 0; i < 5; i++ {
		evt, ok, err := sub.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		seqs = append(seqs, evt.Seq)
	}
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, seqs)
}

func TestSubscribeReplayFromSeq(t *testing.T) {
	bus := New()
	wfID := ident.NewWorkflowID()

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(context.Background(), wfID, workflow.EventAgentCompleted, nil)
		require.NoError(t, err)
	}

	from := uint64(1)
	sub, err := bus.Subscribe(wfID, &from)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	evt, ok, err := sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), evt.Seq)
}

func TestPublishDropsOldestUnderBackpressure(t *testing.T) {
	bus := New(WithConfig(Config{Capacity: 2, PublishDeadline: 10 * time.Millisecond}))
	wfID := ident.NewWorkflowID()

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(context.Background(), wfID, workflow.EventAgentStarted, nil)
		require.NoError(t, err)
	}

	// With no subscriber to wait for, each of the last three publishes drops
	// the oldest retained event.
	assert.Equal(t, uint64(3), bus.DroppedCount(wfID))
}

func TestCloseAllowsGraceThenReaps(t *testing.T) {
	bus := New(WithConfig(Config{CloseGrace: 10 * time.Millisecond}))
	wfID := ident.NewWorkflowID()

	_, err := bus.Publish(context.Background(), wfID, workflow.EventWorkflowCompleted, nil)
	require.NoError(t, err)
	from := uint64(0)
	sub, err := bus.Subscribe(wfID, &from)
	require.NoError(t, err)

	bus.Close(wfID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, ok, err := sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.EventWorkflowCompleted, evt.Type)

	time.Sleep(20 * time.Millisecond)
	bus.Reap(time.Now())

	_, err = bus.Subscribe(wfID, nil)
	assert.Error(t, err)
}
