package streaming

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/schema"
)

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := schema.ProgressEvent{Type: schema.EventStepStarted, Workflow: "deploy", Step: "build"}
	require.NoError(t, hub.Publish(ctx, event))

	got := <-ch
	assert.Equal(t, schema.EventStepStarted, got.Type)
	assert.Equal(t, "build", got.Step)
}

func TestMemoryHub_FilterByWorkflowAndType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		Workflow:   "deploy",
		EventTypes: []string{schema.EventStepCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{Type: schema.EventStepStarted, Workflow: "deploy"}))
	require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{Type: schema.EventStepCompleted, Workflow: "other"}))
	require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{Type: schema.EventStepCompleted, Workflow: "deploy", Step: "build"}))

	got := <-ch
	assert.Equal(t, schema.EventStepCompleted, got.Type)
	assert.Equal(t, "deploy", got.Workflow)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestMemoryHub_CancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{Type: schema.EventWorkflowStarted}))
	select {
	case e := <-ch:
		t.Fatalf("event delivered after cancel: %+v", e)
	default:
	}
}

func TestMemoryHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Fill well past the channel buffer; Publish must never block.
	for i := 0; i < defaultChannelBuffer*2; i++ {
		require.NoError(t, hub.Publish(ctx, schema.ProgressEvent{Type: schema.EventStepStarted}))
	}
}
