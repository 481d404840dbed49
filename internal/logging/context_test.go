package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, Workflow(ctx))
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, StepPath(ctx))

	ctx = WithWorkflow(ctx, "deploy")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithStepPath(ctx, "build/[0]/compile")

	assert.Equal(t, "deploy", Workflow(ctx))
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "build/[0]/compile", StepPath(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithStepPath(WithRunID(WithWorkflow(context.Background(), "deploy"), "run-1"), "build")
	logger.InfoContext(ctx, "step started")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "deploy", record["workflow"])
	assert.Equal(t, "run-1", record["run_id"])
	assert.Equal(t, "build", record["step_path"])
	assert.Equal(t, "step started", record["msg"])
}

func TestCorrelationHandler_NoIDsNoAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	_, hasWorkflow := record["workflow"]
	assert.False(t, hasWorkflow)
}

func TestCorrelationHandler_PreservesWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).With("component", "executor")

	logger.InfoContext(WithWorkflow(context.Background(), "deploy"), "ready")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "executor", record["component"])
	assert.Equal(t, "deploy", record["workflow"])
}
