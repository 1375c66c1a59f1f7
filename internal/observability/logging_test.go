package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerDefaultsToJSONInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Output: &buf})

	log.Debug(context.Background(), "should not appear")
	require.Empty(t, buf.String())

	log.Info(context.Background(), "hello")
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "hello", record["msg"])
}

func TestNewLoggerDebugLevelEnablesDebugRecords(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Output: &buf, Level: "debug"})

	log.Debug(context.Background(), "verbose detail")
	require.Contains(t, buf.String(), "verbose detail")
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Output: &buf, Format: "text"})

	log.Info(context.Background(), "plain")
	require.Contains(t, buf.String(), "msg=plain")
}

func TestCorrelationFieldsAttachedFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Output: &buf})

	ctx := WithAgentID(context.Background(), "agent-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithTurn(ctx, 3)

	log.Info(ctx, "turn completed")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "agent-1", record["agent_id"])
	require.Equal(t, "task-1", record["task_id"])
	require.Equal(t, float64(3), record["turn"])
}

func TestWithTaskIDIgnoresEmptyValue(t *testing.T) {
	ctx := WithTaskID(context.Background(), "")
	require.Equal(t, context.Background(), ctx)
}

func TestWithReturnsChildLoggerCarryingFixedFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Output: &buf}).With("component", "scheduler")

	log.Info(context.Background(), "tick")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "scheduler", record["component"])
}

func TestNopLoggerDiscardsOutput(t *testing.T) {
	log := NewNopLogger()
	require.NotPanics(t, func() { log.Error(context.Background(), "ignored") })
}
