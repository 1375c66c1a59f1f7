package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordCallAndResultRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	args := json.RawMessage(`{"path":"/tmp/x"}`)
	require.NoError(t, s.RecordCall(ctx, "call-1", "agent-1", "task-1", "read_file", args))
	require.NoError(t, s.RecordResult(ctx, "call-1", "file contents", false))

	records, err := s.ForAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "call-1", records[0].ID)
	require.Equal(t, "read_file", records[0].ToolName)
	require.Equal(t, "file contents", records[0].ResultContent)
	require.False(t, records[0].IsError)
	require.True(t, records[0].CompletedAt.Valid)
}

func TestRecordCallIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordCall(ctx, "call-1", "agent-1", "", "noop", json.RawMessage(`{}`)))
	require.NoError(t, s.RecordCall(ctx, "call-1", "agent-1", "", "noop", json.RawMessage(`{}`)))

	records, err := s.ForAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestForAgentScopesPerAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordCall(ctx, "call-1", "agent-1", "", "toolA", json.RawMessage(`{}`)))
	require.NoError(t, s.RecordCall(ctx, "call-2", "agent-1", "", "toolB", json.RawMessage(`{}`)))
	require.NoError(t, s.RecordCall(ctx, "call-3", "agent-2", "", "toolC", json.RawMessage(`{}`)))

	records, err := s.ForAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		require.Equal(t, "agent-1", r.AgentID)
	}
}

func TestRecordResultOnUnknownCallIsANoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordResult(ctx, "no-such-call", "content", true))

	records, err := s.ForAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Empty(t, records)
}
