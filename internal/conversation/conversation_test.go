package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agentsociety/pkg/models"
)

func testThresholds() Thresholds {
	return Thresholds{MaxTokens: 1000, Warning: 0.7, Critical: 0.9, Hard: 0.95}
}

func TestEnsureCreatesSystemEntryOnce(t *testing.T) {
	m := New(t.TempDir(), testThresholds(), time.Hour, nil)
	m.Ensure("a", "you are an agent")
	m.Ensure("a", "updated prompt")

	entries := m.Entries("a")
	require.Len(t, entries, 1)
	require.Equal(t, models.RoleSystem, entries[0].Role)
	require.Equal(t, "updated prompt", entries[0].Content)
}

func TestAppendAndEntries(t *testing.T) {
	m := New(t.TempDir(), testThresholds(), time.Hour, nil)
	m.Ensure("a", "sys")
	m.Append("a", models.ConversationEntry{Role: models.RoleUser, Content: "hello"})

	entries := m.Entries("a")
	require.Len(t, entries, 2)
	require.Equal(t, "hello", entries[1].Content)
}

func TestGetContextStatusLevels(t *testing.T) {
	m := New(t.TempDir(), testThresholds(), time.Hour, nil)
	m.Ensure("a", "sys")

	m.UpdateTokenUsage("a", models.TokenUsage{TotalTokens: 100})
	require.Equal(t, models.ContextNormal, m.GetContextStatus("a").Status)

	m.UpdateTokenUsage("a", models.TokenUsage{TotalTokens: 750})
	require.Equal(t, models.ContextWarning, m.GetContextStatus("a").Status)

	m.UpdateTokenUsage("a", models.TokenUsage{TotalTokens: 920})
	require.Equal(t, models.ContextCritical, m.GetContextStatus("a").Status)

	m.UpdateTokenUsage("a", models.TokenUsage{TotalTokens: 960})
	require.Equal(t, models.ContextExceeded, m.GetContextStatus("a").Status)
}

func TestVerifyHistoryConsistencyDetectsOrphans(t *testing.T) {
	m := New(t.TempDir(), testThresholds(), time.Hour, nil)
	m.Ensure("a", "sys")
	m.Append("a", models.ConversationEntry{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "call-1", Name: "noop", Arguments: "{}"}},
	})
	m.Append("a", models.ConversationEntry{Role: models.RoleTool, ToolCallID: "call-1", Content: "ok"})
	m.Append("a", models.ConversationEntry{Role: models.RoleTool, ToolCallID: "call-orphan", Content: "oops"})

	report := m.VerifyHistoryConsistency("a")
	require.False(t, report.Consistent)
	require.Equal(t, []string{"call-orphan"}, report.OrphanedResponses)
}

func TestCompressPreservesSystemEntryAndSweepsDangling(t *testing.T) {
	m := New(t.TempDir(), testThresholds(), time.Hour, nil)
	m.Ensure("a", "sys")

	for i := 0; i < 20; i++ {
		m.Append("a", models.ConversationEntry{Role: models.RoleUser, Content: "msg"})
	}
	// A dangling assistant tool call as the last entry.
	m.Append("a", models.ConversationEntry{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "dangling", Name: "noop", Arguments: "{}"}},
	})

	before := len(m.Entries("a"))
	result := m.Compress("a", "summary of early history", 5)
	require.True(t, result.OK)
	require.True(t, result.Compressed)
	require.Equal(t, before, result.OriginalCount)

	entries := m.Entries("a")
	require.Equal(t, models.RoleSystem, entries[0].Role)
	require.Equal(t, "sys", entries[0].Content)
	require.Contains(t, entries[1].Content, "summary of early history")

	report := m.VerifyHistoryConsistency("a")
	require.True(t, report.Consistent)
}

func TestCompressNoOpWhenUnderThreshold(t *testing.T) {
	m := New(t.TempDir(), testThresholds(), time.Hour, nil)
	m.Ensure("a", "sys")
	m.Append("a", models.ConversationEntry{Role: models.RoleUser, Content: "hi"})

	result := m.Compress("a", "summary", 10)
	require.True(t, result.OK)
	require.False(t, result.Compressed)
}

func TestPersistNowAndLoadAllRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m1 := New(dir, testThresholds(), time.Hour, nil)
	m1.Ensure("a", "sys")
	m1.Append("a", models.ConversationEntry{Role: models.RoleUser, Content: "hello"})
	m1.UpdateTokenUsage("a", models.TokenUsage{TotalTokens: 42})
	require.NoError(t, m1.PersistNow("a"))

	m2 := New(dir, testThresholds(), time.Hour, nil)
	require.NoError(t, m2.LoadAll())

	entries := m2.Entries("a")
	require.Len(t, entries, 2)
	require.Equal(t, "hello", entries[1].Content)
	require.Equal(t, 42, m2.GetContextStatus("a").UsedTokens)
}

func TestDropRemovesConversation(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, testThresholds(), time.Hour, nil)
	m.Ensure("a", "sys")
	require.NoError(t, m.PersistNow("a"))

	require.NoError(t, m.Drop("a"))
	require.Empty(t, m.Entries("a"))

	// Dropping a second time (no file on disk) is not an error.
	require.NoError(t, m.Drop("a"))
}

func TestFlushAllPersistsDirtyConversations(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, testThresholds(), time.Hour, nil)
	m.Ensure("a", "sys")
	m.Append("a", models.ConversationEntry{Role: models.RoleUser, Content: "hi"})

	require.NoError(t, m.FlushAll())

	m2 := New(dir, testThresholds(), time.Hour, nil)
	require.NoError(t, m2.LoadAll())
	require.Len(t, m2.Entries("a"), 2)
}
