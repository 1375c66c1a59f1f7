// Package conversation implements the conversation manager: per-agent
// message history, token accounting, compression with the I1-I3
// structural invariants, and debounced file persistence. State is a
// map[id]*state guarded by one RWMutex with per-id flush timers; the
// atomic JSON write-then-rename is the same pattern used in internal/org.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zhanglunet/agentsociety/internal/kernelerr"
	"github.com/zhanglunet/agentsociety/internal/observability"
	"github.com/zhanglunet/agentsociety/pkg/models"
)

// Thresholds configures the warning/critical/hard context-usage bands
// (defaults 0.7/0.9/0.95).
type Thresholds struct {
	MaxTokens int
	Warning   float64
	Critical  float64
	Hard      float64
}

// CompressResult is the outcome of a compress_context() call.
type CompressResult struct {
	OK            bool
	Compressed    bool
	OriginalCount int
	NewCount      int
}

// ConsistencyReport is returned by VerifyHistoryConsistency.
type ConsistencyReport struct {
	Consistent        bool
	OrphanedResponses []string
}

type conversationState struct {
	mu      sync.Mutex
	entries []models.ConversationEntry
	usage   models.TokenUsage
	dirty   bool
	timer   *time.Timer
}

// fileShape is the on-disk format under runtimeDir/conversations/<id>.json.
type fileShape struct {
	AgentID   string                     `json:"agentId"`
	Messages  []models.ConversationEntry `json:"messages"`
	Usage     models.TokenUsage          `json:"tokenUsage"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

// Manager owns per-agent conversations and their persistence.
type Manager struct {
	mu            sync.RWMutex
	runtimeDir    string
	conversations map[string]*conversationState
	debounce      time.Duration
	thresholds    Thresholds
	log           *observability.Logger
}

// New constructs a Manager.
func New(runtimeDir string, thresholds Thresholds, debounce time.Duration, log *observability.Logger) *Manager {
	if log == nil {
		log = observability.NewNopLogger()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Manager{
		runtimeDir:    runtimeDir,
		conversations: make(map[string]*conversationState),
		debounce:      debounce,
		thresholds:    thresholds,
		log:           log,
	}
}

func (m *Manager) path(agentID string) string {
	return filepath.Join(m.runtimeDir, "conversations", agentID+".json")
}

func (m *Manager) stateFor(agentID string) *conversationState {
	m.mu.RLock()
	cs, ok := m.conversations[agentID]
	m.mu.RUnlock()
	if ok {
		return cs
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.conversations[agentID]; ok {
		return cs
	}
	cs = &conversationState{}
	m.conversations[agentID] = cs
	return cs
}

// LoadAll hydrates every conversation file found under runtimeDir, running
// VerifyHistoryConsistency on each and discarding orphaned tool entries
// with a warning.
func (m *Manager) LoadAll() error {
	dir := filepath.Join(m.runtimeDir, "conversations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		agentID := ent.Name()[:len(ent.Name())-len(".json")]
		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			m.log.Warn(context.Background(), "failed to read conversation file, skipping", "agent_id", agentID, "error", err.Error())
			continue
		}
		var f fileShape
		if err := json.Unmarshal(data, &f); err != nil {
			m.log.Warn(context.Background(), "conversation file is malformed, skipping", "agent_id", agentID, "error", err.Error())
			continue
		}
		cs := m.stateFor(agentID)
		cs.mu.Lock()
		cs.entries = f.Messages
		cs.usage = f.Usage
		cs.mu.Unlock()

		report := m.VerifyHistoryConsistency(agentID)
		if !report.Consistent {
			m.log.Warn(context.Background(), "discarding orphaned tool responses on load", "agent_id", agentID, "orphaned", report.OrphanedResponses)
			cs.mu.Lock()
			cs.entries = filterOrphans(cs.entries, report.OrphanedResponses)
			cs.mu.Unlock()
		}
	}
	return nil
}

func filterOrphans(entries []models.ConversationEntry, orphanIDs []string) []models.ConversationEntry {
	orphans := make(map[string]bool, len(orphanIDs))
	for _, id := range orphanIDs {
		orphans[id] = true
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Role == models.RoleTool && orphans[e.ToolCallID] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Ensure creates the conversation with a system entry at index 0 if absent;
// otherwise it replaces the index-0 entry with a system entry carrying
// systemPrompt.
func (m *Manager) Ensure(agentID, systemPrompt string) {
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.entries) == 0 {
		cs.entries = []models.ConversationEntry{{Role: models.RoleSystem, Content: systemPrompt}}
		return
	}
	cs.entries[0] = models.ConversationEntry{Role: models.RoleSystem, Content: systemPrompt}
}

// Entries returns a copy of the agent's conversation.
func (m *Manager) Entries(agentID string) []models.ConversationEntry {
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]models.ConversationEntry, len(cs.entries))
	copy(out, cs.entries)
	return out
}

// Append adds one entry to the tail of the conversation.
func (m *Manager) Append(agentID string, entry models.ConversationEntry) {
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	cs.entries = append(cs.entries, entry)
	cs.dirty = true
	cs.mu.Unlock()
}

// Overwrite replaces the entry at index with entry, growing the slice
// with empty system entries if needed. Used to refresh the index-0
// system prompt on every turn.
func (m *Manager) Overwrite(agentID string, index int, entry models.ConversationEntry) {
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for len(cs.entries) <= index {
		cs.entries = append(cs.entries, models.ConversationEntry{Role: models.RoleSystem})
	}
	cs.entries[index] = entry
	cs.dirty = true
}

// UpdateTokenUsage records the last LLM-reported token counts.
func (m *Manager) UpdateTokenUsage(agentID string, usage models.TokenUsage) {
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	usage.UpdatedAt = time.Now().UTC()
	cs.usage = usage
	cs.dirty = true
	cs.mu.Unlock()
	if usage.TotalTokens == 0 {
		m.log.Warn(context.Background(), "llm call returned no token usage", "agent_id", agentID)
	}
}

// GetContextStatus classifies current usage against the configured
// thresholds.
func (m *Manager) GetContextStatus(agentID string) models.ContextStatus {
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	used := cs.usage.TotalTokens
	cs.mu.Unlock()

	max := m.thresholds.MaxTokens
	if max <= 0 {
		max = 1
	}
	pct := float64(used) / float64(max)

	level := models.ContextNormal
	switch {
	case pct >= m.thresholds.Hard:
		level = models.ContextExceeded
	case pct >= m.thresholds.Critical:
		level = models.ContextCritical
	case pct >= m.thresholds.Warning:
		level = models.ContextWarning
	}
	return models.ContextStatus{
		UsedTokens:   used,
		MaxTokens:    m.thresholds.MaxTokens,
		UsagePercent: pct,
		Status:       level,
	}
}

// VerifyHistoryConsistency reports every tool entry whose toolCallId does
// not match a tool call of an earlier assistant entry. It does not check
// the role of the index-0 entry, and it does not report assistant tool
// calls that have no tool response.
func (m *Manager) VerifyHistoryConsistency(agentID string) ConsistencyReport {
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	entries := make([]models.ConversationEntry, len(cs.entries))
	copy(entries, cs.entries)
	cs.mu.Unlock()

	known := make(map[string]bool)
	var orphans []string
	for _, e := range entries {
		if e.Role == models.RoleAssistant {
			for _, tc := range e.ToolCalls {
				known[tc.ID] = true
			}
		}
		if e.Role == models.RoleTool {
			if !known[e.ToolCallID] {
				orphans = append(orphans, e.ToolCallID)
			}
		}
	}
	return ConsistencyReport{Consistent: len(orphans) == 0, OrphanedResponses: orphans}
}

// Compress implements compress_context. It preserves index 0, inserts a
// summary system entry at index 1, keeps the last
// keepRecentCount entries, and sweeps dangling tool calls / orphan
// responses introduced by trimming (invariant I3).
func (m *Manager) Compress(agentID, summary string, keepRecentCount int) CompressResult {
	if keepRecentCount <= 0 {
		keepRecentCount = 10
	}
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	original := len(cs.entries)
	if original <= keepRecentCount+1 {
		return CompressResult{OK: true, Compressed: false, OriginalCount: original, NewCount: original}
	}

	head := cs.entries[0] // system entry, index 0
	tail := cs.entries[original-keepRecentCount:]

	summaryEntry := models.ConversationEntry{
		Role:    models.RoleSystem,
		Content: "[history summary] " + summary,
	}

	compacted := make([]models.ConversationEntry, 0, keepRecentCount+2)
	compacted = append(compacted, head, summaryEntry)
	compacted = append(compacted, tail...)
	compacted = sweepDangling(compacted)

	cs.entries = compacted
	cs.dirty = true
	return CompressResult{OK: true, Compressed: true, OriginalCount: original, NewCount: len(compacted)}
}

// sweepDangling removes assistant tool_calls with no surviving tool
// response, and tool responses with no surviving assistant call, so I2/I3
// hold after trimming.
func sweepDangling(entries []models.ConversationEntry) []models.ConversationEntry {
	toolIDs := make(map[string]bool)
	for _, e := range entries {
		if e.Role == models.RoleTool {
			toolIDs[e.ToolCallID] = true
		}
	}
	assistantIDs := make(map[string]bool)
	for _, e := range entries {
		if e.Role == models.RoleAssistant {
			for _, tc := range e.ToolCalls {
				assistantIDs[tc.ID] = true
			}
		}
	}

	out := make([]models.ConversationEntry, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case models.RoleAssistant:
			if len(e.ToolCalls) > 0 {
				kept := e.ToolCalls[:0:0]
				for _, tc := range e.ToolCalls {
					if toolIDs[tc.ID] {
						kept = append(kept, tc)
					}
				}
				e.ToolCalls = kept
				if len(kept) == 0 && e.Content == "" && !e.IsMultimodal() {
					continue // drop the now-empty assistant entry entirely
				}
			}
		case models.RoleTool:
			if !assistantIDs[e.ToolCallID] {
				continue // orphan response, no surviving call
			}
		}
		out = append(out, e)
	}
	return out
}

// RemoveToolCallEntry removes a pending tool call and every tool entry
// referencing it; if the parent assistant entry becomes empty it is
// removed entirely.
func (m *Manager) RemoveToolCallEntry(agentID, toolCallID string) {
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := cs.entries[:0:0]
	for _, e := range cs.entries {
		switch e.Role {
		case models.RoleAssistant:
			if len(e.ToolCalls) > 0 {
				kept := e.ToolCalls[:0:0]
				for _, tc := range e.ToolCalls {
					if tc.ID != toolCallID {
						kept = append(kept, tc)
					}
				}
				e.ToolCalls = kept
				if len(kept) == 0 && e.Content == "" && !e.IsMultimodal() {
					continue
				}
			}
		case models.RoleTool:
			if e.ToolCallID == toolCallID {
				continue
			}
		}
		out = append(out, e)
	}
	cs.entries = out
	cs.dirty = true
}

// RemoveToolResponseEntry removes only the tool response for a call id,
// leaving the assistant's tool_calls entry intact.
func (m *Manager) RemoveToolResponseEntry(agentID, toolCallID string) {
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := cs.entries[:0:0]
	for _, e := range cs.entries {
		if e.Role == models.RoleTool && e.ToolCallID == toolCallID {
			continue
		}
		out = append(out, e)
	}
	cs.entries = out
	cs.dirty = true
}

// StripTrailingIncompleteTurn removes the last entry when it is an
// assistant entry with tool_calls, restoring I3 before merging
// interruptions. A history whose last entry is a tool response is left
// unchanged.
func (m *Manager) StripTrailingIncompleteTurn(agentID string) {
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.entries) == 0 {
		return
	}
	last := cs.entries[len(cs.entries)-1]
	if last.Role != models.RoleAssistant || len(last.ToolCalls) == 0 {
		return
	}
	// last is the tail, so no tool response can follow it; dropping it
	// is sufficient to restore I3.
	cs.entries = cs.entries[:len(cs.entries)-1]
	cs.dirty = true
}

// Persist schedules a debounced flush, coalescing repeated mutations.
func (m *Manager) Persist(agentID string) {
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.timer != nil {
		return // already scheduled; coalesce
	}
	cs.timer = time.AfterFunc(m.debounce, func() {
		_ = m.PersistNow(agentID)
	})
}

// PersistNow writes the conversation immediately.
func (m *Manager) PersistNow(agentID string) error {
	cs := m.stateFor(agentID)
	cs.mu.Lock()
	cs.timer = nil
	f := fileShape{
		AgentID:   agentID,
		Messages:  append([]models.ConversationEntry(nil), cs.entries...),
		Usage:     cs.usage,
		UpdatedAt: time.Now().UTC(),
	}
	cs.dirty = false
	cs.mu.Unlock()

	path := m.path(agentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	return nil
}

// FlushAll persists every dirty conversation immediately; awaited on
// shutdown.
func (m *Manager) FlushAll() error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conversations))
	for id := range m.conversations {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		cs := m.stateFor(id)
		cs.mu.Lock()
		dirty := cs.dirty
		cs.mu.Unlock()
		if !dirty {
			continue
		}
		if err := m.PersistNow(id); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush %s: %w", id, err)
		}
	}
	return firstErr
}

// Drop removes a terminated agent's in-memory conversation and its file:
// a terminated agent's conversation is removed, not archived.
func (m *Manager) Drop(agentID string) error {
	m.mu.Lock()
	delete(m.conversations, agentID)
	m.mu.Unlock()
	err := os.Remove(m.path(agentID))
	if err != nil && !os.IsNotExist(err) {
		return kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	return nil
}
