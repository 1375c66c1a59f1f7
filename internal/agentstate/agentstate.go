// Package agentstate tracks the per-agent compute status state machine
// and the per-agent turn lock and LLM abort handle registry that the
// bus, scheduler and LLM handler all need to read or drive. It is kept
// as its own small package, rather than folded into org/bus/llmhandler,
// because all three reference it without any one of them owning it.
//
// The per-agent lock enforces that at most one turn per agent runs at
// any instant, the same discipline a single-session mutex would give a
// non-concurrent runtime.
package agentstate

import (
	"sync"

	"github.com/zhanglunet/agentsociety/pkg/models"
)

// CancelFunc aborts an in-flight LLM call.
type CancelFunc func()

type entry struct {
	fieldMu sync.Mutex // guards status/cancel below
	status  models.ComputeStatus
	cancel  CancelFunc // non-nil while an LLM call is in flight for this agent

	turnMu sync.Mutex // held for the duration of one turn; serializes turns per agent
}

// Tracker is the shared registry of per-agent compute status.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

func (t *Tracker) entryFor(agentID string) *entry {
	t.mu.RLock()
	e, ok := t.entries[agentID]
	t.mu.RUnlock()
	if ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[agentID]; ok {
		return e
	}
	e = &entry{status: models.StatusIdle}
	t.entries[agentID] = e
	return e
}

// Status returns the current compute status for an agent (idle if unseen).
func (t *Tracker) Status(agentID string) models.ComputeStatus {
	e := t.entryFor(agentID)
	e.fieldMu.Lock()
	defer e.fieldMu.Unlock()
	return e.status
}

// SetStatus transitions an agent's compute status.
func (t *Tracker) SetStatus(agentID string, status models.ComputeStatus) {
	e := t.entryFor(agentID)
	e.fieldMu.Lock()
	defer e.fieldMu.Unlock()
	e.status = status
}

// IsActivelyProcessing reports whether the agent currently has an
// in-flight LLM call registered, used by the bus's interruption hook:
// an agent is interruptible when it is both waiting_llm and actively
// processing.
func (t *Tracker) IsActivelyProcessing(agentID string) bool {
	e := t.entryFor(agentID)
	e.fieldMu.Lock()
	defer e.fieldMu.Unlock()
	return e.status == models.StatusWaitingLLM && e.cancel != nil
}

// RegisterCancel records the abort handle for an in-flight LLM call.
func (t *Tracker) RegisterCancel(agentID string, cancel CancelFunc) {
	e := t.entryFor(agentID)
	e.fieldMu.Lock()
	defer e.fieldMu.Unlock()
	e.cancel = cancel
}

// ClearCancel removes the registered abort handle once a call completes.
func (t *Tracker) ClearCancel(agentID string) {
	e := t.entryFor(agentID)
	e.fieldMu.Lock()
	defer e.fieldMu.Unlock()
	e.cancel = nil
}

// CancelPendingToolCall aborts the in-flight LLM call for an agent, if
// any. Returns true if a call was aborted.
func (t *Tracker) CancelPendingToolCall(agentID string) bool {
	e := t.entryFor(agentID)
	e.fieldMu.Lock()
	cancel := e.cancel
	e.fieldMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Lock acquires the per-agent turn lock, serializing turns for one
// agent so at most one turn per agent runs at any instant. The returned
// func releases it; callers must defer it.
func (t *Tracker) Lock(agentID string) func() {
	e := t.entryFor(agentID)
	e.turnMu.Lock()
	return e.turnMu.Unlock
}
