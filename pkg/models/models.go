// Package models holds the data types shared across the agentsociety
// runtime: roles, agents, contacts, message envelopes, conversation
// entries, task briefs and token accounting. These are plain data types;
// behavior lives in the internal packages that own each type.
package models

import "time"

// ComputeStatus drives scheduler and bus decisions for an agent.
type ComputeStatus string

const (
	StatusIdle        ComputeStatus = "idle"
	StatusWaitingLLM  ComputeStatus = "waiting_llm"
	StatusProcessing  ComputeStatus = "processing"
	StatusStopped     ComputeStatus = "stopped"
	StatusStopping    ComputeStatus = "stopping"
	StatusTerminating ComputeStatus = "terminating"
	StatusTerminated  ComputeStatus = "terminated"
)

// Distinguished agent IDs that always exist.
const (
	UserAgentID = "user"
	RootAgentID = "root"
)

// Role identifies a kind of agent.
type Role struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RolePrompt   string    `json:"rolePrompt"`
	LLMServiceID string    `json:"llmServiceId,omitempty"`
	ToolGroups   []string  `json:"toolGroups,omitempty"` // nil means "all groups allowed"
	CreatedBy    string    `json:"createdBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AllowsGroup reports whether the role's tool groups permit the given group.
// A nil ToolGroups slice means "all groups allowed".
func (r *Role) AllowsGroup(group string) bool {
	if r == nil || r.ToolGroups == nil {
		return true
	}
	for _, g := range r.ToolGroups {
		if g == group {
			return true
		}
	}
	return false
}

// AgentLifecycleStatus is the org-registry lifecycle state, distinct
// from ComputeStatus which tracks the turn state machine.
type AgentLifecycleStatus string

const (
	AgentActive     AgentLifecycleStatus = "active"
	AgentTerminated AgentLifecycleStatus = "terminated"
)

// Agent is a running instance of a role.
type Agent struct {
	ID             string               `json:"id"`
	RoleID         string               `json:"roleId"`
	ParentAgentID  string               `json:"parentAgentId,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	Status         AgentLifecycleStatus `json:"status"`
	TaskBrief      *TaskBrief           `json:"taskBrief,omitempty"`
	TerminatedAt   time.Time            `json:"terminatedAt,omitempty"`
	TerminatedBy   string               `json:"terminatedBy,omitempty"`
	TerminationMsg string               `json:"terminationReason,omitempty"`
}

// ContactSource describes how a contact entry was added.
type ContactSource string

const (
	ContactParent       ContactSource = "parent"
	ContactPreset       ContactSource = "preset"
	ContactSystem       ContactSource = "system"
	ContactIntroduction ContactSource = "introduction"
)

// Contact is one entry in an agent's contact registry.
type Contact struct {
	ID           string        `json:"id"`
	Role         string        `json:"role"`
	Source       ContactSource `json:"source"`
	IntroducedBy string        `json:"introducedBy,omitempty"`
	AddedAt      time.Time     `json:"addedAt"`
}

// TaskBrief is the structured prologue passed at spawn time.
type TaskBrief struct {
	Objective          string         `json:"objective"`
	Constraints        []string       `json:"constraints"`
	Inputs             any            `json:"inputs"`
	Outputs            any            `json:"outputs"`
	CompletionCriteria any            `json:"completion_criteria"`
	Collaborators      []string       `json:"collaborators,omitempty"`
	References         []string       `json:"references,omitempty"`
	Priority           string         `json:"priority,omitempty"`
	ModelOverride      string         `json:"modelOverride,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Validate checks the first five required fields.
func (t *TaskBrief) Validate() error {
	if t == nil {
		return ErrMissingTaskBrief
	}
	if t.Objective == "" {
		return fieldErr("objective")
	}
	if t.Constraints == nil {
		return fieldErr("constraints")
	}
	if t.Inputs == nil {
		return fieldErr("inputs")
	}
	if t.Outputs == nil {
		return fieldErr("outputs")
	}
	if t.CompletionCriteria == nil {
		return fieldErr("completion_criteria")
	}
	return nil
}

// Envelope is an immutable message passed through the bus.
type Envelope struct {
	ID         string         `json:"id"`
	CreatedAt  time.Time      `json:"createdAt"`
	To         string         `json:"to"`
	From       string         `json:"from"`
	TaskID     string         `json:"taskId,omitempty"`
	Payload    map[string]any `json:"payload"`
	DeliverAt  int64          `json:"deliverAt,omitempty"` // unix millis; 0 means immediate
	sendSeq    uint64         // internal tie-break for stable delayed-delivery ordering
}

// SendSeq returns the monotonic sequence number assigned at send time.
func (e *Envelope) SendSeq() uint64 { return e.sendSeq }

// SetSendSeq is called once by the bus when an envelope is accepted.
func (e *Envelope) SetSendSeq(seq uint64) { e.sendSeq = seq }

// TextPayload extracts the conventional "text" field from Payload, if present.
func (e *Envelope) TextPayload() (string, bool) {
	if e == nil || e.Payload == nil {
		return "", false
	}
	v, ok := e.Payload["text"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ConversationRole enumerates the role of a conversation entry.
type ConversationRole string

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
	RoleTool      ConversationRole = "tool"
)

// ToolCall is the assistant's request to invoke a named tool.
type ToolCall struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Arguments string `json:"arguments"` // json-encoded string,
}

// ContentPart is one part of a multimodal message/tool-result content
// array.
type ContentPart struct {
	Type     string `json:"type"` // "text" | "image_url" | "file"
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// ConversationEntry is one element of a per-agent conversation.
type ConversationEntry struct {
	Role            ConversationRole `json:"role"`
	Content         string           `json:"content,omitempty"`
	MultimodalParts []ContentPart    `json:"multimodalParts,omitempty"`
	ToolCalls       []ToolCall       `json:"toolCalls,omitempty"`
	ToolCallID      string           `json:"toolCallId,omitempty"` // set when Role == tool
	ReasoningContent string          `json:"reasoningContent,omitempty"`
}

// IsMultimodal reports whether this entry carries structured content parts
// rather than (or in addition to) plain text.
func (e *ConversationEntry) IsMultimodal() bool {
	return len(e.MultimodalParts) > 0
}

// TokenUsage is per-agent LLM-reported token accounting.
type TokenUsage struct {
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	TotalTokens      int       `json:"totalTokens"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ContextStatusLevel classifies context usage against configured thresholds.
type ContextStatusLevel string

const (
	ContextNormal   ContextStatusLevel = "normal"
	ContextWarning  ContextStatusLevel = "warning"
	ContextCritical ContextStatusLevel = "critical"
	ContextExceeded ContextStatusLevel = "exceeded"
)

// ContextStatus is returned by ConversationManager.GetContextStatus.
type ContextStatus struct {
	UsedTokens   int                `json:"usedTokens"`
	MaxTokens    int                `json:"maxTokens"`
	UsagePercent float64            `json:"usagePercent"`
	Status       ContextStatusLevel `json:"status"`
}
