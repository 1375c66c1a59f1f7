// Package contextbuilder produces the index-0 system entry on every turn
// and the per-message formatter used when appending inbound envelopes to
// a conversation. The context-scoped prompt-override shape generalizes a
// one-shot WithSystemPrompt override into an always-rebuilt composition.
package contextbuilder

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zhanglunet/agentsociety/internal/org"
	"github.com/zhanglunet/agentsociety/pkg/models"
)

// Builder composes system prompts and inbound-message formatting.
type Builder struct {
	basePrompt      string
	toolRulesPrompt string
	registry        *org.Registry
}

// New constructs a Builder.
func New(basePrompt, toolRulesPrompt string, registry *org.Registry) *Builder {
	return &Builder{basePrompt: basePrompt, toolRulesPrompt: toolRulesPrompt, registry: registry}
}

// SystemPrompt builds the index-0 system entry for agentID.
func (b *Builder) SystemPrompt(agentID string) string {
	agent, ok := b.registry.Agent(agentID)
	if !ok {
		return b.basePrompt
	}
	role, _ := b.registry.Role(agent.RoleID)
	rolePrompt := ""
	if role != nil {
		rolePrompt = role.RolePrompt
	}

	runtimeBlock := fmt.Sprintf("【runtime】 agentId=%s  parentAgentId=%s", agent.ID, agent.ParentAgentID)

	if agentID == models.RootAgentID {
		return strings.TrimRight(rolePrompt, "\n") + "\n\n" + runtimeBlock
	}

	var sb strings.Builder
	sb.WriteString(b.basePrompt)
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(rolePrompt)
	sb.WriteString("\n\n")
	sb.WriteString(runtimeBlock)
	sb.WriteString("\n")

	if agent.TaskBrief != nil {
		sb.WriteString(renderTaskBrief(agent.TaskBrief))
		sb.WriteString("\n")
	}

	contacts := b.registry.Contacts(agentID)
	if len(contacts) > 0 {
		for _, c := range contacts {
			sb.WriteString(fmt.Sprintf("- %s（%s）\n", c.Role, c.ID))
		}
	}

	if b.toolRulesPrompt != "" {
		sb.WriteString(b.toolRulesPrompt)
	}

	return strings.TrimRight(sb.String(), "\n")
}

func renderTaskBrief(t *models.TaskBrief) string {
	var sb strings.Builder
	sb.WriteString("Objective: ")
	sb.WriteString(t.Objective)
	sb.WriteString("\n")
	if len(t.Constraints) > 0 {
		sb.WriteString("Constraints:\n")
		for _, c := range t.Constraints {
			sb.WriteString("  - ")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
	}
	writeJSONField(&sb, "Inputs", t.Inputs)
	writeJSONField(&sb, "Outputs", t.Outputs)
	writeJSONField(&sb, "Completion criteria", t.CompletionCriteria)
	if t.Priority != "" {
		sb.WriteString("Priority: ")
		sb.WriteString(t.Priority)
		sb.WriteString("\n")
	}
	return sb.String()
}

// writeJSONField renders one required task-brief field as "<label>: <json>"
// so the agent can see what it was actually given, not just the objective.
func writeJSONField(sb *strings.Builder, label string, v any) {
	if v == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	sb.WriteString(label)
	sb.WriteString(": ")
	sb.Write(data)
	sb.WriteString("\n")
}

// FormatInbound renders an inbound envelope as the content of the user
// entry appended to the recipient's conversation.
func (b *Builder) FormatInbound(env *models.Envelope, recipientID string) string {
	text, _ := env.TextPayload()

	if recipientID == models.RootAgentID {
		return fmt.Sprintf("from=%s\nto=%s\ntaskId=%s\npayload=%v", env.From, env.To, env.TaskID, env.Payload)
	}

	if env.From == models.UserAgentID {
		return fmt.Sprintf("【from user】 %s", text)
	}

	fromRole := ""
	if agent, ok := b.registry.Agent(env.From); ok {
		if role, ok := b.registry.Role(agent.RoleID); ok {
			fromRole = role.Name
		}
	}
	return fmt.Sprintf("【from %s(%s)】 %s — reply with send_message(to='%s', …)", fromRole, env.From, text, env.From)
}
