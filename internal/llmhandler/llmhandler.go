// Package llmhandler drives one agent "turn" end to end: merge
// interruptions, assemble the request, call the LLM, run the tool-call
// loop, and leave the agent idle. The state machine and per-agent
// serialization follow a ProcessMessage/tool-execution cycle, adapted to
// this kernel's bus-driven, single-message-per-turn model rather than a
// session-streaming one.
package llmhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zhanglunet/agentsociety/internal/agentstate"
	"github.com/zhanglunet/agentsociety/internal/bus"
	"github.com/zhanglunet/agentsociety/internal/contextbuilder"
	"github.com/zhanglunet/agentsociety/internal/conversation"
	"github.com/zhanglunet/agentsociety/internal/kernelerr"
	"github.com/zhanglunet/agentsociety/internal/llmclient"
	"github.com/zhanglunet/agentsociety/internal/observability"
	"github.com/zhanglunet/agentsociety/internal/org"
	"github.com/zhanglunet/agentsociety/internal/tooldispatch"
	"github.com/zhanglunet/agentsociety/pkg/models"
)

// interruptions holds, per agent, the envelopes that arrived while a
// turn was already in flight. It is deliberately a separate lock from
// agentstate's turnMu:
// the bus's interruption hook must be able to record a new message and
// trigger cancellation without blocking on the very turn it is
// interrupting.
type interruptions struct {
	mu    sync.Mutex
	queue map[string][]*models.Envelope
}

func newInterruptions() *interruptions {
	return &interruptions{queue: make(map[string][]*models.Envelope)}
}

func (q *interruptions) push(agentID string, env *models.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue[agentID] = append(q.queue[agentID], env)
}

func (q *interruptions) drain(agentID string) []*models.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.queue[agentID]
	delete(q.queue, agentID)
	return pending
}

// Handler runs turns for agents, wiring together every other kernel
// component involved in a turn: org, conversation, context builder,
// tool dispatcher, bus and LLM clients.
type Handler struct {
	org          *org.Registry
	conversation *conversation.Manager
	contextBuild *contextbuilder.Builder
	bus          *bus.Bus
	tools        *tooldispatch.Dispatcher
	state        *agentstate.Tracker
	clients      map[string]llmclient.Client
	defaultModel string
	maxToolRounds int
	interrupt    *interruptions
	log          *observability.Logger
	metrics      *observability.Metrics
}

// Config collects the Handler's dependencies.
type Config struct {
	Org           *org.Registry
	Conversation  *conversation.Manager
	ContextBuild  *contextbuilder.Builder
	Bus           *bus.Bus
	Tools         *tooldispatch.Dispatcher
	State         *agentstate.Tracker
	Clients       map[string]llmclient.Client // keyed by LLM service id
	DefaultClient string
	MaxToolRounds int
	Log           *observability.Logger
	Metrics       *observability.Metrics
}

// New constructs a Handler. OnInterruption should be wired as the bus's
// InterruptionFunc so that a message to an actively-processing agent
// both queues for merge and cancels the in-flight LLM call.
func New(cfg Config) *Handler {
	maxRounds := cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 200
	}
	return &Handler{
		org:           cfg.Org,
		conversation:  cfg.Conversation,
		contextBuild:  cfg.ContextBuild,
		bus:           cfg.Bus,
		tools:         cfg.Tools,
		state:         cfg.State,
		clients:       cfg.Clients,
		defaultModel:  cfg.DefaultClient,
		maxToolRounds: maxRounds,
		interrupt:     newInterruptions(),
		log:           cfg.Log,
		metrics:       cfg.Metrics,
	}
}

// OnInterruption implements bus.InterruptionFunc: record the envelope
// for the next turn's merge and abort the agent's in-flight LLM call.
func (h *Handler) OnInterruption(agentID string, env *models.Envelope) {
	if !h.state.IsActivelyProcessing(agentID) {
		return
	}
	h.interrupt.push(agentID, env)
	h.state.CancelPendingToolCall(agentID)
}

func (h *Handler) clientFor(llmServiceID string) llmclient.Client {
	if c, ok := h.clients[llmServiceID]; ok {
		return c
	}
	return h.clients[h.defaultModel]
}

// RunTurn processes one dispatched envelope for agentID to completion.
func (h *Handler) RunTurn(ctx context.Context, agentID string, env *models.Envelope) {
	unlock := h.state.Lock(agentID)
	defer unlock()

	agent, ok := h.org.Agent(agentID)
	if !ok {
		h.log.Warn(ctx, "runTurn for unknown agent", "agentId", agentID)
		h.state.SetStatus(agentID, models.StatusIdle)
		return
	}
	role, ok := h.org.Role(agent.RoleID)
	if !ok {
		h.log.Warn(ctx, "runTurn: agent's role no longer resolves", "agentId", agentID, "roleId", agent.RoleID)
		h.state.SetStatus(agentID, models.StatusIdle)
		return
	}

	h.conversation.Ensure(agentID, h.contextBuild.SystemPrompt(agentID))

	// Step 1: guard on context-exceeded before touching the LLM at all.
	if status := h.conversation.GetContextStatus(agentID); status.Status == models.ContextExceeded {
		h.conversation.Append(agentID, models.ConversationEntry{
			Role:    models.RoleAssistant,
			Content: "Context window exceeded. Invoke compress_context before continuing.",
		})
		h.conversation.Persist(agentID)
		h.state.SetStatus(agentID, models.StatusIdle)
		return
	}

	// Step 2: interruption merge — the triggering envelope plus anything
	// queued while this turn was waiting to be dispatched.
	h.conversation.StripTrailingIncompleteTurn(agentID)
	pending := append([]*models.Envelope{env}, h.interrupt.drain(agentID)...)
	for _, inbound := range pending {
		if inbound == nil {
			continue
		}
		h.conversation.Append(agentID, models.ConversationEntry{
			Role:    models.RoleUser,
			Content: h.contextBuild.FormatInbound(inbound, agentID),
		})
	}

	var modelOverride string
	if agent.TaskBrief != nil {
		modelOverride = agent.TaskBrief.ModelOverride
	}

	round := 0
	for {
		round++
		if round > h.maxToolRounds {
			h.appendTerminalError(ctx, agentID, agent.ParentAgentID, kernelerr.ToolRoundsExceeded, "tool round budget exhausted")
			break
		}

		// Step 3: assemble the request. The system entry at index 0 is
		// always refreshed so task-brief/contact/tool-set changes show up
		// immediately.
		h.conversation.Overwrite(agentID, 0, models.ConversationEntry{
			Role:    models.RoleSystem,
			Content: h.contextBuild.SystemPrompt(agentID),
		})
		entries := h.conversation.Entries(agentID)
		catalog := h.tools.CatalogForRole(role)
		toolSpecs := make([]llmclient.ToolSpec, 0, len(catalog))
		for _, t := range catalog {
			toolSpecs = append(toolSpecs, llmclient.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.Schema})
		}

		client := h.clientFor(role.LLMServiceID)
		if client == nil {
			h.appendTerminalError(ctx, agentID, agent.ParentAgentID, kernelerr.LLMTransportError, "no LLM client configured for this role")
			break
		}

		// Step 4: call the LLM. The abort handle registered here is what
		// the bus's interruption hook drives via CancelPendingToolCall.
		h.state.SetStatus(agentID, models.StatusWaitingLLM)
		h.state.RegisterCancel(agentID, func() { client.Abort(agentID) })
		resp, err := client.Chat(ctx, llmclient.ChatRequest{Model: modelOverride, Messages: entries, Tools: toolSpecs, AgentID: agentID})
		h.state.ClearCancel(agentID)
		if err != nil {
			if kernelerr.CodeIs(err, kernelerr.LLMAborted) || errors.Is(err, context.Canceled) {
				// Cancellation path: conversation is left exactly as it was
				// before this call (no partial assistant entry appended).
				if h.metrics != nil {
					h.metrics.LLMCallsTotal.WithLabelValues("aborted").Inc()
				}
				h.state.SetStatus(agentID, models.StatusIdle)
				return
			}
			if h.metrics != nil {
				h.metrics.LLMCallsTotal.WithLabelValues("error").Inc()
			}
			h.appendTerminalError(ctx, agentID, agent.ParentAgentID, kernelerr.LLMTransportError, err.Error())
			break
		}
		if h.metrics != nil {
			h.metrics.LLMCallsTotal.WithLabelValues("ok").Inc()
		}
		h.state.SetStatus(agentID, models.StatusProcessing)
		h.conversation.UpdateTokenUsage(agentID, resp.Usage)

		// Step 5: record the assistant turn.
		h.conversation.Append(agentID, models.ConversationEntry{
			Role:             models.RoleAssistant,
			Content:          resp.Content,
			ToolCalls:        resp.ToolCalls,
			ReasoningContent: resp.ReasoningContent,
		})

		if len(resp.ToolCalls) == 0 {
			break
		}

		// Step 6: tool-call loop.
		for _, tc := range resp.ToolCalls {
			result := h.tools.Execute(ctx, tooldispatch.CallContext{AgentID: agentID, TaskID: env.TaskID}, role, tc.Name, json.RawMessage(tc.Arguments))
			if h.metrics != nil {
				outcome := "ok"
				if result.IsError {
					outcome = "error"
				}
				h.metrics.ToolCallsTotal.WithLabelValues(tc.Name, outcome).Inc()
			}
			h.conversation.Append(agentID, models.ConversationEntry{
				Role:       models.RoleTool,
				Content:    result.Content,
				ToolCallID: tc.ID,
			})
		}
		// Step 7: continue from step 3 with the bumped round counter.
	}

	if h.metrics != nil {
		h.metrics.ToolRounds.Observe(float64(round))
	}
	// Step 9: debounced persist.
	h.conversation.Persist(agentID)
	h.state.SetStatus(agentID, models.StatusIdle)
}

// appendTerminalError records a synthetic assistant failure note and
// escalates it to the parent agent, or to the user when agentID has no
// parent to escalate to (i.e. agentID is root).
func (h *Handler) appendTerminalError(ctx context.Context, agentID, parentID string, code kernelerr.Code, message string) {
	h.conversation.Append(agentID, models.ConversationEntry{
		Role:    models.RoleAssistant,
		Content: fmt.Sprintf("[%s] %s", code, message),
	})
	recipient := parentID
	if recipient == "" {
		recipient = models.UserAgentID
	}
	if _, err := h.bus.Send(recipient, agentID, map[string]any{
		"kind":      "error",
		"errorType": string(code),
		"agentId":   agentID,
		"message":   message,
	}, "", 0); err != nil {
		h.log.Warn(ctx, "failed to notify parent of child error", "agentId", agentID, "parentId", parentID, "error", err)
	}
}
