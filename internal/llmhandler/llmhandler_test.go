package llmhandler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agentsociety/internal/agentstate"
	"github.com/zhanglunet/agentsociety/internal/artifactstore"
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

type fakeClient struct {
	responses []*llmclient.ChatResponse
	calls     int
	err       error
}

func (f *fakeClient) Chat(_ context.Context, _ llmclient.ChatRequest) (*llmclient.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	resp := f.responses[f.calls]
	if f.calls < len(f.responses)-1 {
		f.calls++
	}
	return resp, nil
}

func (f *fakeClient) HasActiveRequest(string) bool { return false }
func (f *fakeClient) Abort(string)                 {}

type fullStatus struct{ agents map[string]bool }

func (f *fullStatus) IsActive(id string) bool { return f.agents[id] }
func (f *fullStatus) Agent(id string) (*models.Agent, bool) {
	if !f.agents[id] {
		return nil, false
	}
	return &models.Agent{ID: id, Status: models.AgentActive}, true
}

func newTestHandler(t *testing.T, client llmclient.Client) (*Handler, *org.Registry, string) {
	t.Helper()
	return newTestHandlerWithMaxRounds(t, client, 10)
}

func newTestHandlerWithMaxRounds(t *testing.T, client llmclient.Client, maxRounds int) (*Handler, *org.Registry, string) {
	t.Helper()
	orgReg := org.New(t.TempDir(), nil)
	require.NoError(t, orgReg.Load())
	role, err := orgReg.CreateRole("engineer", "you build things", "main", nil, models.RootAgentID)
	require.NoError(t, err)
	agent, err := orgReg.Spawn(models.RootAgentID, role.ID, &models.TaskBrief{
		Objective: "ship it", Constraints: []string{}, Inputs: map[string]any{}, Outputs: map[string]any{}, CompletionCriteria: map[string]any{},
	})
	require.NoError(t, err)

	convMgr := conversation.New(t.TempDir(), conversation.Thresholds{MaxTokens: 10000, Warning: 0.7, Critical: 0.9, Hard: 0.95}, 0, nil)
	builder := contextbuilder.New("base prompt", "", orgReg)

	status := &fullStatus{agents: map[string]bool{models.RootAgentID: true, models.UserAgentID: true, agent.ID: true}}
	messageBus := bus.New(bus.Config{Status: status})

	artifacts := artifactstore.NewFileStore(t.TempDir())
	tools := tooldispatch.New(orgReg, convMgr, messageBus, artifacts, t.TempDir(), nil)

	state := agentstate.New()

	h := New(Config{
		Org:           orgReg,
		Conversation:  convMgr,
		ContextBuild:  builder,
		Bus:           messageBus,
		Tools:         tools,
		State:         state,
		Clients:       map[string]llmclient.Client{"main": client},
		DefaultClient: "main",
		MaxToolRounds: maxRounds,
		Log:           observability.NewNopLogger(),
	})
	return h, orgReg, agent.ID
}

func TestRunTurnWithNoToolCallsCompletesAndGoesIdle(t *testing.T) {
	client := &fakeClient{responses: []*llmclient.ChatResponse{
		{Content: "all done", Usage: models.TokenUsage{TotalTokens: 10}},
	}}
	h, _, agentID := newTestHandler(t, client)

	env := &models.Envelope{ID: "e1", To: agentID, From: models.RootAgentID, Payload: map[string]any{"text": "go"}}
	h.RunTurn(context.Background(), agentID, env)

	require.Equal(t, models.StatusIdle, h.state.Status(agentID))
	entries := h.conversation.Entries(agentID)
	last := entries[len(entries)-1]
	require.Equal(t, models.RoleAssistant, last.Role)
	require.Equal(t, "all done", last.Content)
}

func TestRunTurnExecutesToolCallThenCompletes(t *testing.T) {
	client := &fakeClient{responses: []*llmclient.ChatResponse{
		{
			Content: "",
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "get_context_status", Arguments: "{}"},
			},
		},
		{Content: "finished after tool call"},
	}}
	h, _, agentID := newTestHandler(t, client)

	env := &models.Envelope{ID: "e1", To: agentID, From: models.RootAgentID, Payload: map[string]any{"text": "go"}}
	h.RunTurn(context.Background(), agentID, env)

	entries := h.conversation.Entries(agentID)
	var sawToolResult bool
	for _, e := range entries {
		if e.Role == models.RoleTool && e.ToolCallID == "call-1" {
			sawToolResult = true
		}
	}
	require.True(t, sawToolResult)
	require.Equal(t, "finished after tool call", entries[len(entries)-1].Content)
	require.Equal(t, models.StatusIdle, h.state.Status(agentID))
}

func TestRunTurnUnknownAgentGoesIdleWithoutPanicking(t *testing.T) {
	client := &fakeClient{responses: []*llmclient.ChatResponse{{Content: "unused"}}}
	h, _, _ := newTestHandler(t, client)

	env := &models.Envelope{ID: "e1", To: "ghost", From: models.RootAgentID, Payload: map[string]any{"text": "go"}}
	require.NotPanics(t, func() { h.RunTurn(context.Background(), "ghost", env) })
	require.Equal(t, models.StatusIdle, h.state.Status("ghost"))
}

func TestOnInterruptionOnlyFiresWhenActivelyProcessing(t *testing.T) {
	client := &fakeClient{responses: []*llmclient.ChatResponse{{Content: "x"}}}
	h, _, agentID := newTestHandler(t, client)

	env := &models.Envelope{ID: "e1", To: agentID, From: models.RootAgentID, Payload: map[string]any{"text": "hi"}}

	// Not actively processing: interruption is a no-op.
	h.OnInterruption(agentID, env)
	require.Empty(t, h.interrupt.drain(agentID))

	h.state.SetStatus(agentID, models.StatusWaitingLLM)
	h.state.RegisterCancel(agentID, func() {})
	h.OnInterruption(agentID, env)
	require.Len(t, h.interrupt.drain(agentID), 1)
}

func TestRunTurnToolRoundsExceededEscalatesToParent(t *testing.T) {
	// Every response carries a tool call, so the round loop never ends on
	// its own and the round budget is what terminates the turn.
	client := &fakeClient{responses: []*llmclient.ChatResponse{
		{Content: "", ToolCalls: []models.ToolCall{{ID: "call-1", Name: "get_context_status", Arguments: "{}"}}},
	}}
	h, _, agentID := newTestHandlerWithMaxRounds(t, client, 1)

	env := &models.Envelope{ID: "e1", To: agentID, From: models.RootAgentID, Payload: map[string]any{"text": "go"}}
	h.RunTurn(context.Background(), agentID, env)

	require.Equal(t, models.StatusIdle, h.state.Status(agentID))

	entries := h.conversation.Entries(agentID)
	last := entries[len(entries)-1]
	require.Equal(t, models.RoleAssistant, last.Role)
	require.Contains(t, last.Content, string(kernelerr.ToolRoundsExceeded))

	delivered := h.bus.ReceiveNext(models.RootAgentID)
	require.NotNil(t, delivered)
	require.Equal(t, agentID, delivered.From)
	require.Equal(t, string(kernelerr.ToolRoundsExceeded), delivered.Payload["errorType"])
	require.Equal(t, agentID, delivered.Payload["agentId"])
}

func TestRunTurnLLMTransportErrorEscalatesToParent(t *testing.T) {
	client := &fakeClient{err: errors.New("connection reset")}
	h, _, agentID := newTestHandler(t, client)

	env := &models.Envelope{ID: "e1", To: agentID, From: models.RootAgentID, Payload: map[string]any{"text": "go"}}
	h.RunTurn(context.Background(), agentID, env)

	require.Equal(t, models.StatusIdle, h.state.Status(agentID))

	entries := h.conversation.Entries(agentID)
	last := entries[len(entries)-1]
	require.Equal(t, models.RoleAssistant, last.Role)
	require.Contains(t, last.Content, string(kernelerr.LLMTransportError))
	require.Contains(t, last.Content, "connection reset")

	delivered := h.bus.ReceiveNext(models.RootAgentID)
	require.NotNil(t, delivered)
	require.Equal(t, agentID, delivered.From)
	require.Equal(t, string(kernelerr.LLMTransportError), delivered.Payload["errorType"])
}

func TestAppendTerminalErrorWithNoParentEscalatesToUser(t *testing.T) {
	client := &fakeClient{responses: []*llmclient.ChatResponse{{Content: "unused"}}}
	h, _, _ := newTestHandler(t, client)

	h.appendTerminalError(context.Background(), models.RootAgentID, "", kernelerr.ToolRoundsExceeded, "tool round budget exhausted")

	entries := h.conversation.Entries(models.RootAgentID)
	last := entries[len(entries)-1]
	require.Equal(t, models.RoleAssistant, last.Role)
	require.Contains(t, last.Content, string(kernelerr.ToolRoundsExceeded))

	delivered := h.bus.ReceiveNext(models.UserAgentID)
	require.NotNil(t, delivered)
	require.Equal(t, models.RootAgentID, delivered.From)
	require.Equal(t, string(kernelerr.ToolRoundsExceeded), delivered.Payload["errorType"])
	require.Equal(t, models.RootAgentID, delivered.Payload["agentId"])
}
