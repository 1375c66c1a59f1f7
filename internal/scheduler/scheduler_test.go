package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agentsociety/internal/agentstate"
	"github.com/zhanglunet/agentsociety/internal/artifactstore"
	"github.com/zhanglunet/agentsociety/internal/bus"
	"github.com/zhanglunet/agentsociety/internal/contextbuilder"
	"github.com/zhanglunet/agentsociety/internal/conversation"
	"github.com/zhanglunet/agentsociety/internal/llmclient"
	"github.com/zhanglunet/agentsociety/internal/llmhandler"
	"github.com/zhanglunet/agentsociety/internal/org"
	"github.com/zhanglunet/agentsociety/internal/tooldispatch"
	"github.com/zhanglunet/agentsociety/pkg/models"
)

type fakeClient struct {
	content string
	delay   time.Duration
}

func (f *fakeClient) Chat(ctx context.Context, _ llmclient.ChatRequest) (*llmclient.ChatResponse, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llmclient.ChatResponse{Content: f.content}, nil
}
func (f *fakeClient) HasActiveRequest(string) bool { return false }
func (f *fakeClient) Abort(string)                 {}

type statusSource struct{ agents map[string]bool }

func (s *statusSource) IsActive(id string) bool { return s.agents[id] }
func (s *statusSource) Agent(id string) (*models.Agent, bool) {
	if !s.agents[id] {
		return nil, false
	}
	return &models.Agent{ID: id, Status: models.AgentActive}, true
}

func newHarness(t *testing.T, client llmclient.Client) (*Scheduler, *bus.Bus, string) {
	t.Helper()
	orgReg := org.New(t.TempDir(), nil)
	require.NoError(t, orgReg.Load())
	role, err := orgReg.CreateRole("engineer", "build things", "main", nil, models.RootAgentID)
	require.NoError(t, err)
	agent, err := orgReg.Spawn(models.RootAgentID, role.ID, &models.TaskBrief{
		Objective: "x", Constraints: []string{}, Inputs: map[string]any{}, Outputs: map[string]any{}, CompletionCriteria: map[string]any{},
	})
	require.NoError(t, err)

	convMgr := conversation.New(t.TempDir(), conversation.Thresholds{MaxTokens: 10000, Warning: 0.7, Critical: 0.9, Hard: 0.95}, 0, nil)
	builder := contextbuilder.New("base", "", orgReg)
	status := &statusSource{agents: map[string]bool{models.RootAgentID: true, agent.ID: true}}
	messageBus := bus.New(bus.Config{Status: status})
	artifacts := artifactstore.NewFileStore(t.TempDir())
	tools := tooldispatch.New(orgReg, convMgr, messageBus, artifacts, t.TempDir(), nil)
	state := agentstate.New()

	handler := llmhandler.New(llmhandler.Config{
		Org: orgReg, Conversation: convMgr, ContextBuild: builder, Bus: messageBus,
		Tools: tools, State: state, Clients: map[string]llmclient.Client{"main": client}, DefaultClient: "main",
	})
	messageBus.SetInterruptionFunc(handler.OnInterruption)

	sched := New(Config{
		Bus: messageBus, State: state, Handler: handler, Conversation: convMgr, MaxConcurrent: 2,
	})
	return sched, messageBus, agent.ID
}

func TestRunDispatchesQueuedMessageAndGoesIdleAfterStop(t *testing.T) {
	sched, messageBus, agentID := newHarness(t, &fakeClient{content: "done"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(runDone)
	}()

	_, err := messageBus.Send(agentID, models.RootAgentID, map[string]any{"text": "go"}, "", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sched.conversation.GetContextStatus(agentID).UsedTokens >= 0 && len(sched.conversation.Entries(agentID)) > 1
	}, time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	sched.Stop(stopCtx)

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	require.Equal(t, models.StatusIdle, sched.state.Status(agentID))
}

func TestForceStopWithInFlightHandlerEndsRun(t *testing.T) {
	sched, messageBus, agentID := newHarness(t, &fakeClient{content: "done", delay: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(runDone)
	}()

	_, err := messageBus.Send(agentID, models.RootAgentID, map[string]any{"text": "go"}, "", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sched.inFlight.Load() == 1
	}, time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	sched.ForceStop(stopCtx)

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ForceStop")
	}
}

func TestHeartbeatReportsStalledAgents(t *testing.T) {
	sched, messageBus, agentID := newHarness(t, &fakeClient{content: "done", delay: 200 * time.Millisecond})

	stalled := make(chan string, 1)
	sched.onStalled = func(id string, _ time.Duration) {
		select {
		case stalled <- id:
		default:
		}
	}
	sched.stallThreshold = 20 * time.Millisecond
	sched.heartbeatPeriod = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Run(ctx)
	_, err := messageBus.Send(agentID, models.RootAgentID, map[string]any{"text": "go"}, "", 0)
	require.NoError(t, err)

	select {
	case id := <-stalled:
		require.Equal(t, agentID, id)
	case <-time.After(time.Second):
		t.Fatal("heartbeat never reported a stalled agent")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	sched.Stop(stopCtx)
}
