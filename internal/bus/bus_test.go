package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agentsociety/internal/agentstate"
	"github.com/zhanglunet/agentsociety/pkg/models"
)

type fakeStatus struct {
	agents map[string]*models.Agent
}

func newFakeStatus(ids ...string) *fakeStatus {
	fs := &fakeStatus{agents: make(map[string]*models.Agent)}
	for _, id := range ids {
		fs.agents[id] = &models.Agent{ID: id, Status: models.AgentActive}
	}
	return fs
}

func (f *fakeStatus) IsActive(agentID string) bool {
	a, ok := f.agents[agentID]
	return ok && a.Status == models.AgentActive
}

func (f *fakeStatus) Agent(agentID string) (*models.Agent, bool) {
	a, ok := f.agents[agentID]
	return a, ok
}

func TestSendReceiveFIFO(t *testing.T) {
	b := New(Config{Status: newFakeStatus("a")})

	r1, err := b.Send("a", "user", map[string]any{"n": 1}, "", 0)
	require.NoError(t, err)
	r2, err := b.Send("a", "user", map[string]any{"n": 2}, "", 0)
	require.NoError(t, err)

	require.Equal(t, 2, b.GetQueueDepth("a"))

	first := b.ReceiveNext("a")
	require.NotNil(t, first)
	require.Equal(t, r1.MessageID, first.ID)

	second := b.ReceiveNext("a")
	require.NotNil(t, second)
	require.Equal(t, r2.MessageID, second.ID)

	require.Nil(t, b.ReceiveNext("a"))
}

func TestSendRejectsUnknownRecipient(t *testing.T) {
	b := New(Config{Status: newFakeStatus()})
	_, err := b.Send("ghost", "user", nil, "", 0)
	require.Error(t, err)
}

func TestSendRejectsTerminatedRecipient(t *testing.T) {
	fs := newFakeStatus("a")
	fs.agents["a"].Status = models.AgentTerminated
	b := New(Config{Status: fs})
	_, err := b.Send("a", "user", nil, "", 0)
	require.Error(t, err)
}

func TestDelayedDeliveryOrdering(t *testing.T) {
	b := New(Config{Status: newFakeStatus("a")})

	_, err := b.Send("a", "user", map[string]any{"n": 1}, "", 50)
	require.NoError(t, err)
	_, err = b.Send("a", "user", map[string]any{"n": 2}, "", 10)
	require.NoError(t, err)

	require.Equal(t, 0, b.GetQueueDepth("a"))
	require.Equal(t, 2, b.GetDelayedCount())

	time.Sleep(75 * time.Millisecond)
	delivered := b.DeliverDueMessages()
	require.Equal(t, 2, delivered)
	require.Equal(t, 0, b.GetDelayedCount())

	first := b.ReceiveNext("a")
	require.NotNil(t, first)
	require.Equal(t, 2, first.Payload["n"])
}

func TestForceDeliverAllDelayed(t *testing.T) {
	b := New(Config{Status: newFakeStatus("a")})
	_, err := b.Send("a", "user", nil, "", 10_000)
	require.NoError(t, err)

	n := b.ForceDeliverAllDelayed()
	require.Equal(t, 1, n)
	require.Equal(t, 0, b.GetDelayedCount())
	require.Equal(t, 1, b.GetQueueDepth("a"))
}

func TestDiscardAllDelayed(t *testing.T) {
	b := New(Config{Status: newFakeStatus("a")})
	_, err := b.Send("a", "user", nil, "", 10_000)
	require.NoError(t, err)

	n := b.DiscardAllDelayed()
	require.Equal(t, 1, n)
	require.Equal(t, 0, b.GetDelayedCount())
	require.Equal(t, 0, b.GetQueueDepth("a"))
}

func TestInterruptionFiresWhenActivelyProcessing(t *testing.T) {
	state := agentstate.New()
	state.SetStatus("a", models.StatusWaitingLLM)
	state.RegisterCancel("a", func() {})

	var interrupted bool
	b := New(Config{
		Status:        newFakeStatus("a"),
		ComputeStatus: state,
		OnInterrupt: func(agentID string, msg *models.Envelope) {
			interrupted = true
		},
	})

	_, err := b.Send("a", "user", nil, "", 0)
	require.NoError(t, err)
	require.True(t, interrupted)
}

func TestSetInterruptionFuncWiresAfterConstruction(t *testing.T) {
	state := agentstate.New()
	state.SetStatus("a", models.StatusWaitingLLM)
	state.RegisterCancel("a", func() {})

	b := New(Config{Status: newFakeStatus("a"), ComputeStatus: state})

	var interrupted bool
	b.SetInterruptionFunc(func(agentID string, msg *models.Envelope) { interrupted = true })

	_, err := b.Send("a", "user", nil, "", 0)
	require.NoError(t, err)
	require.True(t, interrupted)
}

func TestWaitForMessageUnblocksOnSend(t *testing.T) {
	b := New(Config{Status: newFakeStatus("a")})

	done := make(chan struct{})
	go func() {
		b.WaitForMessage(context.Background(), "a")
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := b.Send("a", "user", nil, "", 0)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForMessage did not unblock after Send")
	}
}

func TestWaitForMessageRespectsContextCancellation(t *testing.T) {
	b := New(Config{Status: newFakeStatus("a")})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.WaitForMessage(ctx, "a")
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForMessage did not unblock after context cancellation")
	}
}

func TestOldestQueuedFirstOrdersByCreatedAt(t *testing.T) {
	b := New(Config{Status: newFakeStatus("a", "b")})

	_, err := b.Send("b", "user", nil, "", 0)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = b.Send("a", "user", nil, "", 0)
	require.NoError(t, err)

	order := b.OldestQueuedFirst()
	require.Equal(t, []string{"b", "a"}, order)
}

func TestDropQueue(t *testing.T) {
	b := New(Config{Status: newFakeStatus("a")})
	_, err := b.Send("a", "user", nil, "", 0)
	require.NoError(t, err)
	require.Equal(t, 1, b.GetQueueDepth("a"))

	b.DropQueue("a")
	require.Equal(t, 0, b.GetQueueDepth("a"))
}
