package agentstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agentsociety/pkg/models"
)

func TestStatusDefaultsToIdle(t *testing.T) {
	tr := New()
	require.Equal(t, models.StatusIdle, tr.Status("unseen"))
}

func TestSetStatusTransition(t *testing.T) {
	tr := New()
	tr.SetStatus("a", models.StatusProcessing)
	require.Equal(t, models.StatusProcessing, tr.Status("a"))
}

func TestIsActivelyProcessingRequiresWaitingAndCancel(t *testing.T) {
	tr := New()
	require.False(t, tr.IsActivelyProcessing("a"))

	tr.SetStatus("a", models.StatusWaitingLLM)
	require.False(t, tr.IsActivelyProcessing("a"))

	tr.RegisterCancel("a", func() {})
	require.True(t, tr.IsActivelyProcessing("a"))

	tr.ClearCancel("a")
	require.False(t, tr.IsActivelyProcessing("a"))
}

func TestCancelPendingToolCall(t *testing.T) {
	tr := New()
	require.False(t, tr.CancelPendingToolCall("a"))

	var cancelled bool
	tr.RegisterCancel("a", func() { cancelled = true })

	require.True(t, tr.CancelPendingToolCall("a"))
	require.True(t, cancelled)
}

func TestLockSerializesPerAgent(t *testing.T) {
	tr := New()
	unlock := tr.Lock("a")

	done := make(chan struct{})
	go func() {
		unlock2 := tr.Lock("a")
		unlock2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Lock acquired while first still held")
	default:
	}
	unlock()
	<-done
}
