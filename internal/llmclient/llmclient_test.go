package llmclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryConfigWithDefaults(t *testing.T) {
	cfg := RetryConfig{}.withDefaults()
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, time.Second, cfg.RetryDelay)

	custom := RetryConfig{MaxRetries: 5, RetryDelay: 50 * time.Millisecond}.withDefaults()
	require.Equal(t, 5, custom.MaxRetries)
	require.Equal(t, 50*time.Millisecond, custom.RetryDelay)
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	require.Equal(t, time.Second, backoff(time.Second, 0))
	require.Equal(t, 2*time.Second, backoff(time.Second, 1))
	require.Equal(t, 4*time.Second, backoff(time.Second, 2))
	require.Equal(t, 8*time.Second, backoff(time.Second, 3))
}

func TestAbortRegistryTracksActiveRequests(t *testing.T) {
	r := newAbortRegistry()
	require.False(t, r.HasActiveRequest("a"))

	var cancelled bool
	_, cancel := context.WithCancel(context.Background())
	r.register("a", func() { cancelled = true; cancel() })
	require.True(t, r.HasActiveRequest("a"))

	r.Abort("a")
	require.True(t, cancelled)
}

func TestAbortRegistryClearRemovesEntry(t *testing.T) {
	r := newAbortRegistry()
	r.register("a", func() {})
	require.True(t, r.HasActiveRequest("a"))

	r.clear("a")
	require.False(t, r.HasActiveRequest("a"))
}

func TestAbortRegistryAbortOnUnknownAgentIsANoOp(t *testing.T) {
	r := newAbortRegistry()
	require.NotPanics(t, func() { r.Abort("no-such-agent") })
}
