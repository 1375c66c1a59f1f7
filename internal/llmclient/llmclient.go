// Package llmclient implements the LLM contract this kernel consumes:
//
//	chat({messages, tools, serviceId?, abortSignal}) -> assistant message + usage
//
// with cancellation support via hasActiveRequest/abort, keyed per agent.
// Two concrete adapters are provided, one for Anthropic and one for the
// OpenAI-compatible surface, both collapsed into a single non-streaming
// Client interface since the kernel only needs the final assistant
// message, not token-by-token chunks.
package llmclient

import (
	"context"
	"sync"
	"time"

	"github.com/zhanglunet/agentsociety/pkg/models"
)

// ToolSpec describes one callable tool in the provider-neutral shape the
// Client adapters translate into their wire format.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ChatRequest is the provider-neutral request shape.
type ChatRequest struct {
	Messages []models.ConversationEntry
	Tools    []ToolSpec
	AgentID  string // used to key the abort registry, not sent to the provider
	Model    string // overrides the adapter's configured default when set
}

// ChatResponse is the provider-neutral assistant reply.
type ChatResponse struct {
	Content          string
	ToolCalls        []models.ToolCall
	ReasoningContent string
	Usage            models.TokenUsage
}

// Client is the contract the LLM handler drives. Abort keys by AgentID
// so at most one in-flight call per agent can be cancelled at a time,
// matching the bus's interruption hook.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	HasActiveRequest(agentID string) bool
	Abort(agentID string)
}

// abortRegistry is embedded by each adapter to provide the shared
// HasActiveRequest/Abort bookkeeping without duplicating it per provider.
type abortRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newAbortRegistry() *abortRegistry {
	return &abortRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *abortRegistry) register(agentID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[agentID] = cancel
}

func (r *abortRegistry) clear(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, agentID)
}

func (r *abortRegistry) HasActiveRequest(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[agentID]
	return ok
}

func (r *abortRegistry) Abort(agentID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[agentID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// RetryConfig configures the exponential-backoff retry loop shared by both
// adapters.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}
