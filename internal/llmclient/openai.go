package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/zhanglunet/agentsociety/pkg/models"
)

// OpenAIConfig configures an OpenAIClient, wrapping sashabaranov/go-openai
// for an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Retry        RetryConfig
}

// OpenAIClient adapts the Chat Completions API to the Client contract.
type OpenAIClient struct {
	*abortRegistry
	client       *openai.Client
	defaultModel string
	retry        RetryConfig
}

// NewOpenAIClient builds an OpenAIClient from config.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llmclient: openai API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		abortRegistry: newAbortRegistry(),
		client:        openai.NewClientWithConfig(clientCfg),
		defaultModel:  cfg.DefaultModel,
		retry:         cfg.Retry.withDefaults(),
	}, nil
}

// Chat sends one non-streaming chat completion request with the same
// retry/backoff shape as the Anthropic adapter.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.AgentID != "" {
		c.register(req.AgentID, cancel)
		defer c.clear(req.AgentID)
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessagesToOpenAI(req.Messages),
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToolsToOpenAI(req.Tools)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(c.retry.RetryDelay, attempt-1)):
			case <-callCtx.Done():
				return nil, callCtx.Err()
			}
		}
		resp, err := c.client.CreateChatCompletion(callCtx, chatReq)
		if err != nil {
			if errors.Is(callCtx.Err(), context.Canceled) {
				return nil, callCtx.Err()
			}
			lastErr = err
			continue
		}
		return convertOpenAIResponse(resp), nil
	}
	return nil, fmt.Errorf("llmclient: openai call failed after %d retries: %w", c.retry.MaxRetries, lastErr)
}

func convertMessagesToOpenAI(entries []models.ConversationEntry) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(entries))
	for _, e := range entries {
		msg := openai.ChatCompletionMessage{Content: e.Content}
		switch e.Role {
		case models.RoleSystem:
			msg.Role = openai.ChatMessageRoleSystem
		case models.RoleUser:
			msg.Role = openai.ChatMessageRoleUser
		case models.RoleAssistant:
			msg.Role = openai.ChatMessageRoleAssistant
			for _, tc := range e.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case models.RoleTool:
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = e.ToolCallID
		}
		out = append(out, msg)
	}
	return out
}

func convertToolsToOpenAI(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return out
}

func convertOpenAIResponse(resp openai.ChatCompletionResponse) *ChatResponse {
	out := &ChatResponse{
		Usage: models.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	msg := resp.Choices[0].Message
	out.Content = msg.Content
	out.ReasoningContent = msg.ReasoningContent
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}
