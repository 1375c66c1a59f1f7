package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zhanglunet/agentsociety/pkg/models"
)

// AnthropicConfig configures an AnthropicClient: an API key, retry
// budget/delay and a fallback default model.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Retry        RetryConfig
}

// AnthropicClient adapts the Anthropic Messages API to the Client contract.
type AnthropicClient struct {
	*abortRegistry
	client       anthropic.Client
	defaultModel string
	retry        RetryConfig
}

// NewAnthropicClient builds an AnthropicClient from config.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llmclient: anthropic API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		abortRegistry: newAbortRegistry(),
		client:        anthropic.NewClient(opts...),
		defaultModel:  cfg.DefaultModel,
		retry:         cfg.Retry.withDefaults(),
	}, nil
}

// Chat sends one non-streaming completion request, retrying transport
// failures with exponential backoff. The client applies no per-call
// timeout of its own: a call is bounded only by ctx and by Abort.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
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

	params, err := c.buildParams(model, req)
	if err != nil {
		return nil, fmt.Errorf("llmclient: anthropic request conversion: %w", err)
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
		msg, err := c.client.Messages.New(callCtx, params)
		if err != nil {
			if errors.Is(callCtx.Err(), context.Canceled) {
				return nil, callCtx.Err()
			}
			lastErr = err
			continue
		}
		return convertAnthropicMessage(msg), nil
	}
	return nil, fmt.Errorf("llmclient: anthropic call failed after %d retries: %w", c.retry.MaxRetries, lastErr)
}

func (c *AnthropicClient) buildParams(model string, req ChatRequest) (anthropic.MessageNewParams, error) {
	var system string
	var messages []anthropic.MessageParam

	for _, e := range req.Messages {
		switch e.Role {
		case models.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += e.Content
		case models.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(e.Content)))
		case models.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if e.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(e.Content))
			}
			for _, tc := range e.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Arguments), &args)
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case models.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewToolResultBlock(e.ToolCallID, e.Content, false)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: 4096,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		var tools []anthropic.ToolUnionParam
		for _, t := range req.Tools {
			tools = append(tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: anthropic.ToolInputSchemaParam{Properties: t.Schema["properties"]},
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

func convertAnthropicMessage(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		Usage: models.TokenUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += variant.Text
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(variant.Input)
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: string(args),
			})
		}
	}
	return resp
}
