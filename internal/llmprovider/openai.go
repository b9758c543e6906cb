package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/internal/backoff"
	"github.com/agentloom/runtime/pkg/events"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryPolicy  backoff.BackoffPolicy
}

// OpenAIProvider drives OpenAI's Chat Completions API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	policy       backoff.BackoffPolicy
}

// NewOpenAIProvider builds a Provider backed by OpenAI's chat models.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llmprovider: openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryPolicy == (backoff.BackoffPolicy{}) {
		cfg.RetryPolicy = backoff.DefaultPolicy()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		policy:       cfg.RetryPolicy,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertOpenAIMessages(req.Preamble, req.Messages),
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	tools, err := convertOpenAITools(req.Tools)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("llmprovider: openai: %w", err)
	}
	if len(tools) > 0 {
		chatReq.Tools = tools
	}

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		resp, lastErr = p.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			return toOpenAIResult(resp), nil
		}
		if !isRetryableOpenAIError(lastErr) {
			return CompletionResult{}, fmt.Errorf("%w: openai: %v", ErrPermanent, lastErr)
		}
		if attempt == p.maxRetries {
			break
		}
		delay := backoff.ComputeBackoff(p.policy, attempt)
		select {
		case <-ctx.Done():
			return CompletionResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return CompletionResult{}, fmt.Errorf("llmprovider: openai: exhausted retries: %w", lastErr)
}

func convertOpenAIMessages(preamble string, messages []events.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if preamble != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: preamble})
	}
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}

		var text string
		var toolCalls []openai.ToolCall
		for _, c := range msg.Content {
			switch {
			case c.ToolCall != nil:
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   c.ToolCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      c.ToolCall.Name,
						Arguments: string(c.ToolCall.Arguments),
					},
				})
			case c.ToolResult != nil:
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    string(c.ToolResult.Content),
					ToolCallID: c.ToolResult.ID,
				})
			case c.Text != "":
				text += c.Text
			}
		}
		if text != "" || len(toolCalls) > 0 {
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: text, ToolCalls: toolCalls})
		}
	}
	return out
}

func convertOpenAITools(tools []aggregate.ToolDefinition) ([]openai.Tool, error) {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params map[string]interface{}
		if err := json.Unmarshal(t.Definition, &params); err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:       t.Name,
				Parameters: params,
			},
		})
	}
	return out, nil
}

func toOpenAIResult(resp openai.ChatCompletionResponse) CompletionResult {
	if len(resp.Choices) == 0 {
		return CompletionResult{FinishReason: events.FinishOther}
	}
	choice := resp.Choices[0]

	var content []events.Content
	if choice.Message.Content != "" {
		content = append(content, events.Content{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		content = append(content, events.Content{ToolCall: &events.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		}})
	}

	finish := events.FinishStop
	switch choice.FinishReason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		finish = events.FinishToolUse
	case openai.FinishReasonLength:
		finish = events.FinishLength
	case openai.FinishReasonStop:
		finish = events.FinishStop
	default:
		finish = events.FinishOther
	}

	return CompletionResult{
		Message:      events.Message{Role: "assistant", Content: content},
		FinishReason: finish,
		TokensIn:     resp.Usage.PromptTokens,
		TokensOut:    resp.Usage.CompletionTokens,
	}
}

func isRetryableOpenAIError(err error) bool {
	if apiErr, ok := err.(*openai.APIError); ok {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}
	return true
}
