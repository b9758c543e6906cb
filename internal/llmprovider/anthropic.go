package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/internal/backoff"
	"github.com/agentloom/runtime/pkg/events"
)

// AnthropicConfig configures an AnthropicProvider. Only APIKey is required;
// everything else falls back to a sane default (§6 "implementations choose
// defaults").
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryPolicy  backoff.BackoffPolicy
}

// AnthropicProvider drives Anthropic's Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	policy       backoff.BackoffPolicy
}

// NewAnthropicProvider builds a Provider backed by Anthropic's Claude models.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llmprovider: anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryPolicy == (backoff.BackoffPolicy{}) {
		cfg.RetryPolicy = backoff.DefaultPolicy()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		policy:       cfg.RetryPolicy,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if req.Preamble != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Preamble}}
	}
	if tools, err := convertTools(req.Tools); err != nil {
		return CompletionResult{}, fmt.Errorf("llmprovider: anthropic: %w", err)
	} else if len(tools) > 0 {
		params.Tools = tools
	}

	var message *anthropic.Message
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		msg, err := p.client.Messages.New(ctx, params)
		if err == nil {
			message = msg
			break
		}
		lastErr = err
		if !isRetryableAnthropicError(err) {
			return CompletionResult{}, fmt.Errorf("%w: anthropic: %v", ErrPermanent, err)
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
	if message == nil {
		return CompletionResult{}, fmt.Errorf("llmprovider: anthropic: exhausted retries: %w", lastErr)
	}

	return toCompletionResult(message), nil
}

func convertMessages(messages []events.Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, c := range msg.Content {
			switch {
			case c.ToolCall != nil:
				var input map[string]interface{}
				_ = json.Unmarshal(c.ToolCall.Arguments, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ToolCall.ID, input, c.ToolCall.Name))
			case c.ToolResult != nil:
				blocks = append(blocks, anthropic.NewToolResultBlock(c.ToolResult.ID, string(c.ToolResult.Content), c.ToolResult.IsError))
			case c.Text != "":
				blocks = append(blocks, anthropic.NewTextBlock(c.Text))
			}
		}
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}
	return result
}

func convertTools(tools []aggregate.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Definition, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{Name: t.Name, InputSchema: schema},
		})
	}
	return out, nil
}

func toCompletionResult(message *anthropic.Message) CompletionResult {
	var content []events.Content
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			content = append(content, events.Content{Text: variant.Text})
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(variant.Input)
			content = append(content, events.Content{ToolCall: &events.ToolCall{
				ID: variant.ID, Name: variant.Name, Arguments: args,
			}})
		}
	}

	finish := events.FinishStop
	switch message.StopReason {
	case anthropic.StopReasonToolUse:
		finish = events.FinishToolUse
	case anthropic.StopReasonMaxTokens:
		finish = events.FinishLength
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		finish = events.FinishStop
	default:
		finish = events.FinishOther
	}

	return CompletionResult{
		Message:      events.Message{Role: "assistant", Content: content},
		FinishReason: finish,
		TokensIn:     int(message.Usage.InputTokens),
		TokensOut:    int(message.Usage.OutputTokens),
	}
}

func isRetryableAnthropicError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}
	return true // network errors without a status code are retried
}
