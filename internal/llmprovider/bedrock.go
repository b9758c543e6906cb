package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	smithydocument "github.com/aws/smithy-go/document"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/internal/backoff"
	"github.com/agentloom/runtime/pkg/events"
)

// BedrockConfig configures a BedrockProvider. Region and credentials are
// resolved the standard AWS way (env, shared config, instance role); a
// non-empty Region here overrides the resolved region.
type BedrockConfig struct {
	Region       string
	DefaultModel string
	MaxRetries   int
	RetryPolicy  backoff.BackoffPolicy
}

// BedrockProvider drives Amazon Bedrock's Converse API, which normalizes
// the message/tool schema across Bedrock's hosted model families.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	maxRetries   int
	policy       backoff.BackoffPolicy
}

// NewBedrockProvider builds a Provider backed by Amazon Bedrock.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryPolicy == (backoff.BackoffPolicy{}) {
		cfg.RetryPolicy = backoff.DefaultPolicy()
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("llmprovider: bedrock: load AWS config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		policy:       cfg.RetryPolicy,
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: convertBedrockMessages(req.Messages),
	}
	if req.Preamble != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.Preamble}}
	}
	if tools := convertBedrockTools(req.Tools); len(tools) > 0 {
		input.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}
	infConfig := &types.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		mt := int32(req.MaxTokens)
		infConfig.MaxTokens = &mt
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		infConfig.Temperature = &temp
	}
	input.InferenceConfig = infConfig

	var out *bedrockruntime.ConverseOutput
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		out, lastErr = p.client.Converse(ctx, input)
		if lastErr == nil {
			return toBedrockResult(out), nil
		}
		if !isRetryableBedrockError(lastErr) {
			return CompletionResult{}, fmt.Errorf("%w: bedrock: %v", ErrPermanent, lastErr)
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
	return CompletionResult{}, fmt.Errorf("llmprovider: bedrock: exhausted retries: %w", lastErr)
}

func convertBedrockMessages(messages []events.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		var blocks []types.ContentBlock
		for _, c := range msg.Content {
			switch {
			case c.ToolCall != nil:
				var input map[string]interface{}
				_ = json.Unmarshal(c.ToolCall.Arguments, &input)
				blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(c.ToolCall.ID),
					Name:      aws.String(c.ToolCall.Name),
					Input:     document(input),
				}})
			case c.ToolResult != nil:
				blocks = append(blocks, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
					ToolUseId: aws.String(c.ToolResult.ID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: string(c.ToolResult.Content)},
					},
				}})
			case c.Text != "":
				blocks = append(blocks, &types.ContentBlockMemberText{Value: c.Text})
			}
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out
}

func convertBedrockTools(tools []aggregate.ToolDefinition) []types.Tool {
	out := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]interface{}
		_ = json.Unmarshal(t.Definition, &schema)
		out = append(out, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(t.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document(schema)},
		}})
	}
	return out
}

func toBedrockResult(out *bedrockruntime.ConverseOutput) CompletionResult {
	var content []events.Content
	if msgOutput, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msgOutput.Value.Content {
			switch variant := block.(type) {
			case *types.ContentBlockMemberText:
				content = append(content, events.Content{Text: variant.Value})
			case *types.ContentBlockMemberToolUse:
				args, _ := json.Marshal(variant.Value.Input)
				content = append(content, events.Content{ToolCall: &events.ToolCall{
					ID:        aws.ToString(variant.Value.ToolUseId),
					Name:      aws.ToString(variant.Value.Name),
					Arguments: args,
				}})
			}
		}
	}

	finish := events.FinishStop
	switch out.StopReason {
	case types.StopReasonToolUse:
		finish = events.FinishToolUse
	case types.StopReasonMaxTokens:
		finish = events.FinishLength
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		finish = events.FinishStop
	default:
		finish = events.FinishOther
	}

	var tokensIn, tokensOut int
	if out.Usage != nil {
		tokensIn = int(aws.ToInt32(out.Usage.InputTokens))
		tokensOut = int(aws.ToInt32(out.Usage.OutputTokens))
	}

	return CompletionResult{
		Message:      events.Message{Role: "assistant", Content: content},
		FinishReason: finish,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
	}
}

// document adapts a plain Go value into the smithy Document interface
// Bedrock's Converse API uses for free-form JSON (tool input/schema).
func document(v interface{}) smithydocument.Marshaler {
	return smithydocument.NewLazyDocument(v)
}

func isRetryableBedrockError(err error) bool {
	var apiErr smithy.APIError
	if as, ok := err.(smithy.APIError); ok {
		apiErr = as
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailableException", "InternalServerException":
			return true
		default:
			return false
		}
	}
	return true
}
