// Package llmprovider adapts the core's abstract completion() interface
// (§6 "LLM provider interface (consumed)") onto concrete SDKs: Anthropic's
// Messages API, OpenAI's Chat Completions API, and Amazon Bedrock's Converse
// API. The wire protocol details of any one vendor are explicitly out of
// scope for the core (§1); this package exists only to give the LLM Handler
// something real to call.
package llmprovider

import (
	"context"
	"errors"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/pkg/events"
)

// ErrPermanent marks a completion failure that is not retried (content
// filtered, invalid request): the providers wrap it with fmt.Errorf's %w
// and append the underlying SDK error's text, so callers can classify with
// errors.Is.
var ErrPermanent = errors.New("llmprovider: permanent failure")

// CompletionRequest is everything a Provider needs to build one call:
// transcript, tool definitions, and sampling parameters (§4.5 step 2).
type CompletionRequest struct {
	Model       string
	Preamble    string
	Messages    []events.Message
	Tools       []aggregate.ToolDefinition
	Temperature float64
	MaxTokens   int
}

// CompletionResult is a provider's answer folded back into the aggregate as
// a Response::Completion (§4.5 step 3).
type CompletionResult struct {
	Message      events.Message
	FinishReason events.FinishReason
	TokensIn     int
	TokensOut    int
}

// Provider is the abstract LLM backend the LLM Handler drives.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}
