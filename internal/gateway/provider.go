package gateway

import (
	"context"
)

// Turn is one prior exchange in a conversation, oldest first. Role is either
// "user" or "assistant"; tool traffic never persists across requests.
type Turn struct {
	Role    string
	Content string
}

// ToolCall is one tool invocation requested by a model, with its fully
// accumulated JSON argument text.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
	Index     int
}

// ToolVerdict is the gateway's ruling on a requested tool call. Content is
// the JSON fed back to the model. Gated means a confirmation gate was raised
// and the exchange must stop without a result for this call.
type ToolVerdict struct {
	Content string
	IsError bool
	Gated   bool
}

// ToolExecutor resolves one requested tool call. A non-nil error aborts the
// whole exchange; tool-level failures travel inside the verdict instead so
// the model can recover.
type ToolExecutor func(ctx context.Context, call ToolCall) (ToolVerdict, error)

// ChatRequest is one provider exchange: the conversation so far plus the
// generation settings resolved from the stream request.
type ChatRequest struct {
	System      string
	Turns       []Turn
	Model       string
	Temperature *float64
	MaxTokens   int
	Tools       []ToolDefinition
}

// ChatUsage counts tokens across every model round of an exchange.
type ChatUsage struct {
	Prompt     int
	Completion int
}

// ChatOutcome is the result of a completed exchange. Text is the full
// assistant reply; Gated means the exchange stopped at a confirmation gate
// and no terminal event should be emitted.
type ChatOutcome struct {
	Text   string
	Finish string
	Usage  ChatUsage
	Gated  bool
}

// Provider is one model backend behind the gateway. Run drives the exchange
// to completion: it streams text increments through onToken as they arrive,
// resolves requested tool calls through exec (feeding results back to the
// model until it stops asking), and returns the final outcome.
type Provider interface {
	Name() string
	DefaultModel() string
	Run(ctx context.Context, req *ChatRequest, exec ToolExecutor, onToken func(string)) (*ChatOutcome, error)
}
