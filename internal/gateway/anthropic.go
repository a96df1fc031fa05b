package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/relaycrm/assistant-go/assistant"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	defaultMaxTokens      = 4096

	// maxToolRounds caps the tool loop so a model that keeps asking for
	// tools cannot hold a stream open forever.
	maxToolRounds = 8
)

// anthropicMessages is the slice of the Anthropic SDK the provider consumes.
type anthropicMessages interface {
	NewStreaming(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicProvider serves exchanges through the Anthropic Messages API,
// streaming text deltas as they arrive and looping tool rounds until the
// model stops asking.
type AnthropicProvider struct {
	messages anthropicMessages
	model    string
}

// NewAnthropicProvider constructs the provider with a real SDK client.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{messages: &client.Messages, model: defaultAnthropicModel}
}

// Name implements Provider.
func (*AnthropicProvider) Name() string { return "anthropic" }

// DefaultModel implements Provider.
func (p *AnthropicProvider) DefaultModel() string { return p.model }

// Run implements Provider.
func (p *AnthropicProvider) Run(ctx context.Context, req *ChatRequest, exec ToolExecutor, onToken func(string)) (*ChatOutcome, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  buildAnthropicMessages(req.Turns),
		Tools:     buildAnthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	var (
		text  strings.Builder
		usage ChatUsage
	)
	for round := 0; ; round++ {
		turnText, calls, stopReason, err := p.streamOneTurn(ctx, params, onToken, &usage)
		if err != nil {
			return nil, err
		}
		text.WriteString(turnText)

		if len(calls) == 0 {
			return &ChatOutcome{Text: text.String(), Finish: mapAnthropicStop(stopReason), Usage: usage}, nil
		}
		if round >= maxToolRounds {
			return &ChatOutcome{Text: text.String(), Finish: assistant.FinishToolCalls, Usage: usage}, nil
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(calls)+1)
		if turnText != "" {
			blocks = append(blocks, sdk.NewTextBlock(turnText))
		}
		for _, call := range calls {
			blocks = append(blocks, sdk.NewToolUseBlock(call.ID, json.RawMessage(call.Arguments), call.Name))
		}
		params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))

		results := make([]sdk.ContentBlockParamUnion, 0, len(calls))
		for _, call := range calls {
			verdict, err := exec(ctx, call)
			if err != nil {
				return nil, err
			}
			if verdict.Gated {
				return &ChatOutcome{Text: text.String(), Finish: assistant.FinishToolCalls, Usage: usage, Gated: true}, nil
			}
			results = append(results, sdk.NewToolResultBlock(call.ID, verdict.Content, verdict.IsError))
		}
		params.Messages = append(params.Messages, sdk.NewUserMessage(results...))
	}
}

// streamOneTurn runs a single Messages stream, forwarding text deltas and
// buffering tool-call argument fragments until their blocks close.
func (p *AnthropicProvider) streamOneTurn(ctx context.Context, params sdk.MessageNewParams, onToken func(string), usage *ChatUsage) (string, []ToolCall, string, error) {
	stream := p.messages.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		turnText   strings.Builder
		calls      []ToolCall
		stopReason string
		toolBlocks = make(map[int]*anthropicToolBuffer)
	)
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[int(ev.Index)] = &anthropicToolBuffer{id: toolUse.ID, name: toolUse.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				onToken(delta.Text)
				turnText.WriteString(delta.Text)
			case sdk.InputJSONDelta:
				if tb := toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if tb := toolBlocks[int(ev.Index)]; tb != nil {
				delete(toolBlocks, int(ev.Index))
				calls = append(calls, ToolCall{ID: tb.id, Name: tb.name, Arguments: tb.finalInput(), Index: len(calls)})
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			usage.Prompt += int(ev.Usage.InputTokens)
			usage.Completion += int(ev.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return "", nil, "", err
	}
	return turnText.String(), calls, stopReason, nil
}

type anthropicToolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *anthropicToolBuffer) finalInput() string {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func buildAnthropicMessages(turns []Turn) []sdk.MessageParam {
	msgs := make([]sdk.MessageParam, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(t.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(t.Content)))
		}
	}
	return msgs
}

func buildAnthropicTools(defs []ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{Type: "object"}
		if props, ok := def.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if required, ok := def.Parameters["required"].([]string); ok {
			schema.Required = required
		}

		tool := sdk.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = sdk.Opt(def.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func mapAnthropicStop(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return assistant.FinishStop
	case "max_tokens":
		return assistant.FinishLength
	case "tool_use":
		return assistant.FinishToolCalls
	case "refusal":
		return assistant.FinishContentFilter
	default:
		return assistant.FinishStop
	}
}

// anthropicErrorStatus extracts the HTTP status from an Anthropic API error.
func anthropicErrorStatus(err error) (int, bool) {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}
