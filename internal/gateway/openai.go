package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/relaycrm/assistant-go/assistant"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultGroqModel   = "llama-3.3-70b-versatile"
	groqBaseURL        = "https://api.groq.com/openai/v1"
)

// chatCompletions is the slice of the OpenAI SDK the provider consumes.
type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIProvider serves exchanges through the OpenAI chat completions API.
// Completions are requested whole; the reply is played back as word-sized
// tokens so clients see the same stream shape every provider produces.
type OpenAIProvider struct {
	completions chatCompletions
	name        string
	model       string
}

// NewOpenAIProvider constructs the provider against api.openai.com.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{completions: &client.Chat.Completions, name: "openai", model: defaultOpenAIModel}
}

// NewGroqProvider constructs the provider against Groq, which speaks the
// OpenAI chat API behind a different base URL.
func NewGroqProvider(apiKey string) *OpenAIProvider {
	client := openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(groqBaseURL))
	return &OpenAIProvider{completions: &client.Chat.Completions, name: "groq", model: defaultGroqModel}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// DefaultModel implements Provider.
func (p *OpenAIProvider) DefaultModel() string { return p.model }

// Run implements Provider.
func (p *OpenAIProvider) Run(ctx context.Context, req *ChatRequest, exec ToolExecutor, onToken func(string)) (*ChatOutcome, error) {
	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: buildOpenAIMessages(req.System, req.Turns),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildOpenAITools(req.Tools)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	var (
		text  strings.Builder
		usage ChatUsage
	)
	for round := 0; ; round++ {
		resp, err := p.completions.New(ctx, params)
		if err != nil {
			return nil, err
		}
		usage.Prompt += int(resp.Usage.PromptTokens)
		usage.Completion += int(resp.Usage.CompletionTokens)
		if len(resp.Choices) == 0 {
			return nil, errors.New("empty response from model")
		}
		choice := resp.Choices[0]
		msg := choice.Message

		if len(msg.ToolCalls) == 0 || round >= maxToolRounds {
			for _, tok := range splitTokens(msg.Content) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				onToken(tok)
			}
			text.WriteString(msg.Content)
			finish := mapOpenAIFinish(string(choice.FinishReason))
			if len(msg.ToolCalls) > 0 {
				finish = assistant.FinishToolCalls
			}
			return &ChatOutcome{Text: text.String(), Finish: finish, Usage: usage}, nil
		}

		// Models sometimes attach speculative user-facing text to tool-call
		// turns; it stays out of the history and out of the reply.
		msg.Content = ""
		params.Messages = append(params.Messages, msg.ToParam())

		for i, tc := range msg.ToolCalls {
			call := ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments, Index: i}
			verdict, err := exec(ctx, call)
			if err != nil {
				return nil, err
			}
			if verdict.Gated {
				return &ChatOutcome{Text: text.String(), Finish: assistant.FinishToolCalls, Usage: usage, Gated: true}, nil
			}
			params.Messages = append(params.Messages, openai.ToolMessage(tc.ID, verdict.Content))
		}
	}
}

func buildOpenAIMessages(system string, turns []Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	for _, t := range turns {
		switch t.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	return msgs
}

func buildOpenAITools(defs []ToolDefinition) []openai.ChatCompletionToolUnionParam {
	tools := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        def.Name,
			Description: openai.String(def.Description),
			Parameters:  openai.FunctionParameters(def.Parameters),
		}))
	}
	return tools
}

func mapOpenAIFinish(reason string) string {
	switch reason {
	case "stop":
		return assistant.FinishStop
	case "length":
		return assistant.FinishLength
	case "tool_calls", "function_call":
		return assistant.FinishToolCalls
	case "content_filter":
		return assistant.FinishContentFilter
	default:
		return assistant.FinishStop
	}
}

// openaiErrorStatus extracts the HTTP status from an OpenAI API error.
func openaiErrorStatus(err error) (int, bool) {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}
