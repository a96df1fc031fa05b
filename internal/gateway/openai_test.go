package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/assistant-go/assistant"
)

// stubCompletions answers one canned completion per New call and records the
// params of every call.
type stubCompletions struct {
	params []openai.ChatCompletionNewParams
	resps  []*openai.ChatCompletion
	errs   []error
	calls  int
}

func (s *stubCompletions) New(_ context.Context, params openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	s.params = append(s.params, params)
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.resps) {
		return s.resps[i], nil
	}
	return nil, errors.New("stub exhausted")
}

// completionFromJSON decodes a wire-shaped chat completion the way the SDK
// does, so response structs never have to be assembled field by field.
func completionFromJSON(t *testing.T, raw string) *openai.ChatCompletion {
	t.Helper()
	var out openai.ChatCompletion
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return &out
}

const toolCallCompletion = `{
  "id": "chatcmpl-1",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": "Let me check.",
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "search_contacts", "arguments": "{\"query\":\"acme\"}"}
      }]
    }
  }],
  "usage": {"prompt_tokens": 12, "completion_tokens": 9, "total_tokens": 21}
}`

const finalCompletion = `{
  "id": "chatcmpl-2",
  "choices": [{
    "index": 0,
    "finish_reason": "stop",
    "message": {"role": "assistant", "content": "Maya and Jonas are your Acme contacts."}
  }],
  "usage": {"prompt_tokens": 40, "completion_tokens": 8, "total_tokens": 48}
}`

func TestOpenAIRunTextAndToolRound(t *testing.T) {
	stub := &stubCompletions{resps: []*openai.ChatCompletion{
		completionFromJSON(t, toolCallCompletion),
		completionFromJSON(t, finalCompletion),
	}}
	provider := &OpenAIProvider{completions: stub, name: "openai", model: defaultOpenAIModel}

	var tokens []string
	var executed []ToolCall
	exec := func(_ context.Context, call ToolCall) (ToolVerdict, error) {
		executed = append(executed, call)
		return ToolVerdict{Content: `{"summary":"Found 2 contact(s)."}`}, nil
	}

	outcome, err := provider.Run(context.Background(), &ChatRequest{
		System:    "be useful",
		Turns:     []Turn{{Role: "user", Content: "who do we know at acme?"}},
		Model:     defaultOpenAIModel,
		MaxTokens: 512,
		Tools:     NewToolRegistry().Definitions(),
	}, exec, func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)

	assert.Equal(t, "Maya and Jonas are your Acme contacts.", outcome.Text)
	assert.Equal(t, assistant.FinishStop, outcome.Finish)
	assert.False(t, outcome.Gated)
	assert.Equal(t, 52, outcome.Usage.Prompt)
	assert.Equal(t, 17, outcome.Usage.Completion)
	assert.Equal(t, outcome.Text, strings.Join(tokens, ""))

	require.Len(t, executed, 1)
	assert.Equal(t, "call_1", executed[0].ID)
	assert.Equal(t, "search_contacts", executed[0].Name)
	assert.Equal(t, `{"query":"acme"}`, executed[0].Arguments)

	require.Len(t, stub.params, 2)
	assert.Equal(t, defaultOpenAIModel, stub.params[0].Model)
	assert.Len(t, stub.params[0].Tools, 4)
	// system + user
	assert.Len(t, stub.params[0].Messages, 2)

	second, err := json.Marshal(stub.params[1].Messages)
	require.NoError(t, err)
	s := string(second)
	assert.Contains(t, s, "call_1")
	assert.Contains(t, s, "Found 2 contact(s).")
	// Speculative text on the tool-call turn is dropped from history.
	assert.NotContains(t, s, "Let me check.")
	assert.NotContains(t, tokens, "Let")
}

func TestOpenAIRunStopsOnGatedTool(t *testing.T) {
	stub := &stubCompletions{resps: []*openai.ChatCompletion{
		completionFromJSON(t, toolCallCompletion),
	}}
	provider := &OpenAIProvider{completions: stub, name: "openai", model: defaultOpenAIModel}

	exec := func(_ context.Context, call ToolCall) (ToolVerdict, error) {
		return ToolVerdict{Gated: true}, nil
	}

	outcome, err := provider.Run(context.Background(), &ChatRequest{
		Turns: []Turn{{Role: "user", Content: "send it"}},
		Model: defaultOpenAIModel,
		Tools: NewToolRegistry().Definitions(),
	}, exec, func(string) {})
	require.NoError(t, err)

	assert.True(t, outcome.Gated)
	assert.Equal(t, assistant.FinishToolCalls, outcome.Finish)
	assert.Len(t, stub.params, 1)
}

func TestOpenAIRunToolRoundCap(t *testing.T) {
	// The stub always asks for another tool round; Run must stop on its own.
	resps := make([]*openai.ChatCompletion, 0, maxToolRounds+1)
	for i := 0; i <= maxToolRounds; i++ {
		resps = append(resps, completionFromJSON(t, toolCallCompletion))
	}
	stub := &stubCompletions{resps: resps}
	provider := &OpenAIProvider{completions: stub, name: "openai", model: defaultOpenAIModel}

	rounds := 0
	exec := func(_ context.Context, call ToolCall) (ToolVerdict, error) {
		rounds++
		return ToolVerdict{Content: `{}`}, nil
	}

	outcome, err := provider.Run(context.Background(), &ChatRequest{
		Turns: []Turn{{Role: "user", Content: "loop"}},
		Model: defaultOpenAIModel,
		Tools: NewToolRegistry().Definitions(),
	}, exec, func(string) {})
	require.NoError(t, err)

	assert.Equal(t, assistant.FinishToolCalls, outcome.Finish)
	assert.Equal(t, maxToolRounds, rounds)
	assert.Len(t, stub.params, maxToolRounds+1)
}

func TestOpenAIRunEmptyChoices(t *testing.T) {
	stub := &stubCompletions{resps: []*openai.ChatCompletion{
		completionFromJSON(t, `{"id":"chatcmpl-3","choices":[],"usage":{"prompt_tokens":1,"completion_tokens":0,"total_tokens":1}}`),
	}}
	provider := &OpenAIProvider{completions: stub, name: "groq", model: defaultGroqModel}

	_, err := provider.Run(context.Background(), &ChatRequest{
		Turns: []Turn{{Role: "user", Content: "hi"}},
		Model: defaultGroqModel,
	}, nil, func(string) {})
	assert.ErrorContains(t, err, "empty response from model")
}

func TestOpenAIRunSurfacesAPIError(t *testing.T) {
	stub := &stubCompletions{errs: []error{errors.New("model overloaded")}}
	provider := &OpenAIProvider{completions: stub, name: "openai", model: defaultOpenAIModel}

	_, err := provider.Run(context.Background(), &ChatRequest{
		Turns: []Turn{{Role: "user", Content: "hi"}},
		Model: defaultOpenAIModel,
	}, nil, func(string) {})
	assert.ErrorContains(t, err, "model overloaded")
}

func TestBuildOpenAIMessages(t *testing.T) {
	msgs := buildOpenAIMessages("be useful", []Turn{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	})
	require.Len(t, msgs, 3)

	payload, err := json.Marshal(msgs)
	require.NoError(t, err)
	s := string(payload)
	assert.Contains(t, s, "be useful")
	assert.Contains(t, s, "hello")
	assert.Contains(t, s, "hi there")

	assert.Len(t, buildOpenAIMessages("", nil), 0)
}

func TestBuildOpenAITools(t *testing.T) {
	tools := buildOpenAITools(NewToolRegistry().Definitions())
	require.Len(t, tools, 4)

	payload, err := json.Marshal(tools[3])
	require.NoError(t, err)
	s := string(payload)
	assert.Contains(t, s, `"send_email"`)
	assert.Contains(t, s, "Send an email")
	assert.Contains(t, s, `"parameters"`)
}

func TestMapOpenAIFinish(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"stop", assistant.FinishStop},
		{"length", assistant.FinishLength},
		{"tool_calls", assistant.FinishToolCalls},
		{"function_call", assistant.FinishToolCalls},
		{"content_filter", assistant.FinishContentFilter},
		{"", assistant.FinishStop},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapOpenAIFinish(tt.in), tt.in)
	}
}

func TestSplitTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"one", []string{"one"}},
		{"two words", []string{"two ", "words"}},
		{"spaced   out", []string{"spaced   ", "out"}},
		{"line\nbreak", []string{"line\n", "break"}},
		{"héllo wörld", []string{"héllo ", "wörld"}},
		{"trailing space ", []string{"trailing ", "space "}},
	}
	for _, tt := range tests {
		got := splitTokens(tt.in)
		assert.Equal(t, tt.want, got, "%q", tt.in)
		assert.Equal(t, tt.in, strings.Join(got, ""), "chunks must reassemble exactly")
	}
}
