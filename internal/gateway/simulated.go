package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/relaycrm/assistant-go/assistant"
)

const simulatedModel = "relay-sim-1"

// SimulatedProvider is a deterministic, keyless model backend. It scripts a
// handful of CRM scenarios off keywords in the latest user message so the
// gateway (and anything built on it) runs end to end without provider
// credentials.
type SimulatedProvider struct{}

// NewSimulatedProvider constructs the simulated backend.
func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{}
}

// Name implements Provider.
func (*SimulatedProvider) Name() string { return "simulated" }

// DefaultModel implements Provider.
func (*SimulatedProvider) DefaultModel() string { return simulatedModel }

// Run implements Provider.
func (p *SimulatedProvider) Run(ctx context.Context, req *ChatRequest, exec ToolExecutor, onToken func(string)) (*ChatOutcome, error) {
	prompt := ""
	for i := len(req.Turns) - 1; i >= 0; i-- {
		if req.Turns[i].Role == "user" {
			prompt = strings.ToLower(req.Turns[i].Content)
			break
		}
	}

	run := &simulatedRun{ctx: ctx, onToken: onToken}
	usage := ChatUsage{Prompt: approxPromptTokens(req)}
	hasTools := len(req.Tools) > 0

	switch {
	case strings.Contains(prompt, "fail"):
		return nil, errors.New("simulated provider failure")

	case hasTools && (strings.Contains(prompt, "email") || strings.Contains(prompt, "send")):
		if err := run.say("I drafted the email and need your approval before it goes out."); err != nil {
			return nil, err
		}
		verdict, err := exec(ctx, simulatedCall("send_email", map[string]any{
			"to":      []string{"maya.chen@acme.io"},
			"subject": "Follow-up on our conversation",
			"body":    "Hi {{contact.firstName}},\n\nThanks for the call earlier. The updated proposal is attached.\n\nBest,\n{{owner.name}}",
		}))
		if err != nil {
			return nil, err
		}
		if verdict.Gated {
			usage.Completion = run.count
			return &ChatOutcome{Text: run.text.String(), Finish: assistant.FinishToolCalls, Usage: usage, Gated: true}, nil
		}
		if err := run.sayOutcome(verdict); err != nil {
			return nil, err
		}

	case hasTools && (strings.Contains(prompt, "contact") || strings.Contains(prompt, "search") || strings.Contains(prompt, "who")):
		if err := run.say("Checking the CRM."); err != nil {
			return nil, err
		}
		verdict, err := exec(ctx, simulatedCall("search_contacts", map[string]any{
			"query": inferQuery(prompt),
		}))
		if err != nil {
			return nil, err
		}
		if err := run.sayOutcome(verdict); err != nil {
			return nil, err
		}

	case hasTools && strings.Contains(prompt, "lead"):
		if err := run.say("On it."); err != nil {
			return nil, err
		}
		verdict, err := exec(ctx, simulatedCall("create_lead", map[string]any{
			"name":    "Jordan Reyes",
			"company": "Acme",
			"source":  "assistant",
		}))
		if err != nil {
			return nil, err
		}
		if err := run.sayOutcome(verdict); err != nil {
			return nil, err
		}

	case hasTools && strings.Contains(prompt, "deal"):
		if err := run.say("Updating the pipeline."); err != nil {
			return nil, err
		}
		verdict, err := exec(ctx, simulatedCall("update_deal", map[string]any{
			"dealId": "deal-3001",
			"stage":  "negotiation",
			"amount": 7500,
		}))
		if err != nil {
			return nil, err
		}
		if verdict.Gated {
			usage.Completion = run.count
			return &ChatOutcome{Text: run.text.String(), Finish: assistant.FinishToolCalls, Usage: usage, Gated: true}, nil
		}
		if err := run.sayOutcome(verdict); err != nil {
			return nil, err
		}

	default:
		if err := run.say("Here's where things stand: two open deals, three follow-ups due this week, and one new lead from the webinar. Ask me to search contacts, update a deal, or draft an email."); err != nil {
			return nil, err
		}
	}

	usage.Completion = run.count
	return &ChatOutcome{Text: run.text.String(), Finish: assistant.FinishStop, Usage: usage}, nil
}

type simulatedRun struct {
	ctx     context.Context
	onToken func(string)
	text    strings.Builder
	count   int
}

// say plays s back one word-sized token at a time.
func (r *simulatedRun) say(s string) error {
	for _, tok := range splitTokens(s) {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		r.onToken(tok)
		r.text.WriteString(tok)
		r.count++
	}
	return nil
}

// sayOutcome narrates a tool verdict using its summary or error payload.
func (r *simulatedRun) sayOutcome(v ToolVerdict) error {
	if v.IsError {
		msg := gjson.Get(v.Content, "error").String()
		if msg == "" {
			msg = "the tool failed"
		}
		return r.say(" I couldn't complete that: " + msg)
	}
	summary := gjson.Get(v.Content, "summary").String()
	if summary == "" {
		summary = "Done."
	}
	return r.say(" " + summary)
}

func simulatedCall(name string, args map[string]any) ToolCall {
	payload, _ := json.Marshal(args)
	return ToolCall{
		ID:        "sim-" + name,
		Name:      name,
		Arguments: string(payload),
	}
}

// inferQuery picks the company the user mentioned, defaulting to the demo
// book's busiest account.
func inferQuery(prompt string) string {
	for _, q := range []string{"acme", "globex", "initech"} {
		if strings.Contains(prompt, q) {
			return q
		}
	}
	return "acme"
}

func approxPromptTokens(req *ChatRequest) int {
	n := len(strings.Fields(req.System))
	for _, t := range req.Turns {
		n += len(strings.Fields(t.Content))
	}
	return n
}

// splitTokens cuts text into word-sized chunks, each keeping its trailing
// whitespace, so joined chunks reproduce the text exactly.
func splitTokens(s string) []string {
	var out []string
	start := 0
	inSpace := false
	for i, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace {
			out = append(out, s[start:i])
			start = i
			inSpace = false
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
