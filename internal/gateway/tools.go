package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/relaycrm/assistant-go/assistant"
	"github.com/relaycrm/assistant-go/template"
)

// ToolDefinition is one CRM action the assistant can take. Parameters is a
// JSON-schema-shaped map advertised to the model. Gated, when non-nil,
// reports whether a given call needs human approval before it may run.
type ToolDefinition struct {
	Name        string
	Description string
	Impact      assistant.Impact
	Parameters  map[string]any
	Gated       func(args map[string]any) bool
	Execute     func(ctx context.Context, args map[string]any, crm *assistant.RequestContext) (map[string]any, error)
}

// ToolRegistry holds the CRM tools in a fixed advertisement order.
type ToolRegistry struct {
	order []string
	defs  map[string]*ToolDefinition
}

// NewToolRegistry builds the registry with the stock CRM tools.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{defs: make(map[string]*ToolDefinition)}
	r.Register(searchContactsTool())
	r.Register(createLeadTool())
	r.Register(updateDealTool())
	r.Register(sendEmailTool())
	return r
}

// Register adds or replaces a tool definition.
func (r *ToolRegistry) Register(def *ToolDefinition) {
	if _, exists := r.defs[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
}

// Get looks a tool up by name.
func (r *ToolRegistry) Get(name string) (*ToolDefinition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Definitions returns the tools in advertisement order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.defs[name])
	}
	return out
}

// decodeArgs turns accumulated tool-call JSON into a parameter map. Invalid
// or non-object payloads decode to an empty map so tools report their own
// missing-field errors.
func decodeArgs(raw string) map[string]any {
	if !gjson.Valid(raw) {
		return map[string]any{}
	}
	if m, ok := gjson.Parse(raw).Value().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// describeAction renders the human-readable line shown on a confirmation
// prompt for a gated call.
func describeAction(def *ToolDefinition, args map[string]any) string {
	switch def.Name {
	case "send_email":
		subject := stringArg(args, "subject")
		if subject == "" {
			subject = "(no subject)"
		}
		to := stringListArg(args, "to")
		if len(to) == 0 {
			return fmt.Sprintf("Send %q", subject)
		}
		return fmt.Sprintf("Send %q to %s", subject, strings.Join(to, ", "))
	case "update_deal":
		if id := stringArg(args, "dealId"); id != "" {
			return fmt.Sprintf("Update deal %s", id)
		}
	}
	return def.Description
}

// The demo CRM data set. The production CRM store lives behind the BFF; the
// reference gateway carries a small fixed book so tools behave end to end.
var crmContacts = []map[string]any{
	{"id": "ct-1001", "firstName": "Maya", "lastName": "Chen", "email": "maya.chen@acme.io", "company": "Acme", "title": "VP Operations"},
	{"id": "ct-1002", "firstName": "Jonas", "lastName": "Weber", "email": "jonas.weber@acme.io", "company": "Acme", "title": "Procurement Lead"},
	{"id": "ct-1003", "firstName": "Priya", "lastName": "Natarajan", "email": "priya@globex.com", "company": "Globex", "title": "CTO"},
	{"id": "ct-1004", "firstName": "Sam", "lastName": "Okafor", "email": "sam.okafor@initech.dev", "company": "Initech", "title": "Head of Sales"},
}

var crmDeals = map[string]map[string]any{
	"deal-3001": {"id": "deal-3001", "name": "Acme Renewal", "stage": "proposal", "amount": 42000.0},
	"deal-3002": {"id": "deal-3002", "name": "Globex Pilot", "stage": "discovery", "amount": 8000.0},
}

func searchContactsTool() *ToolDefinition {
	return &ToolDefinition{
		Name:        "search_contacts",
		Description: "Search CRM contacts by name, company, email, or title",
		Impact:      assistant.ImpactLow,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Name, company, email, or title fragment to match",
				},
			},
			"required": []string{"query"},
		},
		Execute: func(ctx context.Context, args map[string]any, crm *assistant.RequestContext) (map[string]any, error) {
			query := strings.ToLower(strings.TrimSpace(stringArg(args, "query")))
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			matches := []map[string]any{}
			for _, c := range crmContacts {
				haystack := strings.ToLower(fmt.Sprintf("%s %s %s %s %s",
					c["firstName"], c["lastName"], c["email"], c["company"], c["title"]))
				if strings.Contains(haystack, query) {
					matches = append(matches, c)
				}
			}
			return map[string]any{
				"count":    len(matches),
				"contacts": matches,
				"summary":  fmt.Sprintf("Found %d contact(s) matching %q.", len(matches), query),
			}, nil
		},
	}
}

func createLeadTool() *ToolDefinition {
	return &ToolDefinition{
		Name:        "create_lead",
		Description: "Create a new lead in the CRM",
		Impact:      assistant.ImpactMedium,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":    map[string]any{"type": "string", "description": "Full name of the lead"},
				"company": map[string]any{"type": "string", "description": "Company the lead works for"},
				"email":   map[string]any{"type": "string", "description": "Contact email address"},
				"source":  map[string]any{"type": "string", "description": "Where the lead came from"},
			},
			"required": []string{"name"},
		},
		Execute: func(ctx context.Context, args map[string]any, crm *assistant.RequestContext) (map[string]any, error) {
			name := strings.TrimSpace(stringArg(args, "name"))
			if name == "" {
				return nil, fmt.Errorf("name is required")
			}
			source := stringArg(args, "source")
			if source == "" {
				source = "assistant"
			}
			id := "lead-" + uuid.NewString()[:8]
			return map[string]any{
				"id":      id,
				"name":    name,
				"company": stringArg(args, "company"),
				"email":   stringArg(args, "email"),
				"source":  source,
				"status":  "new",
				"summary": fmt.Sprintf("Created lead %s for %s.", id, name),
			}, nil
		},
	}
}

func updateDealTool() *ToolDefinition {
	return &ToolDefinition{
		Name:        "update_deal",
		Description: "Update the stage, amount, or close date of a deal",
		Impact:      assistant.ImpactMedium,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dealId":    map[string]any{"type": "string", "description": "Identifier of the deal to update"},
				"stage":     map[string]any{"type": "string", "description": "New pipeline stage"},
				"amount":    map[string]any{"type": "number", "description": "New deal amount in dollars"},
				"closeDate": map[string]any{"type": "string", "description": "New expected close date (YYYY-MM-DD)"},
			},
			"required": []string{"dealId"},
		},
		// Large amounts need a human sign-off.
		Gated: func(args map[string]any) bool {
			amount, ok := floatArg(args, "amount")
			return ok && amount > 10000
		},
		Execute: func(ctx context.Context, args map[string]any, crm *assistant.RequestContext) (map[string]any, error) {
			dealID := strings.TrimSpace(stringArg(args, "dealId"))
			if dealID == "" {
				return nil, fmt.Errorf("dealId is required")
			}
			deal, ok := crmDeals[dealID]
			if !ok {
				return nil, fmt.Errorf("deal %q not found", dealID)
			}

			updated := map[string]any{}
			for k, v := range deal {
				updated[k] = v
			}
			var changed []string
			if stage := stringArg(args, "stage"); stage != "" {
				updated["stage"] = stage
				changed = append(changed, "stage")
			}
			if amount, ok := floatArg(args, "amount"); ok {
				updated["amount"] = amount
				changed = append(changed, "amount")
			}
			if closeDate := stringArg(args, "closeDate"); closeDate != "" {
				updated["closeDate"] = closeDate
				changed = append(changed, "closeDate")
			}
			summary := fmt.Sprintf("Deal %s is unchanged.", dealID)
			if len(changed) > 0 {
				summary = fmt.Sprintf("Updated %s on deal %s.", strings.Join(changed, ", "), dealID)
			}
			return map[string]any{
				"deal":    updated,
				"changed": changed,
				"summary": summary,
			}, nil
		},
	}
}

func sendEmailTool() *ToolDefinition {
	return &ToolDefinition{
		Name:        "send_email",
		Description: "Send an email to one or more CRM contacts",
		Impact:      assistant.ImpactHigh,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Recipient email addresses",
				},
				"subject": map[string]any{"type": "string", "description": "Email subject line"},
				"body": map[string]any{
					"type":        "string",
					"description": "Email body; may use {{path}} template variables resolved against the CRM context",
				},
			},
			"required": []string{"to", "body"},
		},
		// Outbound email always goes through a human.
		Gated: func(map[string]any) bool { return true },
		Execute: func(ctx context.Context, args map[string]any, crm *assistant.RequestContext) (map[string]any, error) {
			to := stringListArg(args, "to")
			if len(to) == 0 {
				return nil, fmt.Errorf("to is required")
			}
			subject := stringArg(args, "subject")
			if subject == "" {
				subject = "(no subject)"
			}

			var tctx template.Context
			if crm != nil && crm.Data != nil {
				tctx = template.Context(crm.Data)
			}
			rendered := template.Render(stringArg(args, "body"), tctx)

			result := map[string]any{
				"status":  "sent",
				"to":      to,
				"subject": subject,
				"body":    rendered.Body,
				"summary": fmt.Sprintf("Email %q sent to %s.", subject, strings.Join(to, ", ")),
			}
			if len(rendered.Errors) > 0 {
				result["templateErrors"] = rendered.Errors
			}
			return result, nil
		},
	}
}

func stringArg(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

func floatArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// stringListArg reads a list argument, tolerating a bare string.
func stringListArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}
