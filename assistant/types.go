package assistant

import (
	"strings"
	"time"
)

// Role classifies who authored a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// NormalizeRole maps backend role spellings, whatever their casing, onto the
// canonical lowercase enum.
func NormalizeRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// Message is one entry of a conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamRequest is the request body for the streaming endpoint.
type StreamRequest struct {
	Message        string          `json:"message"`
	ConversationID *string         `json:"conversationId,omitempty"`
	SystemPrompt   *string         `json:"systemPrompt,omitempty"`
	Provider       *string         `json:"provider,omitempty"`
	Model          *string         `json:"model,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"maxTokens,omitempty"`
	Context        *RequestContext `json:"context,omitempty"`
	EnableTools    *bool           `json:"enableTools,omitempty"`
}

// RequestContext pins the CRM entity a message is about, plus structured
// data the assistant and its tools may draw on (deal fields, contact lists,
// template context).
type RequestContext struct {
	EntityType *string        `json:"entityType,omitempty"`
	EntityID   *string        `json:"entityId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Decision is a human ruling on a pending confirmation.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionCancel  Decision = "cancel"
	DecisionModify  Decision = "modify"
)

// ConfirmRequest resolves a pending confirmation.
type ConfirmRequest struct {
	RequestID     string         `json:"requestId"`
	Decision      Decision       `json:"decision"`
	Modifications map[string]any `json:"modifications,omitempty"`
}

// ConfirmResponse is the gateway's reply to a confirmation decision.
type ConfirmResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Conversation is a persisted message history fetched by id.
type Conversation struct {
	ID       string                `json:"id,omitempty"`
	Messages []ConversationMessage `json:"messages"`
}

// ConversationMessage is the backend's persisted message shape. Role casing
// is whatever the backend stored; normalize before use.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// HealthResponse reports gateway liveness and the providers it can serve.
type HealthResponse struct {
	Status    string   `json:"status"`
	Providers []string `json:"providers,omitempty"`
}
