package assistant

import (
	"encoding/json"
	"time"
)

// EventType discriminates the server-sent events on an assistant stream.
type EventType string

const (
	EventToken        EventType = "token"
	EventMetadata     EventType = "metadata"
	EventToolStart    EventType = "tool_start"
	EventToolArgs     EventType = "tool_args"
	EventToolEnd      EventType = "tool_end"
	EventConfirmation EventType = "confirmation"
	EventUsage        EventType = "usage"
	EventDone         EventType = "done"
	EventError        EventType = "error"
	EventPing         EventType = "ping"
)

// ErrorCode classifies stream-level failures.
type ErrorCode string

const (
	ErrCodeRateLimit      ErrorCode = "RATE_LIMIT"
	ErrCodeContextLength  ErrorCode = "CONTEXT_LENGTH"
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeProvider       ErrorCode = "PROVIDER_ERROR"
	ErrCodeTimeout        ErrorCode = "TIMEOUT"
	ErrCodeCancelled      ErrorCode = "CANCELLED"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden      ErrorCode = "FORBIDDEN"
)

// Impact grades how consequential a gated action is.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// Finish reasons reported by the done event.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// TokenEvent is one increment of assistant text. Index is zero-based and
// authoritative for token accounting.
type TokenEvent struct {
	Text  string `json:"t"`
	Index int    `json:"i"`
}

// MetadataEvent identifies the model and provider serving the request.
type MetadataEvent struct {
	Model          string `json:"model"`
	Provider       string `json:"provider"`
	ConversationID string `json:"conversationId,omitempty"`
	RequestID      string `json:"requestId"`
}

// ToolStartEvent opens a tool call whose arguments follow incrementally.
type ToolStartEvent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// ToolArgsEvent carries one increment of a tool call's JSON argument text.
type ToolArgsEvent struct {
	ID    string `json:"id"`
	Delta string `json:"delta"`
}

// ToolEndEvent closes a tool call with its outcome.
type ToolEndEvent struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Result          json.RawMessage `json:"result,omitempty"`
	Success         bool            `json:"success"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
}

// ConfirmationEvent pauses the stream until a human decides whether a
// high-impact action may proceed.
type ConfirmationEvent struct {
	RequestID   string         `json:"requestId"`
	Action      string         `json:"action"`
	Description string         `json:"description"`
	Impact      Impact         `json:"impact"`
	Parameters  map[string]any `json:"parameters"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

// UsageEvent reports token accounting for the exchange.
type UsageEvent struct {
	Prompt     int      `json:"prompt"`
	Completion int      `json:"completion"`
	Total      int      `json:"total"`
	Cost       *float64 `json:"cost,omitempty"`
}

// DoneEvent terminates a completed stream.
type DoneEvent struct {
	ConversationID string `json:"conversationId"`
	FinishReason   string `json:"finishReason"`
	ContentLength  int    `json:"contentLength"`
}

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Code         ErrorCode `json:"code"`
	Message      string    `json:"message"`
	Retryable    bool      `json:"retryable"`
	RetryAfterMs *int64    `json:"retryAfterMs,omitempty"`
	RequestID    string    `json:"requestId,omitempty"`
}

// Error implements the error interface so stream errors can travel as plain
// Go errors when that is more convenient than inspecting session state.
func (e *ErrorEvent) Error() string {
	return string(e.Code) + ": " + e.Message
}

// PingEvent is a keep-alive.
type PingEvent struct {
	TS float64 `json:"ts"`
}

// StreamEvent is one decoded wire event. Type selects which payload pointer
// is populated; Raw always carries the original JSON payload.
type StreamEvent struct {
	Type         EventType
	Token        *TokenEvent
	Metadata     *MetadataEvent
	ToolStart    *ToolStartEvent
	ToolArgs     *ToolArgsEvent
	ToolEnd      *ToolEndEvent
	Confirmation *ConfirmationEvent
	Usage        *UsageEvent
	Done         *DoneEvent
	Err          *ErrorEvent
	Ping         *PingEvent
	Raw          json.RawMessage
}

// parseStreamEvent decodes data into the payload variant for eventType.
// Unknown types keep only Raw; a payload that does not fit its variant's
// shape leaves the pointer nil, which downstream treats as a no-op frame.
func parseStreamEvent(eventType EventType, data json.RawMessage) StreamEvent {
	ev := StreamEvent{Type: eventType, Raw: data}
	switch eventType {
	case EventToken:
		var p TokenEvent
		if json.Unmarshal(data, &p) == nil {
			ev.Token = &p
		}
	case EventMetadata:
		var p MetadataEvent
		if json.Unmarshal(data, &p) == nil {
			ev.Metadata = &p
		}
	case EventToolStart:
		var p ToolStartEvent
		if json.Unmarshal(data, &p) == nil {
			ev.ToolStart = &p
		}
	case EventToolArgs:
		var p ToolArgsEvent
		if json.Unmarshal(data, &p) == nil {
			ev.ToolArgs = &p
		}
	case EventToolEnd:
		var p ToolEndEvent
		if json.Unmarshal(data, &p) == nil {
			ev.ToolEnd = &p
		}
	case EventConfirmation:
		var p ConfirmationEvent
		if json.Unmarshal(data, &p) == nil {
			ev.Confirmation = &p
		}
	case EventUsage:
		var p UsageEvent
		if json.Unmarshal(data, &p) == nil {
			ev.Usage = &p
		}
	case EventDone:
		var p DoneEvent
		if json.Unmarshal(data, &p) == nil {
			ev.Done = &p
		}
	case EventError:
		var p ErrorEvent
		if json.Unmarshal(data, &p) == nil {
			ev.Err = &p
		}
	case EventPing:
		var p PingEvent
		if json.Unmarshal(data, &p) == nil {
			ev.Ping = &p
		}
	}
	return ev
}
