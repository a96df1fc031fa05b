package assistant

import (
	"encoding/json"
	"strings"
)

// Status is the lifecycle state of one streaming exchange.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusConnecting  Status = "connecting"
	StatusStreaming   Status = "streaming"
	StatusToolCalling Status = "tool_calling"
	StatusConfirming  Status = "confirming"
	StatusDone        Status = "done"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// ToolCallStatus tracks one tool call through its lifecycle.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallExecuting ToolCallStatus = "executing"
	ToolCallDone      ToolCallStatus = "done"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCall is the session-side record of one tool invocation. Arguments
// accumulate delta by delta and routinely hold partial JSON mid-stream.
type ToolCall struct {
	ID              string
	Name            string
	Index           int
	Arguments       string
	Status          ToolCallStatus
	Result          json.RawMessage
	Error           string
	ExecutionTimeMs int64
}

// StreamSession owns the complete state of a single streaming request, from
// connect to terminal status. It is created fresh for every send and never
// shared across requests.
//
// A StreamSession is not safe for concurrent use on its own: the controller
// that created it applies events in wire order and serves snapshots under
// its own lock.
type StreamSession struct {
	status         Status
	content        strings.Builder
	tokenCount     int
	model          string
	provider       string
	conversationID string
	requestID      string
	toolCalls      map[string]*ToolCall
	toolOrder      []string
	confirmation   *ConfirmationEvent
	usage          *UsageEvent
	err            *ErrorEvent
	finishReason   string
}

// NewStreamSession returns an idle session.
func NewStreamSession() *StreamSession {
	return &StreamSession{
		status:    StatusIdle,
		toolCalls: make(map[string]*ToolCall),
	}
}

// Start marks the session as connecting. Only an idle session can start;
// sessions are single-use.
func (s *StreamSession) Start() {
	if s.status == StatusIdle {
		s.status = StatusConnecting
	}
}

// Apply advances the state machine with one decoded event. Events arriving
// after a terminal status are dropped: a stream that finished, failed, or
// was cancelled cannot be revived by stragglers. Frames whose payload failed
// to decode (nil variant pointer) and unknown event types are no-ops.
func (s *StreamSession) Apply(ev StreamEvent) {
	if s.status.Terminal() {
		return
	}

	switch ev.Type {
	case EventToken:
		if ev.Token == nil {
			return
		}
		s.content.WriteString(ev.Token.Text)
		s.tokenCount = ev.Token.Index + 1
		s.enterStreaming()

	case EventMetadata:
		if ev.Metadata == nil {
			return
		}
		s.model = ev.Metadata.Model
		s.provider = ev.Metadata.Provider
		if ev.Metadata.ConversationID != "" {
			s.conversationID = ev.Metadata.ConversationID
		}
		s.requestID = ev.Metadata.RequestID
		s.enterStreaming()

	case EventToolStart:
		if ev.ToolStart == nil {
			return
		}
		// Ids are unique per session; a duplicate start for a known id keeps
		// the existing record and its accumulated arguments.
		if _, exists := s.toolCalls[ev.ToolStart.ID]; !exists {
			s.toolCalls[ev.ToolStart.ID] = &ToolCall{
				ID:     ev.ToolStart.ID,
				Name:   ev.ToolStart.Name,
				Index:  ev.ToolStart.Index,
				Status: ToolCallPending,
			}
			s.toolOrder = append(s.toolOrder, ev.ToolStart.ID)
		}
		if s.status != StatusConfirming {
			s.status = StatusToolCalling
		}

	case EventToolArgs:
		if ev.ToolArgs == nil {
			return
		}
		tc, ok := s.toolCalls[ev.ToolArgs.ID]
		if !ok {
			// Unknown id: tolerate out-of-order or duplicate delivery.
			return
		}
		tc.Arguments += ev.ToolArgs.Delta
		if tc.Status == ToolCallPending {
			tc.Status = ToolCallExecuting
		}

	case EventToolEnd:
		if ev.ToolEnd == nil {
			return
		}
		tc, ok := s.toolCalls[ev.ToolEnd.ID]
		if !ok {
			return
		}
		if ev.ToolEnd.Success {
			tc.Status = ToolCallDone
		} else {
			tc.Status = ToolCallError
		}
		tc.Result = ev.ToolEnd.Result
		tc.Error = ev.ToolEnd.Error
		tc.ExecutionTimeMs = ev.ToolEnd.ExecutionTimeMs

	case EventConfirmation:
		if ev.Confirmation == nil {
			return
		}
		s.confirmation = ev.Confirmation
		s.status = StatusConfirming

	case EventUsage:
		if ev.Usage == nil {
			return
		}
		s.usage = ev.Usage

	case EventDone:
		if ev.Done == nil {
			return
		}
		if ev.Done.ConversationID != "" {
			s.conversationID = ev.Done.ConversationID
		}
		s.finishReason = ev.Done.FinishReason
		s.status = StatusDone

	case EventError:
		if ev.Err == nil {
			return
		}
		s.err = ev.Err
		s.status = StatusError

	case EventPing:
		// Keep-alive only.
	}
}

// enterStreaming moves the session into streaming, including back out of
// tool_calling once text resumes. A confirmation gate is never left this
// way; the decision endpoint resolves it.
func (s *StreamSession) enterStreaming() {
	if s.status != StatusConfirming {
		s.status = StatusStreaming
	}
}

// MarkCancelled records a caller-initiated abort and reports whether it took
// effect. It is idempotent, never regresses a terminal status, and leaves a
// confirmation gate to be resolved by a decision instead.
func (s *StreamSession) MarkCancelled() bool {
	switch s.status {
	case StatusConnecting, StatusStreaming, StatusToolCalling:
		s.status = StatusCancelled
		return true
	default:
		return false
	}
}

// Fail records a transport-level failure as a typed stream error. Terminal
// statuses, including a prior cancellation, absorb it.
func (s *StreamSession) Fail(code ErrorCode, message string) {
	if s.status.Terminal() {
		return
	}
	s.err = &ErrorEvent{Code: code, Message: message}
	s.status = StatusError
}

// ResolveConfirmation settles the pending confirmation with the decision
// endpoint's textual response. The response follows any streamed text, so it
// is appended after a blank line rather than replacing content. Clearing the
// confirmation happens exactly once; later calls are no-ops.
func (s *StreamSession) ResolveConfirmation(response string) {
	if s.confirmation == nil {
		return
	}
	s.confirmation = nil
	if response != "" {
		if s.content.Len() > 0 {
			s.content.WriteString("\n\n")
		}
		s.content.WriteString(response)
	}
	s.status = StatusDone
}

// Status returns the current lifecycle state.
func (s *StreamSession) Status() Status { return s.status }

// Content returns the accumulated assistant text.
func (s *StreamSession) Content() string { return s.content.String() }

// TokenCount returns the authoritative token count, latest index plus one.
func (s *StreamSession) TokenCount() int { return s.tokenCount }

// Model returns the model reported by metadata.
func (s *StreamSession) Model() string { return s.model }

// Provider returns the provider reported by metadata.
func (s *StreamSession) Provider() string { return s.provider }

// ConversationID returns the conversation id assigned by the backend, if any.
func (s *StreamSession) ConversationID() string { return s.conversationID }

// RequestID returns the request id reported by metadata.
func (s *StreamSession) RequestID() string { return s.requestID }

// FinishReason returns the done event's finish reason, if the stream got
// that far.
func (s *StreamSession) FinishReason() string { return s.finishReason }

// Confirmation returns a copy of the pending confirmation, or nil.
func (s *StreamSession) Confirmation() *ConfirmationEvent {
	if s.confirmation == nil {
		return nil
	}
	c := *s.confirmation
	return &c
}

// Usage returns a copy of the reported usage, or nil.
func (s *StreamSession) Usage() *UsageEvent {
	if s.usage == nil {
		return nil
	}
	u := *s.usage
	return &u
}

// Err returns a copy of the stream error, or nil.
func (s *StreamSession) Err() *ErrorEvent {
	if s.err == nil {
		return nil
	}
	e := *s.err
	return &e
}

// ToolCalls returns the session's tool calls in start order. The returned
// records are copies.
func (s *StreamSession) ToolCalls() []ToolCall {
	out := make([]ToolCall, 0, len(s.toolOrder))
	for _, id := range s.toolOrder {
		out = append(out, *s.toolCalls[id])
	}
	return out
}
