package assistant

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// ToolExecutionStatus is the UI-facing lifecycle of a tool call.
type ToolExecutionStatus string

const (
	ToolExecutionPending   ToolExecutionStatus = "pending"
	ToolExecutionExecuting ToolExecutionStatus = "executing"
	ToolExecutionSuccess   ToolExecutionStatus = "success"
	ToolExecutionError     ToolExecutionStatus = "error"
)

// ToolExecution is the UI-facing projection of a ToolCall: accumulated
// argument text decoded into a parameter map, status collapsed onto the
// four states a surface renders.
type ToolExecution struct {
	ID              string
	Name            string
	Parameters      map[string]any
	Status          ToolExecutionStatus
	Result          json.RawMessage
	Error           string
	ExecutionTimeMs int64
}

// ToolExecutions projects the session's tool calls, in start order, for UI
// consumption.
func (s *StreamSession) ToolExecutions() []ToolExecution {
	calls := s.ToolCalls()
	out := make([]ToolExecution, len(calls))
	for i, tc := range calls {
		out[i] = projectToolCall(tc)
	}
	return out
}

func projectToolCall(tc ToolCall) ToolExecution {
	var status ToolExecutionStatus
	switch tc.Status {
	case ToolCallPending:
		status = ToolExecutionPending
	case ToolCallDone:
		status = ToolExecutionSuccess
	case ToolCallError:
		status = ToolExecutionError
	default:
		// Anything in flight renders as executing.
		status = ToolExecutionExecuting
	}
	return ToolExecution{
		ID:              tc.ID,
		Name:            tc.Name,
		Parameters:      parseToolArguments(tc.Arguments),
		Status:          status,
		Result:          tc.Result,
		Error:           tc.Error,
		ExecutionTimeMs: tc.ExecutionTimeMs,
	}
}

// parseToolArguments decodes accumulated tool argument text. Arguments
// stream in as JSON fragments, so mid-stream the text is routinely
// incomplete; until it becomes a complete object the raw text is preserved
// under "raw" instead of failing the projection.
func parseToolArguments(args string) map[string]any {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return map[string]any{}
	}
	if gjson.Valid(trimmed) {
		if params, ok := gjson.Parse(trimmed).Value().(map[string]any); ok {
			return params
		}
	}
	return map[string]any{"raw": args}
}
