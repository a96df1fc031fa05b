package assistant_test

import (
	"reflect"
	"testing"

	"github.com/relaycrm/assistant-go/assistant"
)

func sessionWithToolArgs(t *testing.T, deltas ...string) *assistant.StreamSession {
	t.Helper()
	s := assistant.NewStreamSession()
	s.Start()
	s.Apply(assistant.StreamEvent{
		Type:      assistant.EventToolStart,
		ToolStart: &assistant.ToolStartEvent{ID: "call-1", Name: "update_deal"},
	})
	for _, d := range deltas {
		s.Apply(assistant.StreamEvent{
			Type:     assistant.EventToolArgs,
			ToolArgs: &assistant.ToolArgsEvent{ID: "call-1", Delta: d},
		})
	}
	return s
}

func TestToolExecutionRecoversSplitArguments(t *testing.T) {
	s := sessionWithToolArgs(t, `{"x":`, `1}`)

	execs := s.ToolExecutions()
	if len(execs) != 1 {
		t.Fatalf("len(ToolExecutions()) = %d, want 1", len(execs))
	}
	want := map[string]any{"x": float64(1)}
	if !reflect.DeepEqual(execs[0].Parameters, want) {
		t.Errorf("Parameters = %#v, want %#v", execs[0].Parameters, want)
	}
	if execs[0].Status != assistant.ToolExecutionExecuting {
		t.Errorf("Status = %q, want executing", execs[0].Status)
	}
}

func TestToolExecutionPartialArgumentsFallBackToRaw(t *testing.T) {
	s := sessionWithToolArgs(t, `{"stage":"closed`)

	execs := s.ToolExecutions()
	want := map[string]any{"raw": `{"stage":"closed`}
	if !reflect.DeepEqual(execs[0].Parameters, want) {
		t.Errorf("Parameters = %#v, want %#v", execs[0].Parameters, want)
	}
}

func TestToolExecutionEmptyArguments(t *testing.T) {
	s := sessionWithToolArgs(t)

	execs := s.ToolExecutions()
	if len(execs[0].Parameters) != 0 {
		t.Errorf("Parameters = %#v, want empty map", execs[0].Parameters)
	}
	if execs[0].Status != assistant.ToolExecutionPending {
		t.Errorf("Status = %q, want pending before any arguments", execs[0].Status)
	}
}

func TestToolExecutionNonObjectArgumentsFallBackToRaw(t *testing.T) {
	s := sessionWithToolArgs(t, `[1,2,3]`)

	execs := s.ToolExecutions()
	want := map[string]any{"raw": `[1,2,3]`}
	if !reflect.DeepEqual(execs[0].Parameters, want) {
		t.Errorf("Parameters = %#v, want %#v", execs[0].Parameters, want)
	}
}

func TestToolExecutionStatusMapping(t *testing.T) {
	newSession := func(t *testing.T) *assistant.StreamSession {
		t.Helper()
		s := assistant.NewStreamSession()
		s.Start()
		s.Apply(assistant.StreamEvent{
			Type:      assistant.EventToolStart,
			ToolStart: &assistant.ToolStartEvent{ID: "call-1", Name: "send_email"},
		})
		return s
	}

	t.Run("success", func(t *testing.T) {
		s := newSession(t)
		s.Apply(assistant.StreamEvent{
			Type:    assistant.EventToolEnd,
			ToolEnd: &assistant.ToolEndEvent{ID: "call-1", Success: true, ExecutionTimeMs: 30},
		})
		exec := s.ToolExecutions()[0]
		if exec.Status != assistant.ToolExecutionSuccess {
			t.Errorf("Status = %q, want success", exec.Status)
		}
		if exec.ExecutionTimeMs != 30 {
			t.Errorf("ExecutionTimeMs = %d, want 30", exec.ExecutionTimeMs)
		}
	})

	t.Run("error", func(t *testing.T) {
		s := newSession(t)
		s.Apply(assistant.StreamEvent{
			Type:    assistant.EventToolEnd,
			ToolEnd: &assistant.ToolEndEvent{ID: "call-1", Success: false, Error: "SMTP refused"},
		})
		exec := s.ToolExecutions()[0]
		if exec.Status != assistant.ToolExecutionError {
			t.Errorf("Status = %q, want error", exec.Status)
		}
		if exec.Error != "SMTP refused" {
			t.Errorf("Error = %q, want SMTP refused", exec.Error)
		}
	})
}
