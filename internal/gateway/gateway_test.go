package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/assistant-go/assistant"
	"github.com/relaycrm/assistant-go/internal/store"
)

func newTestGateway(t *testing.T, opts ...Option) (*httptest.Server, *assistant.Client) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(New(st, opts...).Handler())
	t.Cleanup(srv.Close)

	return srv, assistant.NewClient(srv.URL, assistant.WithTenant("t-acme"))
}

func collectStream(t *testing.T, events <-chan assistant.StreamEvent, errs <-chan error) []assistant.StreamEvent {
	t.Helper()
	var got []assistant.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.NoError(t, <-errs)
	return got
}

func eventsOfType(evs []assistant.StreamEvent, typ assistant.EventType) []assistant.StreamEvent {
	var out []assistant.StreamEvent
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func doneOf(t *testing.T, evs []assistant.StreamEvent) *assistant.DoneEvent {
	t.Helper()
	done := eventsOfType(evs, assistant.EventDone)
	require.Len(t, done, 1, "expected exactly one done event")
	return done[0].Done
}

func TestStreamPlainMessage(t *testing.T) {
	_, client := newTestGateway(t)

	events, errs, err := client.StreamMessage(context.Background(), &assistant.StreamRequest{Message: "hello"})
	require.NoError(t, err)
	got := collectStream(t, events, errs)
	require.NotEmpty(t, got)

	meta := got[0]
	require.Equal(t, assistant.EventMetadata, meta.Type)
	require.NotNil(t, meta.Metadata)
	assert.Equal(t, "simulated", meta.Metadata.Provider)
	assert.Equal(t, "relay-sim-1", meta.Metadata.Model)
	assert.NotEmpty(t, meta.Metadata.ConversationID)
	assert.NotEmpty(t, meta.Metadata.RequestID)

	var text strings.Builder
	for i, ev := range eventsOfType(got, assistant.EventToken) {
		require.NotNil(t, ev.Token)
		assert.Equal(t, i, ev.Token.Index)
		text.WriteString(ev.Token.Text)
	}
	assert.Contains(t, text.String(), "two open deals")

	usage := eventsOfType(got, assistant.EventUsage)
	require.Len(t, usage, 1)
	assert.Positive(t, usage[0].Usage.Completion)
	assert.Equal(t, usage[0].Usage.Prompt+usage[0].Usage.Completion, usage[0].Usage.Total)

	last := got[len(got)-1]
	require.Equal(t, assistant.EventDone, last.Type)
	assert.Equal(t, assistant.FinishStop, last.Done.FinishReason)
	assert.Equal(t, meta.Metadata.ConversationID, last.Done.ConversationID)
	assert.Equal(t, text.Len(), last.Done.ContentLength)
}

func TestStreamContinuesConversation(t *testing.T) {
	ctx := context.Background()
	_, client := newTestGateway(t)

	events, errs, err := client.StreamMessage(ctx, &assistant.StreamRequest{Message: "hello"})
	require.NoError(t, err)
	convID := doneOf(t, collectStream(t, events, errs)).ConversationID

	events, errs, err = client.StreamMessage(ctx, &assistant.StreamRequest{
		Message:        "thanks",
		ConversationID: assistant.String(convID),
	})
	require.NoError(t, err)
	assert.Equal(t, convID, doneOf(t, collectStream(t, events, errs)).ConversationID)

	conv, err := client.GetConversation(ctx, convID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "user", conv.Messages[0].Role)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, "assistant", conv.Messages[1].Role)
	assert.NotEmpty(t, conv.Messages[1].Content)
	assert.Equal(t, "thanks", conv.Messages[2].Content)
	assert.False(t, conv.Messages[0].CreatedAt.IsZero())
}

func TestStreamRejectsBadRequests(t *testing.T) {
	_, client := newTestGateway(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		req    *assistant.StreamRequest
		status int
	}{
		{"empty message", &assistant.StreamRequest{Message: "   "}, http.StatusBadRequest},
		{"unknown provider", &assistant.StreamRequest{Message: "hi", Provider: assistant.String("bogus")}, http.StatusBadRequest},
		{"unknown conversation", &assistant.StreamRequest{Message: "hi", ConversationID: assistant.String("nope")}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := client.StreamMessage(ctx, tt.req)
			var apiErr *assistant.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestStreamToolLifecycle(t *testing.T) {
	_, client := newTestGateway(t)

	events, errs, err := client.StreamMessage(context.Background(), &assistant.StreamRequest{
		Message: "who do we know at acme?",
	})
	require.NoError(t, err)
	got := collectStream(t, events, errs)

	starts := eventsOfType(got, assistant.EventToolStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "search_contacts", starts[0].ToolStart.Name)
	assert.NotEmpty(t, starts[0].ToolStart.ID)

	args := eventsOfType(got, assistant.EventToolArgs)
	require.Len(t, args, 1)
	assert.Equal(t, starts[0].ToolStart.ID, args[0].ToolArgs.ID)
	assert.JSONEq(t, `{"query":"acme"}`, args[0].ToolArgs.Delta)

	ends := eventsOfType(got, assistant.EventToolEnd)
	require.Len(t, ends, 1)
	end := ends[0].ToolEnd
	assert.Equal(t, starts[0].ToolStart.ID, end.ID)
	assert.True(t, end.Success)
	assert.Empty(t, end.Error)
	assert.GreaterOrEqual(t, end.ExecutionTimeMs, int64(0))
	assert.Contains(t, string(end.Result), "maya.chen@acme.io")

	var text strings.Builder
	for _, ev := range eventsOfType(got, assistant.EventToken) {
		text.WriteString(ev.Token.Text)
	}
	assert.Contains(t, text.String(), "Found 2 contact")
	assert.Equal(t, assistant.FinishStop, doneOf(t, got).FinishReason)
}

func TestStreamConfirmationGate(t *testing.T) {
	ctx := context.Background()
	_, client := newTestGateway(t)

	events, errs, err := client.StreamMessage(ctx, &assistant.StreamRequest{
		Message: "send maya a follow-up email",
	})
	require.NoError(t, err)
	got := collectStream(t, events, errs)

	confirmations := eventsOfType(got, assistant.EventConfirmation)
	require.Len(t, confirmations, 1)
	conf := confirmations[0].Confirmation
	assert.Equal(t, "send_email", conf.Action)
	assert.Equal(t, assistant.ImpactHigh, conf.Impact)
	assert.NotEmpty(t, conf.RequestID)
	assert.Contains(t, conf.Description, "Follow-up on our conversation")
	assert.False(t, conf.ExpiresAt.IsZero())

	// The stream pauses: no done, and the gated call never starts executing.
	assert.Empty(t, eventsOfType(got, assistant.EventDone))
	assert.Empty(t, eventsOfType(got, assistant.EventToolStart))

	convID := got[0].Metadata.ConversationID
	conv, err := client.GetConversation(ctx, convID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1, "assistant reply must not persist until the action resolves")

	resp, err := client.Confirm(ctx, &assistant.ConfirmRequest{
		RequestID: conf.RequestID,
		Decision:  assistant.DecisionConfirm,
	})
	require.NoError(t, err)
	assert.Equal(t, convID, resp.ConversationID)
	assert.Contains(t, resp.Response, "sent to maya.chen@acme.io")

	conv, err = client.GetConversation(ctx, convID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	content := conv.Messages[1].Content
	assert.Equal(t, "assistant", conv.Messages[1].Role)
	assert.Contains(t, content, "I drafted the email")
	assert.Contains(t, content, "\n\n"+resp.Response)
}

func TestConfirmModifyOverridesArguments(t *testing.T) {
	ctx := context.Background()
	_, client := newTestGateway(t)

	events, errs, err := client.StreamMessage(ctx, &assistant.StreamRequest{Message: "send the email"})
	require.NoError(t, err)
	got := collectStream(t, events, errs)
	confirmations := eventsOfType(got, assistant.EventConfirmation)
	require.Len(t, confirmations, 1)

	resp, err := client.Confirm(ctx, &assistant.ConfirmRequest{
		RequestID:     confirmations[0].Confirmation.RequestID,
		Decision:      assistant.DecisionModify,
		Modifications: map[string]any{"subject": "Revised proposal"},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Response, "Revised proposal")
}

func TestConfirmCancel(t *testing.T) {
	ctx := context.Background()
	_, client := newTestGateway(t)

	events, errs, err := client.StreamMessage(ctx, &assistant.StreamRequest{Message: "send the email"})
	require.NoError(t, err)
	got := collectStream(t, events, errs)
	confirmations := eventsOfType(got, assistant.EventConfirmation)
	require.Len(t, confirmations, 1)
	requestID := confirmations[0].Confirmation.RequestID

	resp, err := client.Confirm(ctx, &assistant.ConfirmRequest{
		RequestID: requestID,
		Decision:  assistant.DecisionCancel,
	})
	require.NoError(t, err)
	assert.Equal(t, "Action cancelled.", resp.Response)

	conv, err := client.GetConversation(ctx, resp.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Contains(t, conv.Messages[1].Content, "Action cancelled.")

	// A confirmation can only be decided once.
	_, err = client.Confirm(ctx, &assistant.ConfirmRequest{
		RequestID: requestID,
		Decision:  assistant.DecisionConfirm,
	})
	var apiErr *assistant.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestConfirmRejectsBadRequests(t *testing.T) {
	_, client := newTestGateway(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		req    *assistant.ConfirmRequest
		status int
	}{
		{"missing request id", &assistant.ConfirmRequest{Decision: assistant.DecisionConfirm}, http.StatusBadRequest},
		{"invalid decision", &assistant.ConfirmRequest{RequestID: "r1", Decision: assistant.Decision("maybe")}, http.StatusBadRequest},
		{"unknown request id", &assistant.ConfirmRequest{RequestID: "nope", Decision: assistant.DecisionConfirm}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Confirm(ctx, tt.req)
			var apiErr *assistant.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestConfirmTenantIsolation(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestGateway(t)

	events, errs, err := client.StreamMessage(ctx, &assistant.StreamRequest{Message: "send the email"})
	require.NoError(t, err)
	got := collectStream(t, events, errs)
	confirmations := eventsOfType(got, assistant.EventConfirmation)
	require.Len(t, confirmations, 1)
	requestID := confirmations[0].Confirmation.RequestID

	intruder := assistant.NewClient(srv.URL, assistant.WithTenant("t-globex"))
	_, err = intruder.Confirm(ctx, &assistant.ConfirmRequest{
		RequestID: requestID,
		Decision:  assistant.DecisionConfirm,
	})
	var apiErr *assistant.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	// The probe must not consume the pending action.
	resp, err := client.Confirm(ctx, &assistant.ConfirmRequest{
		RequestID: requestID,
		Decision:  assistant.DecisionConfirm,
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Response, "sent")
}

func TestConversationTenantIsolation(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestGateway(t)

	events, errs, err := client.StreamMessage(ctx, &assistant.StreamRequest{Message: "hello"})
	require.NoError(t, err)
	convID := doneOf(t, collectStream(t, events, errs)).ConversationID

	intruder := assistant.NewClient(srv.URL, assistant.WithTenant("t-globex"))
	_, err = intruder.GetConversation(ctx, convID)
	var apiErr *assistant.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestProviderFailureEmitsTypedError(t *testing.T) {
	ctx := context.Background()
	_, client := newTestGateway(t)

	events, errs, err := client.StreamMessage(ctx, &assistant.StreamRequest{Message: "please fail"})
	require.NoError(t, err)
	got := collectStream(t, events, errs)

	errEvents := eventsOfType(got, assistant.EventError)
	require.Len(t, errEvents, 1)
	ev := errEvents[0].Err
	assert.Equal(t, assistant.ErrCodeProvider, ev.Code)
	assert.Contains(t, ev.Message, "simulated provider failure")
	assert.True(t, ev.Retryable)
	assert.NotEmpty(t, ev.RequestID)
	assert.Empty(t, eventsOfType(got, assistant.EventDone))

	// The user turn persists even when the model fails.
	convID := got[0].Metadata.ConversationID
	conv, err := client.GetConversation(ctx, convID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "user", conv.Messages[0].Role)
}

func TestHealthEndpoint(t *testing.T) {
	_, client := newTestGateway(t)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Contains(t, health.Providers, "simulated")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, client := newTestGateway(t)

	events, errs, err := client.StreamMessage(context.Background(), &assistant.StreamRequest{Message: "hello"})
	require.NoError(t, err)
	collectStream(t, events, errs)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "relay_assistant_requests_total")
	assert.Contains(t, string(body), `provider="simulated"`)
	assert.Contains(t, string(body), "relay_assistant_stream_events_total")
	assert.Contains(t, string(body), "relay_assistant_tokens_streamed_total")
}

func TestControllerRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, client := newTestGateway(t)
	ctrl := assistant.NewController(client)

	require.NoError(t, ctrl.SendMessage(ctx, "hello"))
	assert.Equal(t, assistant.StatusDone, ctrl.Status())
	assert.Positive(t, ctrl.TokenCount())
	assert.NotEmpty(t, ctrl.ConversationID())

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, assistant.RoleUser, msgs[0].Role)
	assert.Contains(t, msgs[1].Content, "two open deals")

	require.NoError(t, ctrl.SendMessage(ctx, "send maya that email"))
	require.NotNil(t, ctrl.PendingConfirmation())
	assert.Equal(t, assistant.StatusConfirming, ctrl.Status())

	require.NoError(t, ctrl.ConfirmAction(ctx, assistant.DecisionConfirm, nil))
	assert.Nil(t, ctrl.PendingConfirmation())
	msgs = ctrl.Messages()
	assert.Contains(t, msgs[len(msgs)-1].Content, "sent to maya.chen@acme.io")

	// The controller's view and the server's record agree after the round trip.
	conv, err := client.GetConversation(ctx, ctrl.ConversationID())
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, msgs[len(msgs)-1].Content, conv.Messages[3].Content)
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "hello there", titleFrom("  hello\n there "))
	long := strings.Repeat("a", 80)
	assert.Len(t, titleFrom(long), 64)
	assert.Equal(t, "héllo", titleFrom("héllo"))
}

func TestBuildSystemPrompt(t *testing.T) {
	prompt := buildSystemPrompt(&assistant.StreamRequest{})
	assert.Contains(t, prompt, "Relay's AI assistant")

	custom := buildSystemPrompt(&assistant.StreamRequest{SystemPrompt: assistant.String("Be terse.")})
	assert.Equal(t, "Be terse.", custom)

	withCtx := buildSystemPrompt(&assistant.StreamRequest{
		Context: &assistant.RequestContext{
			EntityType: assistant.String("deal"),
			EntityID:   assistant.String("deal-3001"),
			Data:       map[string]any{"stage": "proposal"},
		},
	})
	assert.Contains(t, withCtx, "entity type: deal")
	assert.Contains(t, withCtx, "entity id: deal-3001")
	assert.Contains(t, withCtx, `"stage":"proposal"`)
}

func TestStatusErrorEvent(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		err       error
		code      assistant.ErrorCode
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, errors.New("invalid x-api-key"), assistant.ErrCodeUnauthorized, false},
		{"forbidden", http.StatusForbidden, errors.New("no access"), assistant.ErrCodeForbidden, false},
		{"rate limited", http.StatusTooManyRequests, errors.New("slow down"), assistant.ErrCodeRateLimit, true},
		{"request timeout", http.StatusRequestTimeout, errors.New("timeout"), assistant.ErrCodeTimeout, true},
		{"gateway timeout", http.StatusGatewayTimeout, errors.New("timeout"), assistant.ErrCodeTimeout, true},
		{"invalid request", http.StatusBadRequest, errors.New("bad schema"), assistant.ErrCodeInvalidRequest, false},
		{"context length via message", http.StatusBadRequest, errors.New("prompt is too long"), assistant.ErrCodeContextLength, false},
		{"context length via status", http.StatusRequestEntityTooLarge, errors.New("too big"), assistant.ErrCodeContextLength, false},
		{"server error", http.StatusInternalServerError, errors.New("boom"), assistant.ErrCodeProvider, true},
		{"no status", 0, errors.New("connection refused"), assistant.ErrCodeProvider, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := statusErrorEvent(tt.status, tt.err)
			assert.Equal(t, tt.code, ev.Code)
			assert.Equal(t, tt.retryable, ev.Retryable)
			assert.Equal(t, tt.err.Error(), ev.Message)
		})
	}
}

func TestErrorEventForDeadline(t *testing.T) {
	ev := errorEventFor(fmt.Errorf("anthropic: %w", context.DeadlineExceeded))
	assert.Equal(t, assistant.ErrCodeTimeout, ev.Code)
	assert.True(t, ev.Retryable)
}
