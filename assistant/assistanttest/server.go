// Package assistanttest provides a scriptable in-process assistant gateway
// for tests. It speaks the same wire protocol as a real gateway: an SSE
// stream endpoint, a confirmation endpoint, and persisted conversations.
package assistanttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/relaycrm/assistant-go/assistant"
)

// Frame is one SSE frame: an event name and a JSON-marshalable payload.
type Frame struct {
	Event string
	Data  any
}

// Token builds a single token frame.
func Token(text string, index int) Frame {
	return Frame{Event: "token", Data: assistant.TokenEvent{Text: text, Index: index}}
}

// Tokens builds token frames with sequential indexes.
func Tokens(parts ...string) []Frame {
	frames := make([]Frame, 0, len(parts))
	for i, p := range parts {
		frames = append(frames, Frame{
			Event: "token",
			Data:  assistant.TokenEvent{Text: p, Index: i},
		})
	}
	return frames
}

// Meta builds a metadata frame.
func Meta(model, provider, requestID string) Frame {
	return Frame{Event: "metadata", Data: assistant.MetadataEvent{
		Model:     model,
		Provider:  provider,
		RequestID: requestID,
	}}
}

// Done builds a done frame.
func Done(conversationID, finishReason string) Frame {
	return Frame{Event: "done", Data: assistant.DoneEvent{
		ConversationID: conversationID,
		FinishReason:   finishReason,
	}}
}

// Usage builds a usage frame.
func Usage(prompt, completion int) Frame {
	return Frame{Event: "usage", Data: assistant.UsageEvent{
		Prompt:     prompt,
		Completion: completion,
		Total:      prompt + completion,
	}}
}

// Errorf builds an error frame.
func Errorf(code assistant.ErrorCode, format string, args ...any) Frame {
	return Frame{Event: "error", Data: assistant.ErrorEvent{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}}
}

// Confirmation builds a confirmation frame.
func Confirmation(requestID, action, description string, impact assistant.Impact) Frame {
	return Frame{Event: "confirmation", Data: assistant.ConfirmationEvent{
		RequestID:   requestID,
		Action:      action,
		Description: description,
		Impact:      impact,
		Parameters:  map[string]any{},
		ExpiresAt:   time.Now().Add(5 * time.Minute),
	}}
}

// ToolLifecycle builds the full frame sequence for one tool call, splitting
// the argument JSON across two tool_args frames the way providers deliver it.
func ToolLifecycle(id, name, args string, result any) []Frame {
	half := len(args) / 2
	resultJSON, _ := json.Marshal(result)
	return []Frame{
		{Event: "tool_start", Data: assistant.ToolStartEvent{ID: id, Name: name}},
		{Event: "tool_args", Data: assistant.ToolArgsEvent{ID: id, Delta: args[:half]}},
		{Event: "tool_args", Data: assistant.ToolArgsEvent{ID: id, Delta: args[half:]}},
		{Event: "tool_end", Data: assistant.ToolEndEvent{
			ID:              id,
			Result:          resultJSON,
			Success:         true,
			ExecutionTimeMs: 12,
		}},
	}
}

type stub struct {
	substr string
	frames []Frame
}

// Server is a fake assistant gateway backed by httptest.
type Server struct {
	httpServer *httptest.Server

	mu              sync.Mutex
	stubs           []stub
	conversations   map[string][]assistant.ConversationMessage
	streamRequests  []assistant.StreamRequest
	confirmRequests []assistant.ConfirmRequest
	confirmReplies  map[assistant.Decision]string
	nextConv        int
	requireKey      string
	requireTenant   string
}

// New starts a stub gateway. Callers must Close it.
func New() *Server {
	s := &Server{
		conversations: make(map[string][]assistant.ConversationMessage),
		confirmReplies: map[assistant.Decision]string{
			assistant.DecisionConfirm: "Done. The email has been sent.",
			assistant.DecisionCancel:  "Action cancelled.",
			assistant.DecisionModify:  "Updated and executed with your changes.",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/assistant/stream", s.handleStream)
	mux.HandleFunc("/api/assistant/confirm", s.handleConfirm)
	mux.HandleFunc("/api/assistant/conversations/", s.handleConversation)
	mux.HandleFunc("/api/assistant/health", s.handleHealth)
	s.httpServer = httptest.NewServer(mux)
	return s
}

// Close shuts the stub down.
func (s *Server) Close() {
	s.httpServer.Close()
}

// URL is the gateway base URL for assistant.NewClient.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// Stub scripts the exact frames streamed for any message containing substr.
// Stubs are matched in registration order, before the built-in scenarios.
func (s *Server) Stub(substr string, frames ...Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs = append(s.stubs, stub{substr: strings.ToLower(substr), frames: frames})
}

// SetConversation stores a transcript served by the conversations endpoint.
// Role casing is kept as given so tests can exercise normalization.
func (s *Server) SetConversation(id string, messages []assistant.ConversationMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = messages
}

// SetConfirmReply overrides the response text for a decision.
func (s *Server) SetConfirmReply(d assistant.Decision, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmReplies[d] = response
}

// RequireAuth makes the stub reject requests missing the given bearer key
// (401) or tenant header (403).
func (s *Server) RequireAuth(apiKey, tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireKey = apiKey
	s.requireTenant = tenantID
}

// StreamRequests returns every stream request received, in order.
func (s *Server) StreamRequests() []assistant.StreamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]assistant.StreamRequest, len(s.streamRequests))
	copy(out, s.streamRequests)
	return out
}

// ConfirmRequests returns every confirmation decision received, in order.
func (s *Server) ConfirmRequests() []assistant.ConfirmRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]assistant.ConfirmRequest, len(s.confirmRequests))
	copy(out, s.confirmRequests)
	return out
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	key, tenant := s.requireKey, s.requireTenant
	s.mu.Unlock()

	if key != "" && r.Header.Get("Authorization") != "Bearer "+key {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid API key")
		return false
	}
	if tenant != "" && r.Header.Get("X-Tenant-ID") != tenant {
		writeJSONError(w, http.StatusForbidden, "wrong tenant")
		return false
	}
	return true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(w, r) {
		return
	}

	var req assistant.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	s.streamRequests = append(s.streamRequests, req)
	convID := ""
	if req.ConversationID != nil {
		convID = *req.ConversationID
	}
	if convID == "" {
		s.nextConv++
		convID = fmt.Sprintf("conv-%d", s.nextConv)
	}
	frames := s.framesForLocked(req.Message, convID)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	for _, f := range frames {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		sendFrame(w, flusher, f)
	}
}

// framesForLocked picks the script for a message: explicit stubs first, then
// the built-in scenarios, then the default greeting exchange.
func (s *Server) framesForLocked(message, convID string) []Frame {
	lower := strings.ToLower(message)
	for _, st := range s.stubs {
		if strings.Contains(lower, st.substr) {
			return st.frames
		}
	}

	switch {
	case strings.Contains(lower, "email") || strings.Contains(lower, "delete"):
		frames := []Frame{Meta("relay-sim-1", "simulated", "req-confirm-1")}
		frames = append(frames, Tokens("I need your approval", " before I do that.")...)
		frames = append(frames, Confirmation("cfm-1", "send_email", "Send the drafted email", assistant.ImpactHigh))
		return frames

	case strings.Contains(lower, "tool"):
		frames := []Frame{Meta("relay-sim-1", "simulated", "req-tool-1")}
		frames = append(frames, ToolLifecycle("call-1", "search_contacts", `{"query":"acme"}`, map[string]any{"count": 2})...)
		frames = append(frames, Tokens("Found ", "2 contacts", " at Acme.")...)
		frames = append(frames, Usage(40, 9), Done(convID, assistant.FinishStop))
		return frames

	case strings.Contains(lower, "fail"):
		return []Frame{
			Meta("relay-sim-1", "simulated", "req-err-1"),
			Errorf(assistant.ErrCodeProvider, "upstream provider unavailable"),
		}

	default:
		frames := []Frame{Meta("relay-sim-1", "simulated", "req-1")}
		frames = append(frames, Tokens("Hi", " there", "!")...)
		frames = append(frames, Usage(12, 3), Done(convID, assistant.FinishStop))
		return frames
	}
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(w, r) {
		return
	}

	var req assistant.ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	s.confirmRequests = append(s.confirmRequests, req)
	response, ok := s.confirmReplies[req.Decision]
	convID := fmt.Sprintf("conv-%d", s.nextConv)
	s.mu.Unlock()
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "unknown decision")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(assistant.ConfirmResponse{
		Response:       response,
		ConversationID: convID,
	})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(w, r) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/assistant/conversations/")
	s.mu.Lock()
	messages, ok := s.conversations[id]
	s.mu.Unlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(assistant.Conversation{Messages: messages})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(assistant.HealthResponse{
		Status:    "ok",
		Providers: []string{"simulated"},
	})
}

func sendFrame(w http.ResponseWriter, flusher http.Flusher, f Frame) {
	data, _ := json.Marshal(f.Data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, data)
	flusher.Flush()
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
