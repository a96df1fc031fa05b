// Package gateway is a reference implementation of the assistant wire
// contract: SSE streaming with tool calls and confirmation gates in front of
// real model providers, with tenant-scoped conversation persistence. The
// production BFF stays an external system; this gateway exists so the repo
// runs end to end.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaycrm/assistant-go/assistant"
	"github.com/relaycrm/assistant-go/internal/store"
)

const (
	defaultTenant     = "default"
	defaultConfirmTTL = 5 * time.Minute

	defaultSystemPrompt = "You are Relay's AI assistant inside a CRM. Help the user manage contacts, " +
		"leads, deals, and follow-up email. Use the available tools when a request needs CRM data or " +
		"actions, and keep answers short and concrete."
)

// Gateway serves the assistant HTTP contract.
type Gateway struct {
	store           *store.Store
	logger          *zap.Logger
	metrics         *Metrics
	tools           *ToolRegistry
	pending         *confirmationRegistry
	providers       map[string]Provider
	defaultProvider string
	confirmTTL      time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics replaces the metrics bundle.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithProvider registers a model provider under its own name.
func WithProvider(p Provider) Option {
	return func(g *Gateway) { g.providers[p.Name()] = p }
}

// WithDefaultProvider selects the provider used when requests name none.
func WithDefaultProvider(name string) Option {
	return func(g *Gateway) { g.defaultProvider = name }
}

// WithToolRegistry replaces the stock CRM tools.
func WithToolRegistry(reg *ToolRegistry) Option {
	return func(g *Gateway) { g.tools = reg }
}

// WithConfirmationTTL sets how long a gated action stays confirmable.
func WithConfirmationTTL(ttl time.Duration) Option {
	return func(g *Gateway) { g.confirmTTL = ttl }
}

// New constructs a gateway over the given store. The simulated provider is
// always registered so the gateway serves without credentials.
func New(st *store.Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:           st,
		logger:          zap.NewNop(),
		metrics:         NewMetrics(),
		tools:           NewToolRegistry(),
		providers:       make(map[string]Provider),
		defaultProvider: "simulated",
		confirmTTL:      defaultConfirmTTL,
	}
	sim := NewSimulatedProvider()
	g.providers[sim.Name()] = sim
	for _, opt := range opts {
		opt(g)
	}
	g.pending = newConfirmationRegistry(g.confirmTTL)
	return g
}

// Handler returns the gateway's route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/assistant/stream", g.handleStream)
	mux.HandleFunc("/api/assistant/confirm", g.handleConfirm)
	mux.HandleFunc("/api/assistant/conversations/", g.handleConversation)
	mux.HandleFunc("/api/assistant/health", g.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(g.metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// error.
func (g *Gateway) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("starting assistant gateway", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down assistant gateway")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// sseWriter emits protocol frames on an open event stream.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	metrics *Metrics
}

func (s *sseWriter) send(event assistant.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return
	}
	s.flusher.Flush()
	s.metrics.RecordEvent(event)
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req assistant.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	tenant := tenantOf(r)
	providerName := g.defaultProvider
	if req.Provider != nil && *req.Provider != "" {
		providerName = *req.Provider
	}
	provider, ok := g.providers[providerName]
	if !ok {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", providerName))
		return
	}
	model := provider.DefaultModel()
	if req.Model != nil && *req.Model != "" {
		model = *req.Model
	}

	ctx := r.Context()
	now := time.Now()

	var conv store.Conversation
	var err error
	if req.ConversationID != nil && *req.ConversationID != "" {
		conv, err = g.store.GetConversation(ctx, tenant, *req.ConversationID)
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
	} else {
		conv, err = g.store.CreateConversation(ctx, tenant, titleFrom(req.Message), providerName, model, now.Unix())
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "conversation unavailable")
		return
	}

	history, err := g.store.Messages(ctx, conv.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "conversation unavailable")
		return
	}
	if err := g.store.AppendMessage(ctx, conv.ID, string(assistant.RoleUser), req.Message, now.Unix()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to record message")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	requestID := uuid.NewString()
	logger := g.logger.With(
		zap.String("request_id", requestID),
		zap.String("tenant", tenant),
		zap.String("conversation_id", conv.ID),
		zap.String("provider", providerName),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, flusher: flusher, metrics: g.metrics}
	sse.send(assistant.EventMetadata, &assistant.MetadataEvent{
		Model:          model,
		Provider:       providerName,
		ConversationID: conv.ID,
		RequestID:      requestID,
	})

	g.metrics.StreamStarted()
	defer g.metrics.StreamEnded()
	started := time.Now()
	logger.Info("stream started")

	chatReq := &ChatRequest{
		System:      buildSystemPrompt(&req),
		Turns:       buildTurns(history, req.Message),
		Model:       model,
		Temperature: req.Temperature,
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = *req.MaxTokens
	}
	if req.EnableTools == nil || *req.EnableTools {
		chatReq.Tools = g.tools.Definitions()
	}

	tokenIndex := 0
	onToken := func(text string) {
		sse.send(assistant.EventToken, &assistant.TokenEvent{Text: text, Index: tokenIndex})
		tokenIndex++
		g.metrics.AddTokens(1)
	}

	var gated *pendingAction
	exec := func(ctx context.Context, call ToolCall) (ToolVerdict, error) {
		def, ok := g.tools.Get(call.Name)
		if !ok {
			// The model asked for a tool that was never advertised. Hand the
			// error back so it can recover on the next round.
			logger.Warn("unknown tool requested", zap.String("tool", call.Name))
			return ToolVerdict{Content: `{"error":"unknown tool"}`, IsError: true}, nil
		}
		args := decodeArgs(call.Arguments)

		if def.Gated != nil && def.Gated(args) {
			confirmID := uuid.NewString()
			expiresAt := time.Now().Add(g.confirmTTL)
			sse.send(assistant.EventConfirmation, &assistant.ConfirmationEvent{
				RequestID:   confirmID,
				Action:      call.Name,
				Description: describeAction(def, args),
				Impact:      def.Impact,
				Parameters:  args,
				ExpiresAt:   expiresAt,
			})
			gated = &pendingAction{
				RequestID:      confirmID,
				TenantID:       tenant,
				ConversationID: conv.ID,
				Call:           call,
				Args:           args,
				CRM:            req.Context,
				Provider:       providerName,
				Model:          model,
				ExpiresAt:      expiresAt,
			}
			logger.Info("action parked for confirmation",
				zap.String("confirm_id", confirmID),
				zap.String("tool", call.Name))
			return ToolVerdict{Gated: true}, nil
		}

		sse.send(assistant.EventToolStart, &assistant.ToolStartEvent{ID: call.ID, Name: call.Name, Index: call.Index})
		sse.send(assistant.EventToolArgs, &assistant.ToolArgsEvent{ID: call.ID, Delta: call.Arguments})

		execStart := time.Now()
		result, err := def.Execute(ctx, args, req.Context)
		elapsed := time.Since(execStart).Milliseconds()
		if err != nil {
			logger.Warn("tool failed", zap.String("tool", call.Name), zap.Error(err))
			sse.send(assistant.EventToolEnd, &assistant.ToolEndEvent{
				ID:              call.ID,
				Name:            call.Name,
				Success:         false,
				Error:           err.Error(),
				ExecutionTimeMs: elapsed,
			})
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			return ToolVerdict{Content: string(payload), IsError: true}, nil
		}

		payload, _ := json.Marshal(result)
		sse.send(assistant.EventToolEnd, &assistant.ToolEndEvent{
			ID:              call.ID,
			Name:            call.Name,
			Result:          json.RawMessage(payload),
			Success:         true,
			ExecutionTimeMs: elapsed,
		})
		return ToolVerdict{Content: string(payload)}, nil
	}

	outcome, err := provider.Run(ctx, chatReq, exec, onToken)
	duration := time.Since(started)

	if err != nil {
		if ctx.Err() != nil {
			logger.Info("client disconnected", zap.Duration("duration", duration))
			g.metrics.ObserveRequest(providerName, "cancelled", duration)
			return
		}
		ev := errorEventFor(err)
		ev.RequestID = requestID
		sse.send(assistant.EventError, ev)
		logger.Error("stream failed", zap.String("code", string(ev.Code)), zap.Error(err))
		g.metrics.ObserveRequest(providerName, "error", duration)
		return
	}

	if outcome.Gated {
		if gated != nil {
			gated.AssistantText = outcome.Text
			g.pending.add(gated)
		}
		logger.Info("stream paused awaiting confirmation", zap.Int("tokens", tokenIndex))
		g.metrics.ObserveRequest(providerName, "confirming", duration)
		return
	}

	if err := g.store.AppendMessage(ctx, conv.ID, string(assistant.RoleAssistant), outcome.Text, time.Now().Unix()); err != nil {
		logger.Warn("failed to persist assistant message", zap.Error(err))
	}

	sse.send(assistant.EventUsage, &assistant.UsageEvent{
		Prompt:     outcome.Usage.Prompt,
		Completion: outcome.Usage.Completion,
		Total:      outcome.Usage.Prompt + outcome.Usage.Completion,
	})
	sse.send(assistant.EventDone, &assistant.DoneEvent{
		ConversationID: conv.ID,
		FinishReason:   outcome.Finish,
		ContentLength:  len(outcome.Text),
	})

	logger.Info("stream completed",
		zap.Int("tokens", tokenIndex),
		zap.String("finish", outcome.Finish),
		zap.Duration("duration", duration))
	g.metrics.ObserveRequest(providerName, "ok", duration)
}

func (g *Gateway) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req assistant.ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequestID == "" {
		writeJSONError(w, http.StatusBadRequest, "requestId is required")
		return
	}
	switch req.Decision {
	case assistant.DecisionConfirm, assistant.DecisionCancel, assistant.DecisionModify:
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid decision")
		return
	}

	pending, err := g.pending.take(req.RequestID, tenantOf(r))
	if errors.Is(err, ErrConfirmationExpired) {
		writeJSONError(w, http.StatusGone, "confirmation expired")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "confirmation not found")
		return
	}

	logger := g.logger.With(
		zap.String("confirm_id", pending.RequestID),
		zap.String("tenant", pending.TenantID),
		zap.String("tool", pending.Call.Name),
		zap.String("decision", string(req.Decision)),
	)
	g.metrics.RecordConfirmation(req.Decision)

	var response string
	switch req.Decision {
	case assistant.DecisionCancel:
		response = "Action cancelled."
	default:
		def, ok := g.tools.Get(pending.Call.Name)
		if !ok {
			writeJSONError(w, http.StatusInternalServerError, "tool no longer available")
			return
		}
		args := pending.Args
		if req.Decision == assistant.DecisionModify && len(req.Modifications) > 0 {
			merged := make(map[string]any, len(args)+len(req.Modifications))
			for k, v := range args {
				merged[k] = v
			}
			for k, v := range req.Modifications {
				merged[k] = v
			}
			args = merged
		}

		result, err := def.Execute(r.Context(), args, pending.CRM)
		if err != nil {
			logger.Warn("confirmed action failed", zap.Error(err))
			writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("action failed: %v", err))
			return
		}
		if summary, ok := result["summary"].(string); ok && summary != "" {
			response = summary
		} else {
			response = "Done."
		}
	}

	content := response
	if pending.AssistantText != "" {
		content = pending.AssistantText + "\n\n" + response
	}
	if err := g.store.AppendMessage(r.Context(), pending.ConversationID, string(assistant.RoleAssistant), content, time.Now().Unix()); err != nil {
		logger.Warn("failed to persist assistant message", zap.Error(err))
	}

	logger.Info("confirmation resolved")
	writeJSON(w, http.StatusOK, &assistant.ConfirmResponse{
		Response:       response,
		ConversationID: pending.ConversationID,
	})
}

func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/assistant/conversations/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}

	conv, err := g.store.GetConversation(r.Context(), tenantOf(r), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "conversation unavailable")
		return
	}

	msgs, err := g.store.Messages(r.Context(), conv.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "conversation unavailable")
		return
	}

	out := &assistant.Conversation{ID: conv.ID, Messages: make([]assistant.ConversationMessage, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, assistant.ConversationMessage{
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: time.Unix(m.CreatedAtUnix, 0).UTC(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	providers := make([]string, 0, len(g.providers))
	for name := range g.providers {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	writeJSON(w, http.StatusOK, &assistant.HealthResponse{Status: "ok", Providers: providers})
}

func tenantOf(r *http.Request) string {
	if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
		return tenant
	}
	return defaultTenant
}

func buildTurns(history []store.Message, message string) []Turn {
	turns := make([]Turn, 0, len(history)+1)
	for _, m := range history {
		if m.Role != string(assistant.RoleUser) && m.Role != string(assistant.RoleAssistant) {
			continue
		}
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return append(turns, Turn{Role: string(assistant.RoleUser), Content: message})
}

func buildSystemPrompt(req *assistant.StreamRequest) string {
	system := defaultSystemPrompt
	if req.SystemPrompt != nil && strings.TrimSpace(*req.SystemPrompt) != "" {
		system = *req.SystemPrompt
	}
	if req.Context == nil {
		return system
	}

	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\nCurrent CRM context:")
	if req.Context.EntityType != nil && *req.Context.EntityType != "" {
		fmt.Fprintf(&b, "\nentity type: %s", *req.Context.EntityType)
	}
	if req.Context.EntityID != nil && *req.Context.EntityID != "" {
		fmt.Fprintf(&b, "\nentity id: %s", *req.Context.EntityID)
	}
	if len(req.Context.Data) > 0 {
		if data, err := json.Marshal(req.Context.Data); err == nil {
			fmt.Fprintf(&b, "\ndata: %s", data)
		}
	}
	return b.String()
}

// titleFrom derives a conversation title from its opening message.
func titleFrom(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	runes := []rune(title)
	if len(runes) > 64 {
		return string(runes[:64])
	}
	return title
}

func errorEventFor(err error) *assistant.ErrorEvent {
	if errors.Is(err, context.DeadlineExceeded) {
		return &assistant.ErrorEvent{Code: assistant.ErrCodeTimeout, Message: err.Error(), Retryable: true}
	}

	status := 0
	if s, ok := anthropicErrorStatus(err); ok {
		status = s
	} else if s, ok := openaiErrorStatus(err); ok {
		status = s
	}
	return statusErrorEvent(status, err)
}

// statusErrorEvent maps a provider HTTP status to the wire error taxonomy.
// Status 0 means the failure carried no HTTP status.
func statusErrorEvent(status int, err error) *assistant.ErrorEvent {
	code := assistant.ErrCodeProvider
	retryable := true
	switch status {
	case http.StatusUnauthorized:
		code, retryable = assistant.ErrCodeUnauthorized, false
	case http.StatusForbidden:
		code, retryable = assistant.ErrCodeForbidden, false
	case http.StatusTooManyRequests:
		code = assistant.ErrCodeRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		code = assistant.ErrCodeTimeout
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code, retryable = assistant.ErrCodeInvalidRequest, false
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "too long") || strings.Contains(msg, "context length") {
			code = assistant.ErrCodeContextLength
		}
	case http.StatusRequestEntityTooLarge:
		code, retryable = assistant.ErrCodeContextLength, false
	}
	return &assistant.ErrorEvent{Code: code, Message: err.Error(), Retryable: retryable}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
