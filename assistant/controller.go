package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultWelcome seeds a fresh conversation started with StartNewConversation.
const DefaultWelcome = "Hi! I'm your Relay assistant. I can draft follow-ups, update deals, and answer questions about your pipeline. How can I help?"

// Controller owns one conversation: the message list the UI renders, the
// backend conversation id, and at most one live streaming session.
//
// All methods are safe for concurrent use. SendMessage blocks until its
// stream settles, so interactive callers run it on its own goroutine and
// watch state through the OnUpdate callback.
type Controller struct {
	client *Client

	mu             sync.Mutex
	messages       []Message
	conversationID string
	session        *StreamSession
	cancelStream   context.CancelFunc
	loading        bool
	lastError      string

	welcome  string
	onUpdate func()
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithOnUpdate registers a callback fired after every state change. The
// callback runs outside the controller's lock, so it may call accessors
// freely; it must not block for long.
func WithOnUpdate(fn func()) ControllerOption {
	return func(c *Controller) {
		c.onUpdate = fn
	}
}

// WithWelcome overrides the welcome message seeded by StartNewConversation.
func WithWelcome(text string) ControllerOption {
	return func(c *Controller) {
		c.welcome = text
	}
}

// NewController creates a controller with an empty conversation.
func NewController(client *Client, opts ...ControllerOption) *Controller {
	c := &Controller{
		client:  client,
		welcome: DefaultWelcome,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendOption adjusts one outgoing stream request.
type SendOption func(*StreamRequest)

// WithSystemPrompt sets the system prompt for this request.
func WithSystemPrompt(prompt string) SendOption {
	return func(r *StreamRequest) { r.SystemPrompt = String(prompt) }
}

// WithProvider routes this request to a specific provider.
func WithProvider(provider string) SendOption {
	return func(r *StreamRequest) { r.Provider = String(provider) }
}

// WithModel pins the model for this request.
func WithModel(model string) SendOption {
	return func(r *StreamRequest) { r.Model = String(model) }
}

// WithTemperature sets sampling temperature for this request.
func WithTemperature(t float64) SendOption {
	return func(r *StreamRequest) { r.Temperature = Float64(t) }
}

// WithMaxTokens caps the completion length for this request.
func WithMaxTokens(n int) SendOption {
	return func(r *StreamRequest) { r.MaxTokens = Int(n) }
}

// WithRequestContext attaches the CRM entity context the message is about.
func WithRequestContext(rc RequestContext) SendOption {
	return func(r *StreamRequest) { r.Context = &rc }
}

// WithTools enables or disables tool use for this request.
func WithTools(enabled bool) SendOption {
	return func(r *StreamRequest) { r.EnableTools = Bool(enabled) }
}

// SendMessage appends the user's message and an empty assistant placeholder,
// then streams the reply into that placeholder. Any in-flight stream is
// cancelled first; the newest send wins.
//
// It returns once the stream settles: done, awaiting confirmation, cancelled,
// or failed. Cancellation is not an error.
func (c *Controller) SendMessage(ctx context.Context, text string, opts ...SendOption) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("assistant: empty message")
	}

	streamCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancelCurrentLocked()
	now := time.Now()
	c.messages = append(c.messages,
		Message{Role: RoleUser, Content: text, Timestamp: now},
		Message{Role: RoleAssistant, Content: "", Timestamp: now},
	)
	session := NewStreamSession()
	session.Start()
	c.session = session
	c.cancelStream = cancel
	c.lastError = ""

	req := &StreamRequest{Message: text}
	if c.conversationID != "" {
		req.ConversationID = String(c.conversationID)
	}
	c.mu.Unlock()
	for _, opt := range opts {
		opt(req)
	}
	c.notify()

	events, errs, err := c.client.StreamMessage(streamCtx, req)
	if err != nil {
		cancel()
		c.mu.Lock()
		if c.session == session {
			session.Fail(errorCodeFor(err), err.Error())
			c.syncAssistantContentLocked(session)
		}
		c.mu.Unlock()
		c.notify()
		return err
	}
	defer cancel()

	for ev := range events {
		c.apply(session, ev)
	}
	streamErr := <-errs

	return c.finishStream(session, streamCtx, streamErr)
}

// apply folds one event into the session and mirrors the result into
// the message list, unless a newer send has replaced the session.
func (c *Controller) apply(session *StreamSession, ev StreamEvent) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	session.Apply(ev)
	c.syncAssistantContentLocked(session)
	if id := session.ConversationID(); id != "" {
		c.conversationID = id
	}
	c.mu.Unlock()
	c.notify()
}

// finishStream classifies how a drained stream ended.
func (c *Controller) finishStream(session *StreamSession, streamCtx context.Context, streamErr error) error {
	c.mu.Lock()
	current := c.session == session

	status := session.Status()
	switch {
	case status.Terminal() || status == StatusConfirming:
		// Settled by an event (done, error, confirmation) or by CancelStream.
	case streamCtx.Err() != nil || errors.Is(streamErr, context.Canceled):
		session.MarkCancelled()
	case streamErr != nil:
		session.Fail(ErrCodeInternal, streamErr.Error())
	default:
		session.Fail(ErrCodeInternal, "stream ended before completion")
	}

	if current {
		c.syncAssistantContentLocked(session)
		if id := session.ConversationID(); id != "" {
			c.conversationID = id
		}
	}
	errEv := session.Err()
	c.mu.Unlock()
	c.notify()

	if errEv != nil {
		return errEv
	}
	return nil
}

// syncAssistantContentLocked projects the session's accumulated content onto
// the last assistant message. Full replacement keeps the projection idempotent
// no matter how many times an event batch is flushed.
func (c *Controller) syncAssistantContentLocked(session *StreamSession) {
	content := session.Content()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == RoleAssistant {
			c.messages[i].Content = content
			return
		}
	}
}

// cancelCurrentLocked aborts any in-flight session. Callers hold c.mu.
func (c *Controller) cancelCurrentLocked() {
	if c.session != nil {
		c.session.MarkCancelled()
	}
	if c.cancelStream != nil {
		c.cancelStream()
		c.cancelStream = nil
	}
}

// ConfirmAction resolves the pending confirmation with the user's decision
// and appends the gateway's textual response to the assistant message.
// Modifications are forwarded only for DecisionModify.
func (c *Controller) ConfirmAction(ctx context.Context, decision Decision, modifications map[string]any) error {
	c.mu.Lock()
	session := c.session
	if session == nil {
		c.mu.Unlock()
		return errors.New("assistant: no pending confirmation")
	}
	pending := session.Confirmation()
	if pending == nil {
		c.mu.Unlock()
		return errors.New("assistant: no pending confirmation")
	}
	req := &ConfirmRequest{
		RequestID: pending.RequestID,
		Decision:  decision,
	}
	if decision == DecisionModify {
		req.Modifications = modifications
	}
	c.mu.Unlock()

	resp, err := c.client.Confirm(ctx, req)
	if err != nil {
		c.mu.Lock()
		if c.session == session {
			session.Fail(errorCodeFor(err), err.Error())
			c.syncAssistantContentLocked(session)
		}
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("failed to resolve confirmation: %w", err)
	}

	c.mu.Lock()
	if c.session == session {
		session.ResolveConfirmation(resp.Response)
		c.syncAssistantContentLocked(session)
		if resp.ConversationID != "" {
			c.conversationID = resp.ConversationID
		}
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// CancelStream aborts the in-flight stream, if any. Calling it with nothing
// in flight, or twice, is harmless.
func (c *Controller) CancelStream() {
	c.mu.Lock()
	changed := c.session != nil && c.session.MarkCancelled()
	if c.cancelStream != nil {
		c.cancelStream()
		c.cancelStream = nil
	}
	if changed {
		c.syncAssistantContentLocked(c.session)
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// ClearConversation drops all messages and the conversation id, cancelling
// any in-flight stream.
func (c *Controller) ClearConversation() {
	c.mu.Lock()
	c.cancelCurrentLocked()
	c.session = nil
	c.messages = nil
	c.conversationID = ""
	c.lastError = ""
	c.mu.Unlock()
	c.notify()
}

// StartNewConversation clears state and seeds the assistant welcome message.
func (c *Controller) StartNewConversation() {
	c.mu.Lock()
	c.cancelCurrentLocked()
	c.session = nil
	c.conversationID = ""
	c.lastError = ""
	c.messages = []Message{{
		Role:      RoleAssistant,
		Content:   c.welcome,
		Timestamp: time.Now(),
	}}
	c.mu.Unlock()
	c.notify()
}

// LoadConversation replaces the message list with a persisted conversation.
// Backend role casing is normalized to the lowercase canonical roles. The
// fetch failure is recorded on the controller as well as returned, so UIs
// polling state see it without plumbing the error themselves.
func (c *Controller) LoadConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	c.cancelCurrentLocked()
	c.session = nil
	c.loading = true
	c.lastError = ""
	c.mu.Unlock()
	c.notify()

	conv, err := c.client.GetConversation(ctx, id)

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.lastError = fmt.Sprintf("failed to load conversation: %v", err)
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	messages := make([]Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		messages = append(messages, Message{
			Role:      NormalizeRole(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}
	c.messages = messages
	c.conversationID = id
	c.mu.Unlock()
	c.notify()
	return nil
}

// SetActiveConversation switches the conversation id used for subsequent
// sends without fetching history.
func (c *Controller) SetActiveConversation(id string) {
	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()
	c.notify()
}

// Messages returns a copy of the conversation transcript.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// ConversationID returns the backend conversation id, if assigned.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Status reports the active session's status, or StatusIdle with no session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return StatusIdle
	}
	return c.session.Status()
}

// IsStreaming reports whether a stream is in flight.
func (c *Controller) IsStreaming() bool {
	switch c.Status() {
	case StatusConnecting, StatusStreaming, StatusToolCalling:
		return true
	}
	return false
}

// IsLoadingConversation reports whether LoadConversation is mid-fetch.
func (c *Controller) IsLoadingConversation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// LastError returns the most recent recorded controller error, or "".
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// PendingConfirmation mirrors the active session's unresolved confirmation.
func (c *Controller) PendingConfirmation() *ConfirmationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Confirmation()
}

// ToolExecutions lists the active session's tool calls for UI display.
func (c *Controller) ToolExecutions() []ToolExecution {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.ToolExecutions()
}

// TokenCount reports how many tokens the active session has received.
func (c *Controller) TokenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 0
	}
	return c.session.TokenCount()
}

// Usage returns the active session's token accounting, if reported yet.
func (c *Controller) Usage() *UsageEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Usage()
}

// StreamError returns the active session's terminal error, if any.
func (c *Controller) StreamError() *ErrorEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Err()
}

// ModelInfo reports the model and provider serving the active session.
func (c *Controller) ModelInfo() (model, provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return "", ""
	}
	return c.session.Model(), c.session.Provider()
}

func (c *Controller) notify() {
	if c.onUpdate != nil {
		c.onUpdate()
	}
}

// errorCodeFor maps a transport-level failure to a stream error code.
func errorCodeFor(err error) ErrorCode {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return ErrCodeInternal
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized:
		return ErrCodeUnauthorized
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusTooManyRequests:
		return ErrCodeRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrCodeTimeout
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrCodeInvalidRequest
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return ErrCodeProvider
	default:
		return ErrCodeInternal
	}
}
