package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	streamPath        = "/api/assistant/stream"
	confirmPath       = "/api/assistant/confirm"
	conversationsPath = "/api/assistant/conversations/"
	healthPath        = "/api/assistant/health"
)

// Client talks to an assistant gateway over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	tenantID   string
	logger     *Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithTimeout sets the request timeout for non-streaming calls.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithTenant sets the tenant scoping every request.
func WithTenant(id string) ClientOption {
	return func(c *Client) {
		c.tenantID = id
	}
}

// WithClientLogger sets a logger for this client instead of the package default.
func WithClientLogger(l *Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the gateway at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assistant: HTTP %d: %s", e.StatusCode, e.Message)
}

// apiError drains resp and builds an APIError from its body. Gateways answer
// failures with a JSON object carrying an "error" or "message" field; anything
// else falls back to the status text.
func apiError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return apiErr
	}
	if body.Error != "" {
		apiErr.Message = body.Error
	} else if body.Message != "" {
		apiErr.Message = body.Message
	}
	return apiErr
}

func (c *Client) log() *Logger {
	if c.logger != nil {
		return c.logger
	}
	return GetLogger()
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}
}

// doRequest performs an HTTP request and decodes the JSON response into result.
func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	reqLog := c.log().StartRequest(method, path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		reqLog.Error(err)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := apiError(resp)
		reqLog.Error(apiErr)
		return apiErr
	}
	reqLog.Success(resp.StatusCode)

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// StreamMessage sends a message and streams back assistant events.
//
// A non-2xx response fails synchronously before any channel is returned.
// On success the event channel carries decoded events until the stream
// ends, then both channels close. A transport failure mid-stream, or a
// cancelled context, is reported on the error channel.
func (c *Client) StreamMessage(ctx context.Context, streamReq *StreamRequest) (<-chan StreamEvent, <-chan error, error) {
	data, err := json.Marshal(streamReq)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// A stream outlives any sane request timeout, so use a client without one.
	sseClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := sseClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := apiError(resp)
		resp.Body.Close()
		return nil, nil, apiErr
	}

	events := make(chan StreamEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(events)
		defer resp.Body.Close()

		streamLog := c.log().StartStream()
		dec := NewDecoder()
		buf := make([]byte, 4096)
		for {
			if ctx.Err() != nil {
				streamLog.End(ctx.Err())
				errs <- ctx.Err()
				return
			}
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				for _, ev := range dec.Feed(buf[:n]) {
					streamLog.Event(ev.Type)
					select {
					case events <- ev:
					case <-ctx.Done():
						streamLog.End(ctx.Err())
						errs <- ctx.Err()
						return
					}
				}
			}
			if readErr != nil {
				if readErr == io.EOF {
					streamLog.End(nil)
					return
				}
				streamLog.End(readErr)
				errs <- fmt.Errorf("stream read failed: %w", readErr)
				return
			}
		}
	}()

	return events, errs, nil
}

// Confirm resolves a pending confirmation request.
func (c *Client) Confirm(ctx context.Context, confirmReq *ConfirmRequest) (*ConfirmResponse, error) {
	var result ConfirmResponse
	if err := c.doRequest(ctx, http.MethodPost, confirmPath, confirmReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetConversation fetches a stored conversation transcript.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var result Conversation
	if err := c.doRequest(ctx, http.MethodGet, conversationsPath+id, nil, &result); err != nil {
		return nil, err
	}
	result.ID = id
	return &result, nil
}

// Health reports gateway and provider availability.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var result HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, healthPath, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
