// ABOUTME: HTTP client for the chat stream endpoint
// ABOUTME: Issues the streaming request, classifies non-2xx errors, opens Sessions

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Backend business error codes that end a session without retry.
const (
	CodeLimitExceeded = "limit_exceeded"
	CodeTierRequired  = "tier_required"
)

// ErrUnreachable wraps transport dial failures. The orchestrator treats it
// as "offline": the message is queued, not failed.
var ErrUnreachable = errors.New("backend unreachable")

// BusinessError is a structured backend rejection (limit reached, tier
// required). Terminal: retrying cannot help until the account state changes,
// so these are never enqueued.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("backend rejected request (%s): %s", e.Code, e.Message)
}

// Request carries one outgoing message to the chat stream endpoint.
type Request struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	Model          string `json:"model"`
	AgentID        string `json:"agent_id,omitempty"`
	WebSearch      bool   `json:"web_search,omitempty"`
	Language       string `json:"language,omitempty"`
}

// Client talks to the chat stream endpoint. One Client is shared by live
// sends and queue delivery so both paths behave identically on the wire.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a stream client. The token, when non-empty, is attached
// as a bearer credential; session issuance itself happens elsewhere.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		// No overall timeout: the response streams for as long as the model
		// generates. Cancellation happens through the request context.
		httpClient: &http.Client{},
		logger:     logger.With("component", "stream"),
	}
}

// Start issues the streaming request and returns an Active session. The
// idempotencyKey is empty for live sends; queue delivery passes the entry's
// key so the backend can discard duplicates.
func (c *Client) Start(ctx context.Context, req *Request, idempotencyKey string) (*Session, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, c.decodeError(resp)
	}

	conversationID := req.ConversationID
	if created := resp.Header.Get("X-Conversation-Id"); created != "" {
		conversationID = created
	}

	return newSession(conversationID, resp.Body, c.logger), nil
}

// Deliver runs a full request to completion without incremental callbacks.
// This is the queue delivery path: same endpoint, same decoding, but only
// the final text matters.
func (c *Client) Deliver(ctx context.Context, req *Request, idempotencyKey string) (*DeliveryResult, error) {
	session, err := c.Start(ctx, req, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if err := session.Run(ctx, nil, nil); err != nil {
		return nil, err
	}

	return &DeliveryResult{
		ConversationID: session.ConversationID(),
		Reply:          session.Text(),
	}, nil
}

// DeliveryResult is the outcome of a queue delivery attempt.
type DeliveryResult struct {
	ConversationID string
	Reply          string
}

// decodeError classifies a non-2xx response. A recognized business code
// becomes a BusinessError; anything else is a plain transport-level error.
func (c *Client) decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil {
		// Best effort; an unparseable error body falls through to the
		// generic error below.
		_ = json.Unmarshal(data, &body)
	}

	switch body.Code {
	case CodeLimitExceeded, CodeTierRequired:
		c.logger.Debug("business error from backend", "code", body.Code, "status", resp.StatusCode)
		return &BusinessError{Code: body.Code, Message: body.Error}
	}

	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("chat stream request failed (%d): %s", resp.StatusCode, msg)
}

// FetchTemplate retrieves one reference template from the catalog endpoint.
func (c *Client) FetchTemplate(ctx context.Context, name string) (title, body string, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/api/templates/"+name, nil)
	if err != nil {
		return "", "", fmt.Errorf("building request: %w", err)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("template request failed: %s", resp.Status)
	}

	var payload struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", "", fmt.Errorf("decoding template: %w", err)
	}
	return payload.Title, payload.Body, nil
}

// FetchAppVersion returns the latest application version the backend
// advertises. Used by the background worker to announce updates.
func (c *Client) FetchAppVersion(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version request failed: %s", resp.Status)
	}

	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding version: %w", err)
	}
	return body.Version, nil
}

// FetchSuggestions requests follow-up prompts for a completed response.
// Used as a post-completion hook when the stream itself carried none.
func (c *Client) FetchSuggestions(ctx context.Context, conversationID string) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		c.baseURL+"/api/conversations/"+conversationID+"/suggestions", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("suggestions request failed: %s", resp.Status)
	}

	var body struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding suggestions: %w", err)
	}
	return body.Suggestions, nil
}
