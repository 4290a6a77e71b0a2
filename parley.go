// Package parley provides the official Go SDK for the Parley realtime
// translation API.
//
// Sessions pair two speakers over a short numeric code. Messages flow
// through a local store that renders optimistically, a durable sync queue
// that replays writes in order, and a realtime feed whose changes are
// reconciled back into the store.
//
// Example:
//
//	client := parley.NewClient("pk-parley-...")
//
//	// Low-level API access
//	result, _ := client.Sessions().Create(ctx, &parley.CreateSessionOptions{Language: "en"})
//
//	// Managed session (store + sync queue + realtime)
//	session, _ := client.JoinSession(ctx, "4721", &parley.SessionOptions{
//		DisplayName: "Maya",
//		Language:    "en",
//	})
//	defer session.Close()
//
//	session.OnMessages(func(msgs []parley.Message) { render(msgs) })
//	session.SendText(ctx, "Where is the station?")
package parley

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
)

var environments = map[Environment]string{
	Production: "https://api.parleyhq.com",
}

const (
	DefaultBaseURL = "https://api.parleyhq.com"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	clientName string
	httpClient *http.Client
	logger     *slog.Logger

	sessions  *SessionsClient
	messages  *MessagesClient
	reactions *ReactionsClient
	speech    *SpeechClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithClientName identifies the integration in the X-Parley-Client header.
func WithClientName(name string) ClientOption {
	return func(c *Client) { c.clientName = name }
}

// WithLogger sets the logger used by the client and everything built on
// it. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Parley client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.sessions = &SessionsClient{client: c}
	c.messages = &MessagesClient{client: c}
	c.reactions = &ReactionsClient{client: c}
	c.speech = &SpeechClient{client: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Sessions returns the sessions sub-client.
func (c *Client) Sessions() *SessionsClient {
	return c.sessions
}

// Messages returns the messages sub-client.
func (c *Client) Messages() *MessagesClient {
	return c.messages
}

// Reactions returns the reactions sub-client.
func (c *Client) Reactions() *ReactionsClient {
	return c.reactions
}

// Speech returns the speech pipeline sub-client.
func (c *Client) Speech() *SpeechClient {
	return c.speech
}

// Health checks API health.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, "GET", "/api/health", nil, nil)
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.clientName != "" {
		req.Header.Set("X-Parley-Client", c.clientName)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// validSessionCode reports whether code is a well-formed 4-digit session
// code.
func validSessionCode(code string) bool {
	if len(code) != 4 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func historyQuery(limit int, before string) map[string]string {
	q := map[string]string{}
	if limit > 0 {
		q["limit"] = fmt.Sprintf("%d", limit)
	}
	if before != "" {
		q["before"] = before
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Sessions Sub-Client
// ============================================================================

// SessionsClient manages session lifecycle.
type SessionsClient struct{ client *Client }

// Create starts a new session and returns it with its join code.
func (s *SessionsClient) Create(ctx context.Context, opts *CreateSessionOptions) (*Result, error) {
	if opts == nil || opts.Language == "" {
		return &Result{
			OK:    false,
			Error: &APIError{Code: "INVALID_INPUT", Message: "language is required"},
		}, nil
	}
	return s.client.do(ctx, "POST", "/api/sessions", opts, nil)
}

// Join enters an existing session by its 4-digit code.
func (s *SessionsClient) Join(ctx context.Context, code string, opts *JoinSessionOptions) (*Result, error) {
	if !validSessionCode(code) {
		return &Result{
			OK:    false,
			Error: &APIError{Code: "INVALID_CODE", Message: "session code must be 4 digits"},
		}, nil
	}
	payload := map[string]interface{}{"code": code}
	if opts != nil {
		if opts.DisplayName != "" {
			payload["displayName"] = opts.DisplayName
		}
		if opts.Language != "" {
			payload["language"] = opts.Language
		}
	}
	return s.client.do(ctx, "POST", "/api/sessions/join", payload, nil)
}

// Get fetches a session with its participant roster.
func (s *SessionsClient) Get(ctx context.Context, sessionID string) (*Result, error) {
	return s.client.do(ctx, "GET", "/api/sessions/"+sessionID, nil, nil)
}

// Leave exits a session.
func (s *SessionsClient) Leave(ctx context.Context, sessionID string) (*Result, error) {
	return s.client.do(ctx, "POST", "/api/sessions/"+sessionID+"/leave", nil, nil)
}

// End closes a session for all participants. Host only.
func (s *SessionsClient) End(ctx context.Context, sessionID string) (*Result, error) {
	return s.client.do(ctx, "POST", "/api/sessions/"+sessionID+"/end", nil, nil)
}

// ============================================================================
// Messages Sub-Client
// ============================================================================

// MessagesClient handles message persistence.
type MessagesClient struct{ client *Client }

// Create persists a message. ClientID in opts lets the server echo back
// the id the sender used for its optimistic insert.
func (m *MessagesClient) Create(ctx context.Context, sessionID string, opts *CreateMessageOptions) (*Result, error) {
	if opts == nil || opts.OriginalText == "" {
		return &Result{
			OK:    false,
			Error: &APIError{Code: "INVALID_INPUT", Message: "originalText is required"},
		}, nil
	}
	return m.client.do(ctx, "POST", "/api/sessions/"+sessionID+"/messages", opts, nil)
}

// History fetches recent messages, newest first.
func (m *MessagesClient) History(ctx context.Context, sessionID string, limit int, before string) (*Result, error) {
	return m.client.do(ctx, "GET", "/api/sessions/"+sessionID+"/messages", nil, historyQuery(limit, before))
}

// Get fetches a single message by id.
func (m *MessagesClient) Get(ctx context.Context, sessionID, messageID string) (*Result, error) {
	return m.client.do(ctx, "GET", "/api/sessions/"+sessionID+"/messages/"+messageID, nil, nil)
}

// Update edits a message.
func (m *MessagesClient) Update(ctx context.Context, sessionID, messageID string, opts *UpdateMessageOptions) (*Result, error) {
	return m.client.do(ctx, "PATCH", "/api/sessions/"+sessionID+"/messages/"+messageID, opts, nil)
}

// Delete removes a message for both participants.
func (m *MessagesClient) Delete(ctx context.Context, sessionID, messageID string) (*Result, error) {
	return m.client.do(ctx, "DELETE", "/api/sessions/"+sessionID+"/messages/"+messageID, nil, nil)
}

// ============================================================================
// Reactions Sub-Client
// ============================================================================

// ReactionsClient handles emoji reactions. The acting user is derived
// from the auth token server-side.
type ReactionsClient struct{ client *Client }

// Add records the caller's reaction on a message.
func (r *ReactionsClient) Add(ctx context.Context, sessionID, messageID, emoji string) (*Result, error) {
	return r.client.do(ctx, "POST", "/api/sessions/"+sessionID+"/messages/"+messageID+"/reactions",
		map[string]string{"emoji": emoji}, nil)
}

// Remove withdraws the caller's reaction from a message.
func (r *ReactionsClient) Remove(ctx context.Context, sessionID, messageID, emoji string) (*Result, error) {
	return r.client.do(ctx, "DELETE", "/api/sessions/"+sessionID+"/messages/"+messageID+"/reactions/"+url.PathEscape(emoji), nil, nil)
}
