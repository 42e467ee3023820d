// Package omnibox is the Go client for the Omnibox multi-channel CRM inbox.
//
// It keeps a local view of conversations and message timelines consistent
// with the gateway under two update paths — a WebSocket push channel and a
// periodic poll fallback — while supporting optimistic local sends.
//
// Example:
//
//	sess := omnibox.NewSession(token)
//	defer sess.Close()
//
//	client := omnibox.NewClient(sess, omnibox.WithBaseURL("https://gateway.example.com"))
//	inbox := omnibox.NewInbox(client)
//
//	tr, _ := sess.NewTransport(client.BaseURL(), nil)
//	inbox.Attach(tr)
//	tr.Connect(ctx)
//
//	poller := omnibox.NewPoller(inbox)
//	poller.Start()
package omnibox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds each gateway REST call.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the gateway REST client. All calls authenticate with the
// session's bearer token.
type Client struct {
	session    *Session
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	Conversations *ConversationsClient
	Messages      *MessagesClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the gateway base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a gateway client bound to a session.
func NewClient(session *Session, opts ...ClientOption) *Client {
	c := &Client{
		session: session,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	return c
}

// BaseURL returns the configured gateway base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger { return c.logger }

// ============================================================================
// Internal request helper
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
	if token := c.session.TokenValue(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// do runs a request and decodes the gateway envelope.
func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, &RequestError{Op: op, Retryable: true, Err: err}
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return nil, &RequestError{Op: op, Retryable: false, Err: err}
	}
	if !res.OK {
		apiErr := res.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "UNKNOWN", Message: "gateway returned not ok"}
		}
		return nil, &RequestError{Op: op, Retryable: false, Err: apiErr}
	}
	return res, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient covers the conversation-level gateway operations.
type ConversationsClient struct{ client *Client }

// List fetches conversation summaries ordered by lastMessageAt descending,
// with embedded last message and unread count.
func (cv *ConversationsClient) List(ctx context.Context, opts *ListConversationsOptions) ([]Conversation, error) {
	query := map[string]string{}
	if opts != nil {
		if opts.Search != "" {
			query["search"] = opts.Search
		}
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
		if opts.OnlyWithHistory {
			query["onlyWithHistory"] = "true"
		}
	}
	if len(query) == 0 {
		query = nil
	}
	res, err := cv.client.do(ctx, "conversations.list", "GET", "/api/inbox/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	var conversations []Conversation
	if err := res.Decode(&conversations); err != nil {
		return nil, &RequestError{Op: "conversations.list", Err: err}
	}
	return conversations, nil
}

// Create opens a new conversation with a contact on a channel.
func (cv *ConversationsClient) Create(ctx context.Context, contactID string, channel ChannelType) (*Conversation, error) {
	res, err := cv.client.do(ctx, "conversations.create", "POST", "/api/inbox/conversations",
		&createConversationRequest{ContactID: contactID, ChannelType: channel}, nil)
	if err != nil {
		return nil, err
	}
	var conversation Conversation
	if err := res.Decode(&conversation); err != nil {
		return nil, &RequestError{Op: "conversations.create", Err: err}
	}
	return &conversation, nil
}

// MarkRead acknowledges a conversation as read on the server.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := cv.client.do(ctx, "conversations.markRead", "POST",
		"/api/inbox/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient covers the message-level gateway operations.
type MessagesClient struct{ client *Client }

// List fetches the most recent messages of a conversation in createdAt order.
func (m *MessagesClient) List(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": strconv.Itoa(limit)}
	}
	res, err := m.client.do(ctx, "messages.list", "GET",
		"/api/inbox/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var messages []Message
	if err := res.Decode(&messages); err != nil {
		return nil, &RequestError{Op: "messages.list", Err: err}
	}
	return messages, nil
}

// Send submits an outbound message and returns the authoritative server
// record, used to replace the optimistic timeline entry.
func (m *MessagesClient) Send(ctx context.Context, conversationID, content string, media *MediaRef) (*Message, error) {
	req := &sendMessageRequest{ConversationID: conversationID, Content: content}
	if media != nil {
		req.MediaURL = media.URL
		req.MediaType = media.Type
	}
	res, err := m.client.do(ctx, "messages.send", "POST",
		"/api/inbox/conversations/"+conversationID+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	var message Message
	if err := res.Decode(&message); err != nil {
		return nil, &RequestError{Op: "messages.send", Err: err}
	}
	return &message, nil
}
