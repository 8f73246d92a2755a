// Package chatkit implements the realtime one-to-one messaging and
// notification core of the Relia CRM client: a consistent view of
// conversations, messages, and unread state maintained across a persistent
// WebSocket connection and a REST fallback channel.
//
// Example:
//
//	client := chatkit.NewClient(token)
//	rt := client.Realtime(nil)
//	session, _ := chatkit.NewSession(client, rt, chatkit.SessionConfig{})
//	session.Start(ctx)
//	defer session.Close()
//
//	session.SetActiveConversation(ctx, "conv-123")
//	session.Send(ctx, chatkit.SendRequest{ConversationID: "conv-123", Text: "hello"})
package chatkit

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
)

const (
	DefaultBaseURL = "https://api.relia.app"
	DefaultTimeout = 15 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator client: history fetch, contact listing,
// read-state persistence, and the send fallback channel.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a chat API client authenticated with the session token.
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
	return c
}

// Token returns the session token the client was created with.
func (c *Client) Token() string { return c.token }

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
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

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Collaborator surface
// ============================================================================

// FetchContacts lists the users the current user may message.
func (c *Client) FetchContacts(ctx context.Context) ([]UserRef, error) {
	result, err := c.doRequest(ctx, "GET", "/api/chat/contacts", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	var contacts []UserRef
	if err := result.Decode(&contacts); err != nil {
		return nil, fmt.Errorf("failed to decode contacts: %w", err)
	}
	return contacts, nil
}

// FetchConversations returns the conversation summaries for the current
// user. When withUnread is set, each summary carries the server-side unread
// count for snapshot sync.
func (c *Client) FetchConversations(ctx context.Context, withUnread bool) ([]Conversation, error) {
	var query map[string]string
	if withUnread {
		query = map[string]string{"withUnread": "true"}
	}
	result, err := c.doRequest(ctx, "GET", "/api/chat/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	var conversations []Conversation
	if err := result.Decode(&conversations); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return conversations, nil
}

// FetchMessages loads up to limit messages of a conversation's history.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": strconv.Itoa(limit)}
	}
	result, err := c.doRequest(ctx, "GET", "/api/chat/messages/"+conversationID, nil, query)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	var messages []Message
	if err := result.Decode(&messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return messages, nil
}

// PersistMarkRead records the current user's read state for a conversation
// on the server.
func (c *Client) PersistMarkRead(ctx context.Context, conversationID string) error {
	result, err := c.doRequest(ctx, "POST", "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	if err != nil {
		return err
	}
	return result.Err()
}

// PostMessage is the request/response fallback send path: a single atomic
// call that creates-or-reuses the conversation and appends the message.
func (c *Client) PostMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	result, err := c.doRequest(ctx, "POST", "/api/chat/messages", req, nil)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	var sent SendResult
	if err := result.Decode(&sent); err != nil {
		return nil, fmt.Errorf("failed to decode send result: %w", err)
	}
	return &sent, nil
}
