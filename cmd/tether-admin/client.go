// ABOUTME: HTTP client for the relay's operator API
// ABOUTME: Sends the bearer token and decodes {"error": ...} bodies into errors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/tether/internal/conversation"
	"github.com/2389/tether/internal/session"
)

// APIError is a non-2xx answer from the relay.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// sessionsResponse mirrors the relay's GET /api/sessions body.
type sessionsResponse struct {
	Live   []session.Session `json:"live"`
	Stored []string          `json:"stored"`
}

// Client talks to one relay.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client for the relay at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if data, _ := io.ReadAll(resp.Body); json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func sessionPath(id string, rest ...string) string {
	parts := append([]string{"/api/sessions", url.PathEscape(id)}, rest...)
	return strings.Join(parts, "/")
}

// Sessions lists live and stored sessions.
func (c *Client) Sessions(ctx context.Context) (sessionsResponse, error) {
	var out sessionsResponse
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

// Session fetches one live session.
func (c *Client) Session(ctx context.Context, id string) (session.Session, error) {
	var out session.Session
	err := c.do(ctx, http.MethodGet, sessionPath(id), nil, &out)
	return out, err
}

// Conversations fetches every assembled conversation of a session.
func (c *Client) Conversations(ctx context.Context, id string) ([]conversation.Conversation, error) {
	var out []conversation.Conversation
	err := c.do(ctx, http.MethodGet, sessionPath(id, "conversations"), nil, &out)
	return out, err
}

// Conversation fetches one conversation.
func (c *Client) Conversation(ctx context.Context, id, conversationID string) (conversation.Conversation, error) {
	var out conversation.Conversation
	err := c.do(ctx, http.MethodGet, sessionPath(id, "conversations", url.PathEscape(conversationID)), nil, &out)
	return out, err
}

// Rate sets or clears the rating of one message.
func (c *Client) Rate(ctx context.Context, id, conversationID, messageID, rating string) error {
	path := sessionPath(id, "conversations", url.PathEscape(conversationID), "messages", url.PathEscape(messageID), "rating")
	return c.do(ctx, http.MethodPut, path, map[string]string{"raiting": rating}, nil)
}

// Logout logs a session out and purges its credentials.
func (c *Client) Logout(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, sessionPath(id, "logout"), nil, nil)
}

// IsNotFound reports whether err is a 404 from the relay.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
