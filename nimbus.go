// Package nimbus provides the Go client SDK for the Nimbus chat platform.
//
// Covers the REST API (channels, message history) and the realtime layer:
// websocket connection management, optimistic message sending with delivery
// tracking, thread replies, typing indicators, and a durable offline queue.
//
// Example:
//
//	client := nimbus.NewClient("https://chat.example.com")
//
//	session, _ := nimbus.NewSession(ctx, client, nimbus.StaticCredentials("jwt...", "user-1"), nil)
//	_ = session.Connect(ctx)
//
//	msg, _ := session.SendMessage(ctx, "general", "hello")
//	status, _ := session.DeliveryStatus(msg.ID)
package nimbus

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
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST API client. The realtime layer shares its base URL and
// credential; see NewSession.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Nimbus REST client for the given server.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken sets or updates the bearer token, e.g. after a credential refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func decodeResult[T any](data []byte) (*T, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("request rejected")
	}
	var out T
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &out, nil
}

// ============================================================================
// REST API Methods
// ============================================================================

// ListChannels returns the channels the authenticated user is a member of.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	data, err := c.doRequest(ctx, "GET", "/api/channels", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeResult[[]Channel](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// GetHistory fetches a page of message history for a channel, newest last.
func (c *Client) GetHistory(ctx context.Context, channelID string, opts *HistoryOptions) ([]Message, error) {
	query := map[string]string{}
	if opts != nil {
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
		if !opts.Before.IsZero() {
			query["before"] = opts.Before.UTC().Format(time.RFC3339Nano)
		}
	}
	data, err := c.doRequest(ctx, "GET", "/api/channels/"+url.PathEscape(channelID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	out, err := decodeResult[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// GetThread fetches a thread snapshot over REST, for read-only views that do
// not need the realtime room.
func (c *Client) GetThread(ctx context.Context, threadID string) (*ThreadSnapshot, error) {
	data, err := c.doRequest(ctx, "GET", "/api/threads/"+url.PathEscape(threadID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[ThreadSnapshot](data)
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*UserRef, error) {
	data, err := c.doRequest(ctx, "GET", "/api/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[UserRef](data)
}
