// Package client provides an HTTP client for the debug API, including
// a WebSocket subscription to the live event stream.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Event is the wire shape of one published event. Data is left raw so
// callers can decode it per event type.
type Event struct {
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// OverlayState is one overlay registration as reported by the API.
type OverlayState struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Kind      string `json:"kind"`
	Priority  int    `json:"priority"`
	Visible   bool   `json:"visible"`
	CreatedAt int64  `json:"created_at"`
}

// ContentState is one content hide request as reported by the API.
type ContentState struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	Reason   string `json:"reason"`
	Priority int    `json:"priority"`
	Target   string `json:"target"`
	Active   bool   `json:"active"`
	HiddenAt int64  `json:"hidden_at"`
}

// SubscriptionInfo is one bus subscription as reported by the API.
type SubscriptionInfo struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
	Context  string `json:"context,omitempty"`
}

// Client is an HTTP client for the debug API
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
	timeout         time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new debug API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:         baseURL,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
		timeout:         10 * time.Second,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Health checks the /healthz endpoint
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Events returns the recent event history, oldest first
func (c *Client) Events(ctx context.Context) ([]Event, error) {
	var response struct {
		Events []Event `json:"events"`
	}
	if err := c.getJSON(ctx, "/debug/events", &response); err != nil {
		return nil, err
	}
	return response.Events, nil
}

// Subscriptions returns the active bus subscriptions
func (c *Client) Subscriptions(ctx context.Context) ([]SubscriptionInfo, error) {
	var response struct {
		Subscriptions []SubscriptionInfo `json:"subscriptions"`
	}
	if err := c.getJSON(ctx, "/debug/subscriptions", &response); err != nil {
		return nil, err
	}
	return response.Subscriptions, nil
}

// Overlays returns the overlay coordinator state
func (c *Client) Overlays(ctx context.Context) (activeID string, states []OverlayState, err error) {
	var response struct {
		ActiveID string         `json:"active_id"`
		Overlays []OverlayState `json:"overlays"`
	}
	if err := c.getJSON(ctx, "/debug/overlays", &response); err != nil {
		return "", nil, err
	}
	return response.ActiveID, response.Overlays, nil
}

// Content returns the content coordinator state
func (c *Client) Content(ctx context.Context) (activeID string, states []ContentState, err error) {
	var response struct {
		ActiveID string         `json:"active_id"`
		States   []ContentState `json:"states"`
	}
	if err := c.getJSON(ctx, "/debug/content", &response); err != nil {
		return "", nil, err
	}
	return response.ActiveID, response.States, nil
}

// Strategies returns the currently applied strategy names
func (c *Client) Strategies(ctx context.Context) ([]string, error) {
	var response struct {
		Strategies []string `json:"strategies"`
	}
	if err := c.getJSON(ctx, "/debug/strategies", &response); err != nil {
		return nil, err
	}
	return response.Strategies, nil
}

// getJSON performs a GET request and decodes the JSON response
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do makes an HTTP request
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}

	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
		}

		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, resp.Status)
	}

	return resp, nil
}

// Subscription represents a WebSocket subscription for real-time events
type Subscription struct {
	Conn   *websocket.Conn
	Events chan Event
	Done   chan struct{}
}

// StreamEvents connects to the live event stream
func (c *Client) StreamEvents(ctx context.Context) (*Subscription, error) {
	wsURL := strings.Replace(c.baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	conn, _, err := c.websocketDialer.DialContext(ctx, wsURL+"/debug/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}

	sub := &Subscription{
		Conn:   conn,
		Events: make(chan Event, 64),
		Done:   make(chan struct{}),
	}
	go sub.receiveEvents()
	return sub, nil
}

// receiveEvents processes WebSocket messages
func (s *Subscription) receiveEvents() {
	defer func() {
		close(s.Events)
		close(s.Done)
		s.Conn.Close()
	}()

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			return
		}

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}

		select {
		case s.Events <- event:
		default:
			// Channel is full, drop event
		}
	}
}

// Close closes the subscription
func (s *Subscription) Close() error {
	err := s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case <-s.Done:
	case <-time.After(time.Second):
		s.Conn.Close()
	}

	return err
}
