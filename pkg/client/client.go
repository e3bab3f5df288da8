// Package client is a small HTTP client for the appdraft API. It mirrors the
// server surface: create a session, poll or stream its progress, send change
// requests, and close it.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client provides HTTP client functionality to communicate with an appdraft daemon
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Token   string        // Optional bearer token
	Timeout time.Duration // Per-request timeout for unary calls; streams are context-bound
	Logger  *slog.Logger  // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api/v1",
		Timeout: 10 * time.Second,
	}
}

// New creates a new appdraft API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/api/v1"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
		// The event stream stays open for the subscription's whole life, so
		// it must not inherit the unary timeout.
		stream: &http.Client{},
	}
}

// Health checks if the daemon is running and reachable
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for health check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Create starts a new build session and returns its id. The build runs
// asynchronously; follow it with Progress or Events.
func (c *Client) Create(ctx context.Context, prompt, template string) (string, error) {
	c.logger.Debug("Creating session", "template", template)
	body := map[string]string{"prompt": prompt, "template": template}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/sessions", body, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	c.logger.Debug("Session created", "session", out.SessionID)
	return out.SessionID, nil
}

// Progress polls the session's progress record once.
func (c *Client) Progress(ctx context.Context, sessionID string) (*Record, error) {
	var rec Record
	url := c.baseURL + "/sessions/" + sessionID + "/progress"
	if err := c.doJSON(ctx, http.MethodGet, url, nil, http.StatusOK, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Chat sends one free-text change request against the session.
func (c *Client) Chat(ctx context.Context, sessionID, message string) (*ChangeResult, error) {
	c.logger.Debug("Sending change request", "session", sessionID)
	var res ChangeResult
	url := c.baseURL + "/sessions/" + sessionID + "/chat"
	if err := c.doJSON(ctx, http.MethodPost, url, map[string]string{"message": message}, http.StatusOK, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Close tears the session down: its dev server is killed and live
// subscribers are evicted.
func (c *Client) Close(ctx context.Context, sessionID string) error {
	c.logger.Debug("Closing session", "session", sessionID)
	url := c.baseURL + "/sessions/" + sessionID
	return c.doJSON(ctx, http.MethodDelete, url, nil, http.StatusOK, nil)
}

// Recent lists archived sessions, newest first. limit <= 0 uses the server
// default.
func (c *Client) Recent(ctx context.Context, limit int) ([]SessionRow, error) {
	url := c.baseURL + "/sessions"
	if limit > 0 {
		url += "?limit=" + strconv.Itoa(limit)
	}
	var rows []SessionRow
	if err := c.doJSON(ctx, http.MethodGet, url, nil, http.StatusOK, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Events subscribes to the session's event stream and invokes handler for
// every decoded event, the synthetic connected event included. It returns
// after a terminal event, when handler returns an error, or when ctx ends.
func (c *Client) Events(ctx context.Context, sessionID string, handler func(Event) error) error {
	url := c.baseURL + "/sessions/" + sessionID + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuth(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			c.logger.Debug("Skipping undecodable frame", "error", err)
			continue
		}
		if err := handler(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	// Server ended the stream without a terminal event (eviction race).
	return nil
}

// doJSON performs one request and decodes the response into out when the
// status matches okStatus.
func (c *Client) doJSON(ctx context.Context, method, url string, in any, okStatus int, out any) error {
	var rdr *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	var req *http.Request
	var err error
	if rdr != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, rdr)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != okStatus {
		return c.decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// decodeError handles HTTP error responses
func (c *Client) decodeError(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
