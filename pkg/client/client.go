package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks to the control API of an enginectl daemon.
type Client struct {
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds every request; a start waits for the engine to become
	// ready, so keep it above the daemon's readiness budget.
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

const defaultBaseURL = "http://127.0.0.1:8790/api"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 2 * time.Minute,
	}
}

// New creates a new enginectl API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// IsNotRunning reports whether err says the engine is not running.
func IsNotRunning(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound && apiErr.Kind == "not_running"
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	ok := resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
	c.logger.Debug("Daemon reachability check", "reachable", ok, "status", resp.StatusCode)
	return ok
}

// Start asks the daemon to start the engine and waits until it is ready.
func (c *Client) Start(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	if err := c.do(ctx, http.MethodPost, "/start", &info); err != nil {
		return ServerInfo{}, err
	}
	c.logger.Debug("Engine started", "url", info.URL)
	return info, nil
}

// Stop kills the engine.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop", nil)
}

// Abort cancels a start in progress and reports whether there was one.
func (c *Client) Abort(ctx context.Context) (bool, error) {
	var resp struct {
		Aborted bool `json:"aborted"`
	}
	if err := c.do(ctx, http.MethodPost, "/abort", &resp); err != nil {
		return false, err
	}
	return resp.Aborted, nil
}

// Status returns the published endpoint; ok is false when nothing is started.
func (c *Client) Status(ctx context.Context) (info ServerInfo, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return ServerInfo{}, false, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ServerInfo{}, false, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return ServerInfo{}, false, nil
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return ServerInfo{}, false, fmt.Errorf("decode status: %w", err)
		}
		return info, true, nil
	default:
		return ServerInfo{}, false, c.handleErrorResponse(resp)
	}
}

// Events streams daemon events to fn until ctx is done, the connection
// drops or fn returns an error. A nil return means ctx ended the stream.
func (c *Client) Events(ctx context.Context, fn func(Event) error) error {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/events"
	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial events: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "kind", errorResp.Kind, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Kind: errorResp.Kind, Message: errorResp.Error}
}
