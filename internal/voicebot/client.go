package voicebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Service is the remote voice-bot surface the coordinator depends on.
type Service interface {
	Connect(ctx context.Context) (ConnectResponse, error)
	Disconnect(ctx context.Context, sessionID string) (DisconnectResponse, error)
	Status(ctx context.Context, sessionID string) (StatusResponse, error)
	Wake(ctx context.Context, sessionID string) (ActionResponse, error)
	Sleep(ctx context.Context, sessionID string) (ActionResponse, error)
	ListSessions(ctx context.Context) ([]string, error)
}

// ObserveFunc receives the outcome of every request, for metrics.
type ObserveFunc func(op string, elapsed time.Duration, statusCode int, err error)

// Client talks JSON over HTTP to the voice-bot service.
type Client struct {
	baseURL string
	client  *http.Client
	observe ObserveFunc
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.client = c
		}
	}
}

func WithObserver(fn ObserveFunc) Option {
	return func(cl *Client) { cl.observe = fn }
}

func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Connect(ctx context.Context) (ConnectResponse, error) {
	var out ConnectResponse
	if err := c.do(ctx, "connect", http.MethodPost, "/connect", &out); err != nil {
		return ConnectResponse{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" || strings.TrimSpace(out.RoomURL) == "" {
		return ConnectResponse{}, fmt.Errorf("connect: incomplete credentials in response")
	}
	return out, nil
}

func (c *Client) Disconnect(ctx context.Context, sessionID string) (DisconnectResponse, error) {
	var out DisconnectResponse
	err := c.do(ctx, "disconnect", http.MethodPost, "/disconnect/"+url.PathEscape(sessionID), &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, sessionID string) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, "status", http.MethodGet, "/status/"+url.PathEscape(sessionID), &out)
	return out, err
}

func (c *Client) Wake(ctx context.Context, sessionID string) (ActionResponse, error) {
	var out ActionResponse
	err := c.do(ctx, "wake", http.MethodPost, "/wake/"+url.PathEscape(sessionID), &out)
	return out, err
}

func (c *Client) Sleep(ctx context.Context, sessionID string) (ActionResponse, error) {
	var out ActionResponse
	err := c.do(ctx, "sleep", http.MethodPost, "/sleep/"+url.PathEscape(sessionID), &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, "list_sessions", http.MethodGet, "/sessions", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, out any) (err error) {
	start := time.Now()
	statusCode := 0
	defer func() {
		if c.observe != nil {
			c.observe(op, time.Since(start), statusCode, err)
		}
	}()

	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", op, err)
	}
	defer res.Body.Close()
	statusCode = res.StatusCode

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Op: op, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
