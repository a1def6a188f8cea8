package rtvi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSClient speaks RTVI JSON messages over a websocket transport.
type WSClient struct {
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	closing bool
	done    chan struct{}
}

func NewWSClient(logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger,
	}
}

var ErrAlreadyConnected = errors.New("rtvi client already connected")

func (c *WSClient) Connect(ctx context.Context, creds Credentials, h Handler) error {
	if h == nil {
		return errors.New("rtvi handler is required")
	}
	endpoint, err := websocketURL(creds.RoomURL)
	if err != nil {
		return &Error{Kind: "invalid_room_url", Detail: err.Error()}
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	headers := http.Header{}
	if tok := strings.TrimSpace(creds.Token); tok != "" {
		headers.Set("Authorization", "Bearer "+tok)
	}
	conn, _, err := c.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return &Error{Kind: "transport", Detail: fmt.Sprintf("dial %s: %v", endpoint, err)}
	}

	ready := Message{Label: Label, Type: TypeClientReady, ID: uuid.NewString()}
	ready.Data, _ = jsonRaw(ClientReadyData{Version: ProtocolVersion})
	if err := conn.WriteJSON(ready); err != nil {
		_ = conn.Close()
		return &Error{Kind: "transport", Detail: fmt.Sprintf("send client-ready: %v", err)}
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.closing = false
	c.done = done
	c.mu.Unlock()

	h.OnConnected()
	go c.readLoop(conn, h, done)
	return nil
}

func (c *WSClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	closeErr := conn.Close()

	// The socket is closed either way, so the slot is released before
	// waiting on the read loop.
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if closeErr != nil && !errors.Is(closeErr, websocket.ErrCloseSent) {
		return fmt.Errorf("close websocket: %w", closeErr)
	}
	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn, h Handler, done chan struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			// A connection Disconnect already released, or one replaced by a
			// newer Connect, ends quietly.
			c.mu.Lock()
			local := c.closing || c.conn != conn
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if local {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.OnError(&Error{Kind: "connection_lost", Detail: err.Error()})
			}
			h.OnDisconnected()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := ParseMessage(data)
		if err != nil {
			c.logger.Warn("rtvi message rejected", "error", err)
			continue
		}
		if err := Dispatch(msg, h); err != nil {
			if errors.Is(err, ErrUnsupportedType) {
				c.logger.Debug("rtvi message ignored", "type", string(msg.Type))
				continue
			}
			c.logger.Warn("rtvi message dispatch failed", "type", string(msg.Type), "error", err)
		}
	}
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	return u.String(), nil
}
