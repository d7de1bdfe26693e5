package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type WebSocketOptions struct {
	// WriteTimeout bounds every single frame write. Zero disables it.
	WriteTimeout time.Duration
	// PingInterval enables ping/pong keepalive. The read deadline is
	// extended to twice the interval on every pong. Zero disables it.
	PingInterval time.Duration
	ReadLimit    int64
}

// WebSocketConn adapts a gorilla connection to Conn. gorilla allows one
// concurrent writer, so every data frame goes through mu.
type WebSocketConn struct {
	ws   *websocket.Conn
	opts WebSocketOptions

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewWebSocketConn(ws *websocket.Conn, opts WebSocketOptions) *WebSocketConn {
	c := &WebSocketConn{ws: ws, opts: opts, done: make(chan struct{})}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	if opts.PingInterval > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(2 * opts.PingInterval))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(2 * opts.PingInterval))
		})
		go c.pingLoop()
	}
	return c
}

func (c *WebSocketConn) SendMessage(ctx context.Context, v any) error {
	return c.write(ctx, func() error { return c.ws.WriteJSON(v) })
}

func (c *WebSocketConn) SendBytes(ctx context.Context, b []byte) error {
	return c.write(ctx, func() error { return c.ws.WriteMessage(websocket.BinaryMessage, b) })
}

func (c *WebSocketConn) write(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	var deadline time.Time
	if c.opts.WriteTimeout > 0 {
		deadline = time.Now().Add(c.opts.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return fn()
}

// ReceiveText blocks until the next text frame. Binary frames from the
// device carry nothing the relay understands and are skipped.
func (c *WebSocketConn) ReceiveText() (string, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return "", fmt.Errorf("%w: %d %s", ErrClosed, ce.Code, ce.Text)
			}
			select {
			case <-c.done:
				return "", ErrClosed
			default:
			}
			return "", err
		}
		if mt == websocket.TextMessage {
			return string(data), nil
		}
	}
}

// Close sends a close frame with the given code and tears the connection
// down. Safe to call more than once.
func (c *WebSocketConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *WebSocketConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

var _ Conn = (*WebSocketConn)(nil)
