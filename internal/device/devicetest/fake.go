// Package devicetest provides an in-memory device.Conn for tests.
package devicetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/door-relay/internal/device"
)

var ErrInjected = errors.New("injected send failure")

type Frame struct {
	Binary bool
	Data   []byte
	At     time.Time
}

// Conn records every frame sent to it and replays pushed text as inbound
// device messages.
type Conn struct {
	// FailBinaryAt makes the n-th binary send (1-based) fail. Zero never fails.
	FailBinaryAt int
	// FailMessages makes every SendMessage fail.
	FailMessages bool

	mu          sync.Mutex
	frames      []Frame
	binarySends int
	closeCode   int
	closeReason string
	closed      bool
	gone        bool

	inbound   chan string
	closeOnce sync.Once
	done      chan struct{}
}

func NewConn() *Conn {
	return &Conn{inbound: make(chan string, 64), done: make(chan struct{})}
}

func (c *Conn) SendMessage(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gone {
		return device.ErrClosed
	}
	if c.FailMessages {
		return ErrInjected
	}
	c.frames = append(c.frames, Frame{Data: b, At: time.Now()})
	return nil
}

func (c *Conn) SendBytes(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gone {
		return device.ErrClosed
	}
	c.binarySends++
	if c.FailBinaryAt > 0 && c.binarySends == c.FailBinaryAt {
		return ErrInjected
	}
	c.frames = append(c.frames, Frame{Binary: true, Data: append([]byte(nil), b...), At: time.Now()})
	return nil
}

func (c *Conn) ReceiveText() (string, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.done:
		return "", device.ErrClosed
	}
}

func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Push queues text as if the device had sent it.
func (c *Conn) Push(text string) { c.inbound <- text }

// Disconnect simulates the device dropping the connection.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.gone = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

// Messages returns the JSON text frames decoded into generic maps.
func (c *Conn) Messages() []map[string]any {
	var out []map[string]any
	for _, f := range c.Frames() {
		if f.Binary {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal(f.Data, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *Conn) BinaryFrames() []Frame {
	var out []Frame
	for _, f := range c.Frames() {
		if f.Binary {
			out = append(out, f)
		}
	}
	return out
}

func (c *Conn) Closed() (code int, reason string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closed
}

// WaitFor polls cond until it holds or the timeout expires.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

var _ device.Conn = (*Conn)(nil)
