package device

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Link is the relay's handle on one accepted device connection. Identity is
// pointer identity; the slot compares links, never connections.
type Link struct {
	Conn

	id          string
	remoteAddr  string
	connectedAt time.Time

	doneOnce sync.Once
	done     chan struct{}

	ackMu sync.Mutex
	ack   chan Ack
}

func NewLink(conn Conn, remoteAddr string) *Link {
	return &Link{
		Conn:        conn,
		id:          uuid.NewString(),
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

func (l *Link) ID() string             { return l.id }
func (l *Link) RemoteAddr() string     { return l.remoteAddr }
func (l *Link) ConnectedAt() time.Time { return l.connectedAt }

// Done is closed once the session driving this link has ended.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) MarkDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

// ExpectAck registers a waiter for the next acknowledgement frame. Only one
// waiter may exist at a time; ok is false when another one is pending.
// cancel must be called once the caller stops waiting.
func (l *Link) ExpectAck() (acks <-chan Ack, cancel func(), ok bool) {
	l.ackMu.Lock()
	defer l.ackMu.Unlock()
	if l.ack != nil {
		return nil, func() {}, false
	}
	ch := make(chan Ack, 1)
	l.ack = ch
	return ch, func() {
		l.ackMu.Lock()
		if l.ack == ch {
			l.ack = nil
		}
		l.ackMu.Unlock()
	}, true
}

// DeliverAck hands text to a pending ExpectAck waiter if the text is an
// acknowledgement. It reports whether the text was consumed.
func (l *Link) DeliverAck(text string) bool {
	l.ackMu.Lock()
	defer l.ackMu.Unlock()
	if l.ack == nil {
		return false
	}
	var raw struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil || raw.Success == nil {
		return false
	}
	l.ack <- Ack{Success: *raw.Success, Message: raw.Message}
	l.ack = nil
	return true
}
