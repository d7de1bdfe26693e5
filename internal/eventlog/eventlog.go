// Package eventlog records device connection lifecycle events.
//
// The primary sink is a flat, append-only text file that is deleted once it
// grows past a size threshold. Additional sinks (metrics, MQTT status) can be
// attached; a failing sink never affects the others or the caller.
package eventlog

import (
	"log/slog"
	"time"
)

type Kind int

const (
	Connected Kind = iota
	Disconnected
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind       Kind
	At         time.Time
	LinkID     string
	RemoteAddr string
}

type Sink interface {
	Write(ev Event) error
}

// Log fans an event out to its sinks in order.
type Log struct {
	sinks []Sink
}

func New(sinks ...Sink) *Log {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Log{sinks: out}
}

func (l *Log) Record(ev Event) {
	for _, s := range l.sinks {
		if err := s.Write(ev); err != nil {
			slog.Warn("event log write failed", "event", ev.Kind.String(), "link_id", ev.LinkID, "error", err)
		}
	}
}
