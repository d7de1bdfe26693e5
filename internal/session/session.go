// Package session drives one accepted device connection from admission to
// eviction.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/door-relay/internal/auth"
	"github.com/PetoAdam/homenavi/door-relay/internal/device"
	"github.com/PetoAdam/homenavi/door-relay/internal/eventlog"
	"github.com/PetoAdam/homenavi/door-relay/internal/observability"
)

const (
	ReasonUnauthorized = "Unauthorized request."
	ReasonOccupied     = "Another device is connected."
	ReasonShuttingDown = "Server shutting down."
	ReasonEchoFailed   = "Echo failed."
)

type Authorizer interface {
	DeviceAuthorized(token string) bool
}

// Occupancy is the write side of the device slot.
type Occupancy interface {
	Claim(link *device.Link) error
	Release(link *device.Link) bool
	LastChange() time.Time
}

type Recorder interface {
	Record(ev eventlog.Event)
}

type Manager struct {
	guard  Authorizer
	slot   Occupancy
	events Recorder

	// transitions pairs every slot change with its lifecycle record, so
	// sinks see connect/disconnect in the same order the slot did. The slot
	// mutex itself is never held across sink I/O.
	transitions sync.Mutex
}

func New(guard Authorizer, slot Occupancy, events Recorder) *Manager {
	return &Manager{guard: guard, slot: slot, events: events}
}

// Serve owns link until the device goes away or ctx ends. It returns nil
// after a normal disconnect and an error when the link was turned away.
func (m *Manager) Serve(ctx context.Context, link *device.Link, token string) error {
	defer link.MarkDone()
	log := slog.With("link_id", link.ID(), "remote_addr", link.RemoteAddr())

	if !m.guard.DeviceAuthorized(token) {
		observability.SessionsTotal.WithLabelValues("unauthorized").Inc()
		log.Warn("device rejected", "reason", "bad token")
		_ = link.Close(device.ClosePolicyViolation, ReasonUnauthorized)
		return auth.ErrUnauthorized
	}
	if err := m.claim(link); err != nil {
		observability.SessionsTotal.WithLabelValues("occupied").Inc()
		log.Warn("device rejected", "reason", err)
		_ = link.Close(device.ClosePolicyViolation, ReasonOccupied)
		return err
	}
	observability.SessionsTotal.WithLabelValues("accepted").Inc()
	log.Info("device connected")

	defer func() {
		_ = link.Close(device.CloseNormal, "")
		m.release(link)
		log.Info("device disconnected", "duration", time.Since(link.ConnectedAt()).Round(time.Millisecond))
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = link.Close(device.CloseGoingAway, ReasonShuttingDown)
	})
	defer stop()

	m.receive(ctx, link, log)
	return nil
}

func (m *Manager) receive(ctx context.Context, link *device.Link, log *slog.Logger) {
	for {
		text, err := link.ReceiveText()
		if err != nil {
			if !errors.Is(err, device.ErrClosed) {
				log.Debug("device read failed", "error", err)
			}
			return
		}
		if link.DeliverAck(text) {
			log.Debug("acknowledgement received", "payload", text)
			continue
		}
		log.Debug("device message", "payload", text)
		if err := link.SendMessage(ctx, device.Echo(fmt.Sprintf("I've received '%s'.", text))); err != nil {
			log.Warn("echo failed, dropping device", "error", err)
			_ = link.Close(device.CloseNormal, ReasonEchoFailed)
			return
		}
	}
}

func (m *Manager) claim(link *device.Link) error {
	m.transitions.Lock()
	defer m.transitions.Unlock()
	if err := m.slot.Claim(link); err != nil {
		return err
	}
	m.record(eventlog.Connected, link)
	return nil
}

func (m *Manager) release(link *device.Link) {
	m.transitions.Lock()
	defer m.transitions.Unlock()
	if m.slot.Release(link) {
		m.record(eventlog.Disconnected, link)
	}
}

// record must run under transitions; At is the slot's own stamp.
func (m *Manager) record(kind eventlog.Kind, link *device.Link) {
	m.events.Record(eventlog.Event{
		Kind:       kind,
		At:         m.slot.LastChange(),
		LinkID:     link.ID(),
		RemoteAddr: link.RemoteAddr(),
	})
}
