// Package dispatch sends door-open and firmware-update commands to whatever
// device currently holds the slot.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/PetoAdam/homenavi/door-relay/internal/device"
	"github.com/PetoAdam/homenavi/door-relay/internal/observability"
)

var (
	ErrNoActiveConnection = errors.New("no active connection")
	ErrTransfer           = errors.New("firmware transfer failed")
	ErrUpdateRejected     = errors.New("firmware update rejected by device")
	ErrUpdateInProgress   = errors.New("firmware update already in progress")
)

const (
	DefaultChunkSize  = 4096
	DefaultPacing     = 200 * time.Millisecond
	DefaultAckTimeout = 10 * time.Second

	OpenDoorMessage = "Please open the door."
)

// RejectedError carries the device's reason for refusing an update.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return ErrUpdateRejected.Error() + ": " + e.Message
}

func (e *RejectedError) Unwrap() error { return ErrUpdateRejected }

// Occupancy is the read side of the device slot.
type Occupancy interface {
	Current() *device.Link
}

type Options struct {
	ChunkSize int
	// Pacing is the pause between two consecutive chunks. The device has no
	// flow control, so this is the only thing keeping it from overrunning.
	Pacing time.Duration
	// AwaitAck makes the update wait for {"success":bool,"message":string}
	// after the announcement and abort if success is false.
	AwaitAck   bool
	AckTimeout time.Duration
}

type Dispatcher struct {
	slot     Occupancy
	firmware Firmware
	opts     Options

	updating atomic.Bool
}

func New(slot Occupancy, firmware Firmware, opts Options) *Dispatcher {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Pacing < 0 {
		opts.Pacing = 0
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	return &Dispatcher{slot: slot, firmware: firmware, opts: opts}
}

// OpenDoor sends the open-door command. It returns once the frame is
// written; the device does not acknowledge it.
func (d *Dispatcher) OpenDoor(ctx context.Context) error {
	link := d.slot.Current()
	if link == nil {
		observability.CommandsTotal.WithLabelValues(device.CommandOpenDoor, "no_device").Inc()
		return ErrNoActiveConnection
	}
	if err := link.SendMessage(ctx, device.OpenDoor(OpenDoorMessage)); err != nil {
		observability.CommandsTotal.WithLabelValues(device.CommandOpenDoor, "error").Inc()
		return fmt.Errorf("send open-door: %w", err)
	}
	observability.CommandsTotal.WithLabelValues(device.CommandOpenDoor, "ok").Inc()
	slog.Info("open-door sent", "link_id", link.ID())
	return nil
}

// UpdateFirmware announces the image size and streams it in fixed-size
// binary chunks. A failed chunk aborts the whole transfer; there is no
// resume, the caller restarts from the beginning.
func (d *Dispatcher) UpdateFirmware(ctx context.Context) (err error) {
	link := d.slot.Current()
	if link == nil {
		observability.CommandsTotal.WithLabelValues(device.CommandUpdate, "no_device").Inc()
		return ErrNoActiveConnection
	}
	if !d.updating.CompareAndSwap(false, true) {
		return ErrUpdateInProgress
	}
	defer d.updating.Store(false)

	ctx, span := otel.Tracer("door-relay/dispatch").Start(ctx, "firmware.update")
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.CommandsTotal.WithLabelValues(device.CommandUpdate, result).Inc()
		span.End()
	}()

	image, size, err := d.firmware.Open()
	if err != nil {
		return err
	}
	defer image.Close()
	span.SetAttributes(attribute.Int64("firmware.size", size), attribute.String("link.id", link.ID()))

	var acks <-chan device.Ack
	if d.opts.AwaitAck {
		ch, cancel, ok := link.ExpectAck()
		if !ok {
			return ErrUpdateInProgress
		}
		defer cancel()
		acks = ch
	}

	if err := link.SendMessage(ctx, device.Update(size)); err != nil {
		return fmt.Errorf("%w: announce: %w", ErrTransfer, err)
	}
	slog.Info("firmware update announced", "link_id", link.ID(), "size", size)

	if acks != nil {
		if err := d.awaitAck(ctx, link, acks); err != nil {
			return err
		}
	}

	chunks, sent, err := d.stream(ctx, link, image)
	span.SetAttributes(attribute.Int("firmware.chunks", chunks), attribute.Int64("firmware.sent", sent))
	if err != nil {
		slog.Error("firmware transfer aborted", "link_id", link.ID(), "chunks", chunks, "sent", sent, "error", err)
		return err
	}
	slog.Info("firmware transfer complete", "link_id", link.ID(), "chunks", chunks, "bytes", sent)
	return nil
}

func (d *Dispatcher) awaitAck(ctx context.Context, link *device.Link, acks <-chan device.Ack) error {
	timer := time.NewTimer(d.opts.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-acks:
		if !ack.Success {
			return &RejectedError{Message: ack.Message}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no acknowledgement within %s", ErrTransfer, d.opts.AckTimeout)
	case <-link.Done():
		return fmt.Errorf("%w: device disconnected", ErrTransfer)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTransfer, ctx.Err())
	}
}

func (d *Dispatcher) stream(ctx context.Context, link *device.Link, image io.Reader) (chunks int, sent int64, err error) {
	buf := make([]byte, d.opts.ChunkSize)
	for {
		n, rerr := io.ReadFull(image, buf)
		if n > 0 {
			if chunks > 0 {
				if err := d.pace(ctx, link); err != nil {
					return chunks, sent, fmt.Errorf("%w: chunk %d: %w", ErrTransfer, chunks, err)
				}
			}
			if err := link.SendBytes(ctx, buf[:n]); err != nil {
				return chunks, sent, fmt.Errorf("%w: chunk %d: %w", ErrTransfer, chunks, err)
			}
			chunks++
			sent += int64(n)
			observability.FirmwareBytesTotal.Add(float64(n))
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return chunks, sent, nil
		default:
			return chunks, sent, fmt.Errorf("%w: read firmware: %w", ErrTransfer, rerr)
		}
	}
}

func (d *Dispatcher) pace(ctx context.Context, link *device.Link) error {
	if d.opts.Pacing == 0 {
		return nil
	}
	timer := time.NewTimer(d.opts.Pacing)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-link.Done():
		return device.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
