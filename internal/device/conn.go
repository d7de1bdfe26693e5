package device

import (
	"context"
	"errors"
)

// Close codes used when the relay ends a device connection.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// ErrClosed is returned by ReceiveText once the peer has gone away.
var ErrClosed = errors.New("device connection closed")

// Conn is the minimal surface the relay needs from a device connection.
// Implementations must allow SendMessage/SendBytes to be called from several
// goroutines; writes are never interleaved on the wire.
type Conn interface {
	SendMessage(ctx context.Context, v any) error
	SendBytes(ctx context.Context, b []byte) error
	ReceiveText() (string, error)
	Close(code int, reason string) error
}

const (
	CommandOpenDoor   = "open-door"
	CommandUpdate     = "update"
	CommandServerEcho = "server-echo"
)

type OpenDoorCommand struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

type UpdateCommand struct {
	Command string `json:"command"`
	Size    int64  `json:"size"`
}

type EchoCommand struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

// Ack is the device reply to an update announcement.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func OpenDoor(message string) OpenDoorCommand {
	return OpenDoorCommand{Command: CommandOpenDoor, Message: message}
}

func Update(size int64) UpdateCommand {
	return UpdateCommand{Command: CommandUpdate, Size: size}
}

func Echo(message string) EchoCommand {
	return EchoCommand{Command: CommandServerEcho, Message: message}
}
