package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/PetoAdam/homenavi/door-relay/internal/eventlog"
)

var (
	DeviceConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "door_relay_device_connected",
		Help: "1 while a door controller holds the device slot.",
	})
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "door_relay_sessions_total",
			Help: "Device connection attempts by outcome.",
		},
		[]string{"result"},
	)
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "door_relay_commands_total",
			Help: "Commands dispatched to the device by command and outcome.",
		},
		[]string{"command", "result"},
	)
	FirmwareBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "door_relay_firmware_bytes_total",
		Help: "Firmware bytes written to the device.",
	})
)

func init() {
	prometheus.MustRegister(DeviceConnected, SessionsTotal, CommandsTotal, FirmwareBytesTotal)
}

// ConnectionSink keeps DeviceConnected in step with the event log.
type ConnectionSink struct{}

func (ConnectionSink) Write(ev eventlog.Event) error {
	if ev.Kind == eventlog.Connected {
		DeviceConnected.Set(1)
	} else {
		DeviceConnected.Set(0)
	}
	return nil
}
