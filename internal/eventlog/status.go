package eventlog

import (
	"encoding/json"
	"time"
)

// Publisher is the part of the MQTT client the status sink needs.
type Publisher interface {
	PublishWith(topic string, payload []byte, retain bool) error
}

type StatusPayload struct {
	Connected bool      `json:"connected"`
	At        time.Time `json:"at"`
}

// StatusSink mirrors the connection state to a retained MQTT topic so other
// homenavi services can see whether the door controller is online.
type StatusSink struct {
	pub   Publisher
	topic string
}

func NewStatusSink(pub Publisher, topic string) *StatusSink {
	return &StatusSink{pub: pub, topic: topic}
}

func (s *StatusSink) Write(ev Event) error {
	b, err := json.Marshal(StatusPayload{Connected: ev.Kind == Connected, At: ev.At.UTC()})
	if err != nil {
		return err
	}
	return s.pub.PublishWith(s.topic, b, true)
}
