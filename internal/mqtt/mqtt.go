package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Options struct {
	BrokerURL string
	ClientID  string
	// WillTopic/WillPayload are published retained by the broker if the
	// relay drops off without disconnecting.
	WillTopic   string
	WillPayload []byte
}

type Client struct {
	cli mqtt.Client
}

// BrokerAddress normalizes mqtt://, tcp://, ssl://, tls://, ws:// and wss://
// URLs into the scheme paho expects.
func BrokerAddress(u *url.URL) (string, error) {
	switch u.Scheme {
	case "mqtt", "tcp":
		return "tcp://" + u.Host, nil
	case "ssl", "tls", "mqtts":
		return "ssl://" + u.Host, nil
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, nil
	default:
		return "", fmt.Errorf("unsupported mqtt scheme %q", u.Scheme)
	}
}

func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	server, err := BrokerAddress(u)
	if err != nil {
		return nil, err
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(server)
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "door-relay"
	}
	o.SetClientID(clientID + "-" + time.Now().Format("150405.000"))
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.OnConnect = func(c mqtt.Client) { slog.Info("mqtt connected", "broker", u.Redacted()) }
	o.OnConnectionLost = func(c mqtt.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		o.SetUsername(u.User.Username())
		o.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "mqtts" || u.Scheme == "wss" {
		o.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if opts.WillTopic != "" {
		o.SetBinaryWill(opts.WillTopic, opts.WillPayload, 1, true)
	}

	cli := mqtt.NewClient(o)
	t := cli.Connect()
	if !t.WaitTimeout(10 * time.Second) {
		slog.Warn("mqtt connect still pending, retrying in background", "broker", u.Redacted())
	} else if err := t.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) PublishWith(topic string, payload []byte, retain bool) error {
	t := c.cli.Publish(topic, 1, retain, payload)
	if !t.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return t.Error()
}

func (c *Client) Close() {
	c.cli.Disconnect(250)
}
