// Package transport provides the publish/subscribe connections the
// simulator and the fusion process talk through: an MQTT client, a NATS
// client and an in-process loopback bus.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
)

// Backend kinds accepted by New.
const (
	KindMQTT     = "mqtt"
	KindNATS     = "nats"
	KindLoopback = "loopback"
)

var (
	// ErrConnect wraps every failure to establish a connection. Callers
	// treat it as fatal at startup.
	ErrConnect = errors.New("transport: connect failed")
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrWillAfterConnect is returned when SetWill is called on a live
	// session.
	ErrWillAfterConnect = errors.New("transport: last will must be set before connect")
)

// Handler receives inbound messages. It may be invoked concurrently from
// transport goroutines and must not retain payload after returning.
type Handler func(topic string, payload []byte)

// Will is the message a broker publishes on the client's behalf when the
// session ends uncleanly.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Options configures a connection.
type Options struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// Bus is the shared in-process broker used by the loopback backend.
	Bus    *Bus
	Logger logging.Logger
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "localhost"
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Noop()
	}
	return o
}

// Transport is one client session.
type Transport interface {
	// SetWill registers the last will. It must be called before Connect.
	SetWill(w Will) error
	// Connect opens the session. Failures wrap ErrConnect and are not
	// retried.
	Connect(ctx context.Context) error
	// Subscribe registers h for topics matching filter. MQTT wildcards
	// (+ and #) are accepted by every backend.
	Subscribe(filter string, qos byte, h Handler) error
	// Publish hands payload off for delivery without waiting for an
	// acknowledgement, except for retained messages which are flushed.
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	// Close ends the session cleanly. The will is not published.
	Close(ctx context.Context) error
}

// New returns an unconnected transport of the given kind.
func New(kind string, opts Options) (Transport, error) {
	opts = opts.withDefaults()
	switch strings.ToLower(kind) {
	case KindMQTT, "":
		if opts.Port == 0 {
			opts.Port = 1883
		}
		return NewMQTT(opts), nil
	case KindNATS:
		if opts.Port == 0 {
			opts.Port = 4222
		}
		return NewNATS(opts), nil
	case KindLoopback:
		if opts.Bus == nil {
			opts.Bus = NewBus()
		}
		return NewLoopback(opts.Bus, opts), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}

// Match reports whether topic matches the MQTT topic filter, where + matches
// exactly one level and a trailing # matches any number of levels,
// including none.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
