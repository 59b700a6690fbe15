package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
)

// quiesceMillis bounds how long Close waits for in-flight work.
const quiesceMillis = 250

type subscription struct {
	filter  string
	qos     byte
	handler Handler
}

// MQTT is a Transport backed by the Eclipse Paho client. Subscriptions are
// re-established whenever the client reconnects.
type MQTT struct {
	opts Options
	log  logging.Logger

	mu     sync.Mutex
	will   *Will
	subs   []subscription
	client mqtt.Client
}

// NewMQTT returns an unconnected MQTT transport.
func NewMQTT(opts Options) *MQTT {
	opts = opts.withDefaults()
	return &MQTT{opts: opts, log: opts.Logger}
}

func (m *MQTT) broker() string {
	return "tcp://" + net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
}

// SetWill implements Transport.
func (m *MQTT) SetWill(w Will) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return ErrWillAfterConnect
	}
	m.will = &w
	return nil
}

// Connect implements Transport.
func (m *MQTT) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.client != nil {
		m.mu.Unlock()
		return nil
	}

	co := mqtt.NewClientOptions().
		AddBroker(m.broker()).
		SetClientID(m.opts.ClientID).
		SetKeepAlive(m.opts.KeepAlive).
		SetConnectTimeout(m.opts.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.Warn(context.Background(), "mqtt connection lost", logging.Err(err))
		})
	if m.opts.Username != "" {
		co.SetUsername(m.opts.Username)
		co.SetPassword(m.opts.Password)
	}
	if w := m.will; w != nil {
		co.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retain)
	}
	client := mqtt.NewClient(co)
	m.mu.Unlock()

	tok := client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return fmt.Errorf("%w: %s: %v", ErrConnect, m.broker(), ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnect, m.broker(), err)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	m.log.Info(ctx, "mqtt connected",
		logging.String("broker", m.broker()),
		logging.String("client_id", m.opts.ClientID),
	)
	return nil
}

// onConnect runs on the first connect and on every automatic reconnect.
func (m *MQTT) onConnect(c mqtt.Client) {
	m.mu.Lock()
	subs := append([]subscription(nil), m.subs...)
	m.mu.Unlock()

	for _, s := range subs {
		m.subscribe(c, s)
	}
}

func (m *MQTT) subscribe(c mqtt.Client, s subscription) {
	h := s.handler
	tok := c.Subscribe(s.filter, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	go func() {
		if tok.WaitTimeout(m.opts.ConnectTimeout) && tok.Error() != nil {
			m.log.Warn(context.Background(), "mqtt subscribe failed",
				logging.String("filter", s.filter),
				logging.Err(tok.Error()),
			)
		}
	}()
}

// Subscribe implements Transport. Filters registered before Connect are
// subscribed by the connect handler.
func (m *MQTT) Subscribe(filter string, qos byte, h Handler) error {
	if h == nil {
		return fmt.Errorf("transport: nil handler for %q", filter)
	}
	s := subscription{filter: filter, qos: qos, handler: h}

	m.mu.Lock()
	m.subs = append(m.subs, s)
	client := m.client
	m.mu.Unlock()

	if client != nil && client.IsConnectionOpen() {
		m.subscribe(client, s)
	}
	return nil
}

// Publish implements Transport.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	tok := client.Publish(topic, qos, retain, payload)
	if retain {
		if !tok.WaitTimeout(m.opts.ConnectTimeout) {
			return fmt.Errorf("transport: retained publish to %q timed out", topic)
		}
		return tok.Error()
	}
	select {
	case <-tok.Done():
		return tok.Error()
	default:
		return nil
	}
}

// Close implements Transport.
func (m *MQTT) Close(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	client.Disconnect(quiesceMillis)
	m.log.Info(ctx, "mqtt disconnected", logging.String("broker", m.broker()))
	return nil
}
