package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
)

// NATS is a Transport over core NATS. Topics are mapped to subjects by
// Subject. Core NATS has neither retained messages nor server-side wills:
// the retain flag is ignored and a registered will is only logged.
type NATS struct {
	opts Options
	log  logging.Logger

	mu      sync.Mutex
	will    *Will
	pending []subscription
	subs    []*nats.Subscription
	conn    *nats.Conn
}

// NewNATS returns an unconnected NATS transport.
func NewNATS(opts Options) *NATS {
	opts = opts.withDefaults()
	return &NATS{opts: opts, log: opts.Logger}
}

func (n *NATS) url() string {
	return "nats://" + net.JoinHostPort(n.opts.Host, strconv.Itoa(n.opts.Port))
}

// Subject converts an MQTT-style topic or filter to a NATS subject.
func Subject(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			parts[i] = ">"
		}
	}
	return strings.Join(parts, ".")
}

// TopicFromSubject is the inverse of Subject for concrete subjects.
func TopicFromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// SetWill implements Transport.
func (n *NATS) SetWill(w Will) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		return ErrWillAfterConnect
	}
	n.will = &w
	return nil
}

// Connect implements Transport.
func (n *NATS) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.conn != nil {
		n.mu.Unlock()
		return nil
	}
	will := n.will
	n.mu.Unlock()

	opts := []nats.Option{
		nats.Name(n.opts.ClientID),
		nats.Timeout(n.opts.ConnectTimeout),
		nats.PingInterval(n.opts.KeepAlive),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.log.Warn(context.Background(), "nats disconnected", logging.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.log.Info(context.Background(), "nats reconnected", logging.String("url", c.ConnectedUrl()))
		}),
	}
	if n.opts.Username != "" {
		opts = append(opts, nats.UserInfo(n.opts.Username, n.opts.Password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := nats.Connect(n.url(), opts...)
		done <- result{c, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return fmt.Errorf("%w: %s: %v", ErrConnect, n.url(), ctx.Err())
	}
	if res.err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnect, n.url(), res.err)
	}

	n.mu.Lock()
	n.conn = res.conn
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, s := range pending {
		if err := n.subscribe(s); err != nil {
			n.mu.Lock()
			n.conn = nil
			n.subs = nil
			n.pending = pending
			n.mu.Unlock()
			res.conn.Close()
			return fmt.Errorf("%w: %s: %v", ErrConnect, n.url(), err)
		}
	}
	if will != nil {
		n.log.Debug(ctx, "nats has no last will; offline status relies on clean teardown",
			logging.String("topic", will.Topic))
	}
	n.log.Info(ctx, "nats connected",
		logging.String("url", n.url()),
		logging.String("client_id", n.opts.ClientID),
	)
	return nil
}

func (n *NATS) subscribe(s subscription) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()

	h := s.handler
	sub, err := conn.Subscribe(Subject(s.filter), func(msg *nats.Msg) {
		h(TopicFromSubject(msg.Subject), msg.Data)
	})
	if err != nil {
		return fmt.Errorf("transport: subscribe %q: %w", s.filter, err)
	}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return nil
}

// Subscribe implements Transport.
func (n *NATS) Subscribe(filter string, qos byte, h Handler) error {
	if h == nil {
		return fmt.Errorf("transport: nil handler for %q", filter)
	}
	s := subscription{filter: filter, qos: qos, handler: h}

	n.mu.Lock()
	if n.conn == nil {
		n.pending = append(n.pending, s)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.subscribe(s)
}

// Publish implements Transport.
func (n *NATS) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Publish(Subject(topic), payload); err != nil {
		return fmt.Errorf("transport: publish %q: %w", topic, err)
	}
	if retain {
		return conn.FlushTimeout(n.opts.ConnectTimeout)
	}
	return nil
}

// Close implements Transport.
func (n *NATS) Close(ctx context.Context) error {
	n.mu.Lock()
	conn := n.conn
	n.conn = nil
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()
	if conn == nil {
		return nil
	}

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	err := conn.FlushTimeout(n.opts.ConnectTimeout)
	conn.Close()
	n.log.Info(ctx, "nats disconnected", logging.String("url", n.url()))
	if err != nil {
		return fmt.Errorf("transport: flush on close: %w", err)
	}
	return nil
}
