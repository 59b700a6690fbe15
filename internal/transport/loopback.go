package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
)

// Bus is an in-process broker with MQTT topic semantics. It keeps retained
// messages, delivers wills when a client is killed and can be told to refuse
// connections. Delivery is synchronous on the publishing goroutine.
type Bus struct {
	mu       sync.RWMutex
	clients  map[*Loopback]struct{}
	retained map[string][]byte
	refuse   bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		clients:  make(map[*Loopback]struct{}),
		retained: make(map[string][]byte),
	}
}

// Refuse makes subsequent Connect calls fail, emulating an unreachable broker.
func (b *Bus) Refuse(refuse bool) {
	b.mu.Lock()
	b.refuse = refuse
	b.mu.Unlock()
}

// Retained returns the retained payload for topic.
func (b *Bus) Retained(topic string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.retained[topic]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), p...), true
}

// Connected reports how many clients are attached.
func (b *Bus) Connected() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Bus) attach(c *Loopback) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse {
		return fmt.Errorf("%w: loopback: connection refused", ErrConnect)
	}
	b.clients[c] = struct{}{}
	return nil
}

func (b *Bus) detach(c *Loopback) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; !ok {
		return false
	}
	delete(b.clients, c)
	return true
}

// publish stores retained payloads and fans out to matching subscribers.
// Handlers run after the lock is released so they may publish themselves.
func (b *Bus) publish(topic string, payload []byte, retain bool) {
	msg := append([]byte(nil), payload...)

	b.mu.Lock()
	if retain {
		if len(msg) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = msg
		}
	}
	var targets []Handler
	for c := range b.clients {
		targets = append(targets, c.matching(topic)...)
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(topic, msg)
	}
}

func (b *Bus) retainedMatching(filter string) map[string][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]byte)
	for topic, p := range b.retained {
		if Match(filter, topic) {
			out[topic] = p
		}
	}
	return out
}

// Loopback is a Transport attached to a Bus.
type Loopback struct {
	bus  *Bus
	opts Options
	log  logging.Logger

	mu        sync.Mutex
	will      *Will
	subs      []subscription
	connected bool
}

// NewLoopback returns an unconnected client of bus.
func NewLoopback(bus *Bus, opts Options) *Loopback {
	opts = opts.withDefaults()
	return &Loopback{bus: bus, opts: opts, log: opts.Logger}
}

func (l *Loopback) matching(topic string) []Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	var hs []Handler
	for _, s := range l.subs {
		if Match(s.filter, topic) {
			hs = append(hs, s.handler)
		}
	}
	return hs
}

// SetWill implements Transport.
func (l *Loopback) SetWill(w Will) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return ErrWillAfterConnect
	}
	l.will = &w
	return nil
}

// Connect implements Transport.
func (l *Loopback) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	l.mu.Lock()
	connected := l.connected
	l.mu.Unlock()
	if connected {
		return nil
	}
	// The bus lock is taken before the client lock on delivery, so attach
	// must not run under l.mu.
	if err := l.bus.attach(l); err != nil {
		return err
	}
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	l.log.Debug(ctx, "loopback connected", logging.String("client_id", l.opts.ClientID))
	return nil
}

// Subscribe implements Transport. Retained messages matching filter are
// delivered immediately when the client is connected.
func (l *Loopback) Subscribe(filter string, qos byte, h Handler) error {
	if h == nil {
		return fmt.Errorf("transport: nil handler for %q", filter)
	}
	l.mu.Lock()
	l.subs = append(l.subs, subscription{filter: filter, qos: qos, handler: h})
	connected := l.connected
	l.mu.Unlock()

	if connected {
		for topic, p := range l.bus.retainedMatching(filter) {
			h(topic, p)
		}
	}
	return nil
}

// Publish implements Transport.
func (l *Loopback) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	l.mu.Lock()
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	l.bus.publish(topic, payload, retain)
	return nil
}

// Close implements Transport.
func (l *Loopback) Close(ctx context.Context) error {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
	l.bus.detach(l)
	return nil
}

// Kill drops the session without a clean disconnect, so the bus publishes
// the registered will.
func (l *Loopback) Kill() {
	l.mu.Lock()
	l.connected = false
	will := l.will
	l.mu.Unlock()

	if l.bus.detach(l) && will != nil {
		l.bus.publish(will.Topic, will.Payload, will.Retain)
	}
}
