package transport

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func newInbox() *inbox { return &inbox{msgs: map[string][]string{}} }

func (i *inbox) handle(topic string, payload []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs[topic] = append(i.msgs[topic], string(payload))
}

func (i *inbox) get(topic string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.msgs[topic]...)
}

func TestMatch(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"#", "a/b", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"a/#/c", "a/b/c", false},
		{"+/+", "a/b", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.filter, tc.topic), "%s vs %s", tc.filter, tc.topic)
	}
}

func TestSubjectMapping(t *testing.T) {
	assert.Equal(t, "airchase.pace_vehicle.telemetry.pos", Subject("airchase/pace_vehicle/telemetry/pos"))
	assert.Equal(t, "airchase.*.telemetry.>", Subject("airchase/+/telemetry/#"))
	assert.Equal(t, "airchase/ac2/telemetry/pos", TopicFromSubject("airchase.ac2.telemetry.pos"))
}

func TestNew_Kinds(t *testing.T) {
	tr, err := New(KindMQTT, Options{})
	require.NoError(t, err)
	assert.IsType(t, &MQTT{}, tr)
	assert.Equal(t, 1883, tr.(*MQTT).opts.Port)

	tr, err = New("NATS", Options{})
	require.NoError(t, err)
	assert.IsType(t, &NATS{}, tr)
	assert.Equal(t, 4222, tr.(*NATS).opts.Port)

	tr, err = New(KindLoopback, Options{})
	require.NoError(t, err)
	assert.IsType(t, &Loopback{}, tr)

	_, err = New("carrier-pigeon", Options{})
	assert.Error(t, err)
}

func TestLoopback_DeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	pub := NewLoopback(bus, Options{ClientID: "pub"})
	sub := NewLoopback(bus, Options{ClientID: "sub"})
	require.NoError(t, pub.Connect(ctx))
	require.NoError(t, sub.Connect(ctx))

	in := newInbox()
	require.NoError(t, sub.Subscribe("airchase/+/telemetry/pos", 0, in.handle))

	require.NoError(t, pub.Publish(ctx, "airchase/pace_vehicle/telemetry/pos", []byte("p1"), 0, false))
	require.NoError(t, pub.Publish(ctx, "airchase/pace_vehicle/telemetry/weather", []byte("w1"), 0, false))
	require.NoError(t, pub.Publish(ctx, "airchase/ac2/telemetry/pos", []byte("c1"), 0, false))

	assert.Equal(t, []string{"p1"}, in.get("airchase/pace_vehicle/telemetry/pos"))
	assert.Equal(t, []string{"c1"}, in.get("airchase/ac2/telemetry/pos"))
	assert.Empty(t, in.get("airchase/pace_vehicle/telemetry/weather"))
}

func TestLoopback_RetainedAndWill(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	const status = "airchase/pace_vehicle/telemetry/status"

	sim := NewLoopback(bus, Options{ClientID: "sim"})
	require.NoError(t, sim.SetWill(Will{Topic: status, Payload: []byte("offline"), Retain: true}))
	require.NoError(t, sim.Connect(ctx))
	assert.ErrorIs(t, sim.SetWill(Will{Topic: status}), ErrWillAfterConnect)
	require.NoError(t, sim.Publish(ctx, status, []byte("online"), 1, true))

	// A late subscriber receives the retained status.
	late := NewLoopback(bus, Options{ClientID: "late"})
	require.NoError(t, late.Connect(ctx))
	in := newInbox()
	require.NoError(t, late.Subscribe(status, 1, in.handle))
	assert.Equal(t, []string{"online"}, in.get(status))

	sim.Kill()
	assert.Equal(t, []string{"online", "offline"}, in.get(status))
	p, ok := bus.Retained(status)
	require.True(t, ok)
	assert.Equal(t, "offline", string(p))

	assert.ErrorIs(t, sim.Publish(ctx, status, []byte("x"), 0, false), ErrNotConnected)
}

func TestLoopback_CleanCloseSkipsWill(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	const status = "s"

	c := NewLoopback(bus, Options{})
	require.NoError(t, c.SetWill(Will{Topic: status, Payload: []byte("offline"), Retain: true}))
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Close(ctx))
	c.Kill()

	_, ok := bus.Retained(status)
	assert.False(t, ok)
	assert.Zero(t, bus.Connected())
}

func TestLoopback_RefusedConnect(t *testing.T) {
	bus := NewBus()
	bus.Refuse(true)
	err := NewLoopback(bus, Options{}).Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnect)
}

func TestLoopback_HandlerMayPublish(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	c := NewLoopback(bus, Options{})
	require.NoError(t, c.Connect(ctx))

	in := newInbox()
	require.NoError(t, c.Subscribe("echo/out", 0, in.handle))
	require.NoError(t, c.Subscribe("echo/in", 0, func(_ string, p []byte) {
		_ = c.Publish(ctx, "echo/out", p, 0, false)
	}))
	require.NoError(t, c.Publish(ctx, "echo/in", []byte("ping"), 0, false))
	assert.Equal(t, []string{"ping"}, in.get("echo/out"))
}

// closedPort returns a local TCP port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestMQTT_ConnectFailureIsReported(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := NewMQTT(Options{Host: "127.0.0.1", Port: closedPort(t), ClientID: "t", ConnectTimeout: time.Second})
	err := tr.Connect(ctx)
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, tr.Publish(ctx, "x", nil, 0, false), ErrNotConnected)
	assert.NoError(t, tr.Close(ctx))
}

func TestNATS_ConnectFailureIsReported(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := NewNATS(Options{Host: "127.0.0.1", Port: closedPort(t), ClientID: "t", ConnectTimeout: time.Second})
	err := tr.Connect(ctx)
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, tr.Publish(ctx, "x", nil, 0, false), ErrNotConnected)
}

// fakeNATSServer speaks just enough of the NATS client protocol to complete a
// handshake. The returned channel closes when the client hangs up.
func fakeNATSServer(t *testing.T) (int, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	hungUp := make(chan struct{})
	go func() {
		defer close(hungUp)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte(`INFO {"server_id":"fake","version":"2.10.0","proto":1,"max_payload":1048576}` + "\r\n"))
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "PING") {
				_, _ = conn.Write([]byte("PONG\r\n"))
			}
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, hungUp
}

func TestNATS_FailedPendingSubscribeClosesConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	port, hungUp := fakeNATSServer(t)
	tr := NewNATS(Options{Host: "127.0.0.1", Port: port, ClientID: "t", ConnectTimeout: time.Second})
	// Whitespace is never a valid subject, so the deferred subscribe fails.
	require.NoError(t, tr.Subscribe("bad topic", 0, func(string, []byte) {}))

	err := tr.Connect(ctx)
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, tr.Publish(ctx, "x", nil, 0, false), ErrNotConnected)

	select {
	case <-hungUp:
	case <-time.After(3 * time.Second):
		t.Fatal("connection left open after failed subscribe")
	}
}
