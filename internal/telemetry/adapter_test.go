package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/airchase-telemetry/internal/fusion"
	"github.com/signalsfoundry/airchase-telemetry/model"
)

type sentMessage struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

type captureSink struct {
	mu   sync.Mutex
	msgs []sentMessage
	err  error
}

func (c *captureSink) Publish(_ context.Context, topic string, payload []byte, qos byte, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, sentMessage{topic: topic, payload: append([]byte(nil), payload...), qos: qos, retain: retain})
	return nil
}

type countingRecorder struct {
	mu        sync.Mutex
	published map[string]int
	errors    map[string]int
	inbound   map[string]int
	dropped   map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		published: map[string]int{},
		errors:    map[string]int{},
		inbound:   map[string]int{},
		dropped:   map[string]int{},
	}
}

func (r *countingRecorder) IncPublished(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[kind]++
}

func (r *countingRecorder) IncPublishError(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[kind]++
}

func (r *countingRecorder) IncInbound(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound[key]++
}

func (r *countingRecorder) IncInboundDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[reason]++
}

func testTopics() Topics { return NewTopics("airchase/", "pace_vehicle", "AC2") }

func TestTopics_NamingAndRouting(t *testing.T) {
	tp := testTopics()

	assert.Equal(t, "airchase/pace_vehicle/telemetry/pos", tp.VehiclePosition())
	assert.Equal(t, "airchase/pace_vehicle/telemetry/weather", tp.VehicleWeather())
	assert.Equal(t, "airchase/ac2/telemetry/pos", tp.CompanionPosition())
	assert.Equal(t, "airchase/fused/pace_vehicle", tp.Fused())
	assert.Equal(t, "airchase/pace_vehicle/telemetry/status", tp.SimulatorStatus())
	assert.Equal(t, "airchase/fused/pace_vehicle/status", tp.FuserStatus())

	for i, topic := range tp.Subscriptions() {
		key, err := tp.Route(topic)
		require.NoError(t, err)
		assert.Equal(t, model.FusionKeys()[i], key)
	}

	_, err := tp.Route("airchase/other/telemetry/pos")
	assert.ErrorIs(t, err, ErrUnknownTopic)
	_, err = tp.Route(tp.Fused())
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestPublisher_RoutesByKind(t *testing.T) {
	sink := &captureSink{}
	rec := newCountingRecorder()
	pub := NewPublisher(sink, testTopics(), WithQoS(1), WithPublishRecorder(rec))
	ctx := context.Background()

	companion := vehiclePos()
	companion.Agent = model.AgentAircraft
	companion.Source = "AC2"

	require.NoError(t, pub.PublishPosition(ctx, vehiclePos()))
	require.NoError(t, pub.PublishPosition(ctx, companion))
	require.NoError(t, pub.PublishWeather(ctx, weatherSample()))
	require.NoError(t, pub.PublishFused(ctx, model.FusedSnapshot{Timestamp: ts0}))
	require.NoError(t, pub.PublishStatus(ctx, testTopics().SimulatorStatus(), model.StatusMessage{Timestamp: ts0, Status: model.StatusOnline}))

	require.Len(t, sink.msgs, 5)
	wantTopics := []string{
		"airchase/pace_vehicle/telemetry/pos",
		"airchase/ac2/telemetry/pos",
		"airchase/pace_vehicle/telemetry/weather",
		"airchase/fused/pace_vehicle",
		"airchase/pace_vehicle/telemetry/status",
	}
	for i, m := range sink.msgs {
		assert.Equal(t, wantTopics[i], m.topic)
		assert.Equal(t, byte(1), m.qos)
		assert.Equal(t, i == 4, m.retain, "only status is retained")
	}
	assert.Equal(t, 2, rec.published[KindPosition])
	assert.Equal(t, 1, rec.published[KindStatus])
}

func TestPublisher_SinkErrorIsCountedAndReturned(t *testing.T) {
	boom := errors.New("broker gone")
	rec := newCountingRecorder()
	pub := NewPublisher(&captureSink{err: boom}, testTopics(), WithPublishRecorder(rec))

	err := pub.PublishWeather(context.Background(), weatherSample())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, rec.errors[KindWeather])
	assert.Zero(t, rec.published[KindWeather])
}

func TestInbound_AppliesValidPayloads(t *testing.T) {
	store := fusion.NewStore()
	rec := newCountingRecorder()
	in := NewInbound(testTopics(), store, WithInboundRecorder(rec))
	tp := testTopics()

	pos, err := EncodePosition(vehiclePos())
	require.NoError(t, err)
	wx, err := EncodeWeather(weatherSample())
	require.NoError(t, err)

	in.Handle(tp.VehiclePosition(), pos)
	in.Handle(tp.VehicleWeather(), wx)

	snap := store.Snapshot()
	require.NotNil(t, snap.VehiclePosition)
	require.NotNil(t, snap.VehicleWeather)
	assert.Nil(t, snap.CompanionPosition)
	assert.Equal(t, 13.46, snap.VehiclePosition.SpeedMps)
	assert.Equal(t, 1, rec.inbound[model.VehiclePosition.String()])
}

func TestInbound_MalformedPayloadIsIsolated(t *testing.T) {
	store := fusion.NewStore()
	rec := newCountingRecorder()
	in := NewInbound(testTopics(), store, WithInboundRecorder(rec))
	tp := testTopics()

	good, err := EncodePosition(vehiclePos())
	require.NoError(t, err)
	in.Handle(tp.VehiclePosition(), good)
	before := store.Snapshot()

	assert.NotPanics(t, func() {
		in.Handle(tp.VehiclePosition(), []byte("{not json"))
		in.Handle(tp.VehiclePosition(), nil)
		in.Handle(tp.VehicleWeather(), []byte(`{"ts":"2025-05-17T10:00:00+00:00"}`))
	})
	after := store.Snapshot()
	assert.Equal(t, *before.VehiclePosition, *after.VehiclePosition)
	assert.Nil(t, after.VehicleWeather)
	assert.Equal(t, 3, rec.dropped[DropMalformed])

	// A later valid update still lands.
	next := vehiclePos()
	next.Timestamp = ts0.Add(1e9)
	next.SpeedMps = 20
	payload, err := EncodePosition(next)
	require.NoError(t, err)
	in.Handle(tp.VehiclePosition(), payload)

	got := store.Snapshot()
	assert.Equal(t, 20.0, got.VehiclePosition.SpeedMps)
}

func TestInbound_UnknownTopicNeverUpdates(t *testing.T) {
	store := fusion.NewStore()
	rec := newCountingRecorder()
	in := NewInbound(testTopics(), store, WithInboundRecorder(rec))

	payload, err := EncodePosition(vehiclePos())
	require.NoError(t, err)
	in.Handle("airchase/someone_else/telemetry/pos", payload)

	snap := store.Snapshot()
	assert.Nil(t, snap.VehiclePosition)
	assert.Nil(t, snap.CompanionPosition)
	assert.Equal(t, 1, rec.dropped[DropUnknownTopic])

	err = in.Apply(context.Background(), "airchase/someone_else/telemetry/pos", payload)
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

type panickyApplier struct{}

func (panickyApplier) Update(model.FusionKey, model.Sample) error { panic("store exploded") }

func TestInbound_RecoversFromApplierPanic(t *testing.T) {
	rec := newCountingRecorder()
	in := NewInbound(testTopics(), panickyApplier{}, WithInboundRecorder(rec))

	payload, err := EncodePosition(vehiclePos())
	require.NoError(t, err)
	assert.NotPanics(t, func() { in.Handle(testTopics().VehiclePosition(), payload) })
	assert.Equal(t, 1, rec.dropped[DropPanic])
}
