package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
	"github.com/signalsfoundry/airchase-telemetry/model"
)

// Message kinds used as metric labels.
const (
	KindPosition = "position"
	KindWeather  = "weather"
	KindFused    = "fused"
	KindStatus   = "status"
)

// Sink accepts encoded payloads. Publishing is fire-and-forget: a nil
// error means the payload was handed off, not that it was delivered.
type Sink interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// PublishRecorder counts outbound messages by kind.
type PublishRecorder interface {
	IncPublished(kind string)
	IncPublishError(kind string)
}

// Publisher encodes samples and snapshots and hands them to a Sink.
type Publisher struct {
	sink   Sink
	topics Topics
	qos    byte
	rec    PublishRecorder
	log    logging.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithQoS sets the delivery level passed to the sink.
func WithQoS(qos byte) PublisherOption {
	return func(p *Publisher) { p.qos = qos }
}

// WithPublishRecorder attaches a metrics sink.
func WithPublishRecorder(r PublishRecorder) PublisherOption {
	return func(p *Publisher) { p.rec = r }
}

// WithPublisherLogger sets the logger for publish failures.
func WithPublisherLogger(l logging.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.log = l
		}
	}
}

// NewPublisher returns a Publisher writing to sink.
func NewPublisher(sink Sink, topics Topics, opts ...PublisherOption) *Publisher {
	p := &Publisher{sink: sink, topics: topics, log: logging.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Topics returns the topic set the publisher routes with.
func (p *Publisher) Topics() Topics { return p.topics }

// PublishPosition publishes a position on its agent's topic.
func (p *Publisher) PublishPosition(ctx context.Context, s model.PositionSample) error {
	payload, err := EncodePosition(s)
	if err != nil {
		return p.fail(ctx, KindPosition, "", fmt.Errorf("encode position: %w", err))
	}
	return p.send(ctx, KindPosition, p.topics.Position(s.Agent), payload, false)
}

// PublishWeather publishes a weather sample on the vehicle's weather topic.
func (p *Publisher) PublishWeather(ctx context.Context, s model.WeatherSample) error {
	payload, err := EncodeWeather(s)
	if err != nil {
		return p.fail(ctx, KindWeather, "", fmt.Errorf("encode weather: %w", err))
	}
	return p.send(ctx, KindWeather, p.topics.VehicleWeather(), payload, false)
}

// PublishFused publishes a fused snapshot on the vehicle's fused topic.
func (p *Publisher) PublishFused(ctx context.Context, s model.FusedSnapshot) error {
	payload, err := EncodeFused(s)
	if err != nil {
		return p.fail(ctx, KindFused, "", fmt.Errorf("encode fused: %w", err))
	}
	return p.send(ctx, KindFused, p.topics.Fused(), payload, false)
}

// PublishStatus publishes a retained presence message on topic.
func (p *Publisher) PublishStatus(ctx context.Context, topic string, m model.StatusMessage) error {
	payload, err := EncodeStatus(m)
	if err != nil {
		return p.fail(ctx, KindStatus, topic, fmt.Errorf("encode status: %w", err))
	}
	return p.send(ctx, KindStatus, topic, payload, true)
}

func (p *Publisher) send(ctx context.Context, kind, topic string, payload []byte, retain bool) error {
	ctx, span := startSpan(ctx, "telemetry.publish", topic, trace.SpanKindProducer,
		attribute.String("telemetry.kind", kind),
		attribute.Int("messaging.message.body.size", len(payload)),
		attribute.Bool("telemetry.retain", retain),
	)
	err := p.sink.Publish(ctx, topic, payload, p.qos, retain)
	endSpan(span, err)
	if err != nil {
		return p.fail(ctx, kind, topic, err)
	}
	if p.rec != nil {
		p.rec.IncPublished(kind)
	}
	return nil
}

func (p *Publisher) fail(ctx context.Context, kind, topic string, err error) error {
	if p.rec != nil {
		p.rec.IncPublishError(kind)
	}
	p.log.Warn(ctx, "publish failed",
		logging.String("kind", kind),
		logging.String("topic", topic),
		logging.Err(err),
	)
	return err
}
