package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
	"github.com/signalsfoundry/airchase-telemetry/model"
)

// Drop reasons reported to InboundRecorder.
const (
	DropUnknownTopic = "unknown_topic"
	DropMalformed    = "malformed"
	DropRejected     = "rejected"
	DropPanic        = "panic"
)

// Applier receives decoded samples. *fusion.Store satisfies it.
type Applier interface {
	Update(key model.FusionKey, sample model.Sample) error
}

// InboundRecorder counts inbound messages.
type InboundRecorder interface {
	IncInbound(key string)
	IncInboundDropped(reason string)
}

// Inbound decodes payloads delivered by the transport and applies them to
// the fusion store. It may be called concurrently with the tick loop and
// with itself.
type Inbound struct {
	topics  Topics
	applier Applier
	rec     InboundRecorder
	log     logging.Logger
	baseCtx context.Context
}

// InboundOption configures an Inbound.
type InboundOption func(*Inbound)

// WithInboundRecorder attaches a metrics sink.
func WithInboundRecorder(r InboundRecorder) InboundOption {
	return func(in *Inbound) { in.rec = r }
}

// WithInboundLogger sets the logger for dropped messages.
func WithInboundLogger(l logging.Logger) InboundOption {
	return func(in *Inbound) {
		if l != nil {
			in.log = l
		}
	}
}

// WithBaseContext sets the context handed to logging and tracing for
// deliveries, which arrive without one.
func WithBaseContext(ctx context.Context) InboundOption {
	return func(in *Inbound) {
		if ctx != nil {
			in.baseCtx = ctx
		}
	}
}

// NewInbound returns an inbound handler applying to a.
func NewInbound(topics Topics, a Applier, opts ...InboundOption) *Inbound {
	in := &Inbound{
		topics:  topics,
		applier: a,
		log:     logging.Noop(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(in)
		}
	}
	return in
}

// Handle is the transport callback. It never returns an error and never
// panics: every failure is logged, counted and skipped.
func (in *Inbound) Handle(topic string, payload []byte) {
	ctx := in.baseCtx
	defer func() {
		if r := recover(); r != nil {
			in.drop(DropPanic)
			in.log.Error(ctx, "inbound handler panicked",
				logging.String("topic", topic),
				logging.Any("panic", r),
			)
		}
	}()

	err := in.Apply(ctx, topic, payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownTopic):
		in.drop(DropUnknownTopic)
		in.log.Debug(ctx, "ignoring message on unknown topic", logging.String("topic", topic))
	case errors.Is(err, ErrMalformedPayload):
		in.drop(DropMalformed)
		in.log.Warn(ctx, "dropping malformed payload",
			logging.String("topic", topic),
			logging.Int("bytes", len(payload)),
			logging.Err(err),
		)
	default:
		in.drop(DropRejected)
		in.log.Warn(ctx, "fusion store rejected sample",
			logging.String("topic", topic),
			logging.Err(err),
		)
	}
}

// Apply routes, decodes and applies one message. The store is left
// untouched on any error.
func (in *Inbound) Apply(ctx context.Context, topic string, payload []byte) (err error) {
	key, err := in.topics.Route(topic)
	if err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "telemetry.apply", topic, trace.SpanKindConsumer,
		attribute.String("fusion.key", key.String()),
		attribute.Int("messaging.message.body.size", len(payload)),
	)
	defer func() { endSpan(span, err) }()

	var sample model.Sample
	switch key.Kind() {
	case model.KindPosition:
		sample, err = DecodePosition(payload)
	case model.KindWeather:
		sample, err = DecodeWeather(payload)
	default:
		err = fmt.Errorf("%w: no decoder for %s", ErrUnknownTopic, key)
	}
	if err != nil {
		return err
	}

	if err := in.applier.Update(key, sample); err != nil {
		return fmt.Errorf("apply %s: %w", key, err)
	}
	if in.rec != nil {
		in.rec.IncInbound(key.String())
	}
	return nil
}

func (in *Inbound) drop(reason string) {
	if in.rec != nil {
		in.rec.IncInboundDropped(reason)
	}
}
