// Package runtime wires the signal model, scheduler, fusion store and
// transport into the two process modes: the simulator, which publishes
// synthetic telemetry, and the fuser, which merges inbound telemetry into
// fused snapshots.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/airchase-telemetry/core"
	"github.com/signalsfoundry/airchase-telemetry/internal/config"
	"github.com/signalsfoundry/airchase-telemetry/internal/fusion"
	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
	"github.com/signalsfoundry/airchase-telemetry/internal/observability"
	"github.com/signalsfoundry/airchase-telemetry/internal/telemetry"
	"github.com/signalsfoundry/airchase-telemetry/internal/transport"
	"github.com/signalsfoundry/airchase-telemetry/model"
	"github.com/signalsfoundry/airchase-telemetry/timectrl"
)

// Timeline names used by the scheduler and in metrics.
const (
	TimelinePosition = "position"
	TimelineWeather  = "weather"
	TimelineFused    = "fused"
)

// teardownTimeout bounds the offline publish and disconnect at shutdown.
const teardownTimeout = 2 * time.Second

// Mode selects what a Runtime does.
type Mode int

const (
	// Simulator publishes synthetic vehicle, companion and weather samples.
	Simulator Mode = iota
	// Fuser subscribes to telemetry and publishes fused snapshots.
	Fuser
)

func (m Mode) String() string {
	switch m {
	case Simulator:
		return "simulator"
	case Fuser:
		return "fuser"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Runtime owns one process run: its transport session, scheduler and, when
// fusing, the fusion store.
type Runtime struct {
	mode    Mode
	cfg     *config.Config
	clock   timectrl.Clock
	log     logging.Logger
	metrics *observability.TelemetryCollector
	signals *core.SignalModel
	tr      transport.Transport
	topics  telemetry.Topics
	runID   string

	sched *timectrl.Scheduler
	store *fusion.Store
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithClock sets the time source shared by the scheduler and fusion store.
func WithClock(c timectrl.Clock) Option {
	return func(r *Runtime) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(c *observability.TelemetryCollector) Option {
	return func(r *Runtime) { r.metrics = c }
}

// WithSignalModel replaces the signal model built from the configuration.
func WithSignalModel(m *core.SignalModel) Option {
	return func(r *Runtime) {
		if m != nil {
			r.signals = m
		}
	}
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(r *Runtime) {
		if id != "" {
			r.runID = id
		}
	}
}

// WithTransport replaces the transport built from the configuration.
func WithTransport(t transport.Transport) Option {
	return func(r *Runtime) {
		if t != nil {
			r.tr = t
		}
	}
}

// New validates cfg and assembles a runtime for mode.
func New(mode Mode, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("runtime: config is nil")
	}
	if mode != Simulator && mode != Fuser {
		return nil, fmt.Errorf("runtime: unknown mode %v", mode)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		mode:   mode,
		cfg:    cfg,
		clock:  timectrl.RealClock{},
		log:    logging.Noop(),
		topics: telemetry.NewTopics(cfg.TopicBase, cfg.VehicleID, cfg.CompanionCallsign),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.runID == "" {
		r.runID = logging.NewRunID()
	}
	if r.signals == nil && mode == Simulator {
		r.signals = newSignalModel(cfg)
	}
	if r.tr == nil {
		tr, err := transport.New(cfg.Broker.Kind, transport.Options{
			Host:           cfg.Broker.Host,
			Port:           cfg.Broker.Port,
			Username:       cfg.Broker.Username,
			Password:       cfg.Broker.Password,
			ClientID:       r.ClientID(),
			KeepAlive:      cfg.Broker.KeepAlive,
			ConnectTimeout: cfg.Broker.ConnectTimeout,
			Logger:         r.log,
		})
		if err != nil {
			return nil, err
		}
		r.tr = tr
	}
	return r, nil
}

func newSignalModel(cfg *config.Config) *core.SignalModel {
	opts := []core.SignalOption{
		core.WithSeed(cfg.Seed),
		core.WithStart(cfg.StartLat, cfg.StartLon),
	}
	if cfg.NoNoise {
		opts = append(opts, core.WithoutNoise())
	}
	return core.NewSignalModel(cfg.VehicleID, cfg.CompanionCallsign, opts...)
}

// RunID returns the identifier attached to logs, traces and fused output.
func (r *Runtime) RunID() string { return r.runID }

// ClientID is the transport client identifier: the mode, the vehicle and a
// run id prefix so concurrent runs do not evict each other.
func (r *Runtime) ClientID() string {
	prefix := "sim"
	if r.mode == Fuser {
		prefix = "fuser"
	}
	id := r.runID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s-%s", prefix, r.cfg.VehicleID, id)
}

// Topics returns the topic set in use.
func (r *Runtime) Topics() telemetry.Topics { return r.topics }

// StatusTopic is where this runtime announces online and offline.
func (r *Runtime) StatusTopic() string {
	if r.mode == Fuser {
		return r.topics.FuserStatus()
	}
	return r.topics.SimulatorStatus()
}

// Stats returns the scheduler counters of the last run.
func (r *Runtime) Stats() []timectrl.TimelineStats {
	if r.sched == nil {
		return nil
	}
	return r.sched.Stats()
}

// Run connects, schedules the mode's timelines and blocks until ctx is done
// or the configured duration elapses. A connect failure is returned before
// anything is published. On return the offline status has been published
// and the transport closed.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, log := logging.WithRunLogger(ctx, r.log, r.runID)
	log = log.With(logging.String("mode", r.mode.String()))

	offline, err := r.status(model.StatusOffline)
	if err != nil {
		return err
	}
	qos := byte(r.cfg.QoS)
	if err := r.tr.SetWill(transport.Will{Topic: r.StatusTopic(), Payload: offline, QoS: qos, Retain: true}); err != nil {
		return fmt.Errorf("runtime: register last will: %w", err)
	}
	if err := r.tr.Connect(ctx); err != nil {
		log.Error(ctx, "broker connection failed", logging.Err(err))
		return err
	}

	pub := telemetry.NewPublisher(r.tr, r.topics,
		telemetry.WithQoS(qos),
		telemetry.WithPublishRecorder(r.metrics),
		telemetry.WithPublisherLogger(log),
	)
	defer r.teardown(ctx, pub, log)

	if err := pub.PublishStatus(ctx, r.StatusTopic(), r.statusMessage(model.StatusOnline)); err != nil {
		log.Warn(ctx, "online status not published", logging.Err(err))
	}

	r.sched = timectrl.NewScheduler(
		timectrl.WithClock(r.clock),
		timectrl.WithGranularity(r.cfg.Granularity),
		timectrl.WithTickRecorder(r.metrics),
		timectrl.WithLogger(log),
	)

	switch r.mode {
	case Simulator:
		err = r.scheduleSimulator(pub)
	case Fuser:
		err = r.scheduleFuser(ctx, pub, log)
	}
	if err != nil {
		return err
	}

	log.Info(ctx, "runtime started",
		logging.String("client_id", r.ClientID()),
		logging.Duration("duration", r.cfg.Duration),
	)
	if err := r.sched.Run(ctx, r.cfg.Duration); err != nil {
		return fmt.Errorf("runtime: scheduler: %w", err)
	}
	for _, st := range r.sched.Stats() {
		log.Info(ctx, "timeline finished",
			logging.String("timeline", st.Name),
			logging.Any("ticks", st.Ticks),
			logging.Any("snaps", st.Snaps),
		)
	}
	return nil
}

// teardown publishes offline and closes the transport on a context that
// outlives the cancelled run context.
func (r *Runtime) teardown(ctx context.Context, pub *telemetry.Publisher, log logging.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if err := pub.PublishStatus(ctx, r.StatusTopic(), r.statusMessage(model.StatusOffline)); err != nil {
		log.Warn(ctx, "offline status not published", logging.Err(err))
	}
	if err := r.tr.Close(ctx); err != nil {
		log.Warn(ctx, "transport close failed", logging.Err(err))
	}
	log.Info(ctx, "runtime stopped")
}

func (r *Runtime) statusMessage(status model.Status) model.StatusMessage {
	return model.StatusMessage{
		Timestamp: r.clock.Now().UTC(),
		Status:    status,
		ClientID:  r.ClientID(),
	}
}

func (r *Runtime) status(status model.Status) ([]byte, error) {
	payload, err := telemetry.EncodeStatus(r.statusMessage(status))
	if err != nil {
		return nil, fmt.Errorf("runtime: encode %s status: %w", status, err)
	}
	return payload, nil
}

func (r *Runtime) newStore() *fusion.Store {
	r.store = fusion.NewStore(
		fusion.WithClock(r.clock),
		fusion.WithRateHz(r.cfg.Rates.FusedHz),
		fusion.WithRunID(r.runID),
	)
	return r.store
}

func (r *Runtime) scheduleSimulator(pub *telemetry.Publisher) error {
	var store *fusion.Store
	if r.cfg.EmitFused {
		store = r.newStore()
	}
	dt := 1 / r.cfg.Rates.PositionHz

	err := r.sched.EveryHz(TimelinePosition, r.cfg.Rates.PositionHz, func(ctx context.Context, tick timectrl.Tick) {
		vehicle, companion := r.signals.StepPositions(tick.Elapsed.Seconds(), dt, tick.Now.UTC())
		_ = pub.PublishPosition(ctx, vehicle)
		_ = pub.PublishPosition(ctx, companion)
		if store != nil {
			_ = store.Update(model.VehiclePosition, vehicle)
			_ = store.Update(model.CompanionPosition, companion)
		}
	})
	if err != nil {
		return err
	}

	err = r.sched.EveryHz(TimelineWeather, r.cfg.Rates.WeatherHz, func(ctx context.Context, tick timectrl.Tick) {
		wx := r.signals.Weather(tick.Elapsed.Seconds(), tick.Now.UTC())
		_ = pub.PublishWeather(ctx, wx)
		if store != nil {
			_ = store.Update(model.VehicleWeather, wx)
		}
	})
	if err != nil {
		return err
	}

	if store != nil {
		return r.scheduleFused(store, pub)
	}
	return nil
}

func (r *Runtime) scheduleFuser(ctx context.Context, pub *telemetry.Publisher, log logging.Logger) error {
	store := r.newStore()
	in := telemetry.NewInbound(r.topics, store,
		telemetry.WithInboundRecorder(r.metrics),
		telemetry.WithInboundLogger(log),
		telemetry.WithBaseContext(ctx),
	)
	for _, topic := range r.topics.Subscriptions() {
		if err := r.tr.Subscribe(topic, byte(r.cfg.QoS), in.Handle); err != nil {
			return fmt.Errorf("runtime: subscribe %s: %w", topic, err)
		}
		log.Info(ctx, "subscribed", logging.String("topic", topic))
	}
	return r.scheduleFused(store, pub)
}

func (r *Runtime) scheduleFused(store *fusion.Store, pub *telemetry.Publisher) error {
	deriver := fusion.NewDeriver(fusion.DefaultWindow, fusion.DefaultAlpha)
	return r.sched.EveryHz(TimelineFused, r.cfg.Rates.FusedHz, func(ctx context.Context, tick timectrl.Tick) {
		snap := store.Snapshot()
		snap.Derived = deriver.Observe(snap)
		_ = pub.PublishFused(ctx, snap)

		if r.metrics != nil {
			for _, key := range model.FusionKeys() {
				if age, ok := store.Age(key, tick.Now); ok {
					r.metrics.SetEntryAge(key.String(), age)
				}
			}
		}
	})
}
