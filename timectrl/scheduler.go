package timectrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
)

// DefaultGranularity is the pause between scheduler passes.
const DefaultGranularity = time.Millisecond

var (
	// ErrNoTimelines is returned by Run when nothing has been scheduled.
	ErrNoTimelines = errors.New("timectrl: no timelines scheduled")
	// ErrAlreadyRunning is returned when Run is called twice or Every is
	// called after Run has started.
	ErrAlreadyRunning = errors.New("timectrl: scheduler already running")
)

// Tick describes one execution of a scheduled action.
type Tick struct {
	Timeline string
	Now      time.Time     // time observed at the start of the pass
	Elapsed  time.Duration // Now minus the scheduler start
	Period   time.Duration
	Seq      uint64 // 1-based execution count for this timeline
}

// Action is a periodic unit of work. Actions share one loop and must not
// block; a slow action delays its siblings for that pass.
type Action func(ctx context.Context, tick Tick)

// TickRecorder receives per-tick measurements. Implementations must be
// cheap; they run inline on the scheduler loop.
type TickRecorder interface {
	ObserveTick(timeline string, took time.Duration)
	IncTickSnap(timeline string)
}

// TimelineStats is a point-in-time view of one timeline's counters.
type TimelineStats struct {
	Name   string
	Period time.Duration
	Ticks  uint64
	Snaps  uint64
	Panics uint64
}

// Scheduler drives N fixed-rate timelines from a single loop.
//
// Each timeline keeps the absolute time of its next due tick. On every pass
// the loop runs each due action once and advances that deadline by one
// period, so individual late ticks do not accumulate drift. When a timeline
// ends a pass more than a full period behind, its deadline snaps to the
// current time instead of replaying the backlog, bounding catch-up to one
// execution per timeline per pass.
//
// The loop busy-waits with a short sleep (DefaultGranularity) between
// passes. This trades CPU for simplicity and sub-period accuracy.
type Scheduler struct {
	clock       Clock
	granularity time.Duration
	recorder    TickRecorder
	log         logging.Logger

	mu        sync.Mutex
	timelines []*timeline
	running   atomic.Bool
}

type timeline struct {
	name   string
	period time.Duration
	action Action
	next   time.Time

	ticks  atomic.Uint64
	snaps  atomic.Uint64
	panics atomic.Uint64
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock sets the time source. Defaults to RealClock.
func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithGranularity sets the sleep between passes. Values outside
// (0, DefaultGranularity] are replaced by DefaultGranularity.
func WithGranularity(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 && d <= DefaultGranularity {
			s.granularity = d
		}
	}
}

// WithTickRecorder attaches a metrics sink.
func WithTickRecorder(r TickRecorder) SchedulerOption {
	return func(s *Scheduler) { s.recorder = r }
}

// WithLogger sets the logger used to report recovered action panics.
func WithLogger(l logging.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// NewScheduler constructs an idle scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		clock:       RealClock{},
		granularity: DefaultGranularity,
		log:         logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Every registers action to run once per period under the given name.
func (s *Scheduler) Every(name string, period time.Duration, action Action) error {
	if name == "" {
		return errors.New("timectrl: timeline name is required")
	}
	if period <= 0 {
		return fmt.Errorf("timectrl: timeline %q: period must be positive, got %s", name, period)
	}
	if action == nil {
		return fmt.Errorf("timectrl: timeline %q: action is nil", name)
	}
	if s.running.Load() {
		return ErrAlreadyRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tl := range s.timelines {
		if tl.name == name {
			return fmt.Errorf("timectrl: timeline %q already registered", name)
		}
	}
	s.timelines = append(s.timelines, &timeline{name: name, period: period, action: action})
	return nil
}

// EveryHz is Every with the period expressed as a rate.
func (s *Scheduler) EveryHz(name string, hz float64, action Action) error {
	if hz <= 0 {
		return fmt.Errorf("timectrl: timeline %q: rate must be positive, got %v", name, hz)
	}
	return s.Every(name, time.Duration(float64(time.Second)/hz), action)
}

// Run drives the timelines until ctx is done or, when duration is
// positive, until that much clock time has elapsed. All timelines are due
// immediately. Cancellation is observed between passes and is not an
// error; in-flight actions are never interrupted.
func (s *Scheduler) Run(ctx context.Context, duration time.Duration) error {
	s.mu.Lock()
	timelines := append([]*timeline(nil), s.timelines...)
	s.mu.Unlock()

	if len(timelines) == 0 {
		return ErrNoTimelines
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	start := s.clock.Now()
	for _, tl := range timelines {
		tl.next = start
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		now := s.clock.Now()
		if duration > 0 && now.Sub(start) >= duration {
			return nil
		}

		for _, tl := range timelines {
			if now.Before(tl.next) {
				continue
			}
			s.fire(ctx, tl, now, start)
			tl.next = tl.next.Add(tl.period)
			if now.Sub(tl.next) > tl.period {
				tl.next = now
				tl.snaps.Add(1)
				if s.recorder != nil {
					s.recorder.IncTickSnap(tl.name)
				}
			}
		}

		s.clock.Sleep(s.granularity)
	}
}

func (s *Scheduler) fire(ctx context.Context, tl *timeline, now, start time.Time) {
	tick := Tick{
		Timeline: tl.name,
		Now:      now,
		Elapsed:  now.Sub(start),
		Period:   tl.period,
		Seq:      tl.ticks.Add(1),
	}

	began := time.Now()
	defer func() {
		if r := recover(); r != nil {
			tl.panics.Add(1)
			s.log.Error(ctx, "scheduled action panicked",
				logging.String("timeline", tl.name),
				logging.Any("panic", r),
			)
		}
		if s.recorder != nil {
			s.recorder.ObserveTick(tl.name, time.Since(began))
		}
	}()

	tl.action(ctx, tick)
}

// Stats returns the counters of every registered timeline in registration
// order.
func (s *Scheduler) Stats() []TimelineStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TimelineStats, 0, len(s.timelines))
	for _, tl := range s.timelines {
		out = append(out, TimelineStats{
			Name:   tl.name,
			Period: tl.period,
			Ticks:  tl.ticks.Load(),
			Snaps:  tl.snaps.Load(),
			Panics: tl.panics.Load(),
		})
	}
	return out
}
