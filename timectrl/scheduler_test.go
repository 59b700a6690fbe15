package timectrl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2025, time.May, 17, 10, 0, 0, 0, time.UTC)

type recordingRecorder struct {
	mu    sync.Mutex
	ticks map[string]int
	snaps map[string]int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{ticks: map[string]int{}, snaps: map[string]int{}}
}

func (r *recordingRecorder) ObserveTick(name string, _ time.Duration) {
	r.mu.Lock()
	r.ticks[name]++
	r.mu.Unlock()
}

func (r *recordingRecorder) IncTickSnap(name string) {
	r.mu.Lock()
	r.snaps[name]++
	r.mu.Unlock()
}

func statsFor(t *testing.T, s *Scheduler, name string) TimelineStats {
	t.Helper()
	for _, st := range s.Stats() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("no stats for timeline %q", name)
	return TimelineStats{}
}

func within(got, want, slack int) bool {
	return got >= want-slack && got <= want+slack
}

func TestScheduler_RateFidelity(t *testing.T) {
	clock := NewManualClock(epoch)
	s := NewScheduler(WithClock(clock))

	const period = 100 * time.Millisecond
	var count int
	if err := s.Every("pos", period, func(context.Context, Tick) { count++ }); err != nil {
		t.Fatalf("Every: %v", err)
	}
	if err := s.Run(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if count != 50 {
		t.Fatalf("ticks = %d, want 50", count)
	}
	if st := statsFor(t, s, "pos"); st.Ticks != 50 || st.Snaps != 0 {
		t.Fatalf("stats = %+v, want 50 ticks, 0 snaps", st)
	}
}

func TestScheduler_RateFidelityWithDelayedTicks(t *testing.T) {
	clock := NewManualClock(epoch)
	s := NewScheduler(WithClock(clock))

	const period = 100 * time.Millisecond
	var count int
	err := s.Every("pos", period, func(_ context.Context, tick Tick) {
		count++
		if tick.Seq%5 == 0 {
			clock.Advance(2 * period)
		}
	})
	if err != nil {
		t.Fatalf("Every: %v", err)
	}
	if err := s.Run(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !within(count, 50, 1) {
		t.Fatalf("ticks = %d, want 50 +/- 1", count)
	}
}

func TestScheduler_SnapsInsteadOfBursting(t *testing.T) {
	clock := NewManualClock(epoch)
	rec := newRecordingRecorder()
	s := NewScheduler(WithClock(clock), WithTickRecorder(rec))

	const period = 100 * time.Millisecond
	var passes []time.Time
	err := s.Every("pos", period, func(_ context.Context, tick Tick) {
		passes = append(passes, tick.Now)
		if tick.Seq == 10 {
			clock.Advance(5 * period)
		}
	})
	if err != nil {
		t.Fatalf("Every: %v", err)
	}
	if err := s.Run(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if st := statsFor(t, s, "pos"); st.Snaps != 1 {
		t.Fatalf("snaps = %d, want 1", st.Snaps)
	}
	if rec.snaps["pos"] != 1 {
		t.Fatalf("recorded snaps = %d, want 1", rec.snaps["pos"])
	}
	if rec.ticks["pos"] != len(passes) {
		t.Fatalf("recorded ticks = %d, want %d", rec.ticks["pos"], len(passes))
	}
	// At most one execution per pass: no two ticks observe the same instant.
	for i := 1; i < len(passes); i++ {
		if !passes[i].After(passes[i-1]) {
			t.Fatalf("ticks %d and %d share pass time %v", i-1, i, passes[i])
		}
	}
	// The stall costs ticks rather than replaying them.
	if len(passes) >= 50 {
		t.Fatalf("ticks = %d, want fewer than 50 after a 5-period stall", len(passes))
	}
}

func TestScheduler_SiblingTimelinesAreIndependent(t *testing.T) {
	clock := NewManualClock(epoch)
	s := NewScheduler(WithClock(clock))

	counts := map[string]int{}
	mustEvery := func(name string, hz float64, fn Action) {
		t.Helper()
		if err := s.EveryHz(name, hz, fn); err != nil {
			t.Fatalf("EveryHz(%s): %v", name, err)
		}
	}
	mustEvery("position", 10, func(context.Context, Tick) { counts["position"]++ })
	mustEvery("weather", 2, func(context.Context, Tick) { counts["weather"]++ })
	mustEvery("fused", 5, func(_ context.Context, tick Tick) {
		counts["fused"]++
		if tick.Seq == 3 {
			panic("boom")
		}
	})

	if err := s.Run(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := map[string]int{"position": 50, "weather": 10, "fused": 25}
	for name, w := range want {
		if !within(counts[name], w, 1) {
			t.Fatalf("%s ticks = %d, want %d +/- 1", name, counts[name], w)
		}
	}
	if st := statsFor(t, s, "fused"); st.Panics != 1 {
		t.Fatalf("fused panics = %d, want 1", st.Panics)
	}
}

func TestScheduler_TickCarriesElapsedAndSeq(t *testing.T) {
	clock := NewManualClock(epoch)
	s := NewScheduler(WithClock(clock))

	var ticks []Tick
	if err := s.Every("weather", 500*time.Millisecond, func(_ context.Context, tick Tick) {
		ticks = append(ticks, tick)
	}); err != nil {
		t.Fatalf("Every: %v", err)
	}
	if err := s.Run(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(ticks) != 4 {
		t.Fatalf("ticks = %d, want 4", len(ticks))
	}
	for i, tick := range ticks {
		wantElapsed := time.Duration(i) * 500 * time.Millisecond
		if tick.Seq != uint64(i+1) || tick.Elapsed != wantElapsed || tick.Timeline != "weather" {
			t.Fatalf("tick %d = %+v, want seq %d elapsed %v", i, tick, i+1, wantElapsed)
		}
		if !tick.Now.Equal(epoch.Add(wantElapsed)) {
			t.Fatalf("tick %d Now = %v, want %v", i, tick.Now, epoch.Add(wantElapsed))
		}
	}
}

func TestScheduler_StopsOnCancel(t *testing.T) {
	clock := NewManualClock(epoch)
	s := NewScheduler(WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var count int
	if err := s.Every("pos", 100*time.Millisecond, func(context.Context, Tick) {
		count++
		if count == 3 {
			cancel()
		}
	}); err != nil {
		t.Fatalf("Every: %v", err)
	}

	if err := s.Run(ctx, 0); err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}
	if count != 3 {
		t.Fatalf("ticks = %d, want 3", count)
	}
}

func TestScheduler_RegistrationErrors(t *testing.T) {
	s := NewScheduler(WithClock(NewManualClock(epoch)))

	if err := s.Run(context.Background(), time.Second); !errors.Is(err, ErrNoTimelines) {
		t.Fatalf("Run with no timelines = %v, want ErrNoTimelines", err)
	}
	noop := func(context.Context, Tick) {}
	if err := s.Every("a", 0, noop); err == nil {
		t.Fatalf("Every with zero period succeeded")
	}
	if err := s.Every("a", time.Second, nil); err == nil {
		t.Fatalf("Every with nil action succeeded")
	}
	if err := s.EveryHz("a", -1, noop); err == nil {
		t.Fatalf("EveryHz with negative rate succeeded")
	}
	if err := s.Every("a", time.Second, noop); err != nil {
		t.Fatalf("Every: %v", err)
	}
	if err := s.Every("a", time.Second, noop); err == nil {
		t.Fatalf("duplicate Every succeeded")
	}

	var during error
	if err := s.Every("b", time.Second, func(context.Context, Tick) {
		if during == nil {
			during = s.Every("c", time.Second, noop)
		}
	}); err != nil {
		t.Fatalf("Every: %v", err)
	}
	if err := s.Run(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(during, ErrAlreadyRunning) {
		t.Fatalf("Every during Run = %v, want ErrAlreadyRunning", during)
	}
}

func TestScheduler_RealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("uses wall-clock time")
	}
	s := NewScheduler()

	var count int
	if err := s.Every("pos", 20*time.Millisecond, func(context.Context, Tick) { count++ }); err != nil {
		t.Fatalf("Every: %v", err)
	}
	if err := s.Run(context.Background(), 200*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if count < 5 || count > 11 {
		t.Fatalf("ticks = %d, want about 10", count)
	}
}
