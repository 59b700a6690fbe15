// Package fusion merges independently arriving samples into a single
// composite snapshot.
package fusion

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/airchase-telemetry/model"
	"github.com/signalsfoundry/airchase-telemetry/timectrl"
)

var (
	// ErrUnknownKey is returned for a key outside the fusion table.
	ErrUnknownKey = errors.New("fusion: unknown key")
	// ErrKindMismatch is returned when a sample's shape does not match the
	// shape stored under its key.
	ErrKindMismatch = errors.New("fusion: sample kind does not match key")
	// ErrNilSample is returned for a nil sample or nil sample pointer.
	ErrNilSample = errors.New("fusion: nil sample")
)

// entry is immutable once stored; updates swap in a new one.
type entry struct {
	sample   model.Sample // PositionSample or WeatherSample, by value
	received time.Time
}

// Store holds the latest sample per fusion key.
//
// Update is called from the inbound delivery path and Snapshot from the
// scheduler tick; they may run concurrently. Each entry is an atomic
// pointer to an immutable value, so readers never observe a torn sample.
// There is no cross-entry consistency: a snapshot may mix entries from
// either side of a concurrent update.
type Store struct {
	clock  timectrl.Clock
	rateHz float64
	runID  string

	entries []atomic.Pointer[entry] // indexed by model.FusionKey
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the clock used to stamp arrivals and snapshots.
func WithClock(c timectrl.Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRateHz records the configured output rate in every snapshot.
func WithRateHz(hz float64) StoreOption {
	return func(s *Store) { s.rateHz = hz }
}

// WithRunID records the process run id in every snapshot.
func WithRunID(id string) StoreOption {
	return func(s *Store) { s.runID = id }
}

// NewStore returns a store with every entry unset.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		clock:   timectrl.RealClock{},
		entries: make([]atomic.Pointer[entry], model.NumFusionKeys()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Update overwrites the entry for key with sample. Ordering is by arrival:
// an older embedded timestamp still replaces a newer one.
func (s *Store) Update(key model.FusionKey, sample model.Sample) error {
	if !key.Valid() || int(key) >= len(s.entries) {
		return fmt.Errorf("%w: %v", ErrUnknownKey, key)
	}
	v, err := normalize(sample)
	if err != nil {
		return err
	}
	if v.Kind() != key.Kind() {
		return fmt.Errorf("%w: %s sample for %s", ErrKindMismatch, v.Kind(), key)
	}
	s.entries[key].Store(&entry{sample: v, received: s.clock.Now()})
	return nil
}

// normalize turns pointer samples into values so the store never holds a
// reference the caller can still mutate.
func normalize(sample model.Sample) (model.Sample, error) {
	switch v := sample.(type) {
	case model.PositionSample:
		return v, nil
	case model.WeatherSample:
		return v, nil
	case *model.PositionSample:
		if v == nil {
			return nil, ErrNilSample
		}
		return *v, nil
	case *model.WeatherSample:
		if v == nil {
			return nil, ErrNilSample
		}
		return *v, nil
	case nil:
		return nil, ErrNilSample
	default:
		return nil, fmt.Errorf("%w: unsupported sample type %T", ErrKindMismatch, sample)
	}
}

// Latest returns the current sample for key and whether it has been set.
func (s *Store) Latest(key model.FusionKey) (model.Sample, bool) {
	if !key.Valid() || int(key) >= len(s.entries) {
		return nil, false
	}
	e := s.entries[key].Load()
	if e == nil {
		return nil, false
	}
	return e.sample, true
}

// Age returns how long ago, relative to now, the entry for key was
// updated. The boolean is false while the entry is unset.
func (s *Store) Age(key model.FusionKey, now time.Time) (time.Duration, bool) {
	if !key.Valid() || int(key) >= len(s.entries) {
		return 0, false
	}
	e := s.entries[key].Load()
	if e == nil {
		return 0, false
	}
	return now.Sub(e.received), true
}

// Snapshot builds a fused snapshot from the current entries. Unset entries
// are nil. The returned snapshot owns copies of every sample.
func (s *Store) Snapshot() model.FusedSnapshot {
	snap := model.FusedSnapshot{
		Timestamp: s.clock.Now().UTC(),
		RateHz:    s.rateHz,
		RunID:     s.runID,
	}
	if e := s.entries[model.VehiclePosition].Load(); e != nil {
		p := e.sample.(model.PositionSample)
		snap.VehiclePosition = &p
	}
	if e := s.entries[model.VehicleWeather].Load(); e != nil {
		w := e.sample.(model.WeatherSample)
		snap.VehicleWeather = &w
	}
	if e := s.entries[model.CompanionPosition].Load(); e != nil {
		p := e.sample.(model.PositionSample)
		snap.CompanionPosition = &p
	}
	return snap
}
