package fusion

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/signalsfoundry/airchase-telemetry/core"
	"github.com/signalsfoundry/airchase-telemetry/model"
)

// Defaults for the derived metrics.
const (
	DefaultWindow = 10
	DefaultAlpha  = 0.2
)

// Deriver computes windowed averages, exponential moving averages and the
// companion geometry for successive snapshots. Each distinct sample, as
// identified by its key and embedded timestamp, is folded in once, so a
// stale entry seen by many snapshots does not bias the aggregates.
type Deriver struct {
	mu     sync.Mutex
	window int
	alpha  float64

	speed, temp, wind series
	dir               series

	lastPos     time.Time
	lastWeather time.Time
}

// NewDeriver returns a Deriver. Non-positive window or alpha outside (0, 1]
// fall back to the defaults.
func NewDeriver(window int, alpha float64) *Deriver {
	if window <= 0 {
		window = DefaultWindow
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	d := &Deriver{window: window, alpha: alpha}
	d.dir.angular = true
	return d
}

// Observe folds any new samples in snap into the aggregates and returns the
// derived block for it.
func (d *Deriver) Observe(snap model.FusedSnapshot) *model.Derived {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p := snap.VehiclePosition; p != nil && !p.Timestamp.Equal(d.lastPos) {
		d.lastPos = p.Timestamp
		d.speed.push(p.SpeedMps, d.window, d.alpha)
	}
	if w := snap.VehicleWeather; w != nil && !w.Timestamp.Equal(d.lastWeather) {
		d.lastWeather = w.Timestamp
		d.temp.push(w.TemperatureC, d.window, d.alpha)
		d.wind.push(w.WindSpeedMps, d.window, d.alpha)
		d.dir.push(w.WindDirDeg, d.window, d.alpha)
	}

	out := &model.Derived{
		Average: model.Aggregates{
			SpeedMps:     d.speed.mean(),
			TemperatureC: d.temp.mean(),
			WindSpeedMps: d.wind.mean(),
			WindDirDeg:   d.dir.mean(),
		},
		Filtered: model.Aggregates{
			SpeedMps:     d.speed.filtered(),
			TemperatureC: d.temp.filtered(),
			WindSpeedMps: d.wind.filtered(),
			WindDirDeg:   d.dir.filtered(),
		},
	}
	if snap.VehiclePosition != nil && snap.CompanionPosition != nil {
		rel := Relate(*snap.VehiclePosition, *snap.CompanionPosition, snap.Timestamp)
		out.Companion = &rel
	}
	return out
}

// Relate describes companion as seen from vehicle at the given instant.
func Relate(vehicle, companion model.PositionSample, at time.Time) model.Relative {
	look := core.LookAngles(
		core.GeoPoint{Lat: vehicle.Latitude, Lon: vehicle.Longitude, AltM: vehicle.AltitudeM},
		core.GeoPoint{Lat: companion.Latitude, Lon: companion.Longitude, AltM: companion.AltitudeM},
		at,
	)
	return model.Relative{
		SeparationM:  core.Haversine(vehicle.Latitude, vehicle.Longitude, companion.Latitude, companion.Longitude),
		BearingDeg:   core.InitialBearing(vehicle.Latitude, vehicle.Longitude, companion.Latitude, companion.Longitude),
		ElevationDeg: look.ElevationDeg,
		SlantRangeM:  look.RangeM,
	}
}

// series is a bounded window plus an EMA. Angular series are in degrees
// and averaged on the circle.
type series struct {
	angular bool
	values  []float64
	ema     float64
	seeded  bool
}

func (s *series) push(v float64, window int, alpha float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	s.values = append(s.values, v)
	if len(s.values) > window {
		s.values = s.values[len(s.values)-window:]
	}

	switch {
	case !s.seeded:
		s.ema = v
		s.seeded = true
	case s.angular:
		diff := math.Mod(v-s.ema+540, 360) - 180
		s.ema = core.NormalizeDegrees(s.ema + alpha*diff)
	default:
		s.ema = alpha*v + (1-alpha)*s.ema
	}
}

func (s *series) mean() *float64 {
	if len(s.values) == 0 {
		return nil
	}
	if !s.angular {
		m := stat.Mean(s.values, nil)
		return &m
	}
	rad := make([]float64, len(s.values))
	for i, v := range s.values {
		rad[i] = v * math.Pi / 180
	}
	m := core.NormalizeDegrees(stat.CircularMean(rad, nil) * 180 / math.Pi)
	return &m
}

func (s *series) filtered() *float64 {
	if !s.seeded {
		return nil
	}
	v := s.ema
	return &v
}
