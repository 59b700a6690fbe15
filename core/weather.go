package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/airchase-telemetry/model"
)

// Signal is a scalar that follows Base + Amplitude*sin(Omega*t) plus uniform
// noise in [-Noise, Noise].
type Signal struct {
	Base      float64
	Amplitude float64
	Omega     float64
	Noise     float64

	// When Clamp is set the value is held in [Min, Max].
	Clamp    bool
	Min, Max float64
	// When Wrap is set the value is normalized into [0, 360).
	Wrap bool
}

// Eval returns the signal value at elapsed time t.
func (s Signal) Eval(t float64, rnd Jitter) float64 {
	v := s.Base + s.Amplitude*math.Sin(s.Omega*t) + rnd.Uniform(s.Noise)
	if s.Clamp {
		v = clamp(v, s.Min, s.Max)
	}
	if s.Wrap {
		v = NormalizeDegrees(v)
	}
	return v
}

// WeatherParams is the set of signals that make up ambient weather.
type WeatherParams struct {
	Source       string
	TemperatureC Signal
	WindSpeedMps Signal
	WindDirDeg   Signal
	HumidityPct  Signal
	PressureHPa  Signal
}

// DefaultWeatherParams returns a mild, breezy afternoon.
func DefaultWeatherParams(source string) WeatherParams {
	return WeatherParams{
		Source:       source,
		TemperatureC: Signal{Base: 22, Amplitude: 2, Omega: 0.25, Noise: 0.3},
		WindSpeedMps: Signal{Base: 8, Amplitude: 3, Omega: 0.35, Noise: 0.7, Clamp: true, Min: 0, Max: 25},
		WindDirDeg:   Signal{Base: 180, Amplitude: 25, Omega: 0.2, Noise: 6, Wrap: true},
		HumidityPct:  Signal{Base: 45, Amplitude: 8, Omega: 0.15, Noise: 2, Clamp: true, Min: 0, Max: 100},
		PressureHPa:  Signal{Base: 1013.25, Amplitude: 1.8, Omega: 0.1, Noise: 0.4, Clamp: true, Min: 870, Max: 1085},
	}
}

// Sample evaluates every weather signal at elapsed time t.
func (p WeatherParams) Sample(t float64, at time.Time, rnd Jitter) model.WeatherSample {
	return model.WeatherSample{
		Timestamp:    at,
		TemperatureC: p.TemperatureC.Eval(t, rnd),
		WindSpeedMps: p.WindSpeedMps.Eval(t, rnd),
		WindDirDeg:   p.WindDirDeg.Eval(t, rnd),
		HumidityPct:  p.HumidityPct.Eval(t, rnd),
		PressureHPa:  p.PressureHPa.Eval(t, rnd),
		Source:       p.Source,
		Provenance:   model.ProvenanceSim,
	}
}
