package model

import "time"

// TimestampLayout is the ISO-8601 form used for every published timestamp:
// UTC, microsecond precision, explicit +00:00 offset.
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

// AgentKind identifies which kind of simulated entity produced a position.
type AgentKind int

const (
	AgentVehicle AgentKind = iota
	AgentAircraft
)

func (k AgentKind) String() string {
	switch k {
	case AgentVehicle:
		return "vehicle"
	case AgentAircraft:
		return "aircraft"
	default:
		return "unknown"
	}
}

// Provenance tags whether a sample was synthesized or read from a device.
type Provenance string

const (
	ProvenanceSim  Provenance = "sim"
	ProvenanceLive Provenance = "live"
)

// SampleKind discriminates the concrete Sample shapes.
type SampleKind int

const (
	KindPosition SampleKind = iota + 1
	KindWeather
)

func (k SampleKind) String() string {
	switch k {
	case KindPosition:
		return "position"
	case KindWeather:
		return "weather"
	default:
		return "unknown"
	}
}

// Sample is a timestamped reading. PositionSample and WeatherSample are the
// only implementations.
type Sample interface {
	Kind() SampleKind
	Time() time.Time
}

// PositionSample is one kinematic reading for an agent. Values are kept at
// full precision; rounding is applied only when the sample is encoded.
type PositionSample struct {
	Timestamp  time.Time
	Latitude   float64 // degrees, WGS84
	Longitude  float64 // degrees
	AltitudeM  float64
	SpeedMps   float64 // >= 0
	HeadingDeg float64 // [0, 360)

	Agent      AgentKind
	Source     string // vehicle id or callsign
	Provenance Provenance
}

// Kind implements Sample.
func (PositionSample) Kind() SampleKind { return KindPosition }

// Time implements Sample.
func (s PositionSample) Time() time.Time { return s.Timestamp }

// WeatherSample is one ambient weather reading.
type WeatherSample struct {
	Timestamp    time.Time
	TemperatureC float64
	HumidityPct  float64
	PressureHPa  float64
	WindSpeedMps float64 // >= 0
	WindDirDeg   float64 // [0, 360)

	Source     string
	Provenance Provenance
}

// Kind implements Sample.
func (WeatherSample) Kind() SampleKind { return KindWeather }

// Time implements Sample.
func (s WeatherSample) Time() time.Time { return s.Timestamp }
