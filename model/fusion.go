package model

import (
	"fmt"
	"time"
)

// FusionKey names one tracked source inside a fused snapshot.
type FusionKey int

const (
	VehiclePosition FusionKey = iota
	VehicleWeather
	CompanionPosition

	numFusionKeys
)

// FusionKeys lists every key in table order.
func FusionKeys() []FusionKey {
	keys := make([]FusionKey, 0, numFusionKeys)
	for k := FusionKey(0); k < numFusionKeys; k++ {
		keys = append(keys, k)
	}
	return keys
}

// NumFusionKeys is the size of the fusion table.
func NumFusionKeys() int { return int(numFusionKeys) }

// Valid reports whether k is a known key.
func (k FusionKey) Valid() bool { return k >= 0 && k < numFusionKeys }

// Kind returns the sample shape stored under k.
func (k FusionKey) Kind() SampleKind {
	switch k {
	case VehiclePosition, CompanionPosition:
		return KindPosition
	case VehicleWeather:
		return KindWeather
	default:
		return 0
	}
}

func (k FusionKey) String() string {
	switch k {
	case VehiclePosition:
		return "vehicle_position"
	case VehicleWeather:
		return "vehicle_weather"
	case CompanionPosition:
		return "companion_position"
	default:
		return fmt.Sprintf("fusion_key(%d)", int(k))
	}
}

// FusedSnapshot is a composite built from the fusion table at one instant.
// A nil sample pointer means no update was ever received for that key.
// Snapshots own their data; nothing in them aliases the store.
type FusedSnapshot struct {
	VehiclePosition   *PositionSample
	VehicleWeather    *WeatherSample
	CompanionPosition *PositionSample

	Derived *Derived

	Timestamp time.Time
	RateHz    float64
	RunID     string
}

// Aggregates holds smoothed values. Nil fields have not been observed yet.
type Aggregates struct {
	SpeedMps     *float64
	TemperatureC *float64
	WindSpeedMps *float64
	WindDirDeg   *float64
}

// Relative describes the companion aircraft as seen from the vehicle.
type Relative struct {
	SeparationM  float64 // great-circle, surface
	BearingDeg   float64 // initial bearing vehicle -> companion
	ElevationDeg float64
	SlantRangeM  float64
}

// Derived carries metrics computed from the fused inputs.
type Derived struct {
	Average   Aggregates
	Filtered  Aggregates
	Companion *Relative
}
