package core

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/signalsfoundry/airchase-telemetry/model"
)

// Default reference point for a simulated run.
const (
	DefaultStartLat = 51.66
	DefaultStartLon = -2.06
)

// SignalModel produces temporally coherent samples for the vehicle, the
// companion aircraft and ambient weather. It performs no I/O; its only
// impurity is the pseudo-random source.
type SignalModel struct {
	mu sync.Mutex

	vehicle   AgentParams
	companion AgentParams
	weather   WeatherParams

	vehicleState   AgentState
	companionState AgentState

	startLat, startLon float64
	seed               uint64
	noise              bool
	rnd                Jitter
}

// SignalOption configures a SignalModel.
type SignalOption func(*SignalModel)

// WithSeed makes the random source reproducible. Zero selects a time-based
// seed.
func WithSeed(seed uint64) SignalOption {
	return func(m *SignalModel) { m.seed = seed }
}

// WithoutNoise disables every uniform jitter term.
func WithoutNoise() SignalOption {
	return func(m *SignalModel) { m.noise = false }
}

// WithStart sets the reference point the agents start from.
func WithStart(lat, lon float64) SignalOption {
	return func(m *SignalModel) {
		m.startLat = lat
		m.startLon = lon
	}
}

// WithVehicleParams overrides the vehicle profile.
func WithVehicleParams(p AgentParams) SignalOption {
	return func(m *SignalModel) { m.vehicle = p }
}

// WithCompanionParams overrides the companion aircraft profile.
func WithCompanionParams(p AgentParams) SignalOption {
	return func(m *SignalModel) { m.companion = p }
}

// WithWeatherParams overrides the weather signals.
func WithWeatherParams(p WeatherParams) SignalOption {
	return func(m *SignalModel) { m.weather = p }
}

// NewSignalModel builds a model for the given vehicle id and companion
// callsign.
func NewSignalModel(vehicleID, callsign string, opts ...SignalOption) *SignalModel {
	m := &SignalModel{
		vehicle:   VehicleParams(vehicleID),
		companion: CompanionParams(callsign),
		weather:   DefaultWeatherParams(vehicleID),
		startLat:  DefaultStartLat,
		startLon:  DefaultStartLon,
		noise:     true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if m.noise {
		seed := m.seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		m.rnd = uniformJitter{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	} else {
		m.rnd = noJitter{}
	}

	m.vehicleState = m.vehicle.Initial(m.startLat, m.startLon)
	m.vehicleState.SpeedMps = m.vehicle.BaseSpeedMps
	m.companionState = m.companion.Initial(m.startLat, m.startLon)
	m.companionState.SpeedMps = m.companion.LeaderSpeedFactor * m.vehicle.BaseSpeedMps
	return m
}

// StepPositions advances both agents by one tick of dt seconds at elapsed
// time t and returns their samples stamped with at. The companion's base
// speed follows the vehicle speed computed in the same step.
func (m *SignalModel) StepPositions(t, dt float64, at time.Time) (vehicle, companion model.PositionSample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.vehicleState = m.vehicle.Step(m.vehicleState, t, dt, 0, m.rnd)
	m.companionState = m.companion.Step(m.companionState, t, dt, m.vehicleState.SpeedMps, m.rnd)

	return m.vehicle.Sample(m.vehicleState, at), m.companion.Sample(m.companionState, at)
}

// Weather returns the weather sample for elapsed time t.
func (m *SignalModel) Weather(t float64, at time.Time) model.WeatherSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weather.Sample(t, at, m.rnd)
}

// VehicleParams returns the vehicle profile in use.
func (m *SignalModel) VehicleParams() AgentParams { return m.vehicle }

// CompanionParams returns the companion profile in use.
func (m *SignalModel) CompanionParams() AgentParams { return m.companion }

type uniformJitter struct {
	r *rand.Rand
}

func (u uniformJitter) Uniform(bound float64) float64 {
	if bound == 0 {
		return 0
	}
	return (u.r.Float64()*2 - 1) * bound
}

type noJitter struct{}

func (noJitter) Uniform(float64) float64 { return 0 }
