package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/airchase-telemetry/model"
)

// Jitter draws bounded uniform noise.
type Jitter interface {
	// Uniform returns a value in [-bound, bound]. A zero bound yields 0.
	Uniform(bound float64) float64
}

// AgentParams bounds the kinematics of one simulated agent.
type AgentParams struct {
	Kind model.AgentKind
	ID   string

	// Speed is clamp(base + jitter + amplitude*sin(omega*t), min, max). When
	// LeaderSpeedFactor is positive the base follows the leader's speed
	// instead of BaseSpeedMps.
	BaseSpeedMps      float64
	LeaderSpeedFactor float64
	SpeedJitterMps    float64
	SpeedAmplitudeMps float64
	SpeedOmega        float64 // rad/s
	MinSpeedMps       float64
	MaxSpeedMps       float64

	HeadingJitterDeg float64

	// Altitude integrates AltitudeStepM*sin(AltitudeOmega*t) once per tick.
	AltitudeStepM float64
	AltitudeOmega float64

	InitialHeadingDeg float64
	InitialAltitudeM  float64
	StartOffsetLat    float64
	StartOffsetLon    float64
}

// VehicleParams returns the ground vehicle profile: 5-35 m/s around 13 m/s.
func VehicleParams(id string) AgentParams {
	return AgentParams{
		Kind:              model.AgentVehicle,
		ID:                id,
		BaseSpeedMps:      13,
		SpeedJitterMps:    4,
		SpeedAmplitudeMps: 0.5,
		SpeedOmega:        0.7,
		MinSpeedMps:       5,
		MaxSpeedMps:       35,
		HeadingJitterDeg:  2.5,
		AltitudeStepM:     0.15,
		AltitudeOmega:     0.6,
		InitialHeadingDeg: 90,
		InitialAltitudeM:  120,
	}
}

// CompanionParams returns the tracked aircraft profile: 20-80 m/s, flying
// at roughly twice the vehicle's speed.
func CompanionParams(callsign string) AgentParams {
	return AgentParams{
		Kind:              model.AgentAircraft,
		ID:                callsign,
		LeaderSpeedFactor: 2,
		SpeedJitterMps:    3,
		MinSpeedMps:       20,
		MaxSpeedMps:       80,
		HeadingJitterDeg:  2,
		AltitudeStepM:     0.6,
		AltitudeOmega:     0.4,
		InitialHeadingDeg: 250,
		InitialAltitudeM:  1500,
		StartOffsetLat:    0.01,
		StartOffsetLon:    -0.01,
	}
}

// AltitudeExcursionBound is the largest distance the integrated altitude
// can wander from its initial value at the given tick period.
func (p AgentParams) AltitudeExcursionBound(tickPeriod float64) float64 {
	if p.AltitudeOmega == 0 || tickPeriod <= 0 {
		return math.Inf(1)
	}
	// Sum of k*sin(w*t) over ticks of length dt approximates
	// (k/dt) * integral, bounded by 2k/(w*dt), plus one step of slack.
	return 2*math.Abs(p.AltitudeStepM)/(p.AltitudeOmega*tickPeriod) + math.Abs(p.AltitudeStepM)
}

// AgentState is the integrator state of one agent. It is owned by the
// signal model and mutated only by Step.
type AgentState struct {
	Lat        float64
	Lon        float64
	AltM       float64
	HeadingDeg float64
	SpeedMps   float64
}

// Initial returns the state an agent starts in for the given reference point.
func (p AgentParams) Initial(lat, lon float64) AgentState {
	return AgentState{
		Lat:        lat + p.StartOffsetLat,
		Lon:        lon + p.StartOffsetLon,
		AltM:       p.InitialAltitudeM,
		HeadingDeg: NormalizeDegrees(p.InitialHeadingDeg),
	}
}

// Step advances prev by one tick of dt seconds at elapsed time t. The
// displacement uses a local flat-Earth approximation; cos(latitude) is taken
// from the freshly advanced latitude every tick.
func (p AgentParams) Step(prev AgentState, t, dt, leaderSpeed float64, rnd Jitter) AgentState {
	base := p.BaseSpeedMps
	if p.LeaderSpeedFactor > 0 {
		base = p.LeaderSpeedFactor * leaderSpeed
	}
	speed := base + rnd.Uniform(p.SpeedJitterMps) + p.SpeedAmplitudeMps*math.Sin(p.SpeedOmega*t)
	speed = clamp(speed, p.MinSpeedMps, p.MaxSpeedMps)

	heading := NormalizeDegrees(prev.HeadingDeg + rnd.Uniform(p.HeadingJitterDeg))

	dist := speed * dt
	hdgRad := heading * degToRad
	lat := prev.Lat + dist*math.Cos(hdgRad)/EarthRadiusM*radToDeg
	lat = clamp(lat, -89.999999, 89.999999)
	lon := prev.Lon + dist*math.Sin(hdgRad)/(EarthRadiusM*math.Cos(lat*degToRad))*radToDeg

	return AgentState{
		Lat:        lat,
		Lon:        normalizeLongitude(lon),
		AltM:       prev.AltM + p.AltitudeStepM*math.Sin(p.AltitudeOmega*t),
		HeadingDeg: heading,
		SpeedMps:   speed,
	}
}

// Sample renders s as a position reading stamped with at.
func (p AgentParams) Sample(s AgentState, at time.Time) model.PositionSample {
	return model.PositionSample{
		Timestamp:  at,
		Latitude:   s.Lat,
		Longitude:  s.Lon,
		AltitudeM:  s.AltM,
		SpeedMps:   s.SpeedMps,
		HeadingDeg: s.HeadingDeg,
		Agent:      p.Kind,
		Source:     p.ID,
		Provenance: model.ProvenanceSim,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
