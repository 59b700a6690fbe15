package telemetry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/airchase-telemetry/model"
)

// ErrUnknownTopic is returned for an inbound topic that maps to no fusion
// key. It is always recoverable.
var ErrUnknownTopic = errors.New("telemetry: unknown topic")

// Topics builds and parses routing keys of the form
// <base>/<agent>/telemetry/<category>. Routing is addressing only; nothing
// in the topic is part of the payload schema.
type Topics struct {
	base      string
	vehicle   string
	companion string
}

// NewTopics returns the topic set for a vehicle and its companion. The
// companion's callsign is lower-cased for its topic segment.
func NewTopics(base, vehicle, companionCallsign string) Topics {
	return Topics{
		base:      strings.TrimRight(base, "/"),
		vehicle:   vehicle,
		companion: strings.ToLower(companionCallsign),
	}
}

// Base is the namespace every topic starts with, without a trailing slash.
func (t Topics) Base() string { return t.base }

// VehiclePosition is where the vehicle's positions are published.
func (t Topics) VehiclePosition() string {
	return fmt.Sprintf("%s/%s/telemetry/pos", t.base, t.vehicle)
}

// VehicleWeather is where the vehicle's weather samples are published.
func (t Topics) VehicleWeather() string {
	return fmt.Sprintf("%s/%s/telemetry/weather", t.base, t.vehicle)
}

// CompanionPosition is where the companion aircraft's positions are published.
func (t Topics) CompanionPosition() string {
	return fmt.Sprintf("%s/%s/telemetry/pos", t.base, t.companion)
}

// Fused is where fused snapshots for the vehicle are published.
func (t Topics) Fused() string {
	return fmt.Sprintf("%s/fused/%s", t.base, t.vehicle)
}

// SimulatorStatus is the retained presence topic of the simulator.
func (t Topics) SimulatorStatus() string {
	return fmt.Sprintf("%s/%s/telemetry/status", t.base, t.vehicle)
}

// FuserStatus is the retained presence topic of the fusion process.
func (t Topics) FuserStatus() string {
	return t.Fused() + "/status"
}

// Position returns the publication topic for a position sample.
func (t Topics) Position(agent model.AgentKind) string {
	if agent == model.AgentAircraft {
		return t.CompanionPosition()
	}
	return t.VehiclePosition()
}

// Subscriptions lists the topics a fusion process consumes, in key order.
func (t Topics) Subscriptions() []string {
	return []string{t.VehiclePosition(), t.VehicleWeather(), t.CompanionPosition()}
}

// Route maps an inbound topic to the fusion key it updates.
func (t Topics) Route(topic string) (model.FusionKey, error) {
	switch topic {
	case t.VehiclePosition():
		return model.VehiclePosition, nil
	case t.VehicleWeather():
		return model.VehicleWeather, nil
	case t.CompanionPosition():
		return model.CompanionPosition, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
}
