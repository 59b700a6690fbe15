// Package telemetry converts samples and fused snapshots to and from their
// JSON wire form and moves them between the transport and the fusion store.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/airchase-telemetry/core"
	"github.com/signalsfoundry/airchase-telemetry/model"
)

// ErrMalformedPayload is returned when an inbound payload cannot be decoded
// into the expected record. It is always recoverable.
var ErrMalformedPayload = errors.New("telemetry: malformed payload")

// Wire precision, in decimal places. Values are rounded only here.
const (
	latLonPlaces          = 6
	vehicleAltPlaces      = 1
	aircraftAltPlaces     = 0
	speedPlaces           = 2
	headingPlaces         = 1
	temperaturePlaces     = 2
	humidityPlaces        = 1
	pressurePlaces        = 2
	windSpeedPlaces       = 2
	windDirPlaces         = 0
	derivedDirPlaces      = 1
	derivedDistancePlaces = 1
	derivedAnglePlaces    = 2
)

type positionWire struct {
	TS        string   `json:"ts"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	AltM      *float64 `json:"alt_m"`
	SpeedMps  *float64 `json:"spd_mps"`
	Heading   *float64 `json:"hdg_deg"`
	VehicleID string   `json:"vehicle_id,omitempty"`
	Callsign  string   `json:"callsign,omitempty"`
	Src       string   `json:"src,omitempty"`
}

type weatherWire struct {
	TS         string   `json:"ts"`
	TempC      *float64 `json:"temp_c"`
	RHPct      *float64 `json:"rh_pct"`
	PresHPa    *float64 `json:"pres_hpa"`
	WindMps    *float64 `json:"wind_mps"`
	WindDirDeg *float64 `json:"wind_dir_deg"`
	VehicleID  string   `json:"vehicle_id,omitempty"`
	Src        string   `json:"src,omitempty"`
}

type statusWire struct {
	TS       string `json:"ts"`
	Status   string `json:"status"`
	ClientID string `json:"client_id,omitempty"`
}

type fusedWire struct {
	Vehicle struct {
		Pos     json.RawMessage `json:"pos"`
		Weather json.RawMessage `json:"weather"`
		Derived derivedWire     `json:"derived"`
	} `json:"vehicle"`
	AC2 struct {
		Pos json.RawMessage `json:"pos"`
	} `json:"ac2"`
	Meta struct {
		TS     string  `json:"ts"`
		RateHz float64 `json:"rate_hz"`
		RunID  string  `json:"run_id,omitempty"`
	} `json:"meta"`
}

type derivedWire struct {
	Avg      aggregatesWire `json:"avg"`
	Filtered aggregatesWire `json:"filtered"`
	AC2      *relativeWire  `json:"ac2,omitempty"`
}

type aggregatesWire struct {
	SpeedMps   *float64 `json:"spd_mps"`
	TempC      *float64 `json:"temp_c"`
	WindMps    *float64 `json:"wind_mps"`
	WindDirDeg *float64 `json:"wind_dir_deg"`
}

type relativeWire struct {
	SeparationM  float64 `json:"sep_m"`
	BearingDeg   float64 `json:"brg_deg"`
	ElevationDeg float64 `json:"elev_deg"`
	SlantRangeM  float64 `json:"slant_m"`
}

var emptyObject = json.RawMessage("{}")

// EncodePosition renders p as its wire payload. Vehicles carry vehicle_id
// and aircraft carry callsign.
func EncodePosition(p model.PositionSample) ([]byte, error) {
	return json.Marshal(positionToWire(p))
}

func positionToWire(p model.PositionSample) positionWire {
	altPlaces := vehicleAltPlaces
	if p.Agent == model.AgentAircraft {
		altPlaces = aircraftAltPlaces
	}
	heading := round(p.HeadingDeg, headingPlaces)
	if heading >= 360 {
		heading = 0
	}
	w := positionWire{
		TS:       formatTime(p.Timestamp),
		Lat:      ptr(round(p.Latitude, latLonPlaces)),
		Lon:      ptr(round(p.Longitude, latLonPlaces)),
		AltM:     ptr(round(p.AltitudeM, altPlaces)),
		SpeedMps: ptr(round(p.SpeedMps, speedPlaces)),
		Heading:  ptr(heading),
		Src:      string(p.Provenance),
	}
	if p.Agent == model.AgentAircraft {
		w.Callsign = p.Source
	} else {
		w.VehicleID = p.Source
	}
	return w
}

// DecodePosition parses a position payload. Every kinematic field and a
// parseable timestamp are required.
func DecodePosition(payload []byte) (model.PositionSample, error) {
	var w positionWire
	if err := unmarshalObject(payload, &w); err != nil {
		return model.PositionSample{}, err
	}
	return positionFromWire(w)
}

func positionFromWire(w positionWire) (model.PositionSample, error) {
	ts, err := parseTime(w.TS)
	if err != nil {
		return model.PositionSample{}, err
	}
	if err := requireFields(map[string]*float64{
		"lat": w.Lat, "lon": w.Lon, "alt_m": w.AltM, "spd_mps": w.SpeedMps, "hdg_deg": w.Heading,
	}); err != nil {
		return model.PositionSample{}, err
	}
	if math.Abs(*w.Lat) > 90 || math.Abs(*w.Lon) > 180 {
		return model.PositionSample{}, fmt.Errorf("%w: coordinates out of range (%v, %v)", ErrMalformedPayload, *w.Lat, *w.Lon)
	}
	if *w.SpeedMps < 0 {
		return model.PositionSample{}, fmt.Errorf("%w: negative speed %v", ErrMalformedPayload, *w.SpeedMps)
	}

	p := model.PositionSample{
		Timestamp:  ts,
		Latitude:   *w.Lat,
		Longitude:  *w.Lon,
		AltitudeM:  *w.AltM,
		SpeedMps:   *w.SpeedMps,
		HeadingDeg: core.NormalizeDegrees(*w.Heading),
		Agent:      model.AgentVehicle,
		Source:     w.VehicleID,
		Provenance: provenance(w.Src),
	}
	if w.Callsign != "" {
		p.Agent = model.AgentAircraft
		p.Source = w.Callsign
	}
	return p, nil
}

// EncodeWeather renders w as its wire payload.
func EncodeWeather(w model.WeatherSample) ([]byte, error) {
	return json.Marshal(weatherToWire(w))
}

func weatherToWire(w model.WeatherSample) weatherWire {
	return weatherWire{
		TS:         formatTime(w.Timestamp),
		TempC:      ptr(round(w.TemperatureC, temperaturePlaces)),
		RHPct:      ptr(round(w.HumidityPct, humidityPlaces)),
		PresHPa:    ptr(round(w.PressureHPa, pressurePlaces)),
		WindMps:    ptr(round(w.WindSpeedMps, windSpeedPlaces)),
		WindDirDeg: ptr(math.Mod(round(w.WindDirDeg, windDirPlaces), 360)),
		VehicleID:  w.Source,
		Src:        string(w.Provenance),
	}
}

// DecodeWeather parses a weather payload. All five weather fields and a
// parseable timestamp are required.
func DecodeWeather(payload []byte) (model.WeatherSample, error) {
	var w weatherWire
	if err := unmarshalObject(payload, &w); err != nil {
		return model.WeatherSample{}, err
	}
	return weatherFromWire(w)
}

func weatherFromWire(w weatherWire) (model.WeatherSample, error) {
	ts, err := parseTime(w.TS)
	if err != nil {
		return model.WeatherSample{}, err
	}
	if err := requireFields(map[string]*float64{
		"temp_c": w.TempC, "rh_pct": w.RHPct, "pres_hpa": w.PresHPa, "wind_mps": w.WindMps, "wind_dir_deg": w.WindDirDeg,
	}); err != nil {
		return model.WeatherSample{}, err
	}
	return model.WeatherSample{
		Timestamp:    ts,
		TemperatureC: *w.TempC,
		HumidityPct:  *w.RHPct,
		PressureHPa:  *w.PresHPa,
		WindSpeedMps: *w.WindMps,
		WindDirDeg:   *w.WindDirDeg,
		Source:       w.VehicleID,
		Provenance:   provenance(w.Src),
	}, nil
}

// EncodeFused renders a fused snapshot. Unset entries become {} and unset
// aggregates become null.
func EncodeFused(s model.FusedSnapshot) ([]byte, error) {
	var w fusedWire
	var err error

	if w.Vehicle.Pos, err = rawOrEmpty(s.VehiclePosition != nil, func() any { return positionToWire(*s.VehiclePosition) }); err != nil {
		return nil, err
	}
	if w.Vehicle.Weather, err = rawOrEmpty(s.VehicleWeather != nil, func() any { return weatherToWire(*s.VehicleWeather) }); err != nil {
		return nil, err
	}
	if w.AC2.Pos, err = rawOrEmpty(s.CompanionPosition != nil, func() any { return positionToWire(*s.CompanionPosition) }); err != nil {
		return nil, err
	}
	if s.Derived != nil {
		w.Vehicle.Derived = derivedToWire(*s.Derived)
	}
	w.Meta.TS = formatTime(s.Timestamp)
	w.Meta.RateHz = s.RateHz
	w.Meta.RunID = s.RunID

	return json.Marshal(w)
}

// DecodeFused parses a fused payload. An entry encoded as {} or null
// decodes to unset.
func DecodeFused(payload []byte) (model.FusedSnapshot, error) {
	var w fusedWire
	if err := unmarshalObject(payload, &w); err != nil {
		return model.FusedSnapshot{}, err
	}
	ts, err := parseTime(w.Meta.TS)
	if err != nil {
		return model.FusedSnapshot{}, err
	}
	s := model.FusedSnapshot{
		Timestamp: ts,
		RateHz:    w.Meta.RateHz,
		RunID:     w.Meta.RunID,
	}

	if !isEmpty(w.Vehicle.Pos) {
		p, err := DecodePosition(w.Vehicle.Pos)
		if err != nil {
			return model.FusedSnapshot{}, fmt.Errorf("vehicle.pos: %w", err)
		}
		s.VehiclePosition = &p
	}
	if !isEmpty(w.Vehicle.Weather) {
		wx, err := DecodeWeather(w.Vehicle.Weather)
		if err != nil {
			return model.FusedSnapshot{}, fmt.Errorf("vehicle.weather: %w", err)
		}
		s.VehicleWeather = &wx
	}
	if !isEmpty(w.AC2.Pos) {
		p, err := DecodePosition(w.AC2.Pos)
		if err != nil {
			return model.FusedSnapshot{}, fmt.Errorf("ac2.pos: %w", err)
		}
		s.CompanionPosition = &p
	}
	s.Derived = derivedFromWire(w.Vehicle.Derived)
	return s, nil
}

func derivedToWire(d model.Derived) derivedWire {
	out := derivedWire{
		Avg:      aggregatesToWire(d.Average),
		Filtered: aggregatesToWire(d.Filtered),
	}
	if r := d.Companion; r != nil {
		out.AC2 = &relativeWire{
			SeparationM:  round(r.SeparationM, derivedDistancePlaces),
			BearingDeg:   round(r.BearingDeg, derivedDirPlaces),
			ElevationDeg: round(r.ElevationDeg, derivedAnglePlaces),
			SlantRangeM:  round(r.SlantRangeM, derivedDistancePlaces),
		}
	}
	return out
}

func aggregatesToWire(a model.Aggregates) aggregatesWire {
	return aggregatesWire{
		SpeedMps:   roundPtr(a.SpeedMps, speedPlaces),
		TempC:      roundPtr(a.TemperatureC, temperaturePlaces),
		WindMps:    roundPtr(a.WindSpeedMps, windSpeedPlaces),
		WindDirDeg: roundPtr(a.WindDirDeg, derivedDirPlaces),
	}
}

func (a aggregatesWire) empty() bool {
	return a.SpeedMps == nil && a.TempC == nil && a.WindMps == nil && a.WindDirDeg == nil
}

// derivedFromWire returns nil when the block carries no values at all.
func derivedFromWire(w derivedWire) *model.Derived {
	if w.Avg.empty() && w.Filtered.empty() && w.AC2 == nil {
		return nil
	}
	d := &model.Derived{
		Average: model.Aggregates{
			SpeedMps: w.Avg.SpeedMps, TemperatureC: w.Avg.TempC, WindSpeedMps: w.Avg.WindMps, WindDirDeg: w.Avg.WindDirDeg,
		},
		Filtered: model.Aggregates{
			SpeedMps: w.Filtered.SpeedMps, TemperatureC: w.Filtered.TempC, WindSpeedMps: w.Filtered.WindMps, WindDirDeg: w.Filtered.WindDirDeg,
		},
	}
	if r := w.AC2; r != nil {
		d.Companion = &model.Relative{
			SeparationM:  r.SeparationM,
			BearingDeg:   r.BearingDeg,
			ElevationDeg: r.ElevationDeg,
			SlantRangeM:  r.SlantRangeM,
		}
	}
	return d
}

// EncodeStatus renders a presence message.
func EncodeStatus(m model.StatusMessage) ([]byte, error) {
	return json.Marshal(statusWire{
		TS:       formatTime(m.Timestamp),
		Status:   string(m.Status),
		ClientID: m.ClientID,
	})
}

// DecodeStatus parses a presence message.
func DecodeStatus(payload []byte) (model.StatusMessage, error) {
	var w statusWire
	if err := unmarshalObject(payload, &w); err != nil {
		return model.StatusMessage{}, err
	}
	ts, err := parseTime(w.TS)
	if err != nil {
		return model.StatusMessage{}, err
	}
	switch model.Status(w.Status) {
	case model.StatusOnline, model.StatusOffline:
	default:
		return model.StatusMessage{}, fmt.Errorf("%w: unknown status %q", ErrMalformedPayload, w.Status)
	}
	return model.StatusMessage{Timestamp: ts, Status: model.Status(w.Status), ClientID: w.ClientID}, nil
}

func unmarshalObject(payload []byte, v any) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func requireFields(fields map[string]*float64) error {
	for name, v := range fields {
		if v == nil {
			return fmt.Errorf("%w: missing %s", ErrMalformedPayload, name)
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrMalformedPayload, name)
		}
	}
	return nil
}

func rawOrEmpty(set bool, build func() any) (json.RawMessage, error) {
	if !set {
		return emptyObject, nil
	}
	b, err := json.Marshal(build())
	if err != nil {
		return nil, err
	}
	return b, nil
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return false
	}
	return len(m) == 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(model.TimestampLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing ts", ErrMalformedPayload)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad ts %q", ErrMalformedPayload, s)
	}
	return t.UTC(), nil
}

func provenance(src string) model.Provenance {
	if src == "" {
		return model.ProvenanceLive
	}
	return model.Provenance(src)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	r := math.Round(v*p) / p
	if r == 0 {
		// Avoid publishing -0.
		return 0
	}
	return r
}

func roundPtr(v *float64, places int) *float64 {
	if v == nil {
		return nil
	}
	return ptr(round(*v, places))
}

func ptr(v float64) *float64 { return &v }
