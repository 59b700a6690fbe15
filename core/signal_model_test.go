package core

import (
	"math"
	"testing"
	"time"
)

func TestSignalModel_EastboundScenario(t *testing.T) {
	const (
		rateHz = 10.0
		dur    = 5.0
	)
	dt := 1 / rateHz

	vp := VehicleParams("pace_vehicle")
	vp.SpeedAmplitudeMps = 0
	m := NewSignalModel("pace_vehicle", "AC2",
		WithoutNoise(),
		WithStart(51.66, -2.06),
		WithVehicleParams(vp),
	)

	start := time.Date(2025, 5, 17, 10, 0, 0, 0, time.UTC)
	n := int(math.Round(dur * rateHz))
	bound := vp.AltitudeExcursionBound(dt)

	prevLon := math.Inf(-1)
	var samples int
	for i := 0; i < n; i++ {
		elapsed := float64(i) * dt
		v, _ := m.StepPositions(elapsed, dt, start.Add(time.Duration(elapsed*float64(time.Second))))
		samples++

		if v.SpeedMps != 13 {
			t.Fatalf("sample %d: speed = %v, want 13", i, v.SpeedMps)
		}
		if v.Longitude <= prevLon {
			t.Fatalf("sample %d: longitude %v not increasing from %v", i, v.Longitude, prevLon)
		}
		prevLon = v.Longitude
		if d := math.Abs(v.Latitude - 51.66); d >= 0.001 {
			t.Fatalf("sample %d: latitude moved %v deg, want < 0.001", i, d)
		}
		alt := math.Round(v.AltitudeM*10) / 10
		if d := math.Abs(alt - vp.InitialAltitudeM); d > bound+0.05 {
			t.Fatalf("sample %d: altitude %v strays %v m from start, want <= %v", i, alt, d, bound)
		}
	}
	if samples != 50 {
		t.Fatalf("samples = %d, want 50", samples)
	}
}

func TestSignalModel_CompanionFollowsVehicleSpeed(t *testing.T) {
	m := NewSignalModel("v", "c", WithoutNoise())
	v, c := m.StepPositions(0, 0.1, time.Unix(0, 0))

	want := clamp(2*v.SpeedMps, m.CompanionParams().MinSpeedMps, m.CompanionParams().MaxSpeedMps)
	if c.SpeedMps != want {
		t.Fatalf("companion speed = %v, want %v", c.SpeedMps, want)
	}
	if c.Source != "c" || v.Source != "v" {
		t.Fatalf("sources = (%q,%q), want (v,c)", v.Source, c.Source)
	}
}

func TestSignalModel_SeedIsReproducible(t *testing.T) {
	a := NewSignalModel("v", "c", WithSeed(99))
	b := NewSignalModel("v", "c", WithSeed(99))
	at := time.Unix(1700000000, 0)

	for i := 0; i < 100; i++ {
		tt := float64(i) * 0.1
		va, ca := a.StepPositions(tt, 0.1, at)
		vb, cb := b.StepPositions(tt, 0.1, at)
		if va != vb || ca != cb {
			t.Fatalf("tick %d diverged: %+v vs %+v", i, va, vb)
		}
	}
}

func TestWeather_StaysWithinBounds(t *testing.T) {
	m := NewSignalModel("v", "c", WithSeed(3))
	at := time.Unix(0, 0)

	for i := 0; i < 10000; i++ {
		w := m.Weather(float64(i)*0.5, at)
		if w.HumidityPct < 0 || w.HumidityPct > 100 {
			t.Fatalf("humidity = %v, want in [0,100]", w.HumidityPct)
		}
		if w.WindSpeedMps < 0 || w.WindSpeedMps > 25 {
			t.Fatalf("wind = %v, want in [0,25]", w.WindSpeedMps)
		}
		if w.WindDirDeg < 0 || w.WindDirDeg >= 360 {
			t.Fatalf("wind dir = %v, want in [0,360)", w.WindDirDeg)
		}
		if w.PressureHPa < 870 || w.PressureHPa > 1085 {
			t.Fatalf("pressure = %v, want in [870,1085]", w.PressureHPa)
		}
		if w.Source != "v" {
			t.Fatalf("source = %q, want v", w.Source)
		}
	}
}

func TestSignal_ClampAndWrap(t *testing.T) {
	clamped := Signal{Base: 30, Noise: 10, Clamp: true, Min: 0, Max: 25}
	if got := clamped.Eval(0, fixedJitter(1)); got != 25 {
		t.Fatalf("clamped Eval = %v, want 25", got)
	}
	wrapped := Signal{Base: 350, Noise: 20, Wrap: true}
	if got := wrapped.Eval(0, fixedJitter(1)); math.Abs(got-10) > 1e-9 {
		t.Fatalf("wrapped Eval = %v, want 10", got)
	}
	noiseless := Signal{Base: 22, Amplitude: 2, Omega: 0.25}
	want := 22 + 2*math.Sin(0.25*3)
	if got := noiseless.Eval(3, noJitter{}); math.Abs(got-want) > 1e-12 {
		t.Fatalf("Eval = %v, want %v", got, want)
	}
}
