package signals

import (
	"errors"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func TestCollectNormalizes(t *testing.T) {
	c := NewCollector().WithClock(fixedClock)

	sig, err := c.Collect(RawSignal{
		IdentityKey:       "  user:ram  ",
		DeviceFingerprint: " AB12-Cd34 ",
		IPOrigin:          "203.0.113.7:54321",
		Action:            ActionLogin,
		Timestamp:         fixedNow.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if sig.IdentityKey != "user:ram" {
		t.Errorf("identity = %q, want trimmed", sig.IdentityKey)
	}
	if sig.DeviceFingerprint != "ab12-cd34" {
		t.Errorf("fingerprint = %q, want lowercased", sig.DeviceFingerprint)
	}
	if sig.IPOrigin != "203.0.113.7" {
		t.Errorf("ip = %q, want port stripped", sig.IPOrigin)
	}
}

func TestCollectFallsBackToFingerprint(t *testing.T) {
	c := NewCollector().WithClock(fixedClock)

	sig, err := c.Collect(RawSignal{
		DeviceFingerprint: "device-zz99",
		Action:            ActionSignup,
		Timestamp:         fixedNow,
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if sig.IdentityKey != "device-zz99" {
		t.Errorf("anonymous identity = %q, want fingerprint", sig.IdentityKey)
	}
}

func TestCollectRejectsMalformed(t *testing.T) {
	c := NewCollector().WithClock(fixedClock)

	cases := []struct {
		name string
		raw  RawSignal
	}{
		{"unknown action", RawSignal{IdentityKey: "u", Action: "transfer", Timestamp: fixedNow}},
		{"missing timestamp", RawSignal{IdentityKey: "u", Action: ActionLogin}},
		{"future timestamp", RawSignal{IdentityKey: "u", Action: ActionLogin, Timestamp: fixedNow.Add(6 * time.Minute)}},
		{"stale timestamp", RawSignal{IdentityKey: "u", Action: ActionLogin, Timestamp: fixedNow.Add(-6 * time.Minute)}},
		{"no identity", RawSignal{Action: ActionLogin, Timestamp: fixedNow}},
		{"bad latitude", RawSignal{IdentityKey: "u", Action: ActionLogin, Timestamp: fixedNow, Geo: &GeoPoint{Lat: 91, Lon: 0}}},
		{"bad longitude", RawSignal{IdentityKey: "u", Action: ActionLogin, Timestamp: fixedNow, Geo: &GeoPoint{Lat: 0, Lon: -181}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Collect(tc.raw)
			if !errors.Is(err, ErrMalformedSignal) {
				t.Fatalf("expected ErrMalformedSignal, got %v", err)
			}
		})
	}
}

func TestCollectAcceptsSkewWithinWindow(t *testing.T) {
	c := NewCollector().WithClock(fixedClock)

	for _, offset := range []time.Duration{-MaxClockSkew, 0, MaxClockSkew} {
		raw := RawSignal{IdentityKey: "u", Action: ActionLogin, Timestamp: fixedNow.Add(offset)}
		if _, err := c.Collect(raw); err != nil {
			t.Errorf("offset %s rejected: %v", offset, err)
		}
	}
}

func TestCollectCopiesGeo(t *testing.T) {
	c := NewCollector().WithClock(fixedClock)

	geo := &GeoPoint{Lat: 27.7172, Lon: 85.3240}
	sig, err := c.Collect(RawSignal{
		IdentityKey: "u",
		Action:      ActionBookingCreate,
		Timestamp:   fixedNow,
		Geo:         geo,
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	geo.Lat = 0 // caller mutation must not leak into the signal
	if sig.Geo.Lat != 27.7172 {
		t.Errorf("geo aliased to caller's pointer")
	}
}

func TestSpeedBetween(t *testing.T) {
	kathmandu := GeoPoint{Lat: 27.7172, Lon: 85.3240}
	pokhara := GeoPoint{Lat: 28.2096, Lon: 83.9856}

	dist := Distance(kathmandu, pokhara)
	if dist < 130 || dist > 170 {
		t.Fatalf("Kathmandu-Pokhara distance = %f km, expected ~145", dist)
	}

	speed := SpeedBetween(kathmandu, pokhara, 2*time.Hour)
	if speed < 65 || speed > 85 {
		t.Errorf("speed = %f km/h, expected ~72", speed)
	}

	// Zero elapsed over nonzero distance is infinitely implausible.
	if s := SpeedBetween(kathmandu, pokhara, 0); !isInf(s) {
		t.Errorf("zero-elapsed speed = %f, want +Inf", s)
	}
	// Standing still is always fine, even with a broken clock.
	if s := SpeedBetween(kathmandu, kathmandu, 0); s != 0 {
		t.Errorf("stationary speed = %f, want 0", s)
	}
}

func isInf(f float64) bool { return f > 1e308 }
