// Package signals normalizes raw per-request observations (device, network,
// location, timing) into the canonical SignalSet consumed by the risk engine.
package signals

import (
	"math"
	"time"
)

// ActionType identifies the kind of action a signal set describes.
type ActionType string

const (
	ActionSignup         ActionType = "signup"
	ActionLogin          ActionType = "login"
	ActionBookingCreate  ActionType = "booking_create"
	ActionPositionUpdate ActionType = "position_update"
)

// Valid reports whether t is one of the defined action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionSignup, ActionLogin, ActionBookingCreate, ActionPositionUpdate:
		return true
	}
	return false
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is within WGS84 bounds.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// MaxPlausibleSpeedKmh is the ceiling for believable travel speed between
// two observations of the same identity. Commercial jets cruise near 900.
const MaxPlausibleSpeedKmh = 900.0

const earthRadiusKm = 6371.0

// Distance returns the great-circle distance between a and b in kilometers.
func Distance(a, b GeoPoint) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// SpeedBetween returns the implied travel speed in km/h to move from a to b
// in elapsed time dt. Returns +Inf for non-positive dt over a nonzero distance.
func SpeedBetween(a, b GeoPoint, dt time.Duration) float64 {
	d := Distance(a, b)
	if dt <= 0 {
		if d == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return d / dt.Hours()
}

// SignalSet is the canonical, immutable observation for one evaluated action.
// Created fresh per action and never mutated after Collect returns it.
type SignalSet struct {
	IdentityKey       string     `json:"identityKey"`
	DeviceFingerprint string     `json:"deviceFingerprint"`
	IPOrigin          string     `json:"ipOrigin"`
	Geo               *GeoPoint  `json:"geo,omitempty"`
	Action            ActionType `json:"action"`
	Timestamp         time.Time  `json:"timestamp"`
}
