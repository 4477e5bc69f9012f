package signals

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrMalformedSignal indicates a raw signal that is missing required fields
// or carries a timestamp outside the accepted clock-skew window. The action
// is rejected at the boundary; nothing is evaluated or recorded.
var ErrMalformedSignal = errors.New("malformed signal")

// MaxClockSkew is how far a reported timestamp may drift from server time.
const MaxClockSkew = 5 * time.Minute

// RawSignal is the unvalidated per-request input, as bound from the HTTP
// layer. Identity is already authenticated upstream; the collector only
// normalizes, it never authenticates.
type RawSignal struct {
	IdentityKey       string     `json:"identityKey"`
	DeviceFingerprint string     `json:"deviceFingerprint"`
	IPOrigin          string     `json:"ipOrigin"`
	Geo               *GeoPoint  `json:"geo,omitempty"`
	Action            ActionType `json:"action"`
	Timestamp         time.Time  `json:"timestamp"`
}

// Collector normalizes raw signals into SignalSets. Pure transformation,
// no side effects.
type Collector struct {
	now func() time.Time
}

// NewCollector creates a signal collector using the system clock.
func NewCollector() *Collector {
	return &Collector{now: time.Now}
}

// WithClock overrides the collector's clock (for tests).
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Collect validates and normalizes a raw signal. Required fields are the
// action type and a timestamp within ±MaxClockSkew of server time.
func (c *Collector) Collect(raw RawSignal) (SignalSet, error) {
	if !raw.Action.Valid() {
		return SignalSet{}, fmt.Errorf("%w: unknown action type %q", ErrMalformedSignal, raw.Action)
	}
	if raw.Timestamp.IsZero() {
		return SignalSet{}, fmt.Errorf("%w: missing timestamp", ErrMalformedSignal)
	}

	skew := c.now().Sub(raw.Timestamp)
	if skew > MaxClockSkew || skew < -MaxClockSkew {
		return SignalSet{}, fmt.Errorf("%w: timestamp skew %s exceeds ±%s", ErrMalformedSignal, skew.Round(time.Second), MaxClockSkew)
	}

	fingerprint := strings.ToLower(strings.TrimSpace(raw.DeviceFingerprint))
	identity := strings.TrimSpace(raw.IdentityKey)
	if identity == "" {
		// Anonymous pre-signup traffic is keyed by device.
		identity = fingerprint
	}
	if identity == "" {
		return SignalSet{}, fmt.Errorf("%w: no identity key or device fingerprint", ErrMalformedSignal)
	}

	if raw.Geo != nil && !raw.Geo.Valid() {
		return SignalSet{}, fmt.Errorf("%w: coordinate out of range (%f, %f)", ErrMalformedSignal, raw.Geo.Lat, raw.Geo.Lon)
	}

	sig := SignalSet{
		IdentityKey:       identity,
		DeviceFingerprint: fingerprint,
		IPOrigin:          normalizeIP(raw.IPOrigin),
		Action:            raw.Action,
		Timestamp:         raw.Timestamp.UTC(),
	}
	if raw.Geo != nil {
		geo := *raw.Geo
		sig.Geo = &geo
	}
	return sig, nil
}

// normalizeIP strips a port suffix if present and trims whitespace.
// Unparseable origins are passed through trimmed; the engine treats the
// origin as an opaque key.
func normalizeIP(origin string) string {
	origin = strings.TrimSpace(origin)
	if host, _, err := net.SplitHostPort(origin); err == nil {
		return host
	}
	return origin
}
