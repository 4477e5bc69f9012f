package gateway

import (
	"encoding/json"
	"time"

	"github.com/sewago/sentinel/internal/signals"
	"github.com/sewago/sentinel/internal/tracking"
)

// Role is the declared purpose of a connection, fixed by its first message.
type Role string

const (
	RoleProvider   Role = "provider"
	RoleSubscriber Role = "subscriber"
)

// Message kinds on the wire. Unknown kinds are ignored so the protocol can
// grow without breaking older clients.
const (
	KindRoleAnnounce   = "role-announce"
	KindPositionUpdate = "position-update"
	KindPositionPushed = "position-pushed"
)

// inbound is the union of all client-to-server messages. Kind selects which
// fields are meaningful.
type inbound struct {
	Kind      string    `json:"kind"`
	Role      Role      `json:"role,omitempty"`
	BookingID string    `json:"bookingId,omitempty"`
	Lat       float64   `json:"lat,omitempty"`
	Lon       float64   `json:"lon,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// position extracts the tracking position from a position-update message.
func (m *inbound) position() tracking.Position {
	return tracking.Position{
		Geo:       signals.GeoPoint{Lat: m.Lat, Lon: m.Lon},
		Timestamp: m.Timestamp,
	}
}

// pushed is the server-to-subscriber fan-out frame.
type pushed struct {
	Kind      string    `json:"kind"`
	BookingID string    `json:"bookingId"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// encodePushed serializes one accepted position for a subscriber. Marshal
// cannot fail for this shape.
func encodePushed(bookingID string, pos tracking.Position) []byte {
	b, _ := json.Marshal(pushed{
		Kind:      KindPositionPushed,
		BookingID: bookingID,
		Lat:       pos.Geo.Lat,
		Lon:       pos.Geo.Lon,
		Timestamp: pos.Timestamp,
	})
	return b
}
