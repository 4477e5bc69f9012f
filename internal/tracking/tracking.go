// Package tracking implements live provider-position tracking for in-progress
// bookings.
//
// Each confirmed booking that passed risk evaluation gets a TrackingSession:
// an explicit state machine (pending → active → stale → closed) holding the
// provider connection, the last plausible position, and the set of subscriber
// connections. The Hub owns the session map, routes provider updates to
// subscribers, sweeps for staleness, and feeds implausible movement back into
// the risk engine as anomaly signals.
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/sewago/sentinel/internal/signals"
)

// State is a tracking session lifecycle state.
type State string

const (
	StatePending State = "pending" // created, provider not yet connected
	StateActive  State = "active"  // provider connected, updates flowing
	StateStale   State = "stale"   // no valid update within the staleness window
	StateClosed  State = "closed"  // terminal; accepts nothing further
)

// Session lifecycle errors. These are surfaced to callers as conflicts or
// no-ops, never retried internally.
var (
	// ErrDuplicateSession indicates a session already exists for the booking.
	ErrDuplicateSession = errors.New("tracking session already exists for booking")
	// ErrSessionNotFound indicates no live session for the booking.
	ErrSessionNotFound = errors.New("no tracking session for booking")
	// ErrAlreadyAttached indicates a different provider connection holds the session.
	ErrAlreadyAttached = errors.New("another provider connection is already attached")
	// ErrSessionClosed indicates the session is closed; closed is absorbing.
	ErrSessionClosed = errors.New("tracking session is closed")
	// ErrNoProvider indicates a position update arrived before any provider attached.
	ErrNoProvider = errors.New("no provider attached to session")
)

// Default sweep windows. Both are soft timeouts enforced by the periodic
// sweep, not by per-call deadlines.
const (
	DefaultStalenessWindow = 30 * time.Second
	DefaultIdleWindow      = 10 * time.Minute
)

// Position is one provider position report.
type Position struct {
	Geo       signals.GeoPoint `json:"geo"`
	Timestamp time.Time        `json:"timestamp"`
}

// AnomalyEvent is emitted when a position update fails plausibility checks.
// The update is discarded, the session keeps its state, and the event is
// forwarded to the risk engine. Reported, not fatal.
type AnomalyEvent struct {
	ID               string    `json:"id"`
	BookingID        string    `json:"bookingId"`
	ProviderIdentity string    `json:"providerIdentity"`
	Reason           string    `json:"reason"`
	Position         Position  `json:"position"`
	ObservedAt       time.Time `json:"observedAt"`
}

// Pusher is the gateway's push primitive: deliver one position to one
// subscriber connection. Implementations must not block the caller.
type Pusher interface {
	PushPosition(connID, bookingID string, pos Position)
}

// AnomalyReporter feeds tracking anomalies back into risk history.
// Implemented by the risk engine.
type AnomalyReporter interface {
	ReportAnomaly(ctx context.Context, identityKey string, at time.Time)
}

// Snapshot is a read-only view of a session for handlers and stats.
type Snapshot struct {
	BookingID        string    `json:"bookingId"`
	State            State     `json:"state"`
	ProviderAttached bool      `json:"providerAttached"`
	LastPosition     *Position `json:"lastPosition,omitempty"`
	Subscribers      int       `json:"subscribers"`
	UpdatesApplied   int64     `json:"updatesApplied"`
	AnomaliesEmitted int64     `json:"anomaliesEmitted"`
	CreatedAt        time.Time `json:"createdAt"`
}
