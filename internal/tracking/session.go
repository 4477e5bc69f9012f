package tracking

import (
	"sync"
	"time"

	"github.com/sewago/sentinel/internal/idgen"
	"github.com/sewago/sentinel/internal/signals"
)

// Session is the per-booking tracking state machine. All transitions are
// serialized under a single mutex: one writer at a time per booking. Closing
// takes the same lock, so an in-flight update completes before the closed
// state is honored and a late update can never resurrect a closed session.
type Session struct {
	bookingID        string
	providerIdentity string

	mu             sync.Mutex
	state          State
	providerConnID string
	lastPosition   *Position
	lastUpdateAt   time.Time // staleness clock; reset on each applied update
	staleSince     time.Time
	subscribers    map[string]struct{}
	updatesApplied int64
	anomalies      int64
	createdAt      time.Time

	now func() time.Time
}

func newSession(bookingID, providerIdentity string, now func() time.Time) *Session {
	return &Session{
		bookingID:        bookingID,
		providerIdentity: providerIdentity,
		state:            StatePending,
		subscribers:      make(map[string]struct{}),
		createdAt:        now(),
		lastUpdateAt:     now(),
		now:              now,
	}
}

// BookingID returns the booking this session tracks.
func (s *Session) BookingID() string { return s.bookingID }

// ProviderIdentity returns the identity key anomalies are reported against.
func (s *Session) ProviderIdentity() string { return s.providerIdentity }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AttachProvider binds a provider connection to the session and activates it.
// Reattaching the same connection is a no-op; a different connection while
// one is attached fails with ErrAlreadyAttached. A session whose provider
// dropped (connection detached but not yet swept stale) accepts a fresh
// connection.
func (s *Session) AttachProvider(connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.providerConnID != "" && s.providerConnID != connID {
		return ErrAlreadyAttached
	}
	s.providerConnID = connID
	s.state = StateActive
	s.staleSince = time.Time{}
	s.lastUpdateAt = s.now()
	return nil
}

// DetachProvider releases the provider connection if connID holds it. The
// session stays in its current state: a provider disconnect is not treated
// as closure, staleness advances it naturally if the drop persists.
func (s *Session) DetachProvider(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.providerConnID == connID {
		s.providerConnID = ""
	}
}

// RecordPosition applies one position update. Valid only in Active or Stale.
// The update must carry a strictly increasing timestamp and imply a travel
// speed within the plausibility ceiling; otherwise it is discarded, the
// session keeps its state, and an AnomalyEvent is returned. On success the
// staleness clock resets, Stale transitions back to Active, and the current
// subscriber set is returned for fan-out.
func (s *Session) RecordPosition(pos Position) (subs []string, anomaly *AnomalyEvent, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return nil, nil, ErrSessionClosed
	case StatePending:
		return nil, nil, ErrNoProvider
	}

	if s.lastPosition != nil {
		if !pos.Timestamp.After(s.lastPosition.Timestamp) {
			return nil, s.anomaly("timestamp_not_increasing", pos), nil
		}
		elapsed := pos.Timestamp.Sub(s.lastPosition.Timestamp)
		if speed := signals.SpeedBetween(s.lastPosition.Geo, pos.Geo, elapsed); speed > signals.MaxPlausibleSpeedKmh {
			return nil, s.anomaly("implausible_speed", pos), nil
		}
	}

	p := pos
	s.lastPosition = &p
	s.lastUpdateAt = s.now()
	s.updatesApplied++
	if s.state == StateStale {
		s.state = StateActive
		s.staleSince = time.Time{}
	}

	subs = make([]string, 0, len(s.subscribers))
	for id := range s.subscribers {
		subs = append(subs, id)
	}
	return subs, nil, nil
}

// anomaly builds an AnomalyEvent. Caller holds the lock.
func (s *Session) anomaly(reason string, pos Position) *AnomalyEvent {
	s.anomalies++
	return &AnomalyEvent{
		ID:               idgen.WithPrefix("anom_"),
		BookingID:        s.bookingID,
		ProviderIdentity: s.providerIdentity,
		Reason:           reason,
		Position:         pos,
		ObservedAt:       s.now(),
	}
}

// Subscribe adds a customer connection. Valid in any non-closed state.
func (s *Session) Subscribe(connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.subscribers[connID] = struct{}{}
	return nil
}

// Unsubscribe removes a customer connection. Unknown connections are a no-op;
// a closed session reports ErrSessionClosed so stale callers can stop.
func (s *Session) Unsubscribe(connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	delete(s.subscribers, connID)
	return nil
}

// Close transitions to the absorbing closed state. Idempotent. Any update
// in flight finishes under the session lock before closure is honored.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.providerConnID = ""
	s.subscribers = make(map[string]struct{})
}

// markStaleIfIdle transitions Active → Stale when no update has arrived
// within window. Returns true on transition. Called by the hub's sweep.
func (s *Session) markStaleIfIdle(now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	if now.Sub(s.lastUpdateAt) <= window {
		return false
	}
	s.state = StateStale
	s.staleSince = now
	return true
}

// evictable reports whether the sweep should close and drop this session:
// already closed, continuously stale past the idle window, or still pending
// past the idle window because no provider ever connected. Pending aging
// keeps abandoned bookings from pinning sessions forever.
func (s *Session) evictable(now time.Time, idleWindow time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return true
	case StatePending:
		return now.Sub(s.createdAt) > idleWindow
	case StateStale:
		return !s.staleSince.IsZero() && now.Sub(s.staleSince) > idleWindow
	}
	return false
}

// Snapshot returns a read-only view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		BookingID:        s.bookingID,
		State:            s.state,
		ProviderAttached: s.providerConnID != "",
		Subscribers:      len(s.subscribers),
		UpdatesApplied:   s.updatesApplied,
		AnomaliesEmitted: s.anomalies,
		CreatedAt:        s.createdAt,
	}
	if s.lastPosition != nil {
		p := *s.lastPosition
		snap.LastPosition = &p
	}
	return snap
}
