package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sewago/sentinel/internal/metrics"
	"github.com/sewago/sentinel/internal/traces"
)

// Hub owns the map of live tracking sessions, keyed by booking ID. The map
// has its own lock, distinct from each session's lock: opening and closing
// sessions contends only on the map, routing contends only on the session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	pusher   Pusher
	reporter AnomalyReporter
	logger   *slog.Logger

	stalenessWindow time.Duration
	idleWindow      time.Duration
	now             func() time.Time
}

// NewHub creates a tracking hub. The pusher is attached later by the
// gateway via SetPusher; until then fan-out is skipped.
func NewHub(reporter AnomalyReporter, logger *slog.Logger) *Hub {
	return &Hub{
		sessions:        make(map[string]*Session),
		reporter:        reporter,
		logger:          logger,
		stalenessWindow: DefaultStalenessWindow,
		idleWindow:      DefaultIdleWindow,
		now:             time.Now,
	}
}

// WithWindows overrides the staleness and idle-eviction windows.
func (h *Hub) WithWindows(staleness, idle time.Duration) *Hub {
	h.stalenessWindow = staleness
	h.idleWindow = idle
	return h
}

// WithClock overrides the hub's clock (for tests). Affects sessions opened
// after the call.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// SetPusher attaches the gateway's push primitive for fan-out.
func (h *Hub) SetPusher(p Pusher) {
	h.mu.Lock()
	h.pusher = p
	h.mu.Unlock()
}

// OpenSession creates a session for a booking whose risk verdict allowed it.
// Called by the booking lifecycle hook on confirmation.
func (h *Hub) OpenSession(bookingID, providerIdentity string) (*Session, error) {
	h.mu.Lock()
	if _, exists := h.sessions[bookingID]; exists {
		h.mu.Unlock()
		return nil, ErrDuplicateSession
	}
	s := newSession(bookingID, providerIdentity, h.now)
	h.sessions[bookingID] = s
	total := len(h.sessions)
	h.mu.Unlock()

	h.refreshSessionGauge()
	h.logger.Info("tracking session opened", "booking", bookingID, "total", total)
	return s, nil
}

// CloseSession closes and evicts the session for a booking. Idempotent:
// closing an absent booking is a no-op with the same observable outcome
// (no session). Called by the booking lifecycle hook on completion or
// cancellation.
func (h *Hub) CloseSession(bookingID string) {
	h.mu.Lock()
	s, ok := h.sessions[bookingID]
	if ok {
		delete(h.sessions, bookingID)
	}
	remaining := len(h.sessions)
	h.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	h.refreshSessionGauge()
	h.logger.Info("tracking session closed", "booking", bookingID, "total", remaining)
}

// Get returns the live session for a booking.
func (h *Hub) Get(bookingID string) (*Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[bookingID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// AttachProvider binds a provider connection to a booking's session.
func (h *Hub) AttachProvider(bookingID, connID string) error {
	s, err := h.Get(bookingID)
	if err != nil {
		return err
	}
	if err := s.AttachProvider(connID); err != nil {
		return err
	}
	h.refreshSessionGauge()
	return nil
}

// DetachProvider releases a provider connection without closing the session.
func (h *Hub) DetachProvider(bookingID, connID string) {
	if s, err := h.Get(bookingID); err == nil {
		s.DetachProvider(connID)
	}
}

// Subscribe adds a customer connection to a booking's session.
func (h *Hub) Subscribe(bookingID, connID string) error {
	s, err := h.Get(bookingID)
	if err != nil {
		return err
	}
	return s.Subscribe(connID)
}

// Unsubscribe removes a customer connection from a booking's session.
func (h *Hub) Unsubscribe(bookingID, connID string) {
	if s, err := h.Get(bookingID); err == nil {
		_ = s.Unsubscribe(connID)
	}
}

// RouteProviderUpdate applies a provider position to the booking's session
// and fans the accepted position out to all current subscribers. A position
// failing plausibility is discarded and forwarded to the risk engine as an
// anomaly for the provider's identity: no fan-out, no error to the caller.
func (h *Hub) RouteProviderUpdate(ctx context.Context, bookingID string, pos Position) error {
	ctx, span := traces.StartSpan(ctx, "tracking.RouteProviderUpdate", traces.BookingID(bookingID))
	defer span.End()

	s, err := h.Get(bookingID)
	if err != nil {
		return err
	}

	subs, anomaly, err := s.RecordPosition(pos)
	if err != nil {
		return err
	}
	if anomaly != nil {
		metrics.PositionUpdates.WithLabelValues("discarded").Inc()
		h.logger.Warn("position update discarded",
			"booking", bookingID,
			"reason", anomaly.Reason,
			"anomaly", anomaly.ID,
		)
		if h.reporter != nil {
			h.reporter.ReportAnomaly(ctx, anomaly.ProviderIdentity, anomaly.ObservedAt)
		}
		return nil
	}

	metrics.PositionUpdates.WithLabelValues("applied").Inc()
	h.refreshSessionGauge()

	h.mu.RLock()
	pusher := h.pusher
	h.mu.RUnlock()
	if pusher == nil {
		return nil
	}
	for _, connID := range subs {
		pusher.PushPosition(connID, bookingID, pos)
	}
	return nil
}

// Sweep scans all sessions once: Active sessions past the staleness window
// become Stale; sessions closed, continuously stale past the idle window, or
// pending that long with no provider are closed and evicted to bound memory.
// Returns (marked stale, evicted).
func (h *Hub) Sweep() (stale, evicted int) {
	now := h.now()

	h.mu.RLock()
	snapshot := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	var evict []string
	for _, s := range snapshot {
		if s.markStaleIfIdle(now, h.stalenessWindow) {
			stale++
			h.logger.Info("tracking session went stale", "booking", s.BookingID())
		}
		if s.evictable(now, h.idleWindow) {
			evict = append(evict, s.BookingID())
		}
	}

	for _, bookingID := range evict {
		h.mu.Lock()
		s, ok := h.sessions[bookingID]
		if ok {
			delete(h.sessions, bookingID)
		}
		h.mu.Unlock()
		if ok {
			s.Close()
			evicted++
			h.logger.Info("tracking session evicted", "booking", bookingID)
		}
	}

	h.refreshSessionGauge()
	return stale, evicted
}

// Stats returns hub counters for the debug endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	byState := map[State]int{}
	for _, s := range h.sessions {
		byState[s.State()]++
	}
	return map[string]interface{}{
		"sessions": len(h.sessions),
		"pending":  byState[StatePending],
		"active":   byState[StateActive],
		"stale":    byState[StateStale],
	}
}

// refreshSessionGauge recomputes the per-state session gauge.
func (h *Hub) refreshSessionGauge() {
	h.mu.RLock()
	byState := map[State]int{}
	for _, s := range h.sessions {
		byState[s.State()]++
	}
	h.mu.RUnlock()

	for _, st := range []State{StatePending, StateActive, StateStale} {
		metrics.ActiveTrackingSessions.WithLabelValues(string(st)).Set(float64(byState[st]))
	}
}
