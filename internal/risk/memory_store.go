package risk

import (
	"context"
	"sync"
	"time"

	"github.com/sewago/sentinel/internal/signals"
)

const (
	maxWindowSize  = 1000
	windowDuration = 24 * time.Hour
)

type historyEntry struct {
	action      signals.ActionType
	fingerprint string
	geo         *signals.GeoPoint
	allowed     bool
	ts          time.Time
}

// MemoryStore is an in-memory implementation of Store for single-node and
// test use. Entries older than 24h are pruned on append; each identity's
// window is capped at maxWindowSize entries.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string][]historyEntry
	anomalies map[string][]time.Time
	now       func() time.Time
}

// NewMemoryStore creates an in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string][]historyEntry),
		anomalies: make(map[string][]time.Time),
		now:       time.Now,
	}
}

// WithClock overrides the store's clock (for tests).
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Get(ctx context.Context, identityKey string) (*History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	h := &History{
		IdentityKey:     identityKey,
		Counts:          make(map[signals.ActionType]ActionCounts),
		DeviceSuccesses: make(map[string]int),
	}

	for _, e := range s.entries[identityKey] {
		age := now.Sub(e.ts)
		if age > windowDuration {
			continue
		}
		c := h.Counts[e.action]
		c.LastDay++
		if age <= time.Hour {
			c.LastHour++
		}
		if age <= time.Minute {
			c.LastMinute++
		}
		h.Counts[e.action] = c

		if e.allowed && e.fingerprint != "" {
			h.DeviceSuccesses[e.fingerprint]++
		}
		if e.geo != nil && e.ts.After(h.LastGeoAt) {
			geo := *e.geo
			h.LastGeo = &geo
			h.LastGeoAt = e.ts
		}
	}

	cutoff := now.Add(-windowDuration)
	for _, at := range s.anomalies[identityKey] {
		if at.After(cutoff) {
			h.AnomaliesLastDay++
		}
	}
	return h, nil
}

func (s *MemoryStore) Append(ctx context.Context, sig signals.SignalSet, allowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := historyEntry{
		action:      sig.Action,
		fingerprint: sig.DeviceFingerprint,
		allowed:     allowed,
		ts:          sig.Timestamp,
	}
	if sig.Geo != nil {
		geo := *sig.Geo
		e.geo = &geo
	}

	key := sig.IdentityKey
	s.entries[key] = append(s.entries[key], e)
	s.prune(key)
	return nil
}

func (s *MemoryStore) RecordAnomaly(ctx context.Context, identityKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies[identityKey] = append(s.anomalies[identityKey], at)
	return nil
}

// prune removes expired entries and caps the window. Caller holds the lock.
func (s *MemoryStore) prune(key string) {
	cutoff := s.now().Add(-windowDuration)

	entries := s.entries[key]
	start := 0
	for start < len(entries) && entries[start].ts.Before(cutoff) {
		start++
	}
	if start > 0 {
		entries = entries[start:]
	}
	if len(entries) > maxWindowSize {
		entries = entries[len(entries)-maxWindowSize:]
	}
	s.entries[key] = entries

	anoms := s.anomalies[key]
	start = 0
	for start < len(anoms) && anoms[start].Before(cutoff) {
		start++
	}
	if start > 0 {
		s.anomalies[key] = anoms[start:]
	}
}
