// Package risk implements real-time action risk scoring for the marketplace.
//
// Every sensitive action (signup, login, booking creation) is evaluated
// against 4 weighted rules: request velocity, geographic jump plausibility,
// device novelty, and anomaly feedback from live tracking. Scores range from
// 0.0 (safe) to 1.0 (high risk). Actions at or above the block threshold are
// rejected; the middle band requires a secondary challenge.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/sewago/sentinel/internal/pagination"
	"github.com/sewago/sentinel/internal/signals"
)

// Verdict represents the risk engine's categorical decision for an action.
type Verdict string

const (
	VerdictAllow     Verdict = "allow"
	VerdictChallenge Verdict = "challenge"
	VerdictBlock     Verdict = "block"
)

// Default verdict boundaries. Boundaries are inclusive on the lower bound of
// the stricter bucket: a score of exactly 0.7 blocks, exactly 0.3 challenges.
const (
	DefaultBlockThreshold     = 0.7
	DefaultChallengeThreshold = 0.3
)

// ErrHistoryUnavailable indicates the history store collaborator is degraded.
// The engine fails open to VerdictChallenge: never a silent allow, never a
// fatal error to the caller.
var ErrHistoryUnavailable = errors.New("history store unavailable")

// Decision is the immutable result of evaluating a single action.
type Decision struct {
	ID          string             `json:"id"`
	IdentityKey string             `json:"identityKey"`
	Score       float64            `json:"score"`
	Verdict     Verdict            `json:"verdict"`
	Reasons     []string           `json:"reasons"`
	Factors     map[string]float64 `json:"factors"`
	EvaluatedAt time.Time          `json:"evaluatedAt"`
}

// ActionCounts holds sliding-window action counts for one action type.
type ActionCounts struct {
	LastMinute int `json:"lastMinute"`
	LastHour   int `json:"lastHour"`
	LastDay    int `json:"lastDay"`
}

// History is the per-identity aggregate the engine evaluates against.
// Owned by the history store; the engine reads and appends.
type History struct {
	IdentityKey      string                              `json:"identityKey"`
	Counts           map[signals.ActionType]ActionCounts `json:"counts"`
	LastGeo          *signals.GeoPoint                   `json:"lastGeo,omitempty"`
	LastGeoAt        time.Time                           `json:"lastGeoAt"`
	DeviceSuccesses  map[string]int                      `json:"deviceSuccesses"`
	AnomaliesLastDay int                                 `json:"anomaliesLastDay"`
}

// Store is the history store collaborator contract. Get returns an empty
// History (not an error) for identities with no prior activity; errors mean
// the store itself is degraded. Append records an attempted action; allowed
// reports whether the verdict let the action proceed, which is what device
// novelty counts as a prior success.
type Store interface {
	Get(ctx context.Context, identityKey string) (*History, error)
	Append(ctx context.Context, sig signals.SignalSet, allowed bool) error
	RecordAnomaly(ctx context.Context, identityKey string, at time.Time) error
}

// AuditStore persists decisions for audit trail. ListByIdentity returns
// decisions newest first, strictly older than the cursor when one is given;
// callers fetch limit+1 rows to detect whether more pages exist.
type AuditStore interface {
	Record(ctx context.Context, decision *Decision) error
	ListByIdentity(ctx context.Context, identityKey string, limit int, before *pagination.Cursor) ([]*Decision, error)
}
