package risk

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/sewago/sentinel/internal/idgen"
	"github.com/sewago/sentinel/internal/metrics"
	"github.com/sewago/sentinel/internal/retry"
	"github.com/sewago/sentinel/internal/signals"
	"github.com/sewago/sentinel/internal/syncutil"
	"github.com/sewago/sentinel/internal/traces"
)

// Rule weights. The final score is the weighted sum of triggered sub-scores,
// clamped to [0, 1]. Weights intentionally sum past 1.0 so that multiple
// triggered rules saturate the score.
const (
	weightVelocity = 0.6
	weightGeoJump  = 0.8
	weightNovelty  = 0.4
	weightAnomaly  = 0.5
)

const (
	// noveltyMinSuccesses is how many prior allowed actions a device
	// fingerprint needs before it stops counting as novel.
	noveltyMinSuccesses = 3
	// anomalyDayThreshold is how many tracking anomalies in 24h trigger
	// the feedback rule.
	anomalyDayThreshold = 3
)

// velocityThresholds are per-action caps for the 1-minute window.
var velocityThresholds = map[signals.ActionType]int{
	signals.ActionSignup:         3,
	signals.ActionLogin:          10,
	signals.ActionBookingCreate:  5,
	signals.ActionPositionUpdate: 120,
}

// ruleNames in evaluation order. The reasons list preserves this order.
var ruleNames = []string{"velocity", "geo_jump", "device_novelty", "anomaly_feedback"}

// Engine scores actions against per-identity history.
type Engine struct {
	store              Store
	audit              AuditStore
	locks              syncutil.ShardedMutex
	blockThreshold     float64
	challengeThreshold float64
	logger             *slog.Logger
	now                func() time.Time
}

// NewEngine creates a risk scoring engine backed by the given history store.
// The audit store is optional; pass nil to skip the decision audit trail.
func NewEngine(store Store, audit AuditStore, logger *slog.Logger) *Engine {
	return &Engine{
		store:              store,
		audit:              audit,
		blockThreshold:     DefaultBlockThreshold,
		challengeThreshold: DefaultChallengeThreshold,
		logger:             logger,
		now:                time.Now,
	}
}

// WithBlockThreshold overrides the default block threshold.
func (e *Engine) WithBlockThreshold(t float64) *Engine {
	e.blockThreshold = t
	return e
}

// WithChallengeThreshold overrides the default challenge threshold.
func (e *Engine) WithChallengeThreshold(t float64) *Engine {
	e.challengeThreshold = t
	return e
}

// WithClock overrides the engine's clock (for tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate scores one normalized signal set and returns a decision.
// It never fails for well-formed input: history store degradation degrades
// the verdict to challenge instead of surfacing an error. The evaluated
// signal is appended to history regardless of verdict, so history reflects
// attempted actions, not just successful ones.
func (e *Engine) Evaluate(ctx context.Context, sig signals.SignalSet) *Decision {
	ctx, span := traces.StartSpan(ctx, "risk.Evaluate",
		traces.IdentityKey(sig.IdentityKey),
		traces.Action(string(sig.Action)),
	)
	defer span.End()

	// Serialize evaluate+append per identity so concurrent evaluations
	// do not interleave their history reads and writes.
	unlock := e.locks.Lock(sig.IdentityKey)
	defer unlock()

	var decision *Decision
	history, err := e.store.Get(ctx, sig.IdentityKey)
	if err != nil {
		metrics.HistoryStoreFailures.Inc()
		e.logger.Warn("history lookup failed, failing open to challenge",
			"identity", sig.IdentityKey, "error", err)
		decision = e.failOpen(sig)
	} else {
		decision = e.score(sig, history)
	}

	e.append(ctx, sig, decision.Verdict != VerdictBlock)

	metrics.RiskEvaluations.WithLabelValues(string(decision.Verdict)).Inc()
	traces.SetVerdict(span, string(decision.Verdict))

	if e.audit != nil {
		d := *decision
		go func() {
			_ = e.audit.Record(context.Background(), &d)
		}()
	}
	return decision
}

// ReportAnomaly records a tracking anomaly against an identity so the
// anomaly-feedback rule sees it on future evaluations. Best effort.
func (e *Engine) ReportAnomaly(ctx context.Context, identityKey string, at time.Time) {
	metrics.TrackingAnomalies.Inc()
	if err := e.store.RecordAnomaly(ctx, identityKey, at); err != nil {
		metrics.HistoryStoreFailures.Inc()
		e.logger.Warn("failed to record anomaly", "identity", identityKey, "error", err)
	}
}

// score runs the ordered rule list and maps the weighted sum to a verdict.
func (e *Engine) score(sig signals.SignalSet, history *History) *Decision {
	factors := map[string]float64{
		"velocity":         e.velocityRule(sig, history),
		"geo_jump":         e.geoJumpRule(sig, history),
		"device_novelty":   e.noveltyRule(sig, history),
		"anomaly_feedback": e.anomalyRule(history),
	}
	weights := map[string]float64{
		"velocity":         weightVelocity,
		"geo_jump":         weightGeoJump,
		"device_novelty":   weightNovelty,
		"anomaly_feedback": weightAnomaly,
	}

	score := 0.0
	var reasons []string
	for _, name := range ruleNames {
		if factors[name] > 0 {
			score += factors[name] * weights[name]
			reasons = append(reasons, name)
			metrics.RiskRuleTriggers.WithLabelValues(name).Inc()
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}

	return &Decision{
		ID:          idgen.WithPrefix("risk_"),
		IdentityKey: sig.IdentityKey,
		Score:       math.Round(score*1000) / 1000,
		Verdict:     e.verdict(score),
		Reasons:     reasons,
		Factors:     factors,
		EvaluatedAt: e.now(),
	}
}

// verdict maps a score to a verdict. Lower bounds are inclusive for the
// stricter bucket.
func (e *Engine) verdict(score float64) Verdict {
	switch {
	case score >= e.blockThreshold:
		return VerdictBlock
	case score >= e.challengeThreshold:
		return VerdictChallenge
	default:
		return VerdictAllow
	}
}

// failOpen is the degraded-store decision: always challenge, never allow.
func (e *Engine) failOpen(sig signals.SignalSet) *Decision {
	return &Decision{
		ID:          idgen.WithPrefix("risk_"),
		IdentityKey: sig.IdentityKey,
		Score:       0.5,
		Verdict:     VerdictChallenge,
		Reasons:     []string{"history_unavailable"},
		Factors:     map[string]float64{},
		EvaluatedAt: e.now(),
	}
}

// append records the attempted action in history, with a short retry since
// a missed append skews future velocity windows. Failure is logged, never
// surfaced to the caller.
func (e *Engine) append(ctx context.Context, sig signals.SignalSet, allowed bool) {
	err := retry.Do(ctx, 2, 50*time.Millisecond, func() error {
		return e.store.Append(ctx, sig, allowed)
	})
	if err != nil {
		metrics.HistoryStoreFailures.Inc()
		e.logger.Warn("history append failed", "identity", sig.IdentityKey, "error", err)
	}
}

// velocityRule: flags when the 1-minute action count (including this one)
// exceeds the per-action threshold. Monotone non-decreasing in the count.
func (e *Engine) velocityRule(sig signals.SignalSet, history *History) float64 {
	threshold, ok := velocityThresholds[sig.Action]
	if !ok {
		return 0.0
	}
	count := history.Counts[sig.Action].LastMinute + 1
	if count <= threshold {
		return 0.0
	}
	// 2x the threshold saturates at 1.0.
	score := float64(count)/float64(threshold) - 1.0
	if score > 1.0 {
		score = 1.0
	}
	return math.Round(score*1000) / 1000
}

// geoJumpRule: flags when the implied travel speed from the last known
// position exceeds the plausibility ceiling. Ratio of 2x the ceiling or
// more scores 1.0.
func (e *Engine) geoJumpRule(sig signals.SignalSet, history *History) float64 {
	if sig.Geo == nil || history.LastGeo == nil || history.LastGeoAt.IsZero() {
		return 0.0
	}
	elapsed := sig.Timestamp.Sub(history.LastGeoAt)
	if elapsed < 0 {
		return 0.0 // out-of-order signal, velocity rule covers replays
	}
	speed := signals.SpeedBetween(*history.LastGeo, *sig.Geo, elapsed)
	ratio := speed / signals.MaxPlausibleSpeedKmh
	if ratio <= 1.0 {
		return 0.0
	}
	score := ratio / 2.0
	if score > 1.0 {
		score = 1.0
	}
	return math.Round(score*1000) / 1000
}

// noveltyRule: a device fingerprint with no prior allowed actions scores
// 1.0, a lightly-seen one 0.5, an established one 0.0. Signals without a
// fingerprint are not scored by this rule.
func (e *Engine) noveltyRule(sig signals.SignalSet, history *History) float64 {
	if sig.DeviceFingerprint == "" {
		return 0.0
	}
	successes := history.DeviceSuccesses[sig.DeviceFingerprint]
	switch {
	case successes >= noveltyMinSuccesses:
		return 0.0
	case successes >= 1:
		return 0.5
	default:
		return 1.0
	}
}

// anomalyRule: flags identities whose tracking behavior produced repeated
// anomalies in the last 24 hours.
func (e *Engine) anomalyRule(history *History) float64 {
	if history.AnomaliesLastDay < anomalyDayThreshold {
		return 0.0
	}
	score := float64(history.AnomaliesLastDay) / float64(2*anomalyDayThreshold)
	if score > 1.0 {
		score = 1.0
	}
	return math.Round(score*1000) / 1000
}
