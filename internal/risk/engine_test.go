package risk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sewago/sentinel/internal/signals"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(store Store) *Engine {
	return NewEngine(store, nil, testLogger())
}

func loginSignal(identity, fingerprint string, at time.Time) signals.SignalSet {
	return signals.SignalSet{
		IdentityKey:       identity,
		DeviceFingerprint: fingerprint,
		IPOrigin:          "203.0.113.7",
		Action:            signals.ActionLogin,
		Timestamp:         at,
	}
}

func TestFreshDeviceChallenges(t *testing.T) {
	engine := testEngine(NewMemoryStore())

	sig := loginSignal("user:ram", "device-aa11", time.Now())
	decision := engine.Evaluate(context.Background(), sig)

	if decision.Verdict != VerdictChallenge {
		t.Fatalf("fresh device: expected challenge, got %s (score %f, factors %v)",
			decision.Verdict, decision.Score, decision.Factors)
	}
	if decision.Factors["device_novelty"] != 1.0 {
		t.Errorf("novelty factor = %f, want 1.0", decision.Factors["device_novelty"])
	}
	if len(decision.Reasons) != 1 || decision.Reasons[0] != "device_novelty" {
		t.Errorf("reasons = %v, want [device_novelty]", decision.Reasons)
	}
}

func TestEstablishedDeviceAllows(t *testing.T) {
	store := NewMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()

	// Three prior allowed logins on the same fingerprint, spread over hours
	// so the velocity window stays quiet.
	for i := 1; i <= 3; i++ {
		sig := loginSignal("user:sita", "device-bb22", time.Now().Add(-time.Duration(i)*time.Hour))
		if err := store.Append(ctx, sig, true); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}

	decision := engine.Evaluate(ctx, loginSignal("user:sita", "device-bb22", time.Now()))
	if decision.Verdict != VerdictAllow {
		t.Fatalf("established device: expected allow, got %s (factors %v)",
			decision.Verdict, decision.Factors)
	}
	if decision.Score != 0.0 {
		t.Errorf("score = %f, want 0.0", decision.Score)
	}
	if len(decision.Reasons) != 0 {
		t.Errorf("reasons = %v, want empty", decision.Reasons)
	}
}

func TestGeoJumpBlocks(t *testing.T) {
	store := NewMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()
	now := time.Now()

	// Last seen in Kathmandu two seconds ago.
	kathmandu := signals.GeoPoint{Lat: 27.7172, Lon: 85.3240}
	seed := loginSignal("user:hari", "device-cc33", now.Add(-2*time.Second))
	seed.Geo = &kathmandu
	if err := store.Append(ctx, seed, true); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	// Now logging in from Pokhara, ~140km away. Implied speed is wildly past
	// the plausibility ceiling, so geo_jump saturates at 1.0.
	pokhara := signals.GeoPoint{Lat: 28.2096, Lon: 83.9856}
	sig := loginSignal("user:hari", "device-cc33", now)
	sig.Geo = &pokhara

	decision := engine.Evaluate(ctx, sig)
	if decision.Verdict != VerdictBlock {
		t.Fatalf("geo jump: expected block, got %s (score %f, factors %v)",
			decision.Verdict, decision.Score, decision.Factors)
	}
	if decision.Factors["geo_jump"] != 1.0 {
		t.Errorf("geo_jump factor = %f, want 1.0", decision.Factors["geo_jump"])
	}
}

func TestGeoJumpIgnoresPlausibleTravel(t *testing.T) {
	store := NewMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()
	now := time.Now()

	kathmandu := signals.GeoPoint{Lat: 27.7172, Lon: 85.3240}
	seed := loginSignal("user:gita", "device-dd44", now.Add(-6*time.Hour))
	seed.Geo = &kathmandu
	if err := store.Append(ctx, seed, true); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	// Pokhara six hours later is an ordinary bus ride.
	pokhara := signals.GeoPoint{Lat: 28.2096, Lon: 83.9856}
	sig := loginSignal("user:gita", "device-dd44", now)
	sig.Geo = &pokhara

	decision := engine.Evaluate(ctx, sig)
	if decision.Factors["geo_jump"] != 0.0 {
		t.Errorf("plausible travel flagged: geo_jump = %f", decision.Factors["geo_jump"])
	}
}

func TestVelocityFlagsBurst(t *testing.T) {
	store := NewMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()
	now := time.Now()

	// Ten logins in the last minute sit exactly at the threshold; the
	// eleventh evaluation tips over it.
	for i := 0; i < 10; i++ {
		sig := loginSignal("user:burst", "device-ee55", now.Add(-time.Duration(i)*time.Second))
		if err := store.Append(ctx, sig, true); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}

	decision := engine.Evaluate(ctx, loginSignal("user:burst", "device-ee55", now))
	if decision.Factors["velocity"] <= 0.0 {
		t.Errorf("burst not flagged: velocity = %f", decision.Factors["velocity"])
	}
}

func TestVelocityMonotonic(t *testing.T) {
	// The velocity sub-score must never decrease as the 1-minute count
	// grows, holding everything else fixed.
	engine := testEngine(NewMemoryStore())
	sig := loginSignal("user:mono", "", time.Now())

	prev := -1.0
	for count := 0; count <= 40; count++ {
		history := &History{
			IdentityKey: "user:mono",
			Counts: map[signals.ActionType]ActionCounts{
				signals.ActionLogin: {LastMinute: count},
			},
		}
		score := engine.velocityRule(sig, history)
		if score < prev {
			t.Fatalf("velocity not monotone: count %d scored %f after %f", count, score, prev)
		}
		prev = score
	}
	if prev != 1.0 {
		t.Errorf("velocity should saturate at 1.0, peaked at %f", prev)
	}
}

func TestAnomalyFeedbackEscalates(t *testing.T) {
	store := NewMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()
	now := time.Now()

	// Below the threshold the rule stays silent.
	for i := 0; i < 2; i++ {
		if err := store.RecordAnomaly(ctx, "provider:42", now.Add(-time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("record anomaly: %v", err)
		}
	}
	decision := engine.Evaluate(ctx, loginSignal("provider:42", "", now))
	if decision.Factors["anomaly_feedback"] != 0.0 {
		t.Errorf("2 anomalies flagged early: %f", decision.Factors["anomaly_feedback"])
	}

	// The third anomaly crosses it.
	if err := store.RecordAnomaly(ctx, "provider:42", now); err != nil {
		t.Fatalf("record anomaly: %v", err)
	}
	decision = engine.Evaluate(ctx, loginSignal("provider:42", "", now))
	if decision.Factors["anomaly_feedback"] != 0.5 {
		t.Errorf("anomaly_feedback = %f, want 0.5", decision.Factors["anomaly_feedback"])
	}
	if decision.Verdict != VerdictAllow {
		// 0.5 * 0.5 weight = 0.25, still under the challenge boundary on its own.
		t.Errorf("anomaly feedback alone should not challenge, got %s", decision.Verdict)
	}
}

func TestReasonsFollowRuleOrder(t *testing.T) {
	store := NewMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()
	now := time.Now()

	// Trigger velocity, novelty, and anomaly feedback together.
	for i := 0; i < 15; i++ {
		sig := loginSignal("user:multi", "device-old", now.Add(-time.Duration(i)*time.Second))
		if err := store.Append(ctx, sig, true); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := store.RecordAnomaly(ctx, "user:multi", now); err != nil {
			t.Fatalf("record anomaly: %v", err)
		}
	}

	decision := engine.Evaluate(ctx, loginSignal("user:multi", "device-new", now))
	want := []string{"velocity", "device_novelty", "anomaly_feedback"}
	if len(decision.Reasons) != len(want) {
		t.Fatalf("reasons = %v, want %v", decision.Reasons, want)
	}
	for i, r := range want {
		if decision.Reasons[i] != r {
			t.Fatalf("reasons = %v, want %v", decision.Reasons, want)
		}
	}
}

func TestFailOpenToChallenge(t *testing.T) {
	engine := testEngine(&failingStore{})

	decision := engine.Evaluate(context.Background(), loginSignal("user:down", "device-ff66", time.Now()))
	if decision.Verdict != VerdictChallenge {
		t.Fatalf("degraded store: expected challenge, got %s", decision.Verdict)
	}
	if decision.Score != 0.5 {
		t.Errorf("degraded score = %f, want 0.5", decision.Score)
	}
	if len(decision.Reasons) != 1 || decision.Reasons[0] != "history_unavailable" {
		t.Errorf("reasons = %v, want [history_unavailable]", decision.Reasons)
	}
}

func TestVerdictBoundariesInclusive(t *testing.T) {
	engine := testEngine(NewMemoryStore())

	cases := []struct {
		score float64
		want  Verdict
	}{
		{0.0, VerdictAllow},
		{0.299, VerdictAllow},
		{0.3, VerdictChallenge},
		{0.699, VerdictChallenge},
		{0.7, VerdictBlock},
		{1.0, VerdictBlock},
	}
	for _, tc := range cases {
		if got := engine.verdict(tc.score); got != tc.want {
			t.Errorf("verdict(%f) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestEvaluateAppendsHistory(t *testing.T) {
	store := NewMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()

	// A challenged evaluation still lands in history, and counts as a
	// device success since the action could proceed after the challenge.
	engine.Evaluate(ctx, loginSignal("user:trail", "device-gg77", time.Now()))

	history, err := store.Get(ctx, "user:trail")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if history.Counts[signals.ActionLogin].LastMinute != 1 {
		t.Errorf("login count = %d, want 1", history.Counts[signals.ActionLogin].LastMinute)
	}
	if history.DeviceSuccesses["device-gg77"] != 1 {
		t.Errorf("device successes = %d, want 1", history.DeviceSuccesses["device-gg77"])
	}
}

func TestBlockedEvaluationNotADeviceSuccess(t *testing.T) {
	store := NewMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()
	now := time.Now()

	kathmandu := signals.GeoPoint{Lat: 27.7172, Lon: 85.3240}
	seed := loginSignal("user:blocked", "device-hh88", now.Add(-time.Second))
	seed.Geo = &kathmandu
	if err := store.Append(ctx, seed, true); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	pokhara := signals.GeoPoint{Lat: 28.2096, Lon: 83.9856}
	sig := loginSignal("user:blocked", "device-hh88", now)
	sig.Geo = &pokhara

	decision := engine.Evaluate(ctx, sig)
	if decision.Verdict != VerdictBlock {
		t.Fatalf("expected block, got %s", decision.Verdict)
	}

	history, err := store.Get(ctx, "user:blocked")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	// The attempt is in the count windows but not the success tally.
	if history.Counts[signals.ActionLogin].LastMinute != 2 {
		t.Errorf("login count = %d, want 2", history.Counts[signals.ActionLogin].LastMinute)
	}
	if history.DeviceSuccesses["device-hh88"] != 1 {
		t.Errorf("device successes = %d, want 1 (blocked attempt must not count)",
			history.DeviceSuccesses["device-hh88"])
	}
}

func TestConcurrentEvaluationsSerialized(t *testing.T) {
	store := NewMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			sig := loginSignal("user:racy", fmt.Sprintf("device-%d", i), time.Now())
			engine.Evaluate(ctx, sig)
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}

	history, err := store.Get(ctx, "user:racy")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if history.Counts[signals.ActionLogin].LastMinute != 20 {
		t.Errorf("login count = %d, want 20", history.Counts[signals.ActionLogin].LastMinute)
	}
}

// failingStore simulates a degraded history backend.
type failingStore struct{}

func (f *failingStore) Get(ctx context.Context, identityKey string) (*History, error) {
	return nil, errors.New("connection refused")
}

func (f *failingStore) Append(ctx context.Context, sig signals.SignalSet, allowed bool) error {
	return errors.New("connection refused")
}

func (f *failingStore) RecordAnomaly(ctx context.Context, identityKey string, at time.Time) error {
	return errors.New("connection refused")
}
