package risk

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sewago/sentinel/internal/pagination"
	"github.com/sewago/sentinel/internal/signals"
)

// PostgresStore implements Store and AuditStore with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		-- Attempted actions per identity (sliding-window source of truth)
		CREATE TABLE IF NOT EXISTS risk_history (
			id              BIGSERIAL PRIMARY KEY,
			identity_key    VARCHAR(255) NOT NULL,
			fingerprint     VARCHAR(255),
			ip_origin       VARCHAR(64),
			action          VARCHAR(32) NOT NULL,
			lat             DOUBLE PRECISION,
			lon             DOUBLE PRECISION,
			allowed         BOOLEAN NOT NULL DEFAULT FALSE,
			observed_at     TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_risk_history_identity
			ON risk_history(identity_key, observed_at DESC);

		-- Tracking anomalies fed back into scoring
		CREATE TABLE IF NOT EXISTS risk_anomalies (
			id              BIGSERIAL PRIMARY KEY,
			identity_key    VARCHAR(255) NOT NULL,
			observed_at     TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_risk_anomalies_identity
			ON risk_anomalies(identity_key, observed_at DESC);

		-- Decision audit trail
		CREATE TABLE IF NOT EXISTS risk_decisions (
			id              VARCHAR(36) PRIMARY KEY,
			identity_key    VARCHAR(255) NOT NULL,
			score           DOUBLE PRECISION NOT NULL,
			verdict         VARCHAR(16) NOT NULL,
			reasons         TEXT[] NOT NULL DEFAULT '{}',
			evaluated_at    TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_risk_decisions_identity
			ON risk_decisions(identity_key, evaluated_at DESC);
	`)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, identityKey string) (*History, error) {
	h := &History{
		IdentityKey:     identityKey,
		Counts:          make(map[signals.ActionType]ActionCounts),
		DeviceSuccesses: make(map[string]int),
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT action,
		       COUNT(*) FILTER (WHERE observed_at > NOW() - INTERVAL '1 minute'),
		       COUNT(*) FILTER (WHERE observed_at > NOW() - INTERVAL '1 hour'),
		       COUNT(*)
		FROM risk_history
		WHERE identity_key = $1 AND observed_at > NOW() - INTERVAL '24 hours'
		GROUP BY action
	`, identityKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var action string
		var c ActionCounts
		if err := rows.Scan(&action, &c.LastMinute, &c.LastHour, &c.LastDay); err != nil {
			return nil, err
		}
		h.Counts[signals.ActionType(action)] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Last known position
	var lat, lon sql.NullFloat64
	var at sql.NullTime
	err = p.db.QueryRowContext(ctx, `
		SELECT lat, lon, observed_at FROM risk_history
		WHERE identity_key = $1 AND lat IS NOT NULL
		ORDER BY observed_at DESC LIMIT 1
	`, identityKey).Scan(&lat, &lon, &at)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		h.LastGeo = &signals.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
		h.LastGeoAt = at.Time
	}

	// Prior allowed actions per device fingerprint
	fpRows, err := p.db.QueryContext(ctx, `
		SELECT fingerprint, COUNT(*) FROM risk_history
		WHERE identity_key = $1 AND allowed AND fingerprint IS NOT NULL AND fingerprint <> ''
		  AND observed_at > NOW() - INTERVAL '24 hours'
		GROUP BY fingerprint
	`, identityKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fpRows.Close() }()

	for fpRows.Next() {
		var fp string
		var count int
		if err := fpRows.Scan(&fp, &count); err != nil {
			return nil, err
		}
		h.DeviceSuccesses[fp] = count
	}
	if err := fpRows.Err(); err != nil {
		return nil, err
	}

	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM risk_anomalies
		WHERE identity_key = $1 AND observed_at > NOW() - INTERVAL '24 hours'
	`, identityKey).Scan(&h.AnomaliesLastDay)
	if err != nil {
		return nil, err
	}

	return h, nil
}

func (p *PostgresStore) Append(ctx context.Context, sig signals.SignalSet, allowed bool) error {
	var lat, lon sql.NullFloat64
	if sig.Geo != nil {
		lat = sql.NullFloat64{Float64: sig.Geo.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: sig.Geo.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO risk_history (identity_key, fingerprint, ip_origin, action, lat, lon, allowed, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sig.IdentityKey, sig.DeviceFingerprint, sig.IPOrigin, string(sig.Action), lat, lon, allowed, sig.Timestamp)
	return err
}

func (p *PostgresStore) RecordAnomaly(ctx context.Context, identityKey string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO risk_anomalies (identity_key, observed_at) VALUES ($1, $2)
	`, identityKey, at)
	return err
}

// Record persists a decision to the audit trail.
func (p *PostgresStore) Record(ctx context.Context, decision *Decision) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO risk_decisions (id, identity_key, score, verdict, reasons, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, decision.ID, decision.IdentityKey, decision.Score, string(decision.Verdict),
		pq.Array(decision.Reasons), decision.EvaluatedAt)
	return err
}

// ListByIdentity returns the most recent decisions for an identity, newest
// first. With a cursor, only decisions strictly older than it are returned.
func (p *PostgresStore) ListByIdentity(ctx context.Context, identityKey string, limit int, before *pagination.Cursor) ([]*Decision, error) {
	if limit <= 0 || limit > 101 {
		limit = 50
	}

	query := `
		SELECT id, identity_key, score, verdict, reasons, evaluated_at
		FROM risk_decisions
		WHERE identity_key = $1`
	args := []interface{}{identityKey}
	if before != nil {
		query += ` AND (evaluated_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY evaluated_at DESC, id DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var decisions []*Decision
	for rows.Next() {
		d := &Decision{}
		var verdict string
		if err := rows.Scan(&d.ID, &d.IdentityKey, &d.Score, &verdict, pq.Array(&d.Reasons), &d.EvaluatedAt); err != nil {
			return nil, err
		}
		d.Verdict = Verdict(verdict)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
