package storage

import (
	"context"
	"database/sql"
	"time"

	"flm/internal/engine"
)

// HealthSample is one persisted health probe result.
type HealthSample struct {
	EngineID  string             `json:"engine_id"`
	Kind      engine.Kind        `json:"kind"`
	State     engine.HealthState `json:"state"`
	LatencyMs int64              `json:"latency_ms"`
	Reason    string             `json:"reason,omitempty"`
	CheckedAt time.Time          `json:"checked_at"`
}

// healthRetention keeps a week of samples per engine.
const healthRetention = 7 * 24 * time.Hour

// RecordHealth implements engine.HealthLogRepository.
func (s *SecurityDB) RecordHealth(ctx context.Context, engineID string, kind engine.Kind, h engine.Health) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_health_logs (engine_id, kind, state, latency_ms, reason, checked_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		engineID, string(kind), string(h.State), h.LatencyMs, h.Reason, time.Now().UTC())
	return err
}

// ListHealth returns the most recent samples for one engine (or all
// engines when engineID is empty).
func (s *SecurityDB) ListHealth(ctx context.Context, engineID string, limit int) ([]HealthSample, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if engineID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT engine_id, kind, state, latency_ms, reason, checked_at
			FROM engine_health_logs ORDER BY checked_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT engine_id, kind, state, latency_ms, reason, checked_at
			FROM engine_health_logs WHERE engine_id = ? ORDER BY checked_at DESC LIMIT ?`, engineID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HealthSample
	for rows.Next() {
		var sample HealthSample
		var kind, state string
		if err := rows.Scan(&sample.EngineID, &kind, &state, &sample.LatencyMs, &sample.Reason, &sample.CheckedAt); err != nil {
			return nil, err
		}
		sample.Kind = engine.Kind(kind)
		sample.State = engine.HealthState(state)
		out = append(out, sample)
	}
	return out, rows.Err()
}

// TrimHealthLogs drops samples past the retention window.
func (s *SecurityDB) TrimHealthLogs(ctx context.Context) error {
	cutoff := time.Now().Add(-healthRetention).UTC()
	_, err := s.db.ExecContext(ctx, `DELETE FROM engine_health_logs WHERE checked_at < ?`, cutoff)
	return err
}
