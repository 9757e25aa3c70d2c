package storage

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"

	"flm/internal/audit"
)

// bearerPattern strips tokens that ended up in a detail string; plain
// keys and credentials must never be persisted.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9_.\-]{8,}`)

// Append implements audit.Sink over security.db.
func (s *SecurityDB) Append(ctx context.Context, e audit.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Detail = bearerPattern.ReplaceAllString(e.Detail, "${1}[redacted]")

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, timestamp, kind, ip, api_key_id, path, status, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC(), string(e.Kind), e.IP, e.APIKeyID, e.Path, e.Status, e.Detail)
	return err
}

// QueryAudit returns events matching the filter, newest first.
func (s *SecurityDB) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	query := `SELECT id, timestamp, kind, ip, api_key_id, path, status, detail FROM audit_logs WHERE 1=1`
	var args []any
	if f.IP != "" {
		query += ` AND ip = ?`
		args = append(args, f.IP)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY timestamp DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var e audit.Event
		var kind string
		if err := rows.Scan(&e.ID, &e.Timestamp, &kind, &e.IP, &e.APIKeyID, &e.Path, &e.Status, &e.Detail); err != nil {
			return nil, err
		}
		e.Kind = audit.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
