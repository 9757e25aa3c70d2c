package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"flm/internal/security"
)

// SecurityDB holds all security state: API keys, the policy document,
// the persisted IP blocklist, DNS credential profiles, audit logs, and
// engine health logs.
type SecurityDB struct {
	db   *sql.DB
	path string
}

// OpenSecurityDB opens (and migrates) security.db at path.
func OpenSecurityDB(path string) (*SecurityDB, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s := &SecurityDB{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate security db: %w", err)
	}
	slog.Info("security database ready", "path", path)
	return s, nil
}

func (s *SecurityDB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		revoked_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ip_blocklist (
		ip TEXT PRIMARY KEY,
		failure_count INTEGER NOT NULL DEFAULT 0,
		first_failure_at DATETIME NOT NULL,
		blocked_until DATETIME,
		permanent_block INTEGER NOT NULL DEFAULT 0,
		last_attempt DATETIME NOT NULL,
		reason TEXT
	);

	CREATE TABLE IF NOT EXISTS dns_credentials (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL DEFAULT '',
		sealed TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		kind TEXT NOT NULL,
		ip TEXT,
		api_key_id TEXT,
		path TEXT,
		status INTEGER,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_ip ON audit_logs(ip);
	CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_logs(kind);

	CREATE TABLE IF NOT EXISTS engine_health_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		engine_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		latency_ms INTEGER,
		reason TEXT,
		checked_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_health_engine ON engine_health_logs(engine_id, checked_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database.
func (s *SecurityDB) Close() error { return s.db.Close() }

// Path returns the on-disk location, used by backups.
func (s *SecurityDB) Path() string { return s.path }

// --- security.KeyRepository ---

func (s *SecurityDB) InsertAPIKey(ctx context.Context, rec security.ApiKeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, label, hash, created_at, revoked_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Label, rec.Hash, rec.CreatedAt.UTC(), nullableTime(rec.RevokedAt))
	return err
}

func (s *SecurityDB) ListAPIKeys(ctx context.Context) ([]security.ApiKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, hash, created_at, revoked_at FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []security.ApiKeyRecord
	for rows.Next() {
		var rec security.ApiKeyRecord
		var revoked sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Label, &rec.Hash, &rec.CreatedAt, &revoked); err != nil {
			return nil, err
		}
		if revoked.Valid {
			t := revoked.Time
			rec.RevokedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SecurityDB) GetAPIKey(ctx context.Context, id string) (*security.ApiKeyRecord, error) {
	var rec security.ApiKeyRecord
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, label, hash, created_at, revoked_at FROM api_keys WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Label, &rec.Hash, &rec.CreatedAt, &revoked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if revoked.Valid {
		t := revoked.Time
		rec.RevokedAt = &t
	}
	return &rec, nil
}

func (s *SecurityDB) RevokeAPIKey(ctx context.Context, id string, revokedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ? WHERE id = ?`, revokedAt.UTC(), id)
	return err
}

// --- security.PolicyRepository ---

func (s *SecurityDB) GetPolicy(ctx context.Context, id string) (*security.Policy, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM policies WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p security.Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", id, err)
	}
	return &p, nil
}

func (s *SecurityDB) SavePolicy(ctx context.Context, p security.Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		p.ID, string(raw), time.Now().UTC())
	return err
}

// --- security.BlockStore ---

func (s *SecurityDB) GetBlock(ctx context.Context, ip string) (*security.BlockEntry, error) {
	var entry security.BlockEntry
	var blockedUntil sql.NullTime
	var permanent int
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT ip, failure_count, first_failure_at, blocked_until, permanent_block, last_attempt, reason
		FROM ip_blocklist WHERE ip = ?`, ip).
		Scan(&entry.IP, &entry.FailureCount, &entry.FirstFailureAt, &blockedUntil, &permanent, &entry.LastAttempt, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if blockedUntil.Valid {
		t := blockedUntil.Time
		entry.BlockedUntil = &t
	}
	entry.PermanentBlock = permanent != 0
	entry.Reason = reason.String
	return &entry, nil
}

func (s *SecurityDB) PutBlock(ctx context.Context, entry security.BlockEntry) error {
	permanent := 0
	if entry.PermanentBlock {
		permanent = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_blocklist (ip, failure_count, first_failure_at, blocked_until, permanent_block, last_attempt, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			failure_count = excluded.failure_count,
			blocked_until = excluded.blocked_until,
			permanent_block = excluded.permanent_block,
			last_attempt = excluded.last_attempt,
			reason = excluded.reason`,
		entry.IP, entry.FailureCount, entry.FirstFailureAt.UTC(),
		nullableTime(entry.BlockedUntil), permanent, entry.LastAttempt.UTC(), entry.Reason)
	return err
}

func (s *SecurityDB) DeleteBlock(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ip_blocklist WHERE ip = ?`, ip)
	return err
}

func (s *SecurityDB) ListBlocks(ctx context.Context) ([]security.BlockEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip, failure_count, first_failure_at, blocked_until, permanent_block, last_attempt, reason
		FROM ip_blocklist ORDER BY last_attempt DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []security.BlockEntry
	for rows.Next() {
		var entry security.BlockEntry
		var blockedUntil sql.NullTime
		var permanent int
		var reason sql.NullString
		if err := rows.Scan(&entry.IP, &entry.FailureCount, &entry.FirstFailureAt, &blockedUntil, &permanent, &entry.LastAttempt, &reason); err != nil {
			return nil, err
		}
		if blockedUntil.Valid {
			t := blockedUntil.Time
			entry.BlockedUntil = &t
		}
		entry.PermanentBlock = permanent != 0
		entry.Reason = reason.String
		out = append(out, entry)
	}
	return out, rows.Err()
}

// --- security.DnsCredentialRepository ---

func (s *SecurityDB) SaveDnsProfile(ctx context.Context, p security.DnsCredentialProfile) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dns_credentials SET provider = ? WHERE id = ?`, p.Provider, p.ID)
	return err
}

func (s *SecurityDB) GetDnsProfile(ctx context.Context, id string) (*security.DnsCredentialProfile, error) {
	var p security.DnsCredentialProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider, created_at FROM dns_credentials WHERE id = ?`, id).
		Scan(&p.ID, &p.Provider, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SecurityDB) ListDnsProfiles(ctx context.Context) ([]security.DnsCredentialProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, provider, created_at FROM dns_credentials ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []security.DnsCredentialProfile
	for rows.Next() {
		var p security.DnsCredentialProfile
		if err := rows.Scan(&p.ID, &p.Provider, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
