package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"flm/internal/engine"
	"flm/internal/proxy"
)

// configSchemaVersion is stamped into settings on every open; a future
// migration reads it to decide what to upgrade.
const configSchemaVersion = "1"

// ConfigDB holds non-security state: proxy profiles, active handles,
// and the cached engine detection results.
type ConfigDB struct {
	db *sql.DB
}

// OpenConfigDB opens (and migrates) config.db at path.
func OpenConfigDB(path string) (*ConfigDB, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	c := &ConfigDB{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate config db: %w", err)
	}
	if err := c.SetSetting(context.Background(), "schema_version", configSchemaVersion); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("config database ready", "path", path)
	return c, nil
}

func (c *ConfigDB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS proxy_profiles (
		id TEXT PRIMARY KEY,
		config TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS active_handles (
		id TEXT PRIMARY KEY,
		handle TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS engine_cache (
		engine_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		detected_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Close releases the database.
func (c *ConfigDB) Close() error { return c.db.Close() }

// SaveProfile upserts a proxy profile.
func (c *ConfigDB) SaveProfile(ctx context.Context, p proxy.Profile) error {
	raw, err := json.Marshal(p.Config)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO proxy_profiles (id, config, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET config = excluded.config`,
		p.ID, string(raw), p.CreatedAt.UTC())
	return err
}

// ListProfiles returns all stored profiles.
func (c *ConfigDB) ListProfiles(ctx context.Context) ([]proxy.Profile, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, config, created_at FROM proxy_profiles ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []proxy.Profile
	for rows.Next() {
		var p proxy.Profile
		var raw string
		if err := rows.Scan(&p.ID, &raw, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &p.Config); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveActiveHandle persists a running handle so later CLI invocations
// can address it.
func (c *ConfigDB) SaveActiveHandle(ctx context.Context, h proxy.Handle) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO active_handles (id, handle, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET handle = excluded.handle, updated_at = excluded.updated_at`,
		h.ID, string(raw), time.Now().UTC())
	return err
}

// RemoveActiveHandle drops a handle record after stop.
func (c *ConfigDB) RemoveActiveHandle(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM active_handles WHERE id = ?`, id)
	return err
}

// ListActiveHandles returns all persisted handles.
func (c *ConfigDB) ListActiveHandles(ctx context.Context) ([]proxy.Handle, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT handle FROM active_handles ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []proxy.Handle
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var h proxy.Handle
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			return nil, fmt.Errorf("decode handle: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SaveEngineState upserts one cached detection result.
func (c *ConfigDB) SaveEngineState(ctx context.Context, st engine.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO engine_cache (engine_id, state, detected_at) VALUES (?, ?, ?)
		ON CONFLICT(engine_id) DO UPDATE SET state = excluded.state, detected_at = excluded.detected_at`,
		st.ID, string(raw), st.DetectedAt.UTC())
	return err
}

// ListEngineStates returns the cached detection results.
func (c *ConfigDB) ListEngineStates(ctx context.Context) ([]engine.State, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT state FROM engine_cache ORDER BY engine_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.State
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var st engine.State
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("decode engine state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetSetting stores one key/value setting.
func (c *ConfigDB) SetSetting(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetSetting reads one setting; missing keys return "".
func (c *ConfigDB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
