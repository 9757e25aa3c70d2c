// Package storage provides the SQLite-backed repositories behind the
// gateway: config.db (proxy profiles, engine cache, settings) and
// security.db (API keys, policies, IP blocklist, audit logs, health
// logs), plus backup rotation for security.db.
package storage

import (
	"database/sql"
	"fmt"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

// maxConns bounds each database's connection pool.
const maxConns = 5

// openDB opens a SQLite database with WAL enabled and the pool capped.
func openDB(path string) (*sql.DB, error) {
	if !utf8.ValidString(path) {
		return nil, fmt.Errorf("database path is not valid UTF-8")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)

	// WAL keeps readers and the single writer out of each other's way.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}
