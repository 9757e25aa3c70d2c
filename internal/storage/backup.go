package storage

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// backupKeep is how many rotated backups survive.
const backupKeep = 3

// requiredTables are verified before a restore is allowed to replace
// the live database.
var requiredTables = []string{"api_keys", "policies", "ip_blocklist", "audit_logs"}

// CreateBackup copies security.db into dir as a timestamped file and
// rotates old copies, keeping the most recent three.
func CreateBackup(dbPath, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	name := fmt.Sprintf("security-%s.db", time.Now().UTC().Format("20060102-150405"))
	dest := filepath.Join(dir, name)

	// Fold the WAL into the main file so the copy is complete even
	// while another handle holds the database open.
	if err := checkpoint(dbPath); err != nil {
		slog.Warn("wal checkpoint before backup failed", "error", err)
	}
	if err := copyFile(dbPath, dest); err != nil {
		return "", fmt.Errorf("copy database: %w", err)
	}
	if err := rotateBackups(dir); err != nil {
		return "", err
	}
	slog.Info("backup created", "path", dest)
	return dest, nil
}

// RestoreBackup verifies the backup opens and carries the expected
// tables, then swaps it in place of the live database. The caller must
// have closed the live handle first.
func RestoreBackup(backupPath, dbPath string) error {
	if err := verifyBackup(backupPath); err != nil {
		return fmt.Errorf("backup %s failed verification: %w", backupPath, err)
	}
	// Keep the current database recoverable until the copy lands.
	prior := dbPath + ".pre-restore"
	if _, err := os.Stat(dbPath); err == nil {
		if err := os.Rename(dbPath, prior); err != nil {
			return err
		}
	}
	if err := copyFile(backupPath, dbPath); err != nil {
		os.Rename(prior, dbPath)
		return fmt.Errorf("restore copy: %w", err)
	}
	os.Remove(prior)
	// Stale WAL/SHM files would shadow the restored content.
	os.Remove(dbPath + "-wal")
	os.Remove(dbPath + "-shm")
	slog.Info("backup restored", "from", backupPath)
	return nil
}

// ListBackups returns the backup files in dir, newest first.
func ListBackups(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "security-*.db"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

func checkpoint(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func verifyBackup(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	for _, table := range requiredTables {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		if err != nil {
			return fmt.Errorf("missing table %s: %w", table, err)
		}
	}
	return nil
}

func rotateBackups(dir string) error {
	backups, err := ListBackups(dir)
	if err != nil {
		return err
	}
	for _, stale := range backups[min(len(backups), backupKeep):] {
		if err := os.Remove(stale); err != nil {
			return err
		}
		slog.Debug("backup rotated out", "path", stale)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
