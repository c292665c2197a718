package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
)

type Store struct {
	db *sql.DB
}

// AuditRow is one row of the audit_log table.
type AuditRow struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// ModuleLoad records one successful module load into a context.
type ModuleLoad struct {
	ID        int64     `json:"id"`
	ContextID string    `json:"context_id"`
	Alias     string    `json:"alias"`
	Kind      string    `json:"kind"`
	Source    string    `json:"source"`
	Digest    string    `json:"digest"`
	Types     int       `json:"types"`
	CreatedAt time.Time `json:"created_at"`
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedAuditLogs   int64 `json:"purged_audit_logs"`
	PurgedModuleLoads int64 `json:"purged_module_loads"`
}

func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "modbridge.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, on top of the
// driver's busy_timeout. Any other error ends the retry immediately.
func retryOnBusy(ctx context.Context, maxTries uint, f func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := f()
		if err != nil && !isSQLiteBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
	return err
}

func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// migration is one forward-only schema step. Its checksum is derived from the
// statements, so editing an applied migration is detected on open.
type migration struct {
	version int
	stmts   []string
}

func (m migration) checksum() string {
	sum := sha256.Sum256([]byte(strings.Join(m.stmts, "\n")))
	return hex.EncodeToString(sum[:8])
}

var migrations = []migration{
	{version: 1, stmts: []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
	}},
	{version: 2, stmts: []string{
		`CREATE TABLE IF NOT EXISTS module_loads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_id TEXT NOT NULL,
			alias TEXT NOT NULL,
			kind TEXT NOT NULL,
			source TEXT NOT NULL,
			digest TEXT NOT NULL,
			types INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_module_loads_context ON module_loads(context_id, created_at);`,
	}},
	{version: 3, stmts: []string{
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}},
}

// SchemaVersion is the version an up-to-date database reports.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// migrate applies pending migrations in one transaction and verifies the
// checksums of those already applied.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]string{}
	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations;`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for v := range applied {
		if v > SchemaVersion() {
			return fmt.Errorf("db schema version %d is newer than supported %d", v, SchemaVersion())
		}
	}

	for _, m := range migrations {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum() {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, sum, m.checksum())
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
			m.version, m.checksum()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// RecordModuleLoad appends a module_loads row.
func (s *Store) RecordModuleLoad(ctx context.Context, load ModuleLoad) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO module_loads (context_id, alias, kind, source, digest, types)
			VALUES (?, ?, ?, ?, ?, ?);
		`, load.ContextID, load.Alias, load.Kind, load.Source, load.Digest, load.Types)
		if err != nil {
			return fmt.Errorf("record module load: %w", err)
		}
		return nil
	})
}

// ListModuleLoads returns the newest loads first. An empty contextID lists all contexts.
func (s *Store) ListModuleLoads(ctx context.Context, contextID string, limit int) ([]ModuleLoad, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, context_id, alias, kind, source, digest, types, created_at FROM module_loads`
	args := []any{}
	if contextID != "" {
		query += ` WHERE context_id = ?`
		args = append(args, contextID)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list module loads: %w", err)
	}
	defer rows.Close()

	var out []ModuleLoad
	for rows.Next() {
		var m ModuleLoad
		if err := rows.Scan(&m.ID, &m.ContextID, &m.Alias, &m.Kind, &m.Source, &m.Digest, &m.Types, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan module load: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentAudit returns up to limit audit rows, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, COALESCE(trace_id, ''), COALESCE(subject, ''), action, decision, COALESCE(reason, ''), created_at
		FROM audit_log ORDER BY audit_id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.ID, &r.TraceID, &r.Subject, &r.Action, &r.Decision, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunRetention deletes audit and module-load rows older than the given
// windows. A window of zero keeps everything.
func (s *Store) RunRetention(ctx context.Context, auditLogDays, moduleLoadDays int) (RetentionResult, error) {
	var result RetentionResult

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}
	if moduleLoadDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -moduleLoadDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM module_loads WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge module_loads: %w", err)
		}
		result.PurgedModuleLoads, _ = res.RowsAffected()
	}
	return result, nil
}

func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

// KVSet upserts a value; wasm modules reach it through host.kv.set.
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, key, val)
		if err != nil {
			return fmt.Errorf("kv set: %w", err)
		}
		return nil
	})
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv_get: %w", err)
	}
	return val, nil
}
