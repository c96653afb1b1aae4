package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/claw-kernel/internal/audit"
	"github.com/basket/claw-kernel/internal/bus"
	"github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "ck-v1-2026-09-02-decision-core"

	// v2 adds the partial unique index that closes the concurrent
	// session-creation race, plus policy_versions.
	schemaVersionV2  = 2
	schemaChecksumV2 = "ck-v2-2026-10-01-active-session-unique"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	// Text bounds for persisted fields.
	maxSummaryChars           = 1000
	maxUserMessageChars       = 1000
	maxAssistantResponseChars = 2000
	maxQueryTextChars         = 500
	maxEvidenceSummaryChars   = 1000
)

// Sentinel errors matched with errors.Is by callers.
var (
	ErrNotFound            = errors.New("not found")
	ErrActiveSessionExists = errors.New("active session already exists")
	ErrObjectiveTerminal   = errors.New("objective is no longer in progress")
)

// Store is the SQLite-backed record store for the decision core.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // receives objective.finished; may be nil
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawkernel", "kernel.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
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

	store := &Store{db: db, bus: eventBus, now: func() time.Time { return time.Now().UTC() }}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
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

// SetClock overrides the store's time source. Used by tests that need
// deterministic created_at ordering.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports whether err is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation reports whether err is a FOREIGN KEY constraint failure.
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
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
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion > 0 {
		known := map[int]string{
			schemaVersionV1: schemaChecksumV1,
			schemaVersionV2: schemaChecksumV2,
		}
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != known[maxVersion] {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, known[maxVersion])
		}
		if maxVersion == schemaVersionLatest {
			return tx.Commit()
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			remote_jid TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'closed')),
			context_summary TEXT NOT NULL DEFAULT '',
			last_message_at DATETIME NOT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			closed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS objectives (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			workspace_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			goal TEXT NOT NULL,
			constraints_json TEXT NOT NULL DEFAULT '{}',
			required_deliverable_json TEXT,
			status TEXT NOT NULL DEFAULT 'in_progress' CHECK(status IN ('in_progress', 'completed', 'failed')),
			result_summary TEXT NOT NULL DEFAULT '',
			last_tool_evidence_json TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tool_evidence (
			id TEXT PRIMARY KEY,
			objective_id TEXT NOT NULL REFERENCES objectives(id),
			session_id TEXT NOT NULL REFERENCES sessions(id),
			action_type TEXT NOT NULL,
			query_text TEXT NOT NULL DEFAULT '',
			result_summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			user_message TEXT NOT NULL DEFAULT '',
			assistant_response TEXT NOT NULL DEFAULT '',
			action_type TEXT NOT NULL DEFAULT '',
			objective_id TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_policies (
			action_type TEXT NOT NULL,
			workspace_id TEXT NOT NULL DEFAULT '*',
			mode TEXT NOT NULL CHECK(mode IN ('auto', 'ask', 'block')),
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (action_type, workspace_id)
		);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			task_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS subagents (
			subagent_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			task_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS policy_versions (
			policy_version TEXT PRIMARY KEY,
			source TEXT,
			rule_count INTEGER NOT NULL DEFAULT 0,
			loaded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// A v1 database may already hold duplicate active sessions from the
	// unguarded race. Keep the most recently touched one per tuple.
	if maxVersion == schemaVersionV1 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = 'closed', closed_at = CURRENT_TIMESTAMP
			WHERE status = 'active' AND id NOT IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (
						PARTITION BY workspace_id, channel, remote_jid
						ORDER BY last_message_at DESC, created_at DESC
					) AS rn
					FROM sessions WHERE status = 'active'
				) WHERE rn = 1
			);
		`); err != nil {
			return fmt.Errorf("dedupe active sessions: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON sessions(workspace_id, channel, remote_jid) WHERE status = 'active';`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(status, last_message_at);`,
		`CREATE INDEX IF NOT EXISTS idx_objectives_session_status ON objectives(session_id, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_evidence_objective ON tool_evidence(objective_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_session_turns_session ON session_turns(session_id, created_at, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id, workspace_id);`,
		`CREATE INDEX IF NOT EXISTS idx_subagents_task ON subagents(task_id, workspace_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record("allow", "data.migration", "migration_applied", "",
		fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest))
	return nil
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val.String, nil
}

// Backup writes an online-consistent copy of the database with VACUUM INTO.
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

// RunRetention deletes audit rows older than auditLogDays. Evidence and
// turns are never purged here: evidence is append-only and turns are
// bounded per session on insert.
func (s *Store) RunRetention(ctx context.Context, auditLogDays int) (int64, error) {
	if auditLogDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -auditLogDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
