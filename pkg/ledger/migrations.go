// Package ledger owns the embedded event-ledger database: migrations,
// startup schema verification, and the single serialized write worker. All
// ledger tables are written exclusively by this package.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// MigrationError indicates a failed migration or schema verification.
type MigrationError struct{ Message string }

func (e *MigrationError) Error() string { return e.Message }

// StartupSchemaMismatch indicates the runtime database is incompatible with
// the required schema; the engine must fail fast.
type StartupSchemaMismatch struct{ Message string }

func (e *StartupSchemaMismatch) Error() string { return e.Message }

// migration versions apply in lexical order and are stamped idempotently.
var migrations = []struct {
	version string
	sql     string
}{
	{
		version: "0001_event_ledger.sql",
		sql: `
CREATE TABLE IF NOT EXISTS event_ledger (
    ledger_id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_system TEXT NOT NULL,
    source_event_id TEXT NOT NULL,
    source_sequence INTEGER,
    source_emitted_at TEXT,
    payload_json TEXT NOT NULL,
    payload_sha256 TEXT NOT NULL,
    ingest_first_seen_at TEXT NOT NULL,
    ingest_last_seen_at TEXT NOT NULL,
    ingest_attempt_count INTEGER NOT NULL DEFAULT 1,
    process_state TEXT NOT NULL DEFAULT 'pending',
    process_error TEXT,
    processed_at TEXT,
    UNIQUE(source_system, source_event_id)
);
CREATE INDEX IF NOT EXISTS idx_event_ledger_state ON event_ledger(process_state);
`,
	},
	{
		version: "0002_ingest_poison_messages.sql",
		sql: `
CREATE TABLE IF NOT EXISTS ingest_poison_messages (
    poison_id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_system TEXT,
    source_event_id TEXT,
    reason TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`,
	},
	{
		version: "0003_state_tables.sql",
		sql: `
CREATE TABLE IF NOT EXISTS state_orders (
    order_id TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    payload_sha256 TEXT NOT NULL,
    state TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE TABLE IF NOT EXISTS state_positions (
    position_key TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    payload_sha256 TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`,
	},
}

// requiredTableColumns is the exact column contract verified at startup.
var requiredTableColumns = map[string][]string{
	"event_ledger": {
		"ledger_id", "source_system", "source_event_id", "source_sequence",
		"source_emitted_at", "payload_json", "payload_sha256",
		"ingest_first_seen_at", "ingest_last_seen_at", "ingest_attempt_count",
		"process_state", "process_error", "processed_at",
	},
	"state_orders":    {"order_id", "payload_json", "payload_sha256", "state", "updated_at"},
	"state_positions": {"position_key", "payload_json", "payload_sha256", "updated_at"},
	"ingest_poison_messages": {
		"poison_id", "source_system", "source_event_id", "reason", "payload_json", "created_at",
	},
}

// DSN builds the sqlite connection string with WAL journal mode and foreign
// keys enabled.
func DSN(path string) string {
	return "file:" + url.PathEscape(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(0)"
}

// Open opens the embedded database. Callers own closing the handle.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	return db, nil
}

// ApplyMigrations applies pending migrations in lexical order and stamps
// each in schema_migrations.
func ApplyMigrations(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version TEXT PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`); err != nil {
		return &MigrationError{Message: fmt.Sprintf("create schema_migrations: %v", err)}
	}

	applied := map[string]bool{}
	rows, err := conn.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return &MigrationError{Message: fmt.Sprintf("read schema_migrations: %v", err)}
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			_ = rows.Close()
			return &MigrationError{Message: fmt.Sprintf("scan schema_migrations: %v", err)}
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return &MigrationError{Message: fmt.Sprintf("iterate schema_migrations: %v", err)}
	}
	_ = rows.Close()

	ordered := make([]int, 0, len(migrations))
	for i := range migrations {
		ordered = append(ordered, i)
	}
	sort.Slice(ordered, func(a, b int) bool {
		return migrations[ordered[a]].version < migrations[ordered[b]].version
	})

	for _, i := range ordered {
		m := migrations[i]
		if applied[m.version] {
			continue
		}
		if _, err := conn.ExecContext(ctx, m.sql); err != nil {
			return &MigrationError{Message: fmt.Sprintf("apply migration %s: %v", m.version, err)}
		}
		if _, err := conn.ExecContext(ctx,
			"INSERT INTO schema_migrations(version) VALUES (?)", m.version); err != nil {
			return &MigrationError{Message: fmt.Sprintf("stamp migration %s: %v", m.version, err)}
		}
	}
	return nil
}

// VerifyRuntimePragmas checks the hard runtime requirements: WAL journal
// mode and foreign keys ON.
func VerifyRuntimePragmas(ctx context.Context, conn *sql.Conn) error {
	var journalMode string
	if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return &MigrationError{Message: fmt.Sprintf("read journal_mode: %v", err)}
	}
	if strings.ToLower(journalMode) != "wal" {
		return &MigrationError{Message: fmt.Sprintf("journal_mode mismatch: expected wal, got %s", journalMode)}
	}

	var foreignKeys int
	if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		return &MigrationError{Message: fmt.Sprintf("read foreign_keys: %v", err)}
	}
	if foreignKeys != 1 {
		return &MigrationError{Message: "foreign_keys must be ON"}
	}
	return nil
}

// VerifySchema fails fast when a required table or column is missing.
func VerifySchema(ctx context.Context, conn *sql.Conn) error {
	for table, expected := range requiredTableColumns {
		columns, err := tableColumns(ctx, conn, table)
		if err != nil {
			return err
		}
		if len(columns) == 0 {
			return &MigrationError{Message: "missing required table: " + table}
		}
		var missing []string
		for _, col := range expected {
			if !columns[col] {
				missing = append(missing, col)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return &MigrationError{
				Message: fmt.Sprintf("schema mismatch for %s; missing columns: %s", table, strings.Join(missing, ", ")),
			}
		}
	}
	return nil
}

func tableColumns(ctx context.Context, conn *sql.Conn, table string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, &MigrationError{Message: fmt.Sprintf("table_info %s: %v", table, err)}
	}
	defer func() { _ = rows.Close() }()

	columns := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, &MigrationError{Message: fmt.Sprintf("scan table_info %s: %v", table, err)}
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, &MigrationError{Message: fmt.Sprintf("iterate table_info %s: %v", table, err)}
	}
	return columns, nil
}
