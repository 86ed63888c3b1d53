package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/CrisisRelay/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the file-backed store used for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", withSQLiteParams(dsn))
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent audit and session writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveAuditEntry(e models.AuditEntry) error {
	raw, err := marshalJSON(e)
	if err != nil {
		return fmt.Errorf("encode audit entry %s: %w", e.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO audit_entries (id, escalation_id, session_id, level, outcome, timestamp, entry_json, logged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EscalationID, e.SessionID, int(e.Level), string(e.Outcome), e.Timestamp, raw, e.LoggedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveAuditEntry failed", "error", err, "escalationID", e.EscalationID)
		return fmt.Errorf("failed to insert audit entry %s: %w", e.ID, err)
	}
	slog.Debug("SQLiteStore SaveAuditEntry succeeded", "id", e.ID, "sessionID", e.SessionID)
	return nil
}

func (s *SQLiteStore) ListAuditEntries(tf models.Timeframe) ([]models.AuditEntry, error) {
	rows, err := s.db.Query(`SELECT entry_json FROM audit_entries ORDER BY seq ASC`)
	if err != nil {
		slog.Error("SQLiteStore ListAuditEntries query failed", "error", err)
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	return scanAuditEntries(rows, tf)
}

func (s *SQLiteStore) SaveAlert(a models.SystemAlert) error {
	raw, err := marshalJSON(a)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.ID, err)
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO system_alerts (id, type, severity, resolved, alert_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET resolved = excluded.resolved, alert_json = excluded.alert_json, updated_at = excluded.updated_at`,
		a.ID, string(a.Type), string(a.Severity), a.Resolved, raw, a.Timestamp, now,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveAlert failed", "error", err, "alertID", a.ID)
		return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListAlerts() ([]models.SystemAlert, error) {
	rows, err := s.db.Query(`SELECT alert_json FROM system_alerts ORDER BY seq ASC`)
	if err != nil {
		slog.Error("SQLiteStore ListAlerts query failed", "error", err)
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	return scanAlerts(rows)
}

func (s *SQLiteStore) SaveSession(cs models.CrisisSession) error {
	raw, err := marshalJSON(cs)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", cs.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO crisis_sessions (id, status, session_json, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, session_json = excluded.session_json, updated_at = excluded.updated_at`,
		cs.ID, string(cs.Status), raw, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "sessionID", cs.ID)
		return fmt.Errorf("failed to save session %s: %w", cs.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM crisis_sessions WHERE id = ?`, id); err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListSessions() ([]models.CrisisSession, error) {
	rows, err := s.db.Query(`SELECT session_json FROM crisis_sessions ORDER BY updated_at ASC`)
	if err != nil {
		slog.Error("SQLiteStore ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return scanSessions(rows)
}

func withSQLiteParams(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000&_journal_mode=WAL"
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
