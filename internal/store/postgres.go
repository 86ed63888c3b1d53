package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CrisisRelay/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the server-database store for multi-node deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveAuditEntry(e models.AuditEntry) error {
	raw, err := marshalJSON(e)
	if err != nil {
		return fmt.Errorf("encode audit entry %s: %w", e.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_entries (id, escalation_id, session_id, level, outcome, timestamp, entry_json, logged_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (escalation_id) DO NOTHING`,
		e.ID, e.EscalationID, e.SessionID, int(e.Level), string(e.Outcome), e.Timestamp, raw, e.LoggedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveAuditEntry failed", "error", err, "escalationID", e.EscalationID)
		return fmt.Errorf("failed to insert audit entry %s: %w", e.ID, err)
	}
	slog.Debug("PostgresStore SaveAuditEntry succeeded", "id", e.ID, "sessionID", e.SessionID)
	return nil
}

// ListAuditEntries narrows by timestamp in SQL and again in Go so both backends share bounds semantics.
func (s *PostgresStore) ListAuditEntries(tf models.Timeframe) ([]models.AuditEntry, error) {
	query := `SELECT entry_json FROM audit_entries`
	var args []any
	switch {
	case !tf.From.IsZero() && !tf.To.IsZero():
		query += ` WHERE timestamp >= $1 AND timestamp < $2`
		args = append(args, tf.From, tf.To)
	case !tf.From.IsZero():
		query += ` WHERE timestamp >= $1`
		args = append(args, tf.From)
	case !tf.To.IsZero():
		query += ` WHERE timestamp < $1`
		args = append(args, tf.To)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListAuditEntries query failed", "error", err)
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	return scanAuditEntries(rows, tf)
}

func (s *PostgresStore) SaveAlert(a models.SystemAlert) error {
	raw, err := marshalJSON(a)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO system_alerts (id, type, severity, resolved, alert_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET resolved = EXCLUDED.resolved, alert_json = EXCLUDED.alert_json, updated_at = EXCLUDED.updated_at`,
		a.ID, string(a.Type), string(a.Severity), a.Resolved, raw, a.Timestamp, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore SaveAlert failed", "error", err, "alertID", a.ID)
		return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListAlerts() ([]models.SystemAlert, error) {
	rows, err := s.db.Query(`SELECT alert_json FROM system_alerts ORDER BY seq ASC`)
	if err != nil {
		slog.Error("PostgresStore ListAlerts query failed", "error", err)
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	return scanAlerts(rows)
}

func (s *PostgresStore) SaveSession(cs models.CrisisSession) error {
	raw, err := marshalJSON(cs)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", cs.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO crisis_sessions (id, status, session_json, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, session_json = EXCLUDED.session_json, updated_at = EXCLUDED.updated_at`,
		cs.ID, string(cs.Status), raw, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "sessionID", cs.ID)
		return fmt.Errorf("failed to save session %s: %w", cs.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM crisis_sessions WHERE id = $1`, id); err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListSessions() ([]models.CrisisSession, error) {
	rows, err := s.db.Query(`SELECT session_json FROM crisis_sessions ORDER BY updated_at ASC`)
	if err != nil {
		slog.Error("PostgresStore ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return scanSessions(rows)
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}
