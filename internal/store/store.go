// Package store provides durable storage for CrisisRelay.
//
// Audit entries and alerts are written append-only. Session snapshots back the in-memory session
// table so sessions survive a restart. Escalation notifications are queued durably and drained
// by NotificationSender, most urgent level first. Message receipts make inbound submission
// idempotent per session.
//
// SQLite (file) and PostgreSQL backends share the same repository interfaces; InMemoryStore
// implements them for tests and ephemeral runs.
package store

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// AuditRepo persists escalation audit entries and system alerts.
type AuditRepo interface {
	// SaveAuditEntry appends an entry. Saving an escalation id twice is a no-op.
	SaveAuditEntry(entry models.AuditEntry) error
	// ListAuditEntries returns entries inside tf in append order.
	ListAuditEntries(tf models.Timeframe) ([]models.AuditEntry, error)
	// SaveAlert inserts or updates an alert by id.
	SaveAlert(alert models.SystemAlert) error
	// ListAlerts returns every alert in creation order.
	ListAlerts() ([]models.SystemAlert, error)
}

// SessionRepo persists session snapshots.
type SessionRepo interface {
	SaveSession(s models.CrisisSession) error
	DeleteSession(id string) error
	ListSessions() ([]models.CrisisSession, error)
}

// Store is the full set of repositories a backend provides.
type Store interface {
	AuditRepo
	SessionRepo
	NotificationRepo
	ReceiptRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	// libpq keyword/value form: "host=localhost user=postgres dbname=crisis"
	if !strings.Contains(lower, "?") && (strings.Contains(lower, "host=") ||
		strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=")) {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates the backend matching dsn. "memory" selects InMemoryStore.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	if dsn == "memory" {
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*InMemoryStore)(nil)
)
