package security

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// AuditEntry records one security decision
type AuditEntry struct {
	ID         int64           `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Identity   string          `json:"identity"`
	Operation  string          `json:"operation"`
	Outcome    string          `json:"outcome"`
	Reason     string          `json:"reason,omitempty"`
	ClientInfo json.RawMessage `json:"client_info,omitempty"`
}

// Audit outcomes
const (
	AuditAllowed     = "allowed"
	AuditDenied      = "denied"
	AuditRateLimited = "rate_limited"
	AuditSuspicious  = "suspicious"
)

// AuditTrail persists security audit entries to SQLite. Writes are
// asynchronous through a buffered channel so callers never block on
// disk; entries are dropped with a warning if the buffer fills.
type AuditTrail struct {
	db     *sql.DB
	logger *zap.Logger
	queue  chan AuditEntry
	done   chan struct{}
}

// NewAuditTrail opens (or creates) the audit database and starts the
// background writer
func NewAuditTrail(dbPath string, logger *zap.Logger) (*AuditTrail, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		identity TEXT NOT NULL,
		operation TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		client_info TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_identity ON audit_log(identity);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	a := &AuditTrail{
		db:     db,
		logger: logger.Named("audit"),
		queue:  make(chan AuditEntry, 1024),
		done:   make(chan struct{}),
	}
	go a.writeLoop()
	return a, nil
}

// Record queues an audit entry. Never blocks; drops on overflow.
func (a *AuditTrail) Record(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	select {
	case a.queue <- entry:
	default:
		a.logger.Warn("Audit buffer full, dropping entry",
			zap.String("identity", entry.Identity),
			zap.String("operation", entry.Operation))
	}
}

func (a *AuditTrail) writeLoop() {
	for entry := range a.queue {
		a.write(entry)
	}
	close(a.done)
}

func (a *AuditTrail) write(entry AuditEntry) {
	var clientInfo interface{}
	if len(entry.ClientInfo) > 0 {
		clientInfo = string(entry.ClientInfo)
	}
	_, err := a.db.Exec(`
		INSERT INTO audit_log (timestamp, identity, operation, outcome, reason, client_info)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Identity, entry.Operation, entry.Outcome, entry.Reason, clientInfo)
	if err != nil {
		a.logger.Error("Failed to write audit entry", zap.Error(err))
	}
}

// Query returns entries for an identity since the given time, newest first
func (a *AuditTrail) Query(ctx context.Context, identity string, since time.Time, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, timestamp, identity, operation, outcome, COALESCE(reason, ''), COALESCE(client_info, '')
		FROM audit_log
		WHERE identity = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?`, identity, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var clientInfo string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Identity, &e.Operation, &e.Outcome, &e.Reason, &clientInfo); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if clientInfo != "" {
			e.ClientInfo = json.RawMessage(clientInfo)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Trim deletes entries older than the retention cutoff and returns the
// number removed
func (a *AuditTrail) Trim(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := a.db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to trim audit log: %w", err)
	}
	return res.RowsAffected()
}

// Close drains pending entries and closes the database
func (a *AuditTrail) Close() error {
	close(a.queue)
	select {
	case <-a.done:
	case <-time.After(5 * time.Second):
		a.logger.Warn("Audit writer did not drain in time")
	}
	return a.db.Close()
}
