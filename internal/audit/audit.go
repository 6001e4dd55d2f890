// Package audit records security-relevant webmail events (logins, account
// changes, sends and deletes) in an append-only SQLite table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fenilsonani/webmail/internal/docstore"
)

// EventType names an audited action
type EventType string

const (
	EventUserCreate     EventType = "user.create"
	EventPasswordChange EventType = "password.change"
	EventLoginSuccess   EventType = "login.success"
	EventLoginFailure   EventType = "login.failure"
	EventLoginBlocked   EventType = "login.blocked"
	EventLogout         EventType = "logout"
	EventMessageSend    EventType = "message.send"
	EventMessageDelete  EventType = "message.delete"
)

// Event is one audit log entry
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`  // Email of the acting user
	Action    EventType      `json:"action"` // Type of action
	Target    string         `json:"target"` // Affected message or account
	Details   map[string]any `json:"details,omitempty"`
	IPAddress string         `json:"ipAddress,omitempty"`
}

// Logger writes and reads audit events. A nil *Logger is valid and
// discards everything, so callers never need to check.
type Logger struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		target TEXT,
		details TEXT,
		ip_address TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
`

// NewLogger creates the audit table on db if needed. A nil db yields a nil
// logger.
func NewLogger(ctx context.Context, db *sql.DB) (*Logger, error) {
	if db == nil {
		return nil, nil
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &Logger{db: db, now: time.Now}, nil
}

// Log records an event
func (l *Logger) Log(ctx context.Context, actor string, action EventType, target string, details map[string]any, ipAddress string) error {
	if l == nil {
		return nil
	}

	var detailsJSON string
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			detailsJSON = "{}"
		} else {
			detailsJSON = string(data)
		}
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, actor, action, target, details, ip_address) VALUES (?, ?, ?, ?, ?, ?)`,
		docstore.FormatTime(l.now()), actor, string(action), target, detailsJSON, ipAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// QueryFilter narrows a Query
type QueryFilter struct {
	Actor     string
	Action    EventType
	Target    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

func (f QueryFilter) where() (string, []any) {
	var clauses []string
	var args []any

	if f.Actor != "" {
		clauses = append(clauses, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.Target != "" {
		clauses = append(clauses, "target = ?")
		args = append(args, f.Target)
	}
	if !f.StartTime.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, docstore.FormatTime(f.StartTime))
	}
	if !f.EndTime.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, docstore.FormatTime(f.EndTime))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Query returns matching events, newest first
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	if l == nil {
		return nil, nil
	}

	where, args := filter.where()
	query := `SELECT id, timestamp, actor, action, target, details, ip_address FROM audit_log` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		var target, details, ip sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &target, &details, &ip); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(docstore.TimeLayout, ts)
		e.Target = target.String
		e.IPAddress = ip.String
		if details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns the number of events matching the filter
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int, error) {
	if l == nil {
		return 0, nil
	}
	where, args := filter.where()
	var count int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&count)
	return count, err
}

// Prune deletes events older than before and returns how many went.
func (l *Logger) Prune(ctx context.Context, before time.Time) (int64, error) {
	if l == nil {
		return 0, nil
	}
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < ?`, docstore.FormatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
