package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// Every ":memory:" store gets its own named shared-cache database, so the
	// pool's connections agree with each other but not with other stores.
	if dsn == ":memory:" {
		dsn = "file:memdb-" + uuid.NewString() + "?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; the worker pool would otherwise trip over
	// SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			message_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			direction TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			target_agent_id TEXT NOT NULL DEFAULT '',
			verbose_level INTEGER NOT NULL DEFAULT 1,
			trace_type TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(user_id, session_key, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_primary_id ON messages(user_id, session_key, message_id, type) WHERE trace_type = ''`,
		`CREATE INDEX IF NOT EXISTS idx_messages_undelivered ON messages(user_id, delivered)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
		`CREATE TABLE IF NOT EXISTS push_devices (
			user_id TEXT NOT NULL,
			token TEXT NOT NULL,
			platform TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, token)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			peer_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_user_action ON audit_events(user_id, action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Messages ---

func (s *SQLiteStore) PersistMessage(ctx context.Context, msg *Message) (int64, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if msg.VerboseLevel == 0 {
		msg.VerboseLevel = 1
	}

	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, user_id, session_key, message_id, seq, type, direction, agent_id,
		   target_agent_id, verbose_level, trace_type, content, delivered, created_at)
		 VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE user_id = ? AND session_key = ?),
		   ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING
		 RETURNING seq`,
		msg.ID, msg.UserID, msg.SessionKey, msg.MessageID, msg.UserID, msg.SessionKey,
		msg.Type, msg.Direction, msg.AgentID, msg.TargetAgentID, msg.VerboseLevel, msg.TraceType,
		msg.Content, msg.Delivered, msg.CreatedAt,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return s.existingSeq(ctx, msg)
	}
	if err != nil {
		return 0, err
	}
	msg.Seq = seq
	return seq, nil
}

// existingSeq resolves an insert that hit a uniqueness constraint: either a
// duplicate primary message (return the stored seq) or a seq race.
func (s *SQLiteStore) existingSeq(ctx context.Context, msg *Message) (int64, error) {
	if msg.TraceType != "" {
		return 0, ErrSeqConflict
	}
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM messages
		 WHERE user_id = ? AND session_key = ? AND message_id = ? AND type = ? AND trace_type = ''`,
		msg.UserID, msg.SessionKey, msg.MessageID, msg.Type,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSeqConflict
	}
	if err != nil {
		return 0, err
	}
	msg.Seq = seq
	return seq, nil
}

const messageColumns = `id, user_id, session_key, message_id, seq, type, direction, agent_id,
	target_agent_id, verbose_level, trace_type, content, delivered, created_at`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.SessionKey, &m.MessageID, &m.Seq, &m.Type, &m.Direction,
			&m.AgentID, &m.TargetAgentID, &m.VerboseLevel, &m.TraceType, &m.Content, &m.Delivered, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) QueryMessages(ctx context.Context, userID, sessionKey string, filter MessageFilter) ([]Message, error) {
	f := filter.normalized()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		 FROM messages WHERE user_id = ? AND session_key = ? AND verbose_level <= ? AND seq > ?
		 ORDER BY seq LIMIT ?`,
		userID, sessionKey, f.MaxVerbose, f.AfterSeq, f.Limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *SQLiteStore) ListUndelivered(ctx context.Context, userID string, filter UndeliveredFilter) ([]Message, error) {
	query, args := undeliveredQuery(userID, filter, func(int) string { return "?" })
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// undeliveredQuery builds the ListUndelivered statement with the driver's
// placeholder style. It returns "" when the filter can match nothing.
func undeliveredQuery(userID string, filter UndeliveredFilter, placeholder func(n int) string) (string, []any) {
	var conds []string
	args := []any{userID}
	if len(filter.AgentIDs) > 0 {
		ph := make([]string, len(filter.AgentIDs))
		for i, id := range filter.AgentIDs {
			args = append(args, id)
			ph[i] = placeholder(len(args))
		}
		conds = append(conds, "target_agent_id IN ("+strings.Join(ph, ", ")+")")
	}
	if filter.IncludeUntargeted {
		conds = append(conds, "target_agent_id = ''")
	}
	if len(conds) == 0 {
		return "", nil
	}

	limit := filter.Limit
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	args = append(args, limit)

	query := `SELECT ` + messageColumns + `
		 FROM messages WHERE user_id = ` + placeholder(1) + ` AND direction = 'user' AND delivered = ` + falseLiteral(placeholder) + `
		 AND (` + strings.Join(conds, " OR ") + `)
		 ORDER BY created_at, session_key, seq LIMIT ` + placeholder(len(args))
	return query, args
}

// falseLiteral picks the boolean literal for the placeholder style: SQLite
// stores booleans as integers, Postgres has a real BOOLEAN.
func falseLiteral(placeholder func(int) string) string {
	if placeholder(1) == "?" {
		return "0"
	}
	return "FALSE"
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{userID}
	ph := make([]string, len(ids))
	for i, id := range ids {
		args = append(args, id)
		ph[i] = "?"
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET delivered = 1 WHERE user_id = ? AND id IN ("+strings.Join(ph, ", ")+")",
		args...,
	)
	return err
}

// --- Push devices ---

func (s *SQLiteStore) RegisterDevice(ctx context.Context, dev *Device) error {
	if dev.CreatedAt.IsZero() {
		dev.CreatedAt = time.Now()
	}
	dev.CreatedAt = dev.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_devices (user_id, token, platform, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, token) DO UPDATE SET platform = excluded.platform`,
		dev.UserID, dev.Token, dev.Platform, dev.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, token, platform, created_at FROM push_devices WHERE user_id = ? ORDER BY created_at",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.UserID, &d.Token, &d.Platform, &d.CreatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) RemoveDevice(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM push_devices WHERE user_id = ? AND token = ?", userID, token,
	)
	return err
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.CreatedAt = event.CreatedAt.UTC()
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, user_id, action, peer_id, agent_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.UserID, event.Action, event.PeerID, event.AgentID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, userID string, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, user_id, action, peer_id, agent_id, detail, created_at
	          FROM audit_events WHERE user_id = ?`
	args := []any{userID}

	if filter.Action != "" {
		query += " AND action LIKE ?"
		args = append(args, filter.Action+"%")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.PeerID, &e.AgentID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Data retention ---

func (s *SQLiteStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < ?", before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < ?", before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
