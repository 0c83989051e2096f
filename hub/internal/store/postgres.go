package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			message_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			direction TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			target_agent_id TEXT NOT NULL DEFAULT '',
			verbose_level INTEGER NOT NULL DEFAULT 1,
			trace_type TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(user_id, session_key, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_primary_id ON messages(user_id, session_key, message_id, type) WHERE trace_type = ''`,
		`CREATE INDEX IF NOT EXISTS idx_messages_undelivered ON messages(user_id) WHERE NOT delivered`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
		`CREATE TABLE IF NOT EXISTS push_devices (
			user_id TEXT NOT NULL,
			token TEXT NOT NULL,
			platform TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, token)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			peer_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			detail JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func pgPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// --- Messages ---

func (s *PostgresStore) PersistMessage(ctx context.Context, msg *Message) (int64, error) {
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
		 VALUES ($1, $2, $3, $4, (SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE user_id = $2 AND session_key = $3),
		   $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT DO NOTHING
		 RETURNING seq`,
		msg.ID, msg.UserID, msg.SessionKey, msg.MessageID,
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

func (s *PostgresStore) existingSeq(ctx context.Context, msg *Message) (int64, error) {
	if msg.TraceType != "" {
		return 0, ErrSeqConflict
	}
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM messages
		 WHERE user_id = $1 AND session_key = $2 AND message_id = $3 AND type = $4 AND trace_type = ''`,
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

func (s *PostgresStore) QueryMessages(ctx context.Context, userID, sessionKey string, filter MessageFilter) ([]Message, error) {
	f := filter.normalized()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		 FROM messages WHERE user_id = $1 AND session_key = $2 AND verbose_level <= $3 AND seq > $4
		 ORDER BY seq LIMIT $5`,
		userID, sessionKey, f.MaxVerbose, f.AfterSeq, f.Limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *PostgresStore) ListUndelivered(ctx context.Context, userID string, filter UndeliveredFilter) ([]Message, error) {
	query, args := undeliveredQuery(userID, filter, pgPlaceholder)
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{userID}
	ph := make([]string, len(ids))
	for i, id := range ids {
		args = append(args, id)
		ph[i] = pgPlaceholder(len(args))
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET delivered = TRUE WHERE user_id = $1 AND id IN ("+strings.Join(ph, ", ")+")",
		args...,
	)
	return err
}

// --- Push devices ---

func (s *PostgresStore) RegisterDevice(ctx context.Context, dev *Device) error {
	if dev.CreatedAt.IsZero() {
		dev.CreatedAt = time.Now()
	}
	dev.CreatedAt = dev.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_devices (user_id, token, platform, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(user_id, token) DO UPDATE SET platform = EXCLUDED.platform`,
		dev.UserID, dev.Token, dev.Platform, dev.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, token, platform, created_at FROM push_devices WHERE user_id = $1 ORDER BY created_at",
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

func (s *PostgresStore) RemoveDevice(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM push_devices WHERE user_id = $1 AND token = $2", userID, token,
	)
	return err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.CreatedAt = event.CreatedAt.UTC()
	var detail any
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, user_id, action, peer_id, agent_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.UserID, event.Action, event.PeerID, event.AgentID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, userID string, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, user_id, action, peer_id, agent_id, detail, created_at
	          FROM audit_events WHERE user_id = $1`
	args := []any{userID}

	if filter.Action != "" {
		args = append(args, filter.Action+"%")
		query += fmt.Sprintf(" AND action LIKE $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.PeerID, &e.AgentID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != nil {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Data retention ---

func (s *PostgresStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
