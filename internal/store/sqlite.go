// Package store provides storage backends for Relas.
//
// This file implements the SQLite-backed store, the default for
// single-node deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time checks.
var (
	_ Store     = (*SQLiteStore)(nil)
	_ DedupRepo = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveUser inserts or updates a user record.
func (s *SQLiteStore) SaveUser(u models.User) error {
	if u.ID == "" {
		u.ID = util.NewUserID()
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO users (id, phone, name, gender, age, city, state, country, comm_style, is_subscribed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			phone = excluded.phone,
			name = excluded.name,
			gender = excluded.gender,
			age = excluded.age,
			city = excluded.city,
			state = excluded.state,
			country = excluded.country,
			comm_style = excluded.comm_style,
			is_subscribed = excluded.is_subscribed,
			updated_at = excluded.updated_at`,
		u.ID, u.Phone, u.Name, u.Gender, u.Age, u.City, u.State, u.Country,
		u.CommStyle, u.IsSubscribed, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveUser failed", "error", err, "id", u.ID)
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	slog.Debug("SQLiteStore SaveUser succeeded", "id", u.ID)
	return nil
}

const userColumns = `id, phone, name, gender, age, city, state, country, comm_style, is_subscribed, created_at, updated_at`

// GetUserByPhone retrieves a user by channel address, or nil if none exists.
func (s *SQLiteStore) GetUserByPhone(phone string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE phone = ?`, phone)
	u, err := scanUserRow(row)
	if err != nil {
		slog.Error("SQLiteStore GetUserByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get user by phone: %w", err)
	}
	return u, nil
}

// GetUserByID retrieves a user by id, or nil if none exists.
func (s *SQLiteStore) GetUserByID(id string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUserRow(row)
	if err != nil {
		slog.Error("SQLiteStore GetUserByID failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return u, nil
}

const conversationColumns = `id, user_id, title, status, total_messages, context_summary, topic_tags, last_message_at, created_at`

// FindActiveConversation retrieves the user's single active conversation, or nil.
func (s *SQLiteStore) FindActiveConversation(userID string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE user_id = ? AND status = 'active'`, userID)
	c, err := scanConversationRow(row)
	if err != nil {
		slog.Error("SQLiteStore FindActiveConversation failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to find active conversation: %w", err)
	}
	return c, nil
}

// CreateConversation creates an active conversation for the user. The
// uniqueness index on (user_id) WHERE status='active' makes concurrent
// invocations safe: losers of the race re-fetch and return the winner.
func (s *SQLiteStore) CreateConversation(userID, title string) (*models.Conversation, error) {
	now := time.Now()
	conv := models.Conversation{
		ID:            util.NewConversationID(),
		UserID:        userID,
		Title:         title,
		Status:        models.ConversationStatusActive,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	res, err := s.db.Exec(`
		INSERT INTO conversations (id, user_id, title, status, total_messages, last_message_at, created_at)
		VALUES (?, ?, ?, 'active', 0, ?, ?)
		ON CONFLICT (user_id) WHERE status = 'active' DO NOTHING`,
		conv.ID, userID, title, now, now)
	if err != nil {
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to create conversation for %s: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race; another request created the active conversation.
		slog.Debug("SQLiteStore CreateConversation conflict, re-fetching active", "userID", userID)
		existing, err := s.FindActiveConversation(userID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("conversation insert conflicted but no active conversation found for %s", userID)
		}
		return existing, nil
	}
	slog.Debug("SQLiteStore CreateConversation succeeded", "userID", userID, "conversationID", conv.ID)
	return &conv, nil
}

// TouchConversation updates the last-activity timestamp and message counter.
func (s *SQLiteStore) TouchConversation(conversationID string, incrementBy int) error {
	res, err := s.db.Exec(`
		UPDATE conversations SET total_messages = total_messages + ?, last_message_at = ?
		WHERE id = ?`, incrementBy, time.Now(), conversationID)
	if err != nil {
		slog.Error("SQLiteStore TouchConversation failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to touch conversation %s: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConversationGone
	}
	return nil
}

// ArchiveConversation re-statuses a conversation to archived.
func (s *SQLiteStore) ArchiveConversation(conversationID string) error {
	res, err := s.db.Exec(`UPDATE conversations SET status = 'archived' WHERE id = ?`, conversationID)
	if err != nil {
		slog.Error("SQLiteStore ArchiveConversation failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to archive conversation %s: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConversationGone
	}
	slog.Debug("SQLiteStore ArchiveConversation succeeded", "conversationID", conversationID)
	return nil
}

// CountConversations returns the number of conversations a user owns.
func (s *SQLiteStore) CountConversations(userID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		slog.Error("SQLiteStore CountConversations failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return count, nil
}

// AddMessage appends a message to the conversation log.
func (s *SQLiteStore) AddMessage(m models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	emotions, err := marshalTags(m.Emotions)
	if err != nil {
		return err
	}
	topics, err := marshalTags(m.Topics)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO messages (id, conversation_id, user_id, content, sender, channel, sentiment, emotions, topics, urgency_level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.UserID, m.Content, m.Sender, m.Channel,
		nilIfEmpty(m.Sentiment), emotions, topics, nilIfZero(m.UrgencyLevel), m.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "messageID", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	slog.Debug("SQLiteStore AddMessage succeeded", "messageID", m.ID, "sender", m.Sender)
	return nil
}

// AttachAnalysis fills the analysis fields on an existing message. This is
// the single permitted post-create mutation.
func (s *SQLiteStore) AttachAnalysis(messageID string, analysis models.MessageAnalysis) error {
	emotions, err := marshalTags(analysis.Emotions)
	if err != nil {
		return err
	}
	topics, err := marshalTags(analysis.Topics)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		UPDATE messages SET sentiment = ?, emotions = ?, topics = ?, urgency_level = ?
		WHERE id = ?`,
		analysis.Sentiment, emotions, topics, analysis.UrgencyLevel, messageID)
	if err != nil {
		slog.Error("SQLiteStore AttachAnalysis failed", "error", err, "messageID", messageID)
		return fmt.Errorf("failed to attach analysis to %s: %w", messageID, err)
	}
	return nil
}

const messageColumns = `id, conversation_id, user_id, content, sender, channel, sentiment, emotions, topics, urgency_level, created_at`

// ListMessages returns up to limit of the most recent messages in the
// conversation, chronological when oldestFirst is set.
func (s *SQLiteStore) ListMessages(conversationID string, limit int, oldestFirst bool) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListMessages query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			slog.Error("SQLiteStore ListMessages scan failed", "error", err)
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	if oldestFirst {
		msgs = reverseMessages(msgs)
	}
	slog.Debug("SQLiteStore ListMessages succeeded", "conversationID", conversationID, "count", len(msgs))
	return msgs, nil
}

// AddSentimentLog appends a sentiment trend row.
func (s *SQLiteStore) AddSentimentLog(l models.SentimentLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	emotions, err := marshalTags(l.Emotions)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sentiment_logs (id, user_id, message_id, sentiment, confidence, emotions, intensity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.UserID, l.MessageID, l.Sentiment, l.Confidence, emotions, l.Intensity, l.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddSentimentLog failed", "error", err, "messageID", l.MessageID)
		return fmt.Errorf("failed to insert sentiment log: %w", err)
	}
	return nil
}

// ListSentimentLogs returns up to limit of the user's most recent sentiment
// rows, most recent first.
func (s *SQLiteStore) ListSentimentLogs(userID string, limit int) ([]models.SentimentLog, error) {
	query := `SELECT id, user_id, message_id, sentiment, confidence, emotions, intensity, created_at
		FROM sentiment_logs WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListSentimentLogs query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query sentiment logs: %w", err)
	}
	defer rows.Close()
	var logs []models.SentimentLog
	for rows.Next() {
		var l models.SentimentLog
		var emotions sql.NullString
		if err := rows.Scan(&l.ID, &l.UserID, &l.MessageID, &l.Sentiment, &l.Confidence, &emotions, &l.Intensity, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sentiment log row: %w", err)
		}
		l.Emotions = unmarshalTags(emotions)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sentiment log rows: %w", err)
	}
	return logs, nil
}

// GetUserContext assembles the user's long-lived context from the context
// row and the per-label counter table. Returns nil if no context exists yet.
func (s *SQLiteStore) GetUserContext(userID string) (*models.UserContext, error) {
	var ctx models.UserContext
	err := s.db.QueryRow(`SELECT user_id, relationship_history, updated_at FROM user_contexts WHERE user_id = ?`, userID).
		Scan(&ctx.UserID, &ctx.RelationshipHistory, &ctx.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserContext failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user context: %w", err)
	}

	ctx.CommunicationPatterns = make(map[string]int)
	ctx.TriggerPoints = make(map[string]int)
	rows, err := s.db.Query(`SELECT kind, label, count FROM context_counters WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query context counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, label string
		var count int
		if err := rows.Scan(&kind, &label, &count); err != nil {
			return nil, fmt.Errorf("failed to scan context counter row: %w", err)
		}
		switch kind {
		case "emotion":
			ctx.CommunicationPatterns[label] = count
		case "trigger":
			ctx.TriggerPoints[label] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate context counter rows: %w", err)
	}
	return &ctx, nil
}

// IncrementContextCounters bumps the emotion and trigger counters with
// per-label ON CONFLICT upserts inside one transaction, so concurrent turns
// for the same user cannot lose updates.
func (s *SQLiteStore) IncrementContextCounters(userID string, emotions, topics []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin context update: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO user_contexts (user_id, relationship_history, updated_at) VALUES (?, '', ?)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = excluded.updated_at`, userID, now); err != nil {
		slog.Error("SQLiteStore IncrementContextCounters context upsert failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to upsert user context: %w", err)
	}

	increment := func(kind string, labels []string) error {
		for _, label := range labels {
			if _, err := tx.Exec(`
				INSERT INTO context_counters (user_id, kind, label, count) VALUES (?, ?, ?, 1)
				ON CONFLICT (user_id, kind, label) DO UPDATE SET count = count + 1`,
				userID, kind, label); err != nil {
				return fmt.Errorf("failed to increment %s counter %q: %w", kind, label, err)
			}
		}
		return nil
	}
	if err := increment("emotion", emotions); err != nil {
		return err
	}
	if err := increment("trigger", topics); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit context update: %w", err)
	}
	slog.Debug("SQLiteStore IncrementContextCounters succeeded", "userID", userID,
		"emotions", len(emotions), "triggers", len(topics))
	return nil
}

// SetRelationshipHistory replaces the free-form history blob.
func (s *SQLiteStore) SetRelationshipHistory(userID, history string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_contexts (user_id, relationship_history, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET relationship_history = excluded.relationship_history, updated_at = excluded.updated_at`,
		userID, history, time.Now())
	if err != nil {
		slog.Error("SQLiteStore SetRelationshipHistory failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to set relationship history: %w", err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// nilIfZero returns nil for zero integers, for nullable columns.
func nilIfZero(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
