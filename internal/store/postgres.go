// Package store provides storage backends for Relas.
//
// This file implements a PostgreSQL-backed store for multi-node deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/util"
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

type PostgresStore struct {
	db *sql.DB
}

var (
	_ Store     = (*PostgresStore)(nil)
	_ DedupRepo = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SaveUser inserts or updates a user record.
func (s *PostgresStore) SaveUser(u models.User) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			phone = EXCLUDED.phone,
			name = EXCLUDED.name,
			gender = EXCLUDED.gender,
			age = EXCLUDED.age,
			city = EXCLUDED.city,
			state = EXCLUDED.state,
			country = EXCLUDED.country,
			comm_style = EXCLUDED.comm_style,
			is_subscribed = EXCLUDED.is_subscribed,
			updated_at = EXCLUDED.updated_at`,
		u.ID, u.Phone, u.Name, u.Gender, u.Age, u.City, u.State, u.Country,
		u.CommStyle, u.IsSubscribed, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveUser failed", "error", err, "id", u.ID)
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	slog.Debug("PostgresStore SaveUser succeeded", "id", u.ID)
	return nil
}

// GetUserByPhone retrieves a user by channel address, or nil if none exists.
func (s *PostgresStore) GetUserByPhone(phone string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE phone = $1`, phone)
	u, err := scanUserRow(row)
	if err != nil {
		slog.Error("PostgresStore GetUserByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get user by phone: %w", err)
	}
	return u, nil
}

// GetUserByID retrieves a user by id, or nil if none exists.
func (s *PostgresStore) GetUserByID(id string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUserRow(row)
	if err != nil {
		slog.Error("PostgresStore GetUserByID failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return u, nil
}

// FindActiveConversation retrieves the user's single active conversation, or nil.
func (s *PostgresStore) FindActiveConversation(userID string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE user_id = $1 AND status = 'active'`, userID)
	c, err := scanConversationRow(row)
	if err != nil {
		slog.Error("PostgresStore FindActiveConversation failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to find active conversation: %w", err)
	}
	return c, nil
}

// CreateConversation creates an active conversation for the user. The
// partial unique index on (user_id) WHERE status='active' makes concurrent
// invocations safe: losers of the race re-fetch and return the winner.
func (s *PostgresStore) CreateConversation(userID, title string) (*models.Conversation, error) {
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
		VALUES ($1, $2, $3, 'active', 0, $4, $5)
		ON CONFLICT (user_id) WHERE status = 'active' DO NOTHING`,
		conv.ID, userID, title, now, now)
	if err != nil {
		slog.Error("PostgresStore CreateConversation failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to create conversation for %s: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race; another request created the active conversation.
		slog.Debug("PostgresStore CreateConversation conflict, re-fetching active", "userID", userID)
		existing, err := s.FindActiveConversation(userID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("conversation insert conflicted but no active conversation found for %s", userID)
		}
		return existing, nil
	}
	slog.Debug("PostgresStore CreateConversation succeeded", "userID", userID, "conversationID", conv.ID)
	return &conv, nil
}

// TouchConversation updates the last-activity timestamp and message counter.
func (s *PostgresStore) TouchConversation(conversationID string, incrementBy int) error {
	res, err := s.db.Exec(`
		UPDATE conversations SET total_messages = total_messages + $1, last_message_at = $2
		WHERE id = $3`, incrementBy, time.Now(), conversationID)
	if err != nil {
		slog.Error("PostgresStore TouchConversation failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to touch conversation %s: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConversationGone
	}
	return nil
}

// ArchiveConversation re-statuses a conversation to archived.
func (s *PostgresStore) ArchiveConversation(conversationID string) error {
	res, err := s.db.Exec(`UPDATE conversations SET status = 'archived' WHERE id = $1`, conversationID)
	if err != nil {
		slog.Error("PostgresStore ArchiveConversation failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to archive conversation %s: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConversationGone
	}
	slog.Debug("PostgresStore ArchiveConversation succeeded", "conversationID", conversationID)
	return nil
}

// CountConversations returns the number of conversations a user owns.
func (s *PostgresStore) CountConversations(userID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore CountConversations failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return count, nil
}

// AddMessage appends a message to the conversation log.
func (s *PostgresStore) AddMessage(m models.Message) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.ConversationID, m.UserID, m.Content, m.Sender, m.Channel,
		nilIfEmpty(m.Sentiment), emotions, topics, nilIfZero(m.UrgencyLevel), m.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "messageID", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	slog.Debug("PostgresStore AddMessage succeeded", "messageID", m.ID, "sender", m.Sender)
	return nil
}

// AttachAnalysis fills the analysis fields on an existing message.
func (s *PostgresStore) AttachAnalysis(messageID string, analysis models.MessageAnalysis) error {
	emotions, err := marshalTags(analysis.Emotions)
	if err != nil {
		return err
	}
	topics, err := marshalTags(analysis.Topics)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		UPDATE messages SET sentiment = $1, emotions = $2, topics = $3, urgency_level = $4
		WHERE id = $5`,
		analysis.Sentiment, emotions, topics, analysis.UrgencyLevel, messageID)
	if err != nil {
		slog.Error("PostgresStore AttachAnalysis failed", "error", err, "messageID", messageID)
		return fmt.Errorf("failed to attach analysis to %s: %w", messageID, err)
	}
	return nil
}

// ListMessages returns up to limit of the most recent messages in the
// conversation, chronological when oldestFirst is set. Postgres rows carry a
// sequence column so same-timestamp inserts keep their order.
func (s *PostgresStore) ListMessages(conversationID string, limit int, oldestFirst bool) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1 ORDER BY created_at DESC, seq DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListMessages query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			slog.Error("PostgresStore ListMessages scan failed", "error", err)
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
	slog.Debug("PostgresStore ListMessages succeeded", "conversationID", conversationID, "count", len(msgs))
	return msgs, nil
}

// AddSentimentLog appends a sentiment trend row.
func (s *PostgresStore) AddSentimentLog(l models.SentimentLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	emotions, err := marshalTags(l.Emotions)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sentiment_logs (id, user_id, message_id, sentiment, confidence, emotions, intensity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.UserID, l.MessageID, l.Sentiment, l.Confidence, emotions, l.Intensity, l.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddSentimentLog failed", "error", err, "messageID", l.MessageID)
		return fmt.Errorf("failed to insert sentiment log: %w", err)
	}
	return nil
}

// ListSentimentLogs returns up to limit of the user's most recent sentiment
// rows, most recent first.
func (s *PostgresStore) ListSentimentLogs(userID string, limit int) ([]models.SentimentLog, error) {
	query := `SELECT id, user_id, message_id, sentiment, confidence, emotions, intensity, created_at
		FROM sentiment_logs WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListSentimentLogs query failed", "error", err, "userID", userID)
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
func (s *PostgresStore) GetUserContext(userID string) (*models.UserContext, error) {
	var ctx models.UserContext
	err := s.db.QueryRow(`SELECT user_id, relationship_history, updated_at FROM user_contexts WHERE user_id = $1`, userID).
		Scan(&ctx.UserID, &ctx.RelationshipHistory, &ctx.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserContext failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user context: %w", err)
	}

	ctx.CommunicationPatterns = make(map[string]int)
	ctx.TriggerPoints = make(map[string]int)
	rows, err := s.db.Query(`SELECT kind, label, count FROM context_counters WHERE user_id = $1`, userID)
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
func (s *PostgresStore) IncrementContextCounters(userID string, emotions, topics []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin context update: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO user_contexts (user_id, relationship_history, updated_at) VALUES ($1, '', $2)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = EXCLUDED.updated_at`, userID, now); err != nil {
		slog.Error("PostgresStore IncrementContextCounters context upsert failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to upsert user context: %w", err)
	}

	increment := func(kind string, labels []string) error {
		for _, label := range labels {
			if _, err := tx.Exec(`
				INSERT INTO context_counters (user_id, kind, label, count) VALUES ($1, $2, $3, 1)
				ON CONFLICT (user_id, kind, label) DO UPDATE SET count = context_counters.count + 1`,
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
	slog.Debug("PostgresStore IncrementContextCounters succeeded", "userID", userID,
		"emotions", len(emotions), "triggers", len(topics))
	return nil
}

// SetRelationshipHistory replaces the free-form history blob.
func (s *PostgresStore) SetRelationshipHistory(userID, history string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_contexts (user_id, relationship_history, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET relationship_history = EXCLUDED.relationship_history, updated_at = EXCLUDED.updated_at`,
		userID, history, time.Now())
	if err != nil {
		slog.Error("PostgresStore SetRelationshipHistory failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to set relationship history: %w", err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
