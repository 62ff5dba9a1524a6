// Package store provides storage backends for Relas.
//
// It includes an in-memory store for tests and persistent SQLite and
// PostgreSQL stores for production use. All backends implement the Store
// and DedupRepo interfaces.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/util"
)

// Store defines the persistence operations the conversation pipeline needs.
type Store interface {
	// Users. The profile/billing collaborators own user mutation; the core
	// needs lookups plus a save surface for seeding and settings updates.
	SaveUser(u models.User) error
	GetUserByPhone(phone string) (*models.User, error)
	GetUserByID(id string) (*models.User, error)

	// Conversations. CreateConversation is find-or-create safe: the backends
	// enforce at most one active conversation per user and re-fetch the
	// winner on conflict.
	FindActiveConversation(userID string) (*models.Conversation, error)
	CreateConversation(userID, title string) (*models.Conversation, error)
	TouchConversation(conversationID string, incrementBy int) error
	ArchiveConversation(conversationID string) error
	CountConversations(userID string) (int, error)

	// Messages. AttachAnalysis is the single permitted post-create mutation.
	AddMessage(m models.Message) error
	AttachAnalysis(messageID string, analysis models.MessageAnalysis) error
	ListMessages(conversationID string, limit int, oldestFirst bool) ([]models.Message, error)

	// Sentiment trend rows.
	AddSentimentLog(l models.SentimentLog) error
	ListSentimentLogs(userID string, limit int) ([]models.SentimentLog, error)

	// Long-lived user context. Counter updates are per-label atomic
	// increments, not read-merge-write.
	GetUserContext(userID string) (*models.UserContext, error)
	IncrementContextCounters(userID string, emotions, topics []string) error
	SetRelationshipHistory(userID, history string) error

	Close() error
}

// Opts holds configuration options for persistent store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" otherwise (file paths are treated as SQLite databases).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a mutex-guarded in-memory implementation of Store and
// DedupRepo, used in tests.
type InMemoryStore struct {
	mu            sync.RWMutex
	users         map[string]models.User // by id
	conversations map[string]models.Conversation
	messages      []models.Message
	sentimentLogs []models.SentimentLog
	contexts      map[string]*models.UserContext
	dedup         map[string]DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:         make(map[string]models.User),
		conversations: make(map[string]models.Conversation),
		contexts:      make(map[string]*models.UserContext),
		dedup:         make(map[string]DedupRecord),
	}
}

// SaveUser inserts or replaces a user record.
func (s *InMemoryStore) SaveUser(u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = util.NewUserID()
	}
	s.users[u.ID] = u
	return nil
}

// GetUserByPhone returns the user owning the given phone number, or nil.
func (s *InMemoryStore) GetUserByPhone(phone string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Phone == phone {
			user := u
			return &user, nil
		}
	}
	return nil, nil
}

// GetUserByID returns the user with the given id, or nil.
func (s *InMemoryStore) GetUserByID(id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[id]; ok {
		user := u
		return &user, nil
	}
	return nil, nil
}

// FindActiveConversation returns the user's single active conversation, or nil.
func (s *InMemoryStore) FindActiveConversation(userID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findActiveLocked(userID), nil
}

func (s *InMemoryStore) findActiveLocked(userID string) *models.Conversation {
	for _, c := range s.conversations {
		if c.UserID == userID && c.Status == models.ConversationStatusActive {
			conv := c
			return &conv
		}
	}
	return nil
}

// CreateConversation creates an active conversation for the user. If an
// active conversation already exists the existing one is returned, matching
// the uniqueness behavior of the persistent backends.
func (s *InMemoryStore) CreateConversation(userID, title string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.findActiveLocked(userID); existing != nil {
		return existing, nil
	}
	now := time.Now()
	conv := models.Conversation{
		ID:            util.NewConversationID(),
		UserID:        userID,
		Title:         title,
		Status:        models.ConversationStatusActive,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	s.conversations[conv.ID] = conv
	return &conv, nil
}

// TouchConversation bumps the last-activity timestamp and message counter.
func (s *InMemoryStore) TouchConversation(conversationID string, incrementBy int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return models.ErrConversationGone
	}
	c.TotalMessages += incrementBy
	c.LastMessageAt = time.Now()
	s.conversations[conversationID] = c
	return nil
}

// ArchiveConversation re-statuses a conversation to archived.
func (s *InMemoryStore) ArchiveConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return models.ErrConversationGone
	}
	c.Status = models.ConversationStatusArchived
	s.conversations[conversationID] = c
	return nil
}

// CountConversations returns the number of conversations a user owns,
// regardless of status.
func (s *InMemoryStore) CountConversations(userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, c := range s.conversations {
		if c.UserID == userID {
			count++
		}
	}
	return count, nil
}

// AddMessage appends a message to the log.
func (s *InMemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, m)
	return nil
}

// AttachAnalysis fills the analysis fields on an existing message.
func (s *InMemoryStore) AttachAnalysis(messageID string, analysis models.MessageAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].Sentiment = analysis.Sentiment
			s.messages[i].Emotions = analysis.Emotions
			s.messages[i].Topics = analysis.Topics
			s.messages[i].UrgencyLevel = analysis.UrgencyLevel
			return nil
		}
	}
	return models.ErrConversationGone
}

// ListMessages returns up to limit of the most recent messages in the
// conversation. oldestFirst selects chronological order (prompt assembly);
// otherwise most-recent-first (display).
func (s *InMemoryStore) ListMessages(conversationID string, limit int, oldestFirst bool) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var msgs []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			msgs = append(msgs, m)
		}
	}
	// Append order is already chronological; keep it stable across equal
	// timestamps.
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if !oldestFirst {
		reversed := make([]models.Message, len(msgs))
		for i, m := range msgs {
			reversed[len(msgs)-1-i] = m
		}
		msgs = reversed
	}
	return msgs, nil
}

// AddSentimentLog appends a sentiment trend row.
func (s *InMemoryStore) AddSentimentLog(l models.SentimentLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	s.sentimentLogs = append(s.sentimentLogs, l)
	return nil
}

// ListSentimentLogs returns up to limit of the user's most recent sentiment
// rows, most recent first.
func (s *InMemoryStore) ListSentimentLogs(userID string, limit int) ([]models.SentimentLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var logs []models.SentimentLog
	for i := len(s.sentimentLogs) - 1; i >= 0; i-- {
		if s.sentimentLogs[i].UserID == userID {
			logs = append(logs, s.sentimentLogs[i])
			if limit > 0 && len(logs) == limit {
				break
			}
		}
	}
	return logs, nil
}

// GetUserContext returns the user's long-lived context, or nil if none has
// been created yet.
func (s *InMemoryStore) GetUserContext(userID string) (*models.UserContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, ok := s.contexts[userID]
	if !ok {
		return nil, nil
	}
	out := models.UserContext{
		UserID:                ctx.UserID,
		CommunicationPatterns: make(map[string]int, len(ctx.CommunicationPatterns)),
		TriggerPoints:         make(map[string]int, len(ctx.TriggerPoints)),
		RelationshipHistory:   ctx.RelationshipHistory,
		UpdatedAt:             ctx.UpdatedAt,
	}
	for k, v := range ctx.CommunicationPatterns {
		out.CommunicationPatterns[k] = v
	}
	for k, v := range ctx.TriggerPoints {
		out.TriggerPoints[k] = v
	}
	return &out, nil
}

// IncrementContextCounters atomically increments the emotion and trigger
// counters, creating the context row on first use.
func (s *InMemoryStore) IncrementContextCounters(userID string, emotions, topics []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.ensureContextLocked(userID)
	for _, e := range emotions {
		ctx.CommunicationPatterns[e]++
	}
	for _, t := range topics {
		ctx.TriggerPoints[t]++
	}
	ctx.UpdatedAt = time.Now()
	return nil
}

// SetRelationshipHistory replaces the free-form history blob.
func (s *InMemoryStore) SetRelationshipHistory(userID, history string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.ensureContextLocked(userID)
	ctx.RelationshipHistory = history
	ctx.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) ensureContextLocked(userID string) *models.UserContext {
	ctx, ok := s.contexts[userID]
	if !ok {
		ctx = &models.UserContext{
			UserID:                userID,
			CommunicationPatterns: make(map[string]int),
			TriggerPoints:         make(map[string]int),
		}
		s.contexts[userID] = ctx
	}
	return ctx
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
