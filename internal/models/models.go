// Package models defines the core data structures for Relas.
//
// It includes types for users, conversations, messages, and the analysis
// metadata derived from inbound texts, which are shared across modules.
package models

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Channel identifies the text-messaging transport a message travels over.
type Channel string

const (
	// ChannelSMS is plain SMS via the messaging provider.
	ChannelSMS Channel = "sms"
	// ChannelWhatsApp is WhatsApp via the messaging provider.
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelConversations is the provider's threaded Conversations API.
	ChannelConversations Channel = "conversations"
)

// WhatsAppPrefix is the transport prefix the provider puts on WhatsApp
// addresses in webhook payloads and expects on outbound sends.
const WhatsAppPrefix = "whatsapp:"

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelSMS, ChannelWhatsApp, ChannelConversations:
		return true
	default:
		return false
	}
}

// Sender identifies who authored a message.
type Sender string

const (
	// SenderUser marks a message authored by the subscriber.
	SenderUser Sender = "user"
	// SenderAssistant marks a message authored by the assistant.
	SenderAssistant Sender = "assistant"
)

// ConversationStatus is the lifecycle state of a conversation thread.
type ConversationStatus string

const (
	// ConversationStatusActive is the single open thread per user.
	ConversationStatusActive ConversationStatus = "active"
	// ConversationStatusArchived marks a closed thread. Conversations are
	// never deleted, only re-statused.
	ConversationStatusArchived ConversationStatus = "archived"
)

// Sentiment labels produced by message analysis.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentMixed    = "mixed"
)

// Urgency bounds for message analysis.
const (
	MinUrgencyLevel = 1
	MaxUrgencyLevel = 5
)

// DefaultSentimentConfidence is recorded on sentiment log rows; the engine
// does not report a real confidence for the label.
const DefaultSentimentConfidence = 0.8

// Error variables for better error handling and testability
var (
	ErrEmptyPhone        = errors.New("phone number cannot be empty")
	ErrInvalidChannel    = errors.New("invalid channel")
	ErrEmptyContent      = errors.New("message content cannot be empty")
	ErrInvalidSender     = errors.New("sender must be user or assistant")
	ErrEmptyUserID       = errors.New("user id cannot be empty")
	ErrNoPhoneOnFile     = errors.New("user has no phone number on file")
	ErrNotSubscribed     = errors.New("user has no active subscription")
	ErrConversationGone  = errors.New("conversation not found")
	ErrUserNotFound      = errors.New("user not found")
)

// User is one record per subscriber. Subscription flag is owned by the
// billing webhook collaborator; demographics are prompt context only.
type User struct {
	ID           string    `json:"id"`
	Phone        string    `json:"phone"` // E.164, no transport prefix
	Name         string    `json:"name,omitempty"`
	Gender       string    `json:"gender,omitempty"`
	Age          int       `json:"age,omitempty"`
	City         string    `json:"city,omitempty"`
	State        string    `json:"state,omitempty"`
	Country      string    `json:"country,omitempty"`
	CommStyle    string    `json:"preferred_communication_style,omitempty"`
	IsSubscribed bool      `json:"is_subscribed"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Location joins the user's demographic location fields for prompt context.
func (u *User) Location() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{u.City, u.State, u.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Conversation is a thread of messages for one user on one channel family.
// At most one active conversation exists per user at any time; the store
// enforces this with a uniqueness constraint.
type Conversation struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	Title          string             `json:"title,omitempty"`
	Status         ConversationStatus `json:"status"`
	TotalMessages  int                `json:"total_messages"`
	ContextSummary string             `json:"context_summary,omitempty"`
	TopicTags      []string           `json:"topic_tags,omitempty"`
	LastMessageAt  time.Time          `json:"last_message_at"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Message is one inbound or outbound text. Analysis fields are populated
// only for user-authored messages, via a single update after creation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Content        string    `json:"content"`
	Sender         Sender    `json:"sender"`
	Channel        Channel   `json:"channel"`
	Sentiment      string    `json:"sentiment,omitempty"`
	Emotions       []string  `json:"emotions,omitempty"`
	Topics         []string  `json:"topics,omitempty"`
	UrgencyLevel   int       `json:"urgency_level,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageAnalysis is the derived metadata for a single user message.
type MessageAnalysis struct {
	Sentiment    string   `json:"sentiment"`
	Emotions     []string `json:"emotions"`
	Topics       []string `json:"topics"`
	UrgencyLevel int      `json:"urgencyLevel"`
}

// NeutralAnalysis is the total-function default: any engine failure or
// unparseable output maps to this, so analysis never blocks the pipeline.
func NeutralAnalysis() MessageAnalysis {
	return MessageAnalysis{
		Sentiment:    SentimentNeutral,
		Emotions:     []string{},
		Topics:       []string{},
		UrgencyLevel: MinUrgencyLevel,
	}
}

// Normalize fills defaults and clamps urgency into the valid range.
func (a *MessageAnalysis) Normalize() {
	switch a.Sentiment {
	case SentimentPositive, SentimentNegative, SentimentNeutral, SentimentMixed:
	default:
		a.Sentiment = SentimentNeutral
	}
	if a.Emotions == nil {
		a.Emotions = []string{}
	}
	if a.Topics == nil {
		a.Topics = []string{}
	}
	if a.UrgencyLevel < MinUrgencyLevel {
		a.UrgencyLevel = MinUrgencyLevel
	}
	if a.UrgencyLevel > MaxUrgencyLevel {
		a.UrgencyLevel = MaxUrgencyLevel
	}
}

// Intensity converts the urgency level to the 0..1 scale recorded on
// sentiment log rows.
func (a *MessageAnalysis) Intensity() float64 {
	return float64(a.UrgencyLevel) / float64(MaxUrgencyLevel)
}

// SentimentLog is a denormalized per-message record for trend queries.
// Created alongside each analyzed user message; never mutated.
type SentimentLog struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	MessageID  string    `json:"message_id"`
	Sentiment  string    `json:"sentiment"`
	Confidence float64   `json:"confidence"`
	Emotions   []string  `json:"emotions"`
	Intensity  float64   `json:"intensity"` // 0..1, urgency/5
	CreatedAt  time.Time `json:"created_at"`
}

// UserContext is the long-lived, per-user behavioral summary folded back
// into future prompts. Counters are additive and monotonically
// non-decreasing.
type UserContext struct {
	UserID                string         `json:"user_id"`
	CommunicationPatterns map[string]int `json:"communication_patterns"` // emotion label -> count
	TriggerPoints         map[string]int `json:"trigger_points"`         // topic label -> count on negative messages
	RelationshipHistory   string         `json:"relationship_history,omitempty"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// InboundEvent is the normalized form of a provider webhook callback.
// Simple SMS/WhatsApp callbacks carry From/Body/MessageSID; threaded
// Conversations callbacks additionally carry the event discriminators.
type InboundEvent struct {
	MessageSID      string `json:"message_sid,omitempty"`
	From            string `json:"from,omitempty"` // may carry a whatsapp: prefix
	Body            string `json:"body"`
	EventType       string `json:"event_type,omitempty"`
	ConversationSID string `json:"conversation_sid,omitempty"`
	Author          string `json:"author,omitempty"`
	Source          string `json:"source,omitempty"`
}

// IsThreadEvent reports whether the event came from the threaded
// Conversations API rather than a plain message webhook.
func (e *InboundEvent) IsThreadEvent() bool {
	return e.ConversationSID != ""
}

// Validate checks the fields the pipeline cannot proceed without.
func (e *InboundEvent) Validate() error {
	if e.Body == "" {
		return ErrEmptyContent
	}
	if e.From == "" && e.ConversationSID == "" {
		return errors.New("event carries neither a sender address nor a conversation sid")
	}
	return nil
}

var nonDigits = regexp.MustCompile(`\D`)

// FormatPhone normalizes a phone number to E.164, assuming North American
// numbers for bare 10-digit input.
func FormatPhone(phone string) string {
	digits := nonDigits.ReplaceAllString(phone, "")
	switch {
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && strings.HasPrefix(digits, "1"):
		return "+" + digits
	case len(digits) > 11:
		return "+" + digits
	}
	if strings.HasPrefix(phone, "+") {
		return phone
	}
	return "+" + phone
}

// StripChannelPrefix removes a transport prefix from an address and reports
// which channel it implied. Addresses without a prefix are SMS.
func StripChannelPrefix(address string) (string, Channel) {
	if strings.HasPrefix(address, WhatsAppPrefix) {
		return strings.TrimPrefix(address, WhatsAppPrefix), ChannelWhatsApp
	}
	return address, ChannelSMS
}

// ApplyChannelPrefix re-applies the transport prefix dispatch requires for
// the given channel.
func ApplyChannelPrefix(address string, channel Channel) string {
	if channel == ChannelWhatsApp && !strings.HasPrefix(address, WhatsAppPrefix) {
		return WhatsAppPrefix + address
	}
	return address
}
