package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/relasapp/relas/internal/models"
)

// marshalTags serializes a tag set for a nullable text column. Empty sets
// are stored as NULL.
func marshalTags(tags []string) (interface{}, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(data), nil
}

// unmarshalTags deserializes a tag set from a nullable text column.
func unmarshalTags(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw.String), &tags); err != nil {
		// A corrupt tag column should not fail a read; treat it as empty.
		return nil
	}
	return tags
}

// scanMessage scans a Message from sql.Rows. The column order matches
// messageColumns in the backend query helpers.
func scanMessage(rows *sql.Rows) (models.Message, error) {
	var m models.Message
	var sentiment sql.NullString
	var emotions, topics sql.NullString
	var urgency sql.NullInt64
	err := rows.Scan(
		&m.ID, &m.ConversationID, &m.UserID, &m.Content, &m.Sender, &m.Channel,
		&sentiment, &emotions, &topics, &urgency, &m.CreatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.Sentiment = sentiment.String
	m.Emotions = unmarshalTags(emotions)
	m.Topics = unmarshalTags(topics)
	m.UrgencyLevel = int(urgency.Int64)
	return m, nil
}

// scanConversationRow scans a Conversation from a single sql.Row.
func scanConversationRow(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	var summary sql.NullString
	var tags sql.NullString
	err := row.Scan(
		&c.ID, &c.UserID, &c.Title, &c.Status, &c.TotalMessages,
		&summary, &tags, &c.LastMessageAt, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ContextSummary = summary.String
	c.TopicTags = unmarshalTags(tags)
	return &c, nil
}

// scanUserRow scans a User from a single sql.Row.
func scanUserRow(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID, &u.Phone, &u.Name, &u.Gender, &u.Age, &u.City, &u.State,
		&u.Country, &u.CommStyle, &u.IsSubscribed, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// reverseMessages flips a message slice in place and returns it.
func reverseMessages(msgs []models.Message) []models.Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}

// nilIfEmpty returns nil for empty strings, for nullable columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
