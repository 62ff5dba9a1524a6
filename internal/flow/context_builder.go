package flow

import (
	"fmt"
	"strings"

	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/store"
)

// recentMessageWindow is how many messages feed the response context.
const recentMessageWindow = 20

// compactQuoteWindow is how many messages the thread-channel compact quote
// carries.
const compactQuoteWindow = 5

// ConversationContext is the assembled read-only context for one reply.
type ConversationContext struct {
	RecentMessages      []models.Message
	UserContext         *models.UserContext
	ConversationSummary string
	TopicTags           []string
}

// ContextBuilder assembles conversation context. Pure read: it never
// mutates any record.
type ContextBuilder struct {
	store store.Store
}

// NewContextBuilder creates a ContextBuilder on top of the store.
func NewContextBuilder(s store.Store) *ContextBuilder {
	return &ContextBuilder{store: s}
}

// Build loads the last messages of the conversation in chronological order
// together with the user's long-lived context and the conversation
// metadata.
func (b *ContextBuilder) Build(userID, conversationID string) (*ConversationContext, error) {
	msgs, err := b.store.ListMessages(conversationID, recentMessageWindow, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	userCtx, err := b.store.GetUserContext(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user context: %w", err)
	}
	conv, err := b.store.FindActiveConversation(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	ctx := &ConversationContext{
		RecentMessages: msgs,
		UserContext:    userCtx,
	}
	if conv != nil && conv.ID == conversationID {
		ctx.ConversationSummary = conv.ContextSummary
		ctx.TopicTags = conv.TopicTags
	}
	return ctx, nil
}

// CompactRecent renders the last few messages as "sender: content" lines,
// used to quote thread context into the prompt for the conversations
// channel.
func CompactRecent(msgs []models.Message) string {
	start := 0
	if len(msgs) > compactQuoteWindow {
		start = len(msgs) - compactQuoteWindow
	}
	var lines []string
	for _, m := range msgs[start:] {
		body := strings.TrimSpace(m.Content)
		if body == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Sender, body))
	}
	return strings.Join(lines, "\n")
}
