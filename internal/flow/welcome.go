package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relasapp/relas/internal/messaging"
	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/store"
	"github.com/relasapp/relas/internal/util"
)

// DefaultWelcomeDelay spaces out the welcome sequence so messages arrive
// in order on the handset.
const DefaultWelcomeDelay = 2 * time.Second

// welcomeConversationTitle names the conversation that holds the delivered
// welcome messages.
const welcomeConversationTitle = "Welcome to Your Relationship Assistant"

// WelcomeTrigger records why a welcome sequence was requested.
type WelcomeTrigger string

const (
	TriggerSubscriptionCreated WelcomeTrigger = "subscription_created"
	TriggerPaymentSuccess      WelcomeTrigger = "payment_success"
	TriggerManual              WelcomeTrigger = "manual"
)

// WelcomeResult summarizes one welcome sequence delivery.
type WelcomeResult struct {
	Success      bool           `json:"success"`
	MessagesSent int            `json:"messages_sent"`
	Channel      models.Channel `json:"channel"`
	Error        string         `json:"error,omitempty"`
}

// welcomeMessages builds the 3-message sequence for a user.
func welcomeMessages(name string) []string {
	return []string{
		fmt.Sprintf("Hi %s! 🎉 Welcome to your personal relationship assistant! I'm here to help you navigate your relationship journey with personalized guidance and support.", name),
		"Feel free to text me anytime you need relationship advice, want to talk through a situation, or just need someone to listen. I'm available 24/7! 💬",
		"To get started, you can tell me about your current relationship situation or ask me any questions you have. How are you feeling about your relationship today? ❤️",
	}
}

// Welcome delivers the onboarding message sequence to new subscribers.
// The billing webhook collaborator triggers it on subscription creation.
type Welcome struct {
	store      store.Store
	dispatcher *messaging.Dispatcher
	delay      time.Duration
}

// WelcomeOption configures the Welcome sequencer.
type WelcomeOption func(*Welcome)

// WithWelcomeDelay overrides the inter-message delay.
func WithWelcomeDelay(d time.Duration) WelcomeOption {
	return func(w *Welcome) { w.delay = d }
}

// NewWelcome creates a Welcome sequencer.
func NewWelcome(s store.Store, dispatcher *messaging.Dispatcher, opts ...WelcomeOption) *Welcome {
	w := &Welcome{store: s, dispatcher: dispatcher, delay: DefaultWelcomeDelay}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SendSequence delivers the welcome sequence to the user, SMS first with
// per-message WhatsApp fallback. Sent at most once per user (gated on zero
// prior conversations) unless forceResend is set. Delivered messages are
// recorded in a dedicated welcome conversation.
func (w *Welcome) SendSequence(ctx context.Context, userID string, trigger WelcomeTrigger, forceResend bool) (WelcomeResult, error) {
	if !forceResend {
		count, err := w.store.CountConversations(userID)
		if err != nil {
			return WelcomeResult{}, fmt.Errorf("failed to count conversations: %w", err)
		}
		if count > 0 {
			slog.Debug("Welcome.SendSequence: already welcomed, skipping", "userID", userID)
			return WelcomeResult{Success: true, MessagesSent: 0, Channel: models.ChannelSMS,
				Error: "Welcome messages already sent to this user"}, nil
		}
	}

	user, err := w.store.GetUserByID(userID)
	if err != nil {
		return WelcomeResult{}, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return WelcomeResult{}, models.ErrUserNotFound
	}
	if user.Phone == "" {
		return WelcomeResult{Success: false, Channel: models.ChannelSMS, Error: "No phone number found for user"},
			models.ErrNoPhoneOnFile
	}

	messages := welcomeMessages(orDefault(user.Name, "there"))
	var delivered []models.Message
	sentChannel := models.ChannelSMS
	var lastErr error
	for i, body := range messages {
		_, channel, err := w.dispatcher.SendWithFallback(ctx, user.Phone, body, models.ChannelSMS)
		if err != nil {
			lastErr = fmt.Errorf("message %d: %w", i+1, err)
			slog.Error("Welcome.SendSequence: delivery failed on both channels",
				"userID", userID, "message", i+1, "error", err)
		} else {
			slog.Debug("Welcome.SendSequence: message delivered",
				"userID", userID, "message", i+1, "channel", channel)
			if channel != models.ChannelSMS {
				sentChannel = channel
			}
			delivered = append(delivered, models.Message{
				ID:      util.NewMessageID(),
				UserID:  userID,
				Content: body,
				Sender:  models.SenderAssistant,
				Channel: channel,
			})
		}
		if i < len(messages)-1 {
			select {
			case <-time.After(w.delay):
			case <-ctx.Done():
				return w.finish(userID, trigger, delivered, sentChannel, ctx.Err())
			}
		}
	}
	return w.finish(userID, trigger, delivered, sentChannel, lastErr)
}

// finish records delivered messages in a welcome conversation and shapes
// the result.
func (w *Welcome) finish(userID string, trigger WelcomeTrigger, delivered []models.Message, channel models.Channel, lastErr error) (WelcomeResult, error) {
	result := WelcomeResult{
		Success:      len(delivered) > 0,
		MessagesSent: len(delivered),
		Channel:      channel,
	}
	if lastErr != nil && len(delivered) == 0 {
		result.Error = lastErr.Error()
		return result, lastErr
	}

	if len(delivered) > 0 {
		conv, err := w.store.CreateConversation(userID, welcomeConversationTitle)
		if err != nil {
			slog.Error("Welcome: failed to create welcome conversation", "error", err, "userID", userID)
			return result, nil
		}
		for _, m := range delivered {
			m.ConversationID = conv.ID
			if err := w.store.AddMessage(m); err != nil {
				slog.Error("Welcome: failed to record welcome message", "error", err, "userID", userID)
			}
		}
		if err := w.store.TouchConversation(conv.ID, len(delivered)); err != nil {
			slog.Error("Welcome: failed to touch welcome conversation", "error", err, "conversationID", conv.ID)
		}
		slog.Info("Welcome sequence delivered",
			"userID", userID, "trigger", trigger, "messagesSent", len(delivered), "channel", channel)
	}
	return result, nil
}
