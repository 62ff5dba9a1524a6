package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/openai/openai-go"
	"github.com/relasapp/relas/internal/genai"
	"github.com/relasapp/relas/internal/models"
)

// Response sampling parameters.
const (
	responseTemperature = 0.7
	smsMaxTokens        = 150
	richMaxTokens       = 300
)

// historyTurnWindow is how many prior messages become alternating history
// turns in the prompt.
const historyTurnWindow = 10

// historyBlobLimit caps the relationship-history excerpt quoted into the
// system prompt.
const historyBlobLimit = 500

// fallbackReplies are returned when reply generation fails; the pipeline
// never surfaces a generation error to the subscriber.
var fallbackReplies = []string{
	"I hear you. Can you tell me more about what's happening?",
	"That sounds challenging. How are you feeling about the situation?",
	"I understand. What would you like to work on together?",
	"Thanks for sharing that with me. What's your biggest concern right now?",
}

// Responder generates the coaching reply. Like the analyzer it is total:
// any engine failure yields one of the fixed fallback replies.
type Responder struct {
	ai genai.ClientInterface
}

// NewResponder creates a Responder on top of a GenAI client.
func NewResponder(ai genai.ClientInterface) *Responder {
	return &Responder{ai: ai}
}

// Respond generates one reply to the user's message given the assembled
// conversation context and the delivery channel.
func (r *Responder) Respond(ctx context.Context, user *models.User, message string, convoCtx *ConversationContext, channel models.Channel) string {
	system := buildSystemPrompt(user, convoCtx, channel)
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)}
	messages = append(messages, historyTurns(convoCtx.RecentMessages)...)
	messages = append(messages, openai.UserMessage(message))

	maxTokens := int64(richMaxTokens)
	if channel == models.ChannelSMS {
		maxTokens = smsMaxTokens
	}
	out, err := r.ai.GenerateWithMessages(ctx, messages,
		genai.WithTemperature(responseTemperature),
		genai.WithMaxTokens(maxTokens))
	if err != nil {
		slog.Warn("Responder.Respond: engine failure, using fallback reply", "error", err)
		return FallbackReply()
	}
	out = strings.TrimSpace(out)
	if out == "" {
		slog.Warn("Responder.Respond: empty completion, using fallback reply")
		return FallbackReply()
	}
	return out
}

// FallbackReply returns one of the fixed clarifying replies.
func FallbackReply() string {
	return fallbackReplies[rand.Intn(len(fallbackReplies))]
}

// IsFallbackReply reports whether a reply is one of the fixed fallbacks.
func IsFallbackReply(reply string) bool {
	for _, f := range fallbackReplies {
		if reply == f {
			return true
		}
	}
	return false
}

func buildSystemPrompt(user *models.User, convoCtx *ConversationContext, channel models.Channel) string {
	userInfo := fmt.Sprintf(`
User Profile:
- Name: %s
- Gender: %s
- Age: %s
- Location: %s
- Communication Style: %s
`,
		orDefault(user.Name, "User"),
		orDefault(user.Gender, "Not specified"),
		ageOrDefault(user.Age),
		orDefault(user.Location(), "Not specified"),
		orDefault(user.CommStyle, "Not specified"))

	contextInfo := ""
	if convoCtx.UserContext != nil && convoCtx.UserContext.RelationshipHistory != "" {
		history := convoCtx.UserContext.RelationshipHistory
		if len(history) > historyBlobLimit {
			history = history[:historyBlobLimit]
		}
		contextInfo = "\nPrevious Context: " + history
	}

	platformGuidance := "You can be more detailed in your responses, but stay conversational."
	if channel == models.ChannelSMS {
		platformGuidance = "Keep responses under 160 characters when possible. Be concise but warm."
	}

	return fmt.Sprintf(`You are an AI relationship assistant. Your goal is to help improve relationship quality through empathetic support and honest guidance.

%s%s

Your approach:
1. Be empathetic and supportive, but also provide honest feedback when needed
2. Reference patterns from past conversations when relevant
3. Balance validation with constructive challenges
4. Focus on actionable advice that improves relationship outcomes
5. Ask clarifying questions to better understand situations
6. Recognize when professional help might be needed

%s

Remember: You're not just here to make them feel good, but to genuinely help their relationship improve.`,
		userInfo, contextInfo, platformGuidance)
}

// historyTurns maps the last prior messages to alternating user/assistant
// turns.
func historyTurns(msgs []models.Message) []openai.ChatCompletionMessageParamUnion {
	start := 0
	if len(msgs) > historyTurnWindow {
		start = len(msgs) - historyTurnWindow
	}
	var turns []openai.ChatCompletionMessageParamUnion
	for _, m := range msgs[start:] {
		if m.Sender == models.SenderUser {
			turns = append(turns, openai.UserMessage(m.Content))
		} else {
			turns = append(turns, openai.AssistantMessage(m.Content))
		}
	}
	return turns
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func ageOrDefault(age int) string {
	if age <= 0 {
		return "Not specified"
	}
	return fmt.Sprintf("%d", age)
}
