package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relasapp/relas/internal/genai"
	"github.com/relasapp/relas/internal/messaging"
	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/store"
	"github.com/relasapp/relas/internal/util"
)

// DispatchFailurePolicy controls how a failed reply dispatch is reported
// after the turn has been persisted.
type DispatchFailurePolicy string

const (
	// DispatchFailureLog acknowledges the turn and logs the delivery
	// failure. Default.
	DispatchFailureLog DispatchFailurePolicy = "log"
	// DispatchFailureFail surfaces the delivery failure to the caller so
	// the provider retries. Persisted messages are never rolled back.
	DispatchFailureFail DispatchFailurePolicy = "fail"
)

// DefaultRequestTimeout bounds one full pipeline run.
const DefaultRequestTimeout = 30 * time.Second

// turnMessageCount is how much the conversation counter grows per full
// turn: one user message plus one assistant message.
const turnMessageCount = 2

// UnsubscribedNotice is sent back when the sender cannot be resolved to an
// active subscriber.
const UnsubscribedNotice = "Hi! It looks like you don't have an active subscription to our relationship assistant service. Please visit our website to get started!"

// Outcome describes how the pipeline handled an inbound event.
type Outcome string

const (
	// OutcomeReplied means the full turn ran and a reply was generated.
	OutcomeReplied Outcome = "replied"
	// OutcomeIgnored means the event was filtered or a replayed delivery.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeNotice means the sender could not be resolved and the
	// no-subscription notice was issued instead of a reply.
	OutcomeNotice Outcome = "notice"
)

// thread event discriminators from the provider's Conversations callbacks.
const (
	eventMessageAdded = "onMessageAdded"
	authorAssistant   = "assistant"
	sourceAPI         = "API"
)

// conversation titles per entry path.
const (
	titleDirect = "SMS Conversation"
	titleThread = "Conversations API Chat"
)

// openingMessageTemplate starts a user-initiated conversation.
const openingMessageTemplate = `Hi %s! 👋

I'm your AI relationship assistant. I'm here to help you navigate relationship challenges, improve communication, and provide emotional support.

Feel free to share what's on your mind - whether it's about relationships, communication issues, or just need someone to talk to. Everything we discuss is private and confidential.

What would you like to talk about today?`

// Orchestrator runs the inbound message pipeline end to end.
type Orchestrator struct {
	store      store.Store
	dedup      store.DedupRepo
	resolver   *Resolver
	analyzer   *Analyzer
	builder    *ContextBuilder
	responder  *Responder
	updater    *ContextUpdater
	dispatcher *messaging.Dispatcher

	timeout time.Duration
	policy  DispatchFailurePolicy
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRequestTimeout overrides the per-request pipeline deadline.
func WithRequestTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithDispatchFailurePolicy selects how reply delivery failures are
// reported.
func WithDispatchFailurePolicy(p DispatchFailurePolicy) OrchestratorOption {
	return func(o *Orchestrator) { o.policy = p }
}

// NewOrchestrator wires the pipeline components together.
func NewOrchestrator(s store.Store, dedup store.DedupRepo, ai genai.ClientInterface, dispatcher *messaging.Dispatcher, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:      s,
		dedup:      dedup,
		resolver:   NewResolver(s),
		analyzer:   NewAnalyzer(ai),
		builder:    NewContextBuilder(s),
		responder:  NewResponder(ai),
		updater:    NewContextUpdater(s),
		dispatcher: dispatcher,
		timeout:    DefaultRequestTimeout,
		policy:     DispatchFailureLog,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessInboundMessage runs one inbound event through the pipeline:
// resolve the sender, persist the message, analyze it, generate and persist
// a reply, dispatch it, and fold the analysis into the user's context.
//
// Analysis and generation failures are absorbed (neutral analysis, fallback
// reply). Persistence failures abort the turn. Dispatch failures follow the
// configured policy and never roll back persisted messages.
func (o *Orchestrator) ProcessInboundMessage(ctx context.Context, event models.InboundEvent) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := event.Validate(); err != nil {
		return OutcomeIgnored, err
	}

	// Thread callbacks carry echoes of our own replies; only remote-party
	// message-added events proceed.
	if event.IsThreadEvent() {
		if event.EventType != eventMessageAdded || event.Author == authorAssistant || event.Source == sourceAPI {
			slog.Debug("Orchestrator.ProcessInboundMessage: ignoring thread event",
				"eventType", event.EventType, "author", event.Author, "source", event.Source)
			return OutcomeIgnored, nil
		}
	}

	// Replayed deliveries are acknowledged without side effects.
	if event.MessageSID != "" {
		fresh, err := o.dedup.RecordInbound(event.MessageSID, "")
		if err != nil {
			return OutcomeIgnored, fmt.Errorf("dedup check failed: %w", err)
		}
		if !fresh {
			slog.Info("Orchestrator.ProcessInboundMessage: duplicate delivery ignored", "messageSID", event.MessageSID)
			return OutcomeIgnored, nil
		}
	}

	user, phone, channel, ok := o.resolveSender(event)
	if !ok {
		o.sendUnsubscribedNotice(ctx, event, phone, channel)
		return OutcomeNotice, nil
	}

	conv, err := o.findOrCreateConversation(user.ID, event)
	if err != nil {
		o.releaseClaim(event)
		return OutcomeIgnored, err
	}

	userMsg := models.Message{
		ID:             util.NewMessageID(),
		ConversationID: conv.ID,
		UserID:         user.ID,
		Content:        event.Body,
		Sender:         models.SenderUser,
		Channel:        channel,
	}
	if err := o.store.AddMessage(userMsg); err != nil {
		o.releaseClaim(event)
		return OutcomeIgnored, fmt.Errorf("failed to persist user message: %w", err)
	}

	convoCtx, err := o.builder.Build(user.ID, conv.ID)
	if err != nil {
		// Reply generation degrades gracefully without context.
		slog.Warn("Orchestrator.ProcessInboundMessage: context build failed, continuing without context",
			"error", err, "userID", user.ID)
		convoCtx = &ConversationContext{}
	}

	analysis := o.analyzer.Analyze(ctx, event.Body)
	if err := o.store.AttachAnalysis(userMsg.ID, analysis); err != nil {
		o.releaseClaim(event)
		return OutcomeIgnored, fmt.Errorf("failed to attach analysis: %w", err)
	}

	prompt := event.Body
	if channel == models.ChannelConversations {
		if quoted := CompactRecent(convoCtx.RecentMessages); quoted != "" {
			prompt = fmt.Sprintf("Recent conversation context:\n%s\n\nLatest message: %s", quoted, event.Body)
		}
	}
	reply := o.responder.Respond(ctx, user, prompt, convoCtx, channel)

	assistantMsg := models.Message{
		ID:             util.NewMessageID(),
		ConversationID: conv.ID,
		UserID:         user.ID,
		Content:        reply,
		Sender:         models.SenderAssistant,
		Channel:        channel,
	}
	if err := o.store.AddMessage(assistantMsg); err != nil {
		o.releaseClaim(event)
		return OutcomeIgnored, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	// Replies go back on the channel the message arrived on; cross-channel
	// fallback is reserved for outreach sends.
	if _, err := o.dispatcher.Send(ctx, phone, reply, channel); err != nil {
		if o.policy == DispatchFailureFail {
			return OutcomeReplied, fmt.Errorf("reply dispatch failed: %w", err)
		}
		slog.Error("Orchestrator.ProcessInboundMessage: reply dispatch failed",
			"error", err, "userID", user.ID, "channel", channel)
	}

	o.recordTurn(user.ID, conv.ID, userMsg.ID, analysis)

	if event.MessageSID != "" {
		if err := o.dedup.MarkProcessed(event.MessageSID); err != nil {
			slog.Warn("Orchestrator.ProcessInboundMessage: failed to mark processed", "error", err, "messageSID", event.MessageSID)
		}
	}
	slog.Info("Orchestrator.ProcessInboundMessage: turn complete",
		"userID", user.ID, "conversationID", conv.ID, "channel", channel,
		"sentiment", analysis.Sentiment, "urgency", analysis.UrgencyLevel)
	return OutcomeReplied, nil
}

// resolveSender maps the event to a subscribed user via phone or thread SID.
func (o *Orchestrator) resolveSender(event models.InboundEvent) (*models.User, string, models.Channel, bool) {
	if event.IsThreadEvent() {
		user, ok := o.resolver.ResolveByConversationSID(event.ConversationSID)
		if !ok {
			return nil, "", models.ChannelConversations, false
		}
		return user, user.Phone, models.ChannelConversations, true
	}
	phone, channel, user, ok := o.resolver.ResolveByAddress(event.From)
	return user, phone, channel, ok
}

// sendUnsubscribedNotice issues the standardized notice on the inbound
// channel. Thread events without a reachable phone are logged only.
func (o *Orchestrator) sendUnsubscribedNotice(ctx context.Context, event models.InboundEvent, phone string, channel models.Channel) {
	if phone == "" {
		slog.Info("Orchestrator: unresolved thread sender, skipping notice", "conversationSID", event.ConversationSID)
		return
	}
	if _, err := o.dispatcher.Send(ctx, phone, UnsubscribedNotice, channel); err != nil {
		slog.Error("Orchestrator: failed to send no-subscription notice", "error", err, "phone", phone)
	}
}

// releaseClaim frees the dedup claim after a fatal pipeline error so the
// provider's retry of the same delivery is processed instead of suppressed.
func (o *Orchestrator) releaseClaim(event models.InboundEvent) {
	if event.MessageSID == "" {
		return
	}
	if err := o.dedup.ReleaseInbound(event.MessageSID); err != nil {
		slog.Error("Orchestrator: failed to release dedup claim", "error", err, "messageSID", event.MessageSID)
	}
}

func (o *Orchestrator) findOrCreateConversation(userID string, event models.InboundEvent) (*models.Conversation, error) {
	conv, err := o.store.FindActiveConversation(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find active conversation: %w", err)
	}
	if conv != nil {
		return conv, nil
	}
	title := titleDirect
	if event.IsThreadEvent() {
		title = titleThread
	}
	conv, err = o.store.CreateConversation(userID, title)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// recordTurn writes the per-turn bookkeeping rows. These are best effort:
// the reply has already been dispatched, so failures are logged, not
// surfaced.
func (o *Orchestrator) recordTurn(userID, conversationID, messageID string, analysis models.MessageAnalysis) {
	logRow := models.SentimentLog{
		ID:         util.NewSentimentLogID(),
		UserID:     userID,
		MessageID:  messageID,
		Sentiment:  analysis.Sentiment,
		Confidence: models.DefaultSentimentConfidence,
		Emotions:   analysis.Emotions,
		Intensity:  analysis.Intensity(),
	}
	if err := o.store.AddSentimentLog(logRow); err != nil {
		slog.Error("Orchestrator: failed to record sentiment log", "error", err, "userID", userID)
	}
	if err := o.updater.Update(userID, analysis); err != nil {
		slog.Error("Orchestrator: failed to update user context", "error", err, "userID", userID)
	}
	if err := o.store.TouchConversation(conversationID, turnMessageCount); err != nil {
		slog.Error("Orchestrator: failed to touch conversation", "error", err, "conversationID", conversationID)
	}
}

// StartConversation opens a new conversation for a subscribed user and
// sends the opening message, SMS first with WhatsApp fallback. If delivery
// fails on both channels the conversation is archived and an error
// returned.
func (o *Orchestrator) StartConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	user, err := o.store.GetUserByID(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return nil, models.ErrUserNotFound
	}
	if user.Phone == "" {
		return nil, models.ErrNoPhoneOnFile
	}
	if !user.IsSubscribed {
		return nil, models.ErrNotSubscribed
	}

	conv, err := o.store.CreateConversation(userID, "New Conversation")
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	opening := fmt.Sprintf(openingMessageTemplate, orDefault(user.Name, "there"))
	_, channel, err := o.dispatcher.SendWithFallback(ctx, user.Phone, opening, models.ChannelSMS)
	if err != nil {
		if archiveErr := o.store.ArchiveConversation(conv.ID); archiveErr != nil {
			slog.Error("Orchestrator.StartConversation: failed to archive after send failure",
				"error", archiveErr, "conversationID", conv.ID)
		}
		return nil, fmt.Errorf("failed to send opening message: %w", err)
	}

	msg := models.Message{
		ID:             util.NewMessageID(),
		ConversationID: conv.ID,
		UserID:         userID,
		Content:        opening,
		Sender:         models.SenderAssistant,
		Channel:        channel,
	}
	if err := o.store.AddMessage(msg); err != nil {
		return nil, fmt.Errorf("failed to persist opening message: %w", err)
	}
	if err := o.store.TouchConversation(conv.ID, 1); err != nil {
		slog.Error("Orchestrator.StartConversation: failed to touch conversation", "error", err, "conversationID", conv.ID)
	}
	slog.Info("Orchestrator.StartConversation: conversation started",
		"userID", userID, "conversationID", conv.ID, "channel", channel)
	return conv, nil
}
