package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/relasapp/relas/internal/genai"
	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/store"
	"github.com/relasapp/relas/internal/util"
)

// mockAI implements genai.ClientInterface with scripted replies. The first
// call returns replies[0], the second replies[1], and so on; err fails every
// call.
type mockAI struct {
	replies []string
	err     error
	calls   int

	lastMessages []openai.ChatCompletionMessageParamUnion
	lastSystem   string
	lastUser     string
}

var _ genai.ClientInterface = (*mockAI)(nil)

func (m *mockAI) GeneratePrompt(ctx context.Context, system, user string, opts ...genai.CallOption) (string, error) {
	m.lastSystem = system
	m.lastUser = user
	return m.next()
}

func (m *mockAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, opts ...genai.CallOption) (string, error) {
	m.lastMessages = messages
	return m.next()
}

func (m *mockAI) next() (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if m.calls >= len(m.replies) {
		return "", genai.ErrNoChoicesReturned
	}
	out := m.replies[m.calls]
	m.calls++
	return out, nil
}

func TestAnalyzer_ParsesEngineOutput(t *testing.T) {
	ai := &mockAI{replies: []string{`{"sentiment":"negative","emotions":["frustrated"],"topics":["communication"],"urgencyLevel":3}`}}
	a := NewAnalyzer(ai)

	got := a.Analyze(context.Background(), "we never talk anymore")
	if got.Sentiment != models.SentimentNegative {
		t.Errorf("expected negative sentiment, got %s", got.Sentiment)
	}
	if len(got.Emotions) != 1 || got.Emotions[0] != "frustrated" {
		t.Errorf("expected emotions [frustrated], got %v", got.Emotions)
	}
	if got.UrgencyLevel != 3 {
		t.Errorf("expected urgency 3, got %d", got.UrgencyLevel)
	}
}

func TestAnalyzer_CodeFencedOutput(t *testing.T) {
	ai := &mockAI{replies: []string{"```json\n{\"sentiment\":\"positive\",\"emotions\":[],\"topics\":[],\"urgencyLevel\":1}\n```"}}
	a := NewAnalyzer(ai)
	got := a.Analyze(context.Background(), "things are great")
	if got.Sentiment != models.SentimentPositive {
		t.Errorf("expected positive sentiment, got %s", got.Sentiment)
	}
}

func TestAnalyzer_TotalOnFailure(t *testing.T) {
	neutral := models.NeutralAnalysis()
	cases := []struct {
		name string
		ai   *mockAI
	}{
		{"engine error", &mockAI{err: errors.New("engine down")}},
		{"malformed output", &mockAI{replies: []string{"not json at all"}}},
		{"empty output", &mockAI{replies: []string{""}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := NewAnalyzer(c.ai).Analyze(context.Background(), "hello")
			if got.Sentiment != neutral.Sentiment || got.UrgencyLevel != neutral.UrgencyLevel {
				t.Errorf("expected neutral analysis, got %+v", got)
			}
			if got.Emotions == nil || got.Topics == nil {
				t.Error("expected non-nil empty slices")
			}
		})
	}
}

func TestAnalyzer_ClampsUrgency(t *testing.T) {
	ai := &mockAI{replies: []string{`{"sentiment":"negative","emotions":[],"topics":[],"urgencyLevel":9}`}}
	got := NewAnalyzer(ai).Analyze(context.Background(), "crisis")
	if got.UrgencyLevel != models.MaxUrgencyLevel {
		t.Errorf("expected urgency clamped to %d, got %d", models.MaxUrgencyLevel, got.UrgencyLevel)
	}
}

func TestResponder_FallbackOnFailure(t *testing.T) {
	ai := &mockAI{err: errors.New("engine down")}
	r := NewResponder(ai)
	user := &models.User{ID: "u1", Name: "Jordan"}

	reply := r.Respond(context.Background(), user, "help", &ConversationContext{}, models.ChannelSMS)
	if reply == "" {
		t.Fatal("expected a non-empty fallback reply")
	}
	if !IsFallbackReply(reply) {
		t.Errorf("expected one of the fixed fallback replies, got %q", reply)
	}
}

func TestResponder_SystemPromptContents(t *testing.T) {
	ai := &mockAI{replies: []string{"You two should talk tonight."}}
	r := NewResponder(ai)
	user := &models.User{ID: "u1", Name: "Jordan", City: "Toronto", Country: "Canada", CommStyle: "direct"}
	longHistory := strings.Repeat("x", 600)
	convoCtx := &ConversationContext{
		UserContext: &models.UserContext{UserID: "u1", RelationshipHistory: longHistory},
	}

	reply := r.Respond(context.Background(), user, "we argued", convoCtx, models.ChannelSMS)
	if reply != "You two should talk tonight." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if len(ai.lastMessages) < 2 {
		t.Fatalf("expected system + user messages, got %d", len(ai.lastMessages))
	}
	system := ai.lastMessages[0].OfSystem.Content.OfString.Value
	if !strings.Contains(system, "Jordan") {
		t.Error("expected user name in system prompt")
	}
	if !strings.Contains(system, "Toronto") {
		t.Error("expected location in system prompt")
	}
	if !strings.Contains(system, "under 160 characters") {
		t.Error("expected SMS length directive in system prompt")
	}
	if strings.Contains(system, longHistory) {
		t.Error("expected history blob truncated to 500 characters")
	}
	if !strings.Contains(system, longHistory[:500]) {
		t.Error("expected first 500 characters of history in system prompt")
	}
}

func TestResponder_HistoryTurnWindow(t *testing.T) {
	ai := &mockAI{replies: []string{"ok"}}
	r := NewResponder(ai)
	user := &models.User{ID: "u1"}

	var msgs []models.Message
	for i := 0; i < 15; i++ {
		sender := models.SenderUser
		if i%2 == 1 {
			sender = models.SenderAssistant
		}
		msgs = append(msgs, models.Message{Content: fmt.Sprintf("m%d", i), Sender: sender})
	}
	r.Respond(context.Background(), user, "latest", &ConversationContext{RecentMessages: msgs}, models.ChannelWhatsApp)

	// system + 10 history turns + latest user message
	if len(ai.lastMessages) != 12 {
		t.Errorf("expected 12 prompt messages, got %d", len(ai.lastMessages))
	}
}

func TestContextBuilder_WindowBoundedAndChronological(t *testing.T) {
	s := store.NewInMemoryStore()
	u := models.User{ID: "u1", Phone: "+15551230000", IsSubscribed: true}
	if err := s.SaveUser(u); err != nil {
		t.Fatal(err)
	}
	conv, err := s.CreateConversation(u.ID, "Chat")
	if err != nil {
		t.Fatal(err)
	}
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		if err := s.AddMessage(models.Message{
			ID:             util.NewMessageID(),
			ConversationID: conv.ID,
			UserID:         u.ID,
			Content:        fmt.Sprintf("m%d", i),
			Sender:         models.SenderUser,
			Channel:        models.ChannelSMS,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := NewContextBuilder(s).Build(u.ID, conv.ID)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(got.RecentMessages) != 20 {
		t.Fatalf("expected window of 20 messages, got %d", len(got.RecentMessages))
	}
	if got.RecentMessages[0].Content != "m5" || got.RecentMessages[19].Content != "m24" {
		t.Errorf("expected chronological window m5..m24, got %s..%s",
			got.RecentMessages[0].Content, got.RecentMessages[19].Content)
	}
}

func TestCompactRecent(t *testing.T) {
	var msgs []models.Message
	for i := 0; i < 8; i++ {
		msgs = append(msgs, models.Message{Content: fmt.Sprintf("m%d", i), Sender: models.SenderUser})
	}
	out := CompactRecent(msgs)
	if strings.Contains(out, "m2") {
		t.Errorf("expected only last 5 messages quoted, got %q", out)
	}
	if !strings.Contains(out, "user: m7") {
		t.Errorf("expected sender-prefixed lines, got %q", out)
	}
	if got := len(strings.Split(out, "\n")); got != 5 {
		t.Errorf("expected 5 quoted lines, got %d", got)
	}
}

func TestContextUpdater_TriggersOnlyOnNegative(t *testing.T) {
	s := store.NewInMemoryStore()
	u := NewContextUpdater(s)

	positive := models.MessageAnalysis{Sentiment: models.SentimentPositive, Emotions: []string{"happy"}, Topics: []string{"future"}, UrgencyLevel: 1}
	if err := u.Update("u1", positive); err != nil {
		t.Fatal(err)
	}
	negative := models.MessageAnalysis{Sentiment: models.SentimentNegative, Emotions: []string{"angry"}, Topics: []string{"trust"}, UrgencyLevel: 3}
	if err := u.Update("u1", negative); err != nil {
		t.Fatal(err)
	}

	ctx, err := s.GetUserContext("u1")
	if err != nil {
		t.Fatal(err)
	}
	if ctx.CommunicationPatterns["happy"] != 1 || ctx.CommunicationPatterns["angry"] != 1 {
		t.Errorf("expected both emotions counted, got %v", ctx.CommunicationPatterns)
	}
	if _, ok := ctx.TriggerPoints["future"]; ok {
		t.Error("expected no trigger for positive-sentiment topics")
	}
	if ctx.TriggerPoints["trust"] != 1 {
		t.Errorf("expected trust trigger counted, got %v", ctx.TriggerPoints)
	}
}

func TestContextUpdater_CountersMonotonic(t *testing.T) {
	s := store.NewInMemoryStore()
	u := NewContextUpdater(s)
	analysis := models.MessageAnalysis{Sentiment: models.SentimentNegative, Emotions: []string{"anxious"}, Topics: []string{}, UrgencyLevel: 2}
	for i := 0; i < 3; i++ {
		if err := u.Update("u1", analysis); err != nil {
			t.Fatal(err)
		}
	}
	ctx, err := s.GetUserContext("u1")
	if err != nil {
		t.Fatal(err)
	}
	if ctx.CommunicationPatterns["anxious"] != 3 {
		t.Errorf("expected anxious counter 3, got %d", ctx.CommunicationPatterns["anxious"])
	}
}

func TestResolver_StripsPrefixAndGates(t *testing.T) {
	s := store.NewInMemoryStore()
	if err := s.SaveUser(models.User{ID: "u1", Phone: "+15551230001", IsSubscribed: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveUser(models.User{ID: "u2", Phone: "+15551230002", IsSubscribed: false}); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(s)

	phone, channel, user, ok := r.ResolveByAddress("whatsapp:+15551230001")
	if !ok || user == nil || user.ID != "u1" {
		t.Fatalf("expected resolution for subscribed user, got ok=%v user=%+v", ok, user)
	}
	if phone != "+15551230001" {
		t.Errorf("expected prefix stripped, got %s", phone)
	}
	if channel != models.ChannelWhatsApp {
		t.Errorf("expected whatsapp channel implied, got %s", channel)
	}

	if _, _, _, ok := r.ResolveByAddress("+15551230002"); ok {
		t.Error("expected unsubscribed user to fail resolution")
	}
	if _, _, _, ok := r.ResolveByAddress("+15559990000"); ok {
		t.Error("expected unknown address to fail resolution")
	}
}

func TestResolver_ByConversationSID(t *testing.T) {
	s := store.NewInMemoryStore()
	if err := s.SaveUser(models.User{ID: "u1", Phone: "+15551230001", IsSubscribed: true}); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(s)

	user, ok := r.ResolveByConversationSID(ConversationSIDPrefix + "u1")
	if !ok || user.ID != "u1" {
		t.Fatalf("expected resolution from thread SID, got ok=%v", ok)
	}
	if _, ok := r.ResolveByConversationSID(ConversationSIDPrefix + "missing"); ok {
		t.Error("expected unknown thread SID to fail resolution")
	}
}
