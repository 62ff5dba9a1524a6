package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/relasapp/relas/internal/flow"
	"github.com/relasapp/relas/internal/genai"
	"github.com/relasapp/relas/internal/messaging"
	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/store"
)

// scriptedAI returns canned engine replies in order.
type scriptedAI struct {
	replies []string
	calls   int
}

var _ genai.ClientInterface = (*scriptedAI)(nil)

func (m *scriptedAI) GeneratePrompt(ctx context.Context, system, user string, opts ...genai.CallOption) (string, error) {
	return m.next()
}

func (m *scriptedAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, opts ...genai.CallOption) (string, error) {
	return m.next()
}

func (m *scriptedAI) next() (string, error) {
	if m.calls >= len(m.replies) {
		return "", genai.ErrNoChoicesReturned
	}
	out := m.replies[m.calls]
	m.calls++
	return out, nil
}

// newTestServer wires a Server over the in-memory store and mock delivery.
func newTestServer(t *testing.T, ai *scriptedAI) (*Server, *store.InMemoryStore, *messaging.MockService) {
	t.Helper()
	s := store.NewInMemoryStore()
	svc := messaging.NewMockService()
	dispatcher := messaging.NewDispatcher(svc)
	orchestrator := flow.NewOrchestrator(s, s, ai, dispatcher)
	welcome := flow.NewWelcome(s, dispatcher, flow.WithWelcomeDelay(0))
	return NewServer(s, s, orchestrator, welcome), s, svc
}

func seedSubscriber(t *testing.T, s store.Store) models.User {
	t.Helper()
	u := models.User{ID: "u1", Phone: "+15551230001", Name: "Jordan", IsSubscribed: true}
	if err := s.SaveUser(u); err != nil {
		t.Fatal(err)
	}
	return u
}

func turnAI() *scriptedAI {
	return &scriptedAI{replies: []string{
		`{"sentiment":"negative","emotions":["sad"],"topics":["communication"],"urgencyLevel":3}`,
		"It sounds like you're feeling unheard. When did this start?",
	}}
}

func postForm(t *testing.T, handler http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func postJSON(t *testing.T, handler http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response body %q: %v", rr.Body.String(), err)
	}
	return resp
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, wantCode int, wantStatus string) models.APIResponse {
	t.Helper()
	if rr.Code != wantCode {
		t.Fatalf("expected HTTP %d, got %d (body %s)", wantCode, rr.Code, rr.Body.String())
	}
	resp := decodeEnvelope(t, rr)
	if resp.Status != wantStatus {
		t.Fatalf("expected status %q, got %q (message %q)", wantStatus, resp.Status, resp.Message)
	}
	return resp
}

func TestTwilioWebhookHandler_FullTurn(t *testing.T) {
	server, s, svc := newTestServer(t, turnAI())
	u := seedSubscriber(t, s)

	rr := postForm(t, server.twilioWebhookHandler, "/webhook/twilio", url.Values{
		"MessageSid": {"SM100"},
		"From":       {u.Phone},
		"Body":       {"I feel like we never talk anymore"},
	})
	assertStatus(t, rr, http.StatusOK, "ok")

	if len(svc.Sent) != 1 {
		t.Fatalf("expected 1 reply sent, got %d", len(svc.Sent))
	}
	if svc.Sent[0].To != u.Phone || svc.Sent[0].Channel != models.ChannelSMS {
		t.Errorf("unexpected delivery: %+v", svc.Sent[0])
	}
	conv, err := s.FindActiveConversation(u.ID)
	if err != nil || conv == nil {
		t.Fatalf("expected active conversation, got %v err=%v", conv, err)
	}
	if conv.TotalMessages != 2 {
		t.Errorf("expected message counter 2, got %d", conv.TotalMessages)
	}
}

func TestTwilioWebhookHandler_DuplicateIgnored(t *testing.T) {
	server, s, svc := newTestServer(t, turnAI())
	u := seedSubscriber(t, s)
	form := url.Values{
		"MessageSid": {"SM101"},
		"From":       {u.Phone},
		"Body":       {"hello"},
	}

	assertStatus(t, postForm(t, server.twilioWebhookHandler, "/webhook/twilio", form), http.StatusOK, "ok")
	assertStatus(t, postForm(t, server.twilioWebhookHandler, "/webhook/twilio", form), http.StatusOK, "ignored")

	if len(svc.Sent) != 1 {
		t.Errorf("expected replay to send nothing, got %d sends", len(svc.Sent))
	}
}

func TestTwilioWebhookHandler_UnknownSenderNotice(t *testing.T) {
	server, _, svc := newTestServer(t, &scriptedAI{})

	rr := postForm(t, server.twilioWebhookHandler, "/webhook/twilio", url.Values{
		"MessageSid": {"SM102"},
		"From":       {"+15559990000"},
		"Body":       {"anyone there?"},
	})
	assertStatus(t, rr, http.StatusOK, "ok")

	if len(svc.Sent) != 1 {
		t.Fatalf("expected one notice sent, got %d", len(svc.Sent))
	}
	if !strings.Contains(svc.Sent[0].Body, "active subscription") {
		t.Errorf("expected subscription notice, got %q", svc.Sent[0].Body)
	}
}

func TestTwilioWebhookHandler_MissingBody(t *testing.T) {
	server, _, _ := newTestServer(t, &scriptedAI{})

	rr := postForm(t, server.twilioWebhookHandler, "/webhook/twilio", url.Values{
		"MessageSid": {"SM103"},
		"From":       {"+15551230001"},
	})
	assertStatus(t, rr, http.StatusBadRequest, "error")
}

func TestTwilioWebhookHandler_MethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t, &scriptedAI{})

	req := httptest.NewRequest(http.MethodGet, "/webhook/twilio", nil)
	rr := httptest.NewRecorder()
	server.twilioWebhookHandler(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("expected Allow: POST header, got %q", allow)
	}
}

func TestConversationsWebhookHandler_Turn(t *testing.T) {
	server, s, svc := newTestServer(t, turnAI())
	u := seedSubscriber(t, s)

	rr := postForm(t, server.conversationsWebhookHandler, "/webhook/conversations", url.Values{
		"EventType":       {"onMessageAdded"},
		"ConversationSid": {"relas-" + u.ID},
		"MessageSid":      {"IM200"},
		"Body":            {"we argued again last night"},
		"Author":          {u.Phone},
	})
	assertStatus(t, rr, http.StatusOK, "ok")

	if len(svc.Sent) != 1 {
		t.Fatalf("expected 1 reply sent, got %d", len(svc.Sent))
	}
	if svc.Sent[0].Channel != models.ChannelWhatsApp {
		t.Errorf("expected thread reply over whatsapp transport, got %s", svc.Sent[0].Channel)
	}
}

func TestConversationsWebhookHandler_AssistantEchoIgnored(t *testing.T) {
	server, s, svc := newTestServer(t, &scriptedAI{})
	u := seedSubscriber(t, s)

	rr := postForm(t, server.conversationsWebhookHandler, "/webhook/conversations", url.Values{
		"EventType":       {"onMessageAdded"},
		"ConversationSid": {"relas-" + u.ID},
		"MessageSid":      {"IM201"},
		"Body":            {"How are you feeling today?"},
		"Author":          {"assistant"},
	})
	assertStatus(t, rr, http.StatusOK, "ignored")

	if len(svc.Sent) != 0 {
		t.Errorf("expected no sends for echoed reply, got %d", len(svc.Sent))
	}
}

func TestStartConversationHandler_Success(t *testing.T) {
	server, s, svc := newTestServer(t, &scriptedAI{})
	u := seedSubscriber(t, s)

	rr := postJSON(t, server.startConversationHandler, "/conversations/start", `{"user_id":"u1"}`)
	resp := assertStatus(t, rr, http.StatusOK, "ok")

	if resp.Result == nil {
		t.Fatal("expected conversation in result")
	}
	if len(svc.Sent) != 1 {
		t.Fatalf("expected opening message sent, got %d sends", len(svc.Sent))
	}
	conv, err := s.FindActiveConversation(u.ID)
	if err != nil || conv == nil {
		t.Fatalf("expected active conversation, got %v err=%v", conv, err)
	}
}

func TestStartConversationHandler_Errors(t *testing.T) {
	server, s, _ := newTestServer(t, &scriptedAI{})
	if err := s.SaveUser(models.User{ID: "u2", Phone: "+15551230002", IsSubscribed: false}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveUser(models.User{ID: "u3", IsSubscribed: true}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"unknown user", `{"user_id":"missing"}`, http.StatusNotFound},
		{"not subscribed", `{"user_id":"u2"}`, http.StatusForbidden},
		{"no phone", `{"user_id":"u3"}`, http.StatusBadRequest},
		{"empty user id", `{"user_id":""}`, http.StatusBadRequest},
		{"bad json", `{user_id}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postJSON(t, server.startConversationHandler, "/conversations/start", tc.body)
			assertStatus(t, rr, tc.wantCode, "error")
		})
	}
}

func TestWelcomeHandler_SendsSequence(t *testing.T) {
	server, s, svc := newTestServer(t, &scriptedAI{})
	seedSubscriber(t, s)

	rr := postJSON(t, server.welcomeHandler, "/welcome", `{"user_id":"u1","trigger":"subscription_created"}`)
	assertStatus(t, rr, http.StatusOK, "ok")

	if len(svc.Sent) != 3 {
		t.Fatalf("expected 3 welcome messages, got %d", len(svc.Sent))
	}

	// Second call without force_resend is a no-op.
	rr = postJSON(t, server.welcomeHandler, "/welcome", `{"user_id":"u1"}`)
	assertStatus(t, rr, http.StatusOK, "ok")
	if len(svc.Sent) != 3 {
		t.Errorf("expected no resend, got %d total sends", len(svc.Sent))
	}
}

func TestWelcomeHandler_Errors(t *testing.T) {
	server, _, _ := newTestServer(t, &scriptedAI{})

	rr := postJSON(t, server.welcomeHandler, "/welcome", `{"user_id":"missing"}`)
	assertStatus(t, rr, http.StatusNotFound, "error")

	rr = postJSON(t, server.welcomeHandler, "/welcome", `{"user_id":""}`)
	assertStatus(t, rr, http.StatusBadRequest, "error")
}

func TestSentimentHistoryHandler(t *testing.T) {
	server, s, _ := newTestServer(t, &scriptedAI{})
	u := seedSubscriber(t, s)

	for i := 0; i < 5; i++ {
		err := s.AddSentimentLog(models.SentimentLog{
			UserID:    u.ID,
			MessageID: "m" + string(rune('a'+i)),
			Sentiment: models.SentimentNegative,
			Emotions:  []string{"sad"},
			Intensity: 0.6,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/sentiment/history?user_id=u1&limit=3", nil)
	rr := httptest.NewRecorder()
	server.sentimentHistoryHandler(rr, req)
	resp := assertStatus(t, rr, http.StatusOK, "ok")

	rows, ok := resp.Result.([]interface{})
	if !ok {
		t.Fatalf("expected result array, got %T", resp.Result)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	row, ok := rows[0].(map[string]interface{})
	if !ok {
		t.Fatalf("expected object row, got %T", rows[0])
	}
	if row["sentiment"] != models.SentimentNegative {
		t.Errorf("expected negative sentiment, got %v", row["sentiment"])
	}
	if _, err := time.Parse(time.RFC3339, row["date"].(string)); err != nil {
		t.Errorf("expected RFC3339 date, got %v: %v", row["date"], err)
	}
}

func TestSentimentHistoryHandler_Errors(t *testing.T) {
	server, _, _ := newTestServer(t, &scriptedAI{})

	req := httptest.NewRequest(http.MethodGet, "/sentiment/history?user_id=missing", nil)
	rr := httptest.NewRecorder()
	server.sentimentHistoryHandler(rr, req)
	assertStatus(t, rr, http.StatusNotFound, "error")

	req = httptest.NewRequest(http.MethodGet, "/sentiment/history", nil)
	rr = httptest.NewRecorder()
	server.sentimentHistoryHandler(rr, req)
	assertStatus(t, rr, http.StatusBadRequest, "error")

	req = httptest.NewRequest(http.MethodGet, "/sentiment/history?user_id=u1&limit=zero", nil)
	rr = httptest.NewRecorder()
	server.sentimentHistoryHandler(rr, req)
	assertStatus(t, rr, http.StatusBadRequest, "error")
}

func TestHealthHandler(t *testing.T) {
	server, _, _ := newTestServer(t, &scriptedAI{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	server.healthHandler(rr, req)
	resp := assertStatus(t, rr, http.StatusOK, "ok")

	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", resp.Result)
	}
}

func TestServerRun_GracefulShutdown(t *testing.T) {
	server, _, _ := newTestServer(t, &scriptedAI{})
	server.addr = "127.0.0.1:0"
	server.purgeInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
