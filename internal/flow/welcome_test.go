package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/relasapp/relas/internal/messaging"
	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/store"
)

func newWelcome(t *testing.T) (*Welcome, *store.InMemoryStore, *messaging.MockService) {
	t.Helper()
	s := store.NewInMemoryStore()
	svc := messaging.NewMockService()
	w := NewWelcome(s, messaging.NewDispatcher(svc), WithWelcomeDelay(0))
	return w, s, svc
}

func TestWelcome_SendsThreeMessageSequence(t *testing.T) {
	w, s, svc := newWelcome(t)
	u := seedSubscriber(t, s)

	result, err := w.SendSequence(context.Background(), u.ID, TriggerSubscriptionCreated, false)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !result.Success || result.MessagesSent != 3 {
		t.Fatalf("expected 3 messages sent, got %+v", result)
	}
	if len(svc.Sent) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(svc.Sent))
	}
	if !strings.Contains(svc.Sent[0].Body, "Welcome to your personal relationship assistant") {
		t.Errorf("unexpected first message %q", svc.Sent[0].Body)
	}
	if !strings.Contains(svc.Sent[0].Body, u.Name) {
		t.Errorf("expected user name in greeting, got %q", svc.Sent[0].Body)
	}

	// Delivered messages recorded in a welcome conversation.
	active, err := s.FindActiveConversation(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Title != welcomeConversationTitle {
		t.Fatalf("expected welcome conversation, got %+v", active)
	}
	msgs, err := s.ListMessages(active.ID, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Errorf("expected 3 recorded messages, got %d", len(msgs))
	}
	if active.TotalMessages != 3 {
		t.Errorf("expected counter 3, got %d", active.TotalMessages)
	}
}

func TestWelcome_SentOnlyOnce(t *testing.T) {
	w, s, svc := newWelcome(t)
	u := seedSubscriber(t, s)

	if _, err := w.SendSequence(context.Background(), u.ID, TriggerPaymentSuccess, false); err != nil {
		t.Fatal(err)
	}
	result, err := w.SendSequence(context.Background(), u.ID, TriggerPaymentSuccess, false)
	if err != nil {
		t.Fatalf("expected no error on repeat, got %v", err)
	}
	if result.MessagesSent != 0 {
		t.Errorf("expected repeat skipped, got %d messages", result.MessagesSent)
	}
	if len(svc.Sent) != 3 {
		t.Errorf("expected 3 sends total, got %d", len(svc.Sent))
	}
}

func TestWelcome_ForceResend(t *testing.T) {
	w, s, svc := newWelcome(t)
	u := seedSubscriber(t, s)

	if _, err := w.SendSequence(context.Background(), u.ID, TriggerManual, false); err != nil {
		t.Fatal(err)
	}
	result, err := w.SendSequence(context.Background(), u.ID, TriggerManual, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.MessagesSent != 3 {
		t.Errorf("expected forced resend, got %d messages", result.MessagesSent)
	}
	if len(svc.Sent) != 6 {
		t.Errorf("expected 6 sends total, got %d", len(svc.Sent))
	}
}

func TestWelcome_PerMessageFallback(t *testing.T) {
	w, s, svc := newWelcome(t)
	u := seedSubscriber(t, s)
	svc.FailChannels[models.ChannelSMS] = errors.New("sms down")

	result, err := w.SendSequence(context.Background(), u.ID, TriggerSubscriptionCreated, false)
	if err != nil {
		t.Fatalf("expected fallback delivery, got %v", err)
	}
	if result.MessagesSent != 3 {
		t.Fatalf("expected 3 messages via fallback, got %+v", result)
	}
	if result.Channel != models.ChannelWhatsApp {
		t.Errorf("expected whatsapp channel reported, got %s", result.Channel)
	}
	for i, sent := range svc.Sent {
		if sent.Channel != models.ChannelWhatsApp {
			t.Errorf("message %d: expected whatsapp, got %s", i, sent.Channel)
		}
	}
}

func TestWelcome_TotalDeliveryFailure(t *testing.T) {
	w, s, svc := newWelcome(t)
	u := seedSubscriber(t, s)
	svc.FailChannels[models.ChannelSMS] = errors.New("sms down")
	svc.FailChannels[models.ChannelWhatsApp] = errors.New("wa down")

	result, err := w.SendSequence(context.Background(), u.ID, TriggerSubscriptionCreated, false)
	if err == nil {
		t.Fatal("expected error when nothing could be delivered")
	}
	if result.Success || result.MessagesSent != 0 {
		t.Errorf("expected zero delivered, got %+v", result)
	}
	// No welcome conversation recorded.
	count, err := s.CountConversations(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected no conversations, got %d", count)
	}
}

func TestWelcome_RequiresPhone(t *testing.T) {
	w, s, _ := newWelcome(t)
	if err := s.SaveUser(models.User{ID: "nophone", IsSubscribed: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.SendSequence(context.Background(), "nophone", TriggerManual, false); !errors.Is(err, models.ErrNoPhoneOnFile) {
		t.Errorf("expected ErrNoPhoneOnFile, got %v", err)
	}
	if _, err := w.SendSequence(context.Background(), "missing", TriggerManual, false); !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}
