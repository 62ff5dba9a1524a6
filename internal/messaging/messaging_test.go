package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/twiliosms"
	"github.com/relasapp/relas/internal/whatsapp"
)

func TestCanonicalizeRecipient(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"already E.164", "+15551234567", "+15551234567", false},
		{"whatsapp prefix stripped", "whatsapp:+15551234567", "+15551234567", false},
		{"formatting removed", "(555) 123-4567", "+15551234567", false},
		{"ten digits gets country code", "5551234567", "+15551234567", false},
		{"empty", "", "", true},
		{"no digits", "not-a-number", "", true},
		{"too short", "12345", "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := canonicalizeRecipient(c.in)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", c.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Errorf("canonicalizeRecipient(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func TestTwilioService_Send(t *testing.T) {
	client := twiliosms.NewMockClient()
	svc := NewTwilioService(client)

	sid, err := svc.Send(context.Background(), "whatsapp:+15551234567", "hi", models.ChannelWhatsApp)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sid == "" {
		t.Error("expected a provider SID")
	}
	if len(client.SentMessages) != 1 {
		t.Fatalf("expected 1 send, got %d", len(client.SentMessages))
	}
	// Prefix is stripped before the Twilio client re-applies it.
	if got := client.SentMessages[0].To; got != "+15551234567" {
		t.Errorf("expected bare recipient, got %s", got)
	}

	if _, err := svc.Send(context.Background(), "", "hi", models.ChannelSMS); err == nil {
		t.Error("expected validation error for empty recipient")
	}
}

func TestWhatsmeowService_Routing(t *testing.T) {
	wa := whatsapp.NewMockClient()
	sms := twiliosms.NewMockClient()
	svc := NewWhatsmeowService(wa, sms)

	if _, err := svc.Send(context.Background(), "+15551234567", "wa msg", models.ChannelWhatsApp); err != nil {
		t.Fatalf("WhatsApp send failed: %v", err)
	}
	if len(wa.Sent) != 1 || len(sms.SentMessages) != 0 {
		t.Errorf("expected WhatsApp traffic on whatsmeow, got wa=%d sms=%d", len(wa.Sent), len(sms.SentMessages))
	}

	if _, err := svc.Send(context.Background(), "+15551234567", "sms msg", models.ChannelSMS); err != nil {
		t.Fatalf("SMS send failed: %v", err)
	}
	if len(sms.SentMessages) != 1 {
		t.Errorf("expected SMS traffic on Twilio, got %d", len(sms.SentMessages))
	}
}

func TestDispatcher_PreferredSucceeds(t *testing.T) {
	svc := NewMockService()
	d := NewDispatcher(svc)

	sid, channel, err := d.SendWithFallback(context.Background(), "+15551234567", "hi", models.ChannelSMS)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if channel != models.ChannelSMS {
		t.Errorf("expected delivery on sms, got %s", channel)
	}
	if sid == "" {
		t.Error("expected a provider SID")
	}
	if len(svc.Sent) != 1 {
		t.Errorf("expected exactly one send, got %d", len(svc.Sent))
	}
}

func TestDispatcher_FallsBackOnce(t *testing.T) {
	svc := NewMockService()
	svc.FailChannels[models.ChannelSMS] = errors.New("sms down")
	d := NewDispatcher(svc)

	_, channel, err := d.SendWithFallback(context.Background(), "+15551234567", "hi", models.ChannelSMS)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if channel != models.ChannelWhatsApp {
		t.Errorf("expected fallback to whatsapp, got %s", channel)
	}
}

func TestDispatcher_BothChannelsFail(t *testing.T) {
	svc := NewMockService()
	svc.FailChannels[models.ChannelSMS] = errors.New("sms down")
	svc.FailChannels[models.ChannelWhatsApp] = errors.New("wa down")
	d := NewDispatcher(svc)

	_, _, err := d.SendWithFallback(context.Background(), "+15551234567", "hi", models.ChannelWhatsApp)
	if !errors.Is(err, ErrAllChannelsFailed) {
		t.Errorf("expected ErrAllChannelsFailed, got %v", err)
	}
}

func TestDispatcher_ConversationsUsesWhatsAppTransport(t *testing.T) {
	svc := NewMockService()
	d := NewDispatcher(svc)

	_, channel, err := d.SendWithFallback(context.Background(), "+15551234567", "hi", models.ChannelConversations)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if channel != models.ChannelWhatsApp {
		t.Errorf("expected conversations routed over whatsapp, got %s", channel)
	}
}

func TestDispatcher_SendHasNoFallback(t *testing.T) {
	svc := NewMockService()
	svc.FailChannels[models.ChannelSMS] = errors.New("sms down")
	d := NewDispatcher(svc)

	if _, err := d.Send(context.Background(), "+15551234567", "hi", models.ChannelSMS); err == nil {
		t.Fatal("expected error when the channel is down")
	}
	if len(svc.Sent) != 0 {
		t.Errorf("expected no cross-channel attempt, got %+v", svc.Sent)
	}
}

func TestDispatcher_SendMapsConversationsTransport(t *testing.T) {
	svc := NewMockService()
	d := NewDispatcher(svc)

	sid, err := d.Send(context.Background(), "+15551234567", "hi", models.ChannelConversations)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sid == "" {
		t.Error("expected a provider SID")
	}
	if len(svc.Sent) != 1 || svc.Sent[0].Channel != models.ChannelWhatsApp {
		t.Errorf("expected whatsapp transport delivery, got %+v", svc.Sent)
	}
}
