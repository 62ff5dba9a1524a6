package messaging

import (
	"context"

	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/twiliosms"
	"github.com/relasapp/relas/internal/whatsapp"
)

// WhatsmeowService delivers WhatsApp traffic directly through a whatsmeow
// session while keeping SMS traffic on Twilio. Selected with
// WHATSAPP_BACKEND=whatsmeow.
type WhatsmeowService struct {
	wa  whatsapp.Sender
	sms twiliosms.Sender
}

var _ Service = (*WhatsmeowService)(nil)

// NewWhatsmeowService creates a WhatsmeowService. The Twilio sender may be
// nil when no SMS credentials are configured; SMS sends then fail.
func NewWhatsmeowService(wa whatsapp.Sender, sms twiliosms.Sender) *WhatsmeowService {
	return &WhatsmeowService{wa: wa, sms: sms}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *WhatsmeowService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// Send delivers one message, routing WhatsApp traffic over the whatsmeow
// session and everything else through Twilio.
func (s *WhatsmeowService) Send(ctx context.Context, to, body string, channel models.Channel) (string, error) {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	if channel == models.ChannelWhatsApp {
		return s.wa.SendMessage(ctx, canonical, body)
	}
	if s.sms == nil {
		return "", models.ErrInvalidChannel
	}
	return s.sms.Send(ctx, canonical, body, channel)
}
