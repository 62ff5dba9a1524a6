package messaging

import (
	"context"

	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/twiliosms"
)

// TwilioService delivers both SMS and WhatsApp traffic through the Twilio
// REST API.
type TwilioService struct {
	client twiliosms.Sender
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService around a Twilio client (real or mock).
func NewTwilioService(client twiliosms.Sender) *TwilioService {
	return &TwilioService{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// Send delivers one message over the given channel via Twilio.
func (s *TwilioService) Send(ctx context.Context, to, body string, channel models.Channel) (string, error) {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	return s.client.Send(ctx, canonical, body, channel)
}
