package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relasapp/relas/internal/models"
)

// Dispatcher routes outbound deliveries. Replies go out on a single channel
// via Send; outreach paths (conversation starters, onboarding) use
// SendWithFallback, which tries the preferred channel first and then exactly
// one attempt on the other channel.
type Dispatcher struct {
	service Service
}

// NewDispatcher creates a Dispatcher on top of a delivery service.
func NewDispatcher(service Service) *Dispatcher {
	return &Dispatcher{service: service}
}

// fallbackChannel maps each deliverable channel to its alternate. The
// conversations channel replies in-thread over WhatsApp transport.
func fallbackChannel(preferred models.Channel) models.Channel {
	if preferred == models.ChannelSMS {
		return models.ChannelWhatsApp
	}
	return models.ChannelSMS
}

// deliveryChannel normalizes a conversation channel to a transport channel.
func deliveryChannel(c models.Channel) models.Channel {
	if c == models.ChannelConversations {
		return models.ChannelWhatsApp
	}
	return c
}

// Send delivers on the given channel only, with no cross-channel fallback.
// Replies to inbound messages go back over the channel they arrived on.
func (d *Dispatcher) Send(ctx context.Context, to, body string, channel models.Channel) (string, error) {
	transport := deliveryChannel(channel)
	providerID, err := d.service.Send(ctx, to, body, transport)
	if err != nil {
		slog.Error("Dispatcher delivery failed", "to", to, "channel", transport, "error", err)
		return "", err
	}
	return providerID, nil
}

// SendWithFallback tries the preferred channel and falls back once to the
// alternate. Returns the provider message id and the channel that actually
// delivered; an error only when both attempts fail.
func (d *Dispatcher) SendWithFallback(ctx context.Context, to, body string, preferred models.Channel) (string, models.Channel, error) {
	primary := deliveryChannel(preferred)
	providerID, err := d.service.Send(ctx, to, body, primary)
	if err == nil {
		return providerID, primary, nil
	}
	slog.Warn("Dispatcher primary channel failed, trying fallback",
		"to", to, "channel", primary, "error", err)

	alt := fallbackChannel(primary)
	providerID, altErr := d.service.Send(ctx, to, body, alt)
	if altErr == nil {
		slog.Info("Dispatcher fallback delivery succeeded", "to", to, "channel", alt)
		return providerID, alt, nil
	}
	slog.Error("Dispatcher delivery failed on both channels",
		"to", to, "primary", primary, "fallback", alt,
		"primary_error", err, "fallback_error", altErr)
	return "", "", fmt.Errorf("%w: %s (%v), %s (%v)", ErrAllChannelsFailed, primary, err, alt, altErr)
}
