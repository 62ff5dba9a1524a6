// Package messaging defines the outbound delivery abstraction for Relas
// and the channel-fallback dispatcher built on top of it.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/relasapp/relas/internal/models"
)

// phoneNumberRegex matches every character that is not a digit; recipients
// are canonicalized by stripping those characters.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// ErrAllChannelsFailed indicates that the preferred channel and its
// fallback both failed to deliver.
var ErrAllChannelsFailed = errors.New("delivery failed on all channels")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Returns the canonicalized recipient and an
	// error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers one message over the given channel and returns the
	// provider message id.
	Send(ctx context.Context, to, body string, channel models.Channel) (string, error)
}

// canonicalizeRecipient strips formatting from a phone number and validates
// the digit count, preserving E.164 form with a leading plus.
func canonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	stripped, _ := models.StripChannelPrefix(recipient)
	digits := phoneNumberRegex.ReplaceAllString(stripped, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	canonical := models.FormatPhone(digits)
	if canonical != strings.TrimSpace(recipient) {
		slog.Debug("canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
