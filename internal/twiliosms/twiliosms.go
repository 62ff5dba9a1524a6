// Package twiliosms wraps the Twilio REST API for outbound SMS and
// WhatsApp delivery in Relas.
package twiliosms

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/relasapp/relas/internal/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender is the outbound surface the messaging layer depends on. Send
// returns the provider message SID for the created message.
type Sender interface {
	Send(ctx context.Context, to, body string, channel models.Channel) (string, error)
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID   string
	AuthToken    string
	FromSMS      string
	FromWhatsApp string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromSMS sets the sending phone number for SMS.
func WithFromSMS(from string) Option {
	return func(o *Opts) { o.FromSMS = from }
}

// WithFromWhatsApp sets the sending phone number for WhatsApp.
func WithFromWhatsApp(from string) Option {
	return func(o *Opts) { o.FromWhatsApp = from }
}

// restAPI abstracts the Twilio message-create call for testing.
type restAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client wraps the Twilio REST API for SMS and WhatsApp delivery.
type Client struct {
	api          restAPI
	fromSMS      string
	fromWhatsApp string
}

var _ Sender = (*Client)(nil)

// NewClient creates a Twilio client. Credentials and sender numbers come
// from options or the TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromSMS == "" {
		cfg.FromSMS = os.Getenv("TWILIO_PHONE_NUMBER")
	}
	if cfg.FromWhatsApp == "" {
		cfg.FromWhatsApp = os.Getenv("TWILIO_WHATSAPP_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromSMS_set", cfg.FromSMS != "",
		"FromWhatsApp_set", cfg.FromWhatsApp != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromSMS == "" && cfg.FromWhatsApp == "" {
		return nil, fmt.Errorf("at least one sending number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &Client{
		api:          rest.Api,
		fromSMS:      cfg.FromSMS,
		fromWhatsApp: cfg.FromWhatsApp,
	}, nil
}

// Send delivers one message over the requested channel and returns the
// provider message SID. The recipient must be a bare E.164 number; the
// whatsapp: prefix is applied here for WhatsApp sends.
func (c *Client) Send(ctx context.Context, to, body string, channel models.Channel) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	switch channel {
	case models.ChannelWhatsApp:
		if c.fromWhatsApp == "" {
			return "", fmt.Errorf("no WhatsApp sending number configured")
		}
		params.SetTo(models.ApplyChannelPrefix(to, models.ChannelWhatsApp))
		params.SetFrom(models.ApplyChannelPrefix(c.fromWhatsApp, models.ChannelWhatsApp))
	case models.ChannelSMS:
		if c.fromSMS == "" {
			return "", fmt.Errorf("no SMS sending number configured")
		}
		params.SetTo(to)
		params.SetFrom(c.fromSMS)
	default:
		return "", models.ErrInvalidChannel
	}
	params.SetBody(body)

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio Send failed", "to", to, "channel", channel, "error", err)
		return "", fmt.Errorf("failed to send %s message to %s: %w", channel, to, err)
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "channel", channel, "sid", sid)
	return sid, nil
}

// SentMessage records one delivery attempt made through the MockClient.
type SentMessage struct {
	To      string
	Body    string
	Channel models.Channel
}

// MockClient is an in-memory Sender for tests, with per-channel failure
// injection.
type MockClient struct {
	SentMessages []SentMessage
	FailChannels map[models.Channel]error
	nextSID      int
}

var _ Sender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{
		FailChannels: make(map[models.Channel]error),
	}
}

func (m *MockClient) Send(ctx context.Context, to, body string, channel models.Channel) (string, error) {
	if err := m.FailChannels[channel]; err != nil {
		return "", err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body, Channel: channel})
	m.nextSID++
	return fmt.Sprintf("SM%08d", m.nextSID), nil
}
