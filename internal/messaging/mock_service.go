package messaging

import (
	"context"
	"fmt"

	"github.com/relasapp/relas/internal/models"
)

// MockSentMessage records one delivery made through the MockService.
type MockSentMessage struct {
	To      string
	Body    string
	Channel models.Channel
}

// MockService is an in-memory Service for tests, with per-channel failure
// injection.
type MockService struct {
	Sent         []MockSentMessage
	FailChannels map[models.Channel]error
	nextID       int
}

var _ Service = (*MockService)(nil)

func NewMockService() *MockService {
	return &MockService{FailChannels: make(map[models.Channel]error)}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

func (m *MockService) Send(ctx context.Context, to, body string, channel models.Channel) (string, error) {
	if err := m.FailChannels[channel]; err != nil {
		return "", err
	}
	m.Sent = append(m.Sent, MockSentMessage{To: to, Body: body, Channel: channel})
	m.nextID++
	return fmt.Sprintf("SM%08d", m.nextID), nil
}

// LastSent returns the most recent recorded send, or nil.
func (m *MockService) LastSent() *MockSentMessage {
	if len(m.Sent) == 0 {
		return nil
	}
	return &m.Sent[len(m.Sent)-1]
}
