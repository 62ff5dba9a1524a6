package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func completionWith(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGeneratePrompt_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: completionWith("Hello World")}}
	out, err := client.GeneratePrompt(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGeneratePrompt_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePrompt_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateWithMessages_CallOptions(t *testing.T) {
	mock := &mockChatService{resp: completionWith("ok")}
	client := &Client{chat: mock}
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage("sys"),
		openai.UserMessage("first"),
		openai.AssistantMessage("reply"),
		openai.UserMessage("second"),
	}
	_, err := client.GenerateWithMessages(context.Background(), messages,
		WithTemperature(0.3), WithMaxTokens(200))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(mock.params.Messages) != 4 {
		t.Errorf("expected 4 messages forwarded, got %d", len(mock.params.Messages))
	}
	if !mock.params.Temperature.Valid() || mock.params.Temperature.Value != 0.3 {
		t.Errorf("expected temperature 0.3, got %+v", mock.params.Temperature)
	}
	if !mock.params.MaxTokens.Valid() || mock.params.MaxTokens.Value != 200 {
		t.Errorf("expected max tokens 200, got %+v", mock.params.MaxTokens)
	}
	if mock.params.Model != DefaultModel {
		t.Errorf("expected model %s, got %s", DefaultModel, mock.params.Model)
	}
}

func TestGenerateWithMessages_DefaultSampling(t *testing.T) {
	mock := &mockChatService{resp: completionWith("ok")}
	client := &Client{chat: mock}
	_, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage("hi"),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if mock.params.Temperature.Valid() {
		t.Errorf("expected temperature unset, got %+v", mock.params.Temperature)
	}
	if mock.params.MaxTokens.Valid() {
		t.Errorf("expected max tokens unset, got %+v", mock.params.MaxTokens)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Error("expected client instance, got nil")
	}
}
