// Package api provides HTTP handlers for Relas endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/relasapp/relas/internal/flow"
	"github.com/relasapp/relas/internal/models"
)

// DefaultSentimentHistoryLimit matches the dashboard's trend window.
const DefaultSentimentHistoryLimit = 30

// startConversationRequest is the body for POST /conversations/start.
type startConversationRequest struct {
	UserID string `json:"user_id"`
}

// welcomeRequest is the body for POST /welcome. Billing webhooks call this
// after a subscription event.
type welcomeRequest struct {
	UserID      string `json:"user_id"`
	Trigger     string `json:"trigger"`
	ForceResend bool   `json:"force_resend"`
}

// sentimentHistoryEntry is one row of the sentiment trend response.
type sentimentHistoryEntry struct {
	Date      string   `json:"date"`
	Sentiment string   `json:"sentiment"`
	Emotions  []string `json:"emotions"`
	Intensity float64  `json:"intensity"`
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.twilioWebhookHandler: processing webhook", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.twilioWebhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form data"))
		return
	}

	event := models.InboundEvent{
		MessageSID: r.FormValue("MessageSid"),
		From:       r.FormValue("From"),
		Body:       r.FormValue("Body"),
	}
	s.processInboundEvent(w, r, event, "Server.twilioWebhookHandler")
}

func (s *Server) conversationsWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.conversationsWebhookHandler: processing webhook", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.conversationsWebhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.conversationsWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form data"))
		return
	}

	event := models.InboundEvent{
		EventType:       r.FormValue("EventType"),
		ConversationSID: r.FormValue("ConversationSid"),
		MessageSID:      r.FormValue("MessageSid"),
		Body:            r.FormValue("Body"),
		Author:          r.FormValue("Author"),
		Source:          r.FormValue("Source"),
	}
	s.processInboundEvent(w, r, event, "Server.conversationsWebhookHandler")
}

// processInboundEvent runs the pipeline for a webhook event and maps the
// outcome onto the response envelope. Webhook providers retry on non-2xx, so
// everything past basic validation acknowledges with 200.
func (s *Server) processInboundEvent(w http.ResponseWriter, r *http.Request, event models.InboundEvent, handler string) {
	if err := event.Validate(); err != nil {
		slog.Warn(handler+": invalid event", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	outcome, err := s.orchestrator.ProcessInboundMessage(r.Context(), event)
	if err != nil {
		slog.Error(handler+": pipeline failed", "error", err, "messageSID", event.MessageSID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	switch outcome {
	case flow.OutcomeIgnored:
		writeJSONResponse(w, http.StatusOK, models.Ignored("Event acknowledged"))
	case flow.OutcomeNotice:
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Sender not subscribed, notice sent", nil))
	default:
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message processed", nil))
	}
}

func (s *Server) startConversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.startConversationHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.startConversationHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.startConversationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.UserID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyUserID.Error()))
		return
	}

	conv, err := s.orchestrator.StartConversation(r.Context(), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUserNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		case errors.Is(err, models.ErrNotSubscribed):
			writeJSONResponse(w, http.StatusForbidden, models.Error("Active subscription required"))
		case errors.Is(err, models.ErrNoPhoneOnFile):
			writeJSONResponse(w, http.StatusBadRequest, models.Error("No phone number on file"))
		default:
			slog.Error("Server.startConversationHandler: failed to start conversation", "error", err, "userID", req.UserID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start conversation"))
		}
		return
	}

	slog.Info("Server.startConversationHandler: conversation started", "userID", req.UserID, "conversationID", conv.ID)
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

func (s *Server) welcomeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.welcomeHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.welcomeHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req welcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.welcomeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.UserID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyUserID.Error()))
		return
	}
	trigger := flow.WelcomeTrigger(req.Trigger)
	if trigger == "" {
		trigger = flow.TriggerManual
	}

	result, err := s.welcome.SendSequence(r.Context(), req.UserID, trigger, req.ForceResend)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUserNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		case errors.Is(err, models.ErrNoPhoneOnFile):
			writeJSONResponse(w, http.StatusBadRequest, models.Error("No phone number on file"))
		default:
			slog.Error("Server.welcomeHandler: welcome sequence failed", "error", err, "userID", req.UserID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send welcome sequence"))
		}
		return
	}

	slog.Info("Server.welcomeHandler: welcome sequence handled",
		"userID", req.UserID, "trigger", trigger, "messagesSent", result.MessagesSent)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) sentimentHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sentimentHistoryHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.sentimentHistoryHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyUserID.Error()))
		return
	}
	limit := DefaultSentimentHistoryLimit
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit parameter"))
			return
		}
		limit = parsed
	}

	user, err := s.store.GetUserByID(userID)
	if err != nil {
		slog.Error("Server.sentimentHistoryHandler: failed to look up user", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch sentiment history"))
		return
	}
	if user == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		return
	}

	logs, err := s.store.ListSentimentLogs(userID, limit)
	if err != nil {
		slog.Error("Server.sentimentHistoryHandler: failed to list sentiment logs", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch sentiment history"))
		return
	}

	entries := make([]sentimentHistoryEntry, 0, len(logs))
	for _, log := range logs {
		entries = append(entries, sentimentHistoryEntry{
			Date:      log.CreatedAt.UTC().Format(time.RFC3339),
			Sentiment: log.Sentiment,
			Emotions:  log.Emotions,
			Intensity: log.Intensity,
		})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
