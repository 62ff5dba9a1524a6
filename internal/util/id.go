// Package util provides utility functions for the Relas application.
package util

import "github.com/google/uuid"

// NewUserID generates a unique user identifier.
func NewUserID() string {
	return "u_" + uuid.NewString()
}

// NewConversationID generates a unique conversation identifier.
func NewConversationID() string {
	return "c_" + uuid.NewString()
}

// NewMessageID generates a unique message identifier.
func NewMessageID() string {
	return "m_" + uuid.NewString()
}

// NewSentimentLogID generates a unique sentiment log identifier.
func NewSentimentLogID() string {
	return "s_" + uuid.NewString()
}
