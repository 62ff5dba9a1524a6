// Package store provides the DedupRepo interface for inbound event deduplication.
package store

import (
	"time"
)

// DedupRecord represents an inbound event deduplication record, keyed by the
// provider's message identifier so re-delivered webhook calls do not
// double-post replies or double-increment context counters.
type DedupRecord struct {
	MessageSID  string     `json:"message_sid"`
	UserID      string     `json:"user_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound event deduplication.
type DedupRepo interface {
	// RecordInbound inserts a new inbound event record. Returns false if the
	// message SID was already recorded (duplicate delivery).
	RecordInbound(messageSID, userID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for an event.
	MarkProcessed(messageSID string) error

	// ReleaseInbound removes an unprocessed claim so the provider's retry of
	// the same delivery is not suppressed after a fatal pipeline error.
	// Claims already marked processed are kept.
	ReleaseInbound(messageSID string) error

	// PurgeDedupBefore removes records received before the cutoff. The dedup
	// table is TTL-bounded; the server calls this periodically.
	PurgeDedupBefore(cutoff time.Time) (int, error)
}

// Compile-time check that InMemoryStore implements DedupRepo.
var _ DedupRepo = (*InMemoryStore)(nil)

// RecordInbound inserts the SID if absent; returns false on duplicates.
func (s *InMemoryStore) RecordInbound(messageSID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dedup[messageSID]; exists {
		return false, nil
	}
	s.dedup[messageSID] = DedupRecord{MessageSID: messageSID, UserID: userID, ReceivedAt: time.Now()}
	return true, nil
}

// MarkProcessed stamps the record's processed time.
func (s *InMemoryStore) MarkProcessed(messageSID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageSID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageSID] = rec
	return nil
}

// ReleaseInbound drops the claim unless the event already ran to completion.
func (s *InMemoryStore) ReleaseInbound(messageSID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageSID]; ok && rec.ProcessedAt == nil {
		delete(s.dedup, messageSID)
	}
	return nil
}

// PurgeDedupBefore drops records older than the cutoff.
func (s *InMemoryStore) PurgeDedupBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for sid, rec := range s.dedup {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.dedup, sid)
			purged++
		}
	}
	return purged, nil
}
