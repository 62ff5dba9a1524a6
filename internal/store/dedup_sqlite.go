package store

import (
	"fmt"
	"log/slog"
	"time"
)

// RecordInbound claims a provider message id for processing. Returns false
// when the id was already claimed by an earlier delivery.
func (s *SQLiteStore) RecordInbound(messageSID, userID string) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO inbound_dedup (message_sid, user_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_sid) DO NOTHING`,
		messageSID, userID, time.Now())
	if err != nil {
		slog.Error("SQLiteStore RecordInbound failed", "error", err, "messageSID", messageSID)
		return false, fmt.Errorf("failed to record inbound message %s: %w", messageSID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		slog.Debug("SQLiteStore RecordInbound duplicate delivery", "messageSID", messageSID)
		return false, nil
	}
	return true, nil
}

// MarkProcessed stamps the dedup record once the pipeline has run to
// completion for the message.
func (s *SQLiteStore) MarkProcessed(messageSID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_sid = ?`,
		time.Now(), messageSID)
	if err != nil {
		slog.Error("SQLiteStore MarkProcessed failed", "error", err, "messageSID", messageSID)
		return fmt.Errorf("failed to mark %s processed: %w", messageSID, err)
	}
	return nil
}

// ReleaseInbound removes an unprocessed claim so a provider retry can run
// the pipeline again after a fatal error. Processed claims are kept.
func (s *SQLiteStore) ReleaseInbound(messageSID string) error {
	_, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE message_sid = ? AND processed_at IS NULL`, messageSID)
	if err != nil {
		slog.Error("SQLiteStore ReleaseInbound failed", "error", err, "messageSID", messageSID)
		return fmt.Errorf("failed to release inbound claim %s: %w", messageSID, err)
	}
	return nil
}

// PurgeDedupBefore deletes dedup records received before the cutoff and
// returns how many were removed.
func (s *SQLiteStore) PurgeDedupBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore PurgeDedupBefore failed", "error", err)
		return 0, fmt.Errorf("failed to purge dedup records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		slog.Debug("SQLiteStore PurgeDedupBefore removed records", "count", affected)
	}
	return int(affected), nil
}
