package flow

import (
	"log/slog"

	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/store"
)

// ContextUpdater folds message analysis back into the user's long-lived
// context: emotion counters on every analyzed message, trigger counters
// only when the sentiment is negative.
type ContextUpdater struct {
	store store.Store
}

// NewContextUpdater creates a ContextUpdater on top of the store.
func NewContextUpdater(s store.Store) *ContextUpdater {
	return &ContextUpdater{store: s}
}

// Update applies one analysis to the user's counters.
func (u *ContextUpdater) Update(userID string, analysis models.MessageAnalysis) error {
	var triggers []string
	if analysis.Sentiment == models.SentimentNegative {
		triggers = analysis.Topics
	}
	if len(analysis.Emotions) == 0 && len(triggers) == 0 {
		return nil
	}
	if err := u.store.IncrementContextCounters(userID, analysis.Emotions, triggers); err != nil {
		slog.Error("ContextUpdater.Update: counter update failed", "error", err, "userID", userID)
		return err
	}
	return nil
}
