// Package flow implements the inbound message pipeline: user resolution,
// message analysis, context assembly, reply generation, context updates,
// and the orchestrator tying them together.
package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/relasapp/relas/internal/genai"
	"github.com/relasapp/relas/internal/models"
)

// Analysis sampling parameters. Low temperature keeps the structured
// output stable.
const (
	analysisTemperature = 0.3
	analysisMaxTokens   = 200
)

const analysisSystemPrompt = `Analyze this relationship-related message and return a JSON object with:
- sentiment: "positive", "negative", "neutral", or "mixed"
- emotions: array of detected emotions (happy, sad, angry, frustrated, anxious, excited, confused, hopeful, etc.)
- topics: array of relationship topics (communication, trust, intimacy, conflict, support, future, family, etc.)
- urgencyLevel: number 1-5 (1=casual chat, 5=crisis/urgent help needed)

Keep your analysis brief and accurate.`

// Analyzer derives sentiment, emotions, topics and urgency from a user
// message. It is a total function: any engine or parse failure yields the
// neutral analysis, never an error.
type Analyzer struct {
	ai genai.ClientInterface
}

// NewAnalyzer creates an Analyzer on top of a GenAI client.
func NewAnalyzer(ai genai.ClientInterface) *Analyzer {
	return &Analyzer{ai: ai}
}

// Analyze classifies one user message.
func (a *Analyzer) Analyze(ctx context.Context, text string) models.MessageAnalysis {
	out, err := a.ai.GeneratePrompt(ctx, analysisSystemPrompt, text,
		genai.WithTemperature(analysisTemperature),
		genai.WithMaxTokens(analysisMaxTokens))
	if err != nil {
		slog.Warn("Analyzer.Analyze: engine failure, using neutral analysis", "error", err)
		return models.NeutralAnalysis()
	}

	var analysis models.MessageAnalysis
	if err := json.Unmarshal([]byte(extractJSON(out)), &analysis); err != nil {
		slog.Warn("Analyzer.Analyze: unparseable analysis output, using neutral analysis", "error", err)
		return models.NeutralAnalysis()
	}
	analysis.Normalize()
	slog.Debug("Analyzer.Analyze: message classified",
		"sentiment", analysis.Sentiment, "emotions", len(analysis.Emotions),
		"topics", len(analysis.Topics), "urgency", analysis.UrgencyLevel)
	return analysis
}

// extractJSON strips markdown code fences the model sometimes wraps around
// JSON output.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
