package conversation

import (
	"fmt"
	"strings"
	"time"
)

// Engagement is the ordinal engagement level of an insight.
type Engagement string

const (
	EngagementLow    Engagement = "low"
	EngagementMedium Engagement = "medium"
	EngagementHigh   Engagement = "high"
)

// ParseEngagement accepts low, medium or high in any case.
func ParseEngagement(s string) (Engagement, error) {
	switch Engagement(strings.ToLower(strings.TrimSpace(s))) {
	case EngagementLow:
		return EngagementLow, nil
	case EngagementMedium:
		return EngagementMedium, nil
	case EngagementHigh:
		return EngagementHigh, nil
	}
	return "", fmt.Errorf("invalid engagement level %q", s)
}

// Sentiment bounds.
const (
	MinSentiment = 0
	MaxSentiment = 100
)

// Insight is the structured analysis of exactly one turn.
type Insight struct {
	Topics            []string   `json:"topics"`
	DominantEmotion   string     `json:"dominantEmotion"`
	SentimentScore    int        `json:"sentimentScore"`
	Summary           string     `json:"summary"`
	KeyPhrases        []string   `json:"keyPhrases"`
	EngagementLevel   Engagement `json:"engagementLevel"`
	QuestionCount     int        `json:"questionCount"`
	Breakthrough      bool       `json:"breakthrough"`
	NeedsAttention    bool       `json:"needsAttention"`
	ConversationID    TurnID     `json:"conversationId"`
	AnalyzedAt        time.Time  `json:"analyzedAt"`
	AnalysisLatencyMs int64      `json:"analysisLatencyMs"`
	UserID            string     `json:"userId,omitempty"`
	ChildID           string     `json:"childId,omitempty"`
}

// Validate checks the invariants every stored insight must satisfy.
func (i *Insight) Validate() error {
	if i == nil {
		return fmt.Errorf("%w: nil insight", ErrInvalidInsight)
	}
	if i.ConversationID.IsZero() {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidInsight)
	}
	if i.SentimentScore < MinSentiment || i.SentimentScore > MaxSentiment {
		return fmt.Errorf("%w: sentiment %d out of range", ErrInvalidInsight, i.SentimentScore)
	}
	if _, err := ParseEngagement(string(i.EngagementLevel)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInsight, err)
	}
	return nil
}

// AnalysisStatus describes where a turn is in the analysis lifecycle.
type AnalysisStatus string

const (
	// AnalysisPending means no insight and no failure marker exist yet.
	AnalysisPending AnalysisStatus = "pending"
	// AnalysisDone means an insight has been stored.
	AnalysisDone AnalysisStatus = "done"
	// AnalysisFailed means extraction was attempted and gave up.
	AnalysisFailed AnalysisStatus = "failed"
)

// AnalysisFailure is the marker recorded when extraction gives up on a turn.
type AnalysisFailure struct {
	ConversationID TurnID    `json:"conversationId"`
	Reason         string    `json:"reason"`
	FailedAt       time.Time `json:"failedAt"`
}
