// Package memory turns stored insights into conversational memory.
//
// The Aggregator condenses the most recent insights into a Snapshot whose
// Text is prefixed to the next generation prompt. Summarize builds the
// long-range dashboard view over every stored insight.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// Trend describes how the latest sentiment compares with the ones before it.
type Trend string

const (
	TrendStable    Trend = "stable"
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
)

// StruggleSentiment is the score below which an insight's topics count as
// a struggle.
const StruggleSentiment = 40

const (
	contextHeader = "CONTEXT FROM PREVIOUS CONVERSATIONS:\n"
	contextFooter = "\n\nUse this context to personalize your response and build on previous discussions.\n\n"

	maxTopics        = 5
	maxInterests     = 3
	maxStruggles     = 2
	maxBreakthroughs = 2
)

// Source is the part of conversation.Store the aggregator reads.
type Source interface {
	ListRecent(ctx context.Context, limit int) ([]*conversation.Turn, error)
	LoadInsight(ctx context.Context, id conversation.TurnID) (*conversation.Insight, bool, error)
}

// Config configures an Aggregator.
type Config struct {
	// Limit is the number of insights folded into a snapshot.
	Limit int

	// ScanLimit bounds how many recent turns are examined to find Limit
	// insights. Turns without an insight are skipped.
	ScanLimit int

	// Threshold is the sentiment delta that separates a trend from noise.
	Threshold int

	// MaxChars bounds the composed text in runes. Zero means unbounded.
	MaxChars int

	Logger *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Config)

// WithLimit sets how many insights are aggregated.
func WithLimit(n int) Option { return func(c *Config) { c.Limit = n } }

// WithScanLimit sets how many turns are examined.
func WithScanLimit(n int) Option { return func(c *Config) { c.ScanLimit = n } }

// WithThreshold sets the trend threshold.
func WithThreshold(n int) Option { return func(c *Config) { c.Threshold = n } }

// WithMaxChars bounds the context text.
func WithMaxChars(n int) Option { return func(c *Config) { c.MaxChars = n } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Limit:     5,
		ScanLimit: 50,
		Threshold: 10,
		MaxChars:  1200,
		Logger:    slog.Default(),
	}
}

// Snapshot is the condensed memory of recent conversations.
type Snapshot struct {
	ConversationIDs      []conversation.TurnID `json:"conversationIds"`
	LastSummary          string                `json:"lastSummary,omitempty"`
	Topics               []string              `json:"topics"`
	Emotion              string                `json:"emotion,omitempty"`
	AvgSentiment         int                   `json:"avgSentiment"`
	Trend                Trend                 `json:"trend"`
	HighEngagementTopics []string              `json:"highEngagementTopics"`
	Breakthroughs        []string              `json:"breakthroughs"`
	Struggles            []string              `json:"struggles"`
	Text                 string                `json:"text"`
}

// Empty reports whether the snapshot was built from no insights.
func (s *Snapshot) Empty() bool {
	return len(s.ConversationIDs) == 0
}

// EmptySnapshot is the neutral snapshot used when nothing is known yet.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		ConversationIDs:      []conversation.TurnID{},
		Topics:               []string{},
		AvgSentiment:         conversation.MaxSentiment / 2,
		Trend:                TrendStable,
		HighEngagementTopics: []string{},
		Breakthroughs:        []string{},
		Struggles:            []string{},
	}
}

// Aggregator builds snapshots from a store.
type Aggregator struct {
	src    Source
	cfg    *Config
	logger *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(src Source, opts ...Option) *Aggregator {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Limit < 1 {
		cfg.Limit = 1
	}
	if cfg.ScanLimit < cfg.Limit {
		cfg.ScanLimit = cfg.Limit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Aggregator{
		src:    src,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "memory.aggregator"),
	}
}

// Snapshot folds the most recent insights into a Snapshot. It never waits
// for pending analysis; turns without an insight are skipped.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	insights, err := a.recent(ctx)
	if err != nil {
		return EmptySnapshot(), err
	}
	return Build(insights, a.cfg.Threshold, a.cfg.MaxChars), nil
}

// ContextText returns only the composed text of a fresh snapshot.
func (a *Aggregator) ContextText(ctx context.Context) (string, error) {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return snap.Text, nil
}

func (a *Aggregator) recent(ctx context.Context) ([]*conversation.Insight, error) {
	turns, err := a.src.ListRecent(ctx, a.cfg.ScanLimit)
	if err != nil {
		return nil, fmt.Errorf("memory: list recent turns: %w", err)
	}

	insights := make([]*conversation.Insight, 0, a.cfg.Limit)
	for _, t := range turns {
		if len(insights) == a.cfg.Limit {
			break
		}
		ins, ok, err := a.src.LoadInsight(ctx, t.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Warn("skipping unreadable insight", "turn_id", t.ID.String(), "error", err)
			continue
		}
		if !ok {
			continue
		}
		insights = append(insights, ins)
	}
	return insights, nil
}

// Build folds insights, most recent first, into a Snapshot.
func Build(insights []*conversation.Insight, threshold, maxChars int) *Snapshot {
	snap := EmptySnapshot()
	if len(insights) == 0 {
		return snap
	}

	sentiments := make([]int, 0, len(insights))
	sum := 0
	for _, ins := range insights {
		snap.ConversationIDs = append(snap.ConversationIDs, ins.ConversationID)
		snap.Topics = appendFold(snap.Topics, ins.Topics...)
		if ins.EngagementLevel == conversation.EngagementHigh {
			snap.HighEngagementTopics = appendFold(snap.HighEngagementTopics, ins.Topics...)
		}
		if ins.Breakthrough {
			if label := breakthroughLabel(ins); label != "" {
				snap.Breakthroughs = appendFold(snap.Breakthroughs, label)
			}
		}
		if ins.NeedsAttention {
			if label := firstNonEmpty(ins.Summary, strings.Join(ins.Topics, ", ")); label != "" {
				snap.Struggles = appendFold(snap.Struggles, label)
			}
		}
		if ins.SentimentScore < StruggleSentiment {
			snap.Struggles = appendFold(snap.Struggles, ins.Topics...)
		}
		sentiments = append(sentiments, ins.SentimentScore)
		sum += ins.SentimentScore
	}

	snap.LastSummary = insights[0].Summary
	snap.Emotion = dominantEmotion(insights)
	snap.AvgSentiment = (sum + len(insights)/2) / len(insights)
	snap.Trend = ComputeTrend(sentiments, threshold)
	snap.Text = compose(snap, maxChars)
	return snap
}

// ComputeTrend compares the first (most recent) sentiment with the mean of
// the rest. Fewer than two values are always stable.
func ComputeTrend(sentiments []int, threshold int) Trend {
	if len(sentiments) < 2 {
		return TrendStable
	}
	rest := 0
	for _, s := range sentiments[1:] {
		rest += s
	}
	mean := float64(rest) / float64(len(sentiments)-1)
	delta := float64(sentiments[0]) - mean
	switch {
	case delta > float64(threshold):
		return TrendImproving
	case delta < -float64(threshold):
		return TrendDeclining
	default:
		return TrendStable
	}
}

// dominantEmotion returns the most frequent label; ties go to the label
// seen most recently.
func dominantEmotion(insights []*conversation.Insight) string {
	counts := make(map[string]int)
	first := make(map[string]int)
	for i, ins := range insights {
		label := strings.TrimSpace(ins.DominantEmotion)
		if label == "" {
			continue
		}
		if _, ok := first[label]; !ok {
			first[label] = i
		}
		counts[label]++
	}
	best := ""
	for label, n := range counts {
		switch {
		case best == "":
			best = label
		case n > counts[best]:
			best = label
		case n == counts[best] && first[label] < first[best]:
			best = label
		}
	}
	return best
}

func breakthroughLabel(ins *conversation.Insight) string {
	if s := strings.TrimSpace(ins.Summary); s != "" {
		return s
	}
	if len(ins.KeyPhrases) > 0 {
		return strings.Join(ins.KeyPhrases, ", ")
	}
	return strings.Join(ins.Topics, ", ")
}

// compose renders the context text. Optional lines are dropped from the
// end until the text fits, then it is cut on a rune boundary.
func compose(snap *Snapshot, maxChars int) string {
	var lines []string
	if snap.LastSummary != "" {
		lines = append(lines, "Last conversation: "+snap.LastSummary)
	}
	if len(snap.Topics) > 0 {
		lines = append(lines, "Recent topics: "+strings.Join(head(snap.Topics, maxTopics), ", "))
	}
	if snap.Emotion != "" {
		state := snap.Emotion
		switch snap.Trend {
		case TrendImproving:
			state += " (mood improving)"
		case TrendDeclining:
			state += " (seems down lately)"
		}
		lines = append(lines, "Emotional state: "+state)
	}
	required := len(lines)

	if len(snap.HighEngagementTopics) > 0 {
		lines = append(lines, "Interests: "+strings.Join(head(snap.HighEngagementTopics, maxInterests), ", "))
	}
	if len(snap.Struggles) > 0 {
		lines = append(lines, "Struggling with: "+strings.Join(head(snap.Struggles, maxStruggles), ", "))
	}
	if len(snap.Breakthroughs) > 0 {
		lines = append(lines, "Recent breakthrough: "+strings.Join(head(snap.Breakthroughs, maxBreakthroughs), "; "))
	}
	if len(lines) == 0 {
		return ""
	}

	text := render(lines)
	for maxChars > 0 && utf8.RuneCountInString(text) > maxChars && len(lines) > required {
		lines = lines[:len(lines)-1]
		text = render(lines)
	}
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		text = string([]rune(text)[:maxChars])
	}
	return text
}

func render(lines []string) string {
	var b strings.Builder
	b.WriteString(contextHeader)
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(line)
	}
	b.WriteString(contextFooter)
	return b.String()
}

// appendFold appends items not already present, ignoring case.
func appendFold(dst []string, items ...string) []string {
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		dup := false
		for _, have := range dst {
			if strings.EqualFold(have, item) {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, item)
		}
	}
	return dst
}

func head[T any](items []T, n int) []T {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
