package memory

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// SummaryOptions filters and sizes a Summary.
type SummaryOptions struct {
	// ChildID restricts the summary to one child's turns when set.
	ChildID string

	TopTopics  int
	TopPhrases int
	Recent     int

	Now func() time.Time
}

func (o *SummaryOptions) defaults() {
	if o.TopTopics <= 0 {
		o.TopTopics = 10
	}
	if o.TopPhrases <= 0 {
		o.TopPhrases = 15
	}
	if o.Recent <= 0 {
		o.Recent = 5
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Summary is the long-range view over every analyzed turn.
type Summary struct {
	GeneratedAt time.Time       `json:"generatedAt"`
	ChildID     string          `json:"childId,omitempty"`
	Totals      Totals          `json:"summary"`
	Topics      TopicStats      `json:"topics"`
	Emotions    EmotionStats    `json:"emotions"`
	Engagement  EngagementStats `json:"engagement"`
	Timeline    []DayStats      `json:"timeline"`
	Recent      []RecentTurn    `json:"recentConversations"`
	KeyPhrases  []PhraseCount   `json:"keyPhrases"`
	Rates       Rates           `json:"insights"`
}

// Totals are the headline counters.
type Totals struct {
	Conversations  int     `json:"totalConversations"`
	Questions      int     `json:"totalQuestions"`
	Breakthroughs  int     `json:"totalBreakthroughs"`
	AttentionCount int     `json:"attentionNeeded"`
	AvgSentiment   float64 `json:"avgSentiment"`
}

// TopicCount is a topic and how many insights mention it.
type TopicCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TopicStats summarizes topics.
type TopicStats struct {
	Top    []TopicCount `json:"topTopics"`
	Unique int          `json:"totalUniqueTopics"`
}

// EmotionStats is the distribution of dominant emotions.
type EmotionStats struct {
	Distribution map[string]int `json:"distribution"`
	MostCommon   string         `json:"mostCommon"`
}

// EngagementStats is the distribution of engagement levels.
type EngagementStats struct {
	Distribution map[conversation.Engagement]int `json:"distribution"`
	High         int                             `json:"high"`
	Medium       int                             `json:"medium"`
	Low          int                             `json:"low"`
}

// DayStats aggregates one date partition.
type DayStats struct {
	Date          string  `json:"date"`
	Conversations int     `json:"conversations"`
	AvgSentiment  float64 `json:"avgSentiment"`
	Breakthroughs int     `json:"breakthroughs"`
	TopicsCount   int     `json:"topicsCount"`
}

// RecentTurn is a compact row for the most recently analyzed turns.
type RecentTurn struct {
	ID           conversation.TurnID     `json:"id"`
	Date         string                  `json:"date"`
	UserQuery    string                  `json:"userQuery"`
	Topics       []string                `json:"topics"`
	Emotion      string                  `json:"emotion"`
	Sentiment    int                     `json:"sentiment"`
	Engagement   conversation.Engagement `json:"engagement"`
	Breakthrough bool                    `json:"breakthrough"`
	Summary      string                  `json:"summary"`
}

// PhraseCount is a key phrase and its frequency.
type PhraseCount struct {
	Phrase string `json:"phrase"`
	Count  int    `json:"count"`
}

// Rates are per-conversation ratios; percentages are 0..100.
type Rates struct {
	BreakthroughRate float64 `json:"breakthroughRate"`
	QuestionsPerTurn float64 `json:"avgQuestionsPerConversation"`
	AttentionRate    float64 `json:"attentionRate"`
}

type analyzed struct {
	turn    *conversation.Turn
	insight *conversation.Insight
}

// Summarize reads every turn with an insight and aggregates them.
func Summarize(ctx context.Context, src Source, opts SummaryOptions) (*Summary, error) {
	opts.defaults()

	turns, err := src.ListRecent(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: list turns: %w", err)
	}

	var rows []analyzed
	for _, t := range turns {
		ins, ok, err := src.LoadInsight(ctx, t.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if !ok {
			continue
		}
		if opts.ChildID != "" && childOf(t, ins) != opts.ChildID {
			continue
		}
		rows = append(rows, analyzed{turn: t, insight: ins})
	}
	return summarize(rows, opts), nil
}

func childOf(t *conversation.Turn, ins *conversation.Insight) string {
	if ins.ChildID != "" {
		return ins.ChildID
	}
	return t.Profile.ChildID
}

func summarize(rows []analyzed, opts SummaryOptions) *Summary {
	s := &Summary{
		GeneratedAt: opts.Now(),
		ChildID:     opts.ChildID,
		Topics:      TopicStats{Top: []TopicCount{}},
		Emotions:    EmotionStats{Distribution: map[string]int{}},
		Engagement:  EngagementStats{Distribution: map[conversation.Engagement]int{}},
		Timeline:    []DayStats{},
		Recent:      []RecentTurn{},
		KeyPhrases:  []PhraseCount{},
	}
	if len(rows) == 0 {
		s.Totals.AvgSentiment = float64(conversation.MaxSentiment) / 2
		return s
	}

	topics := newCounter()
	phrases := newCounter()
	emotions := newCounter()
	days := make(map[string]*dayAcc)
	sentiment := 0

	for _, r := range rows {
		ins := r.insight
		s.Totals.Conversations++
		s.Totals.Questions += ins.QuestionCount
		if ins.Breakthrough {
			s.Totals.Breakthroughs++
		}
		if ins.NeedsAttention {
			s.Totals.AttentionCount++
		}
		sentiment += ins.SentimentScore

		for _, t := range ins.Topics {
			topics.add(t)
		}
		for _, p := range ins.KeyPhrases {
			phrases.add(p)
		}
		emotions.add(firstNonEmpty(ins.DominantEmotion, "Neutral"))
		s.Engagement.Distribution[ins.EngagementLevel]++

		d := days[r.turn.ID.Date]
		if d == nil {
			d = &dayAcc{topics: make(map[string]bool)}
			days[r.turn.ID.Date] = d
		}
		d.count++
		d.sentiment += ins.SentimentScore
		if ins.Breakthrough {
			d.breakthroughs++
		}
		for _, t := range ins.Topics {
			d.topics[strings.ToLower(t)] = true
		}
	}

	n := float64(s.Totals.Conversations)
	s.Totals.AvgSentiment = round1(float64(sentiment) / n)

	for _, c := range topics.top(opts.TopTopics) {
		s.Topics.Top = append(s.Topics.Top, TopicCount{Name: c.label, Count: c.n})
	}
	s.Topics.Unique = topics.len()

	for _, c := range emotions.top(0) {
		s.Emotions.Distribution[c.label] = c.n
	}
	if top := emotions.top(1); len(top) > 0 {
		s.Emotions.MostCommon = top[0].label
	}

	s.Engagement.High = s.Engagement.Distribution[conversation.EngagementHigh]
	s.Engagement.Medium = s.Engagement.Distribution[conversation.EngagementMedium]
	s.Engagement.Low = s.Engagement.Distribution[conversation.EngagementLow]

	dates := make([]string, 0, len(days))
	for date := range days {
		dates = append(dates, date)
	}
	slices.Sort(dates)
	for _, date := range dates {
		d := days[date]
		s.Timeline = append(s.Timeline, DayStats{
			Date:          date,
			Conversations: d.count,
			AvgSentiment:  round1(float64(d.sentiment) / float64(d.count)),
			Breakthroughs: d.breakthroughs,
			TopicsCount:   len(d.topics),
		})
	}

	recent := slices.Clone(rows)
	slices.SortStableFunc(recent, func(a, b analyzed) int {
		if c := b.insight.AnalyzedAt.Compare(a.insight.AnalyzedAt); c != 0 {
			return c
		}
		if b.turn.ID.Less(a.turn.ID) {
			return -1
		}
		if a.turn.ID.Less(b.turn.ID) {
			return 1
		}
		return 0
	})
	for _, r := range head(recent, opts.Recent) {
		s.Recent = append(s.Recent, RecentTurn{
			ID:           r.turn.ID,
			Date:         r.turn.ID.Date,
			UserQuery:    clip(r.turn.Transcript, 100),
			Topics:       head(r.insight.Topics, 3),
			Emotion:      r.insight.DominantEmotion,
			Sentiment:    r.insight.SentimentScore,
			Engagement:   r.insight.EngagementLevel,
			Breakthrough: r.insight.Breakthrough,
			Summary:      clip(r.insight.Summary, 200),
		})
	}

	for _, c := range phrases.top(opts.TopPhrases) {
		s.KeyPhrases = append(s.KeyPhrases, PhraseCount{Phrase: c.label, Count: c.n})
	}

	s.Rates = Rates{
		BreakthroughRate: round1(float64(s.Totals.Breakthroughs) / n * 100),
		QuestionsPerTurn: round1(float64(s.Totals.Questions) / n),
		AttentionRate:    round1(float64(s.Totals.AttentionCount) / n * 100),
	}
	return s
}

type dayAcc struct {
	count         int
	sentiment     int
	breakthroughs int
	topics        map[string]bool
}

// counter tallies labels case-insensitively, keeping the first spelling
// and first-seen order for ties.
type counter struct {
	index map[string]int
	items []count
}

type count struct {
	label string
	n     int
}

func newCounter() *counter {
	return &counter{index: make(map[string]int)}
}

func (c *counter) add(label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}
	key := strings.ToLower(label)
	if i, ok := c.index[key]; ok {
		c.items[i].n++
		return
	}
	c.index[key] = len(c.items)
	c.items = append(c.items, count{label: label, n: 1})
}

func (c *counter) len() int { return len(c.items) }

// top returns the n most frequent labels; n <= 0 returns all of them.
func (c *counter) top(n int) []count {
	out := slices.Clone(c.items)
	slices.SortStableFunc(out, func(a, b count) int { return cmp.Compare(b.n, a.n) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
