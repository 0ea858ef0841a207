package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

func summarySource() *fakeSource {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	src := newFakeSource()

	add := func(date string, ins *conversation.Insight, child string, at time.Duration) {
		id := conversation.TurnID{Date: date, Seq: len(src.turns) + 1}
		ins.ConversationID = id
		ins.ChildID = child
		ins.AnalyzedAt = base.Add(at)
		src.turns = append([]*conversation.Turn{{ID: id, Transcript: "q " + id.String()}}, src.turns...)
		src.insights[id] = ins
	}

	a := insight(80, "Space", "planets")
	a.QuestionCount = 2
	a.Breakthrough = true
	a.KeyPhrases = []string{"red planet"}
	a.EngagementLevel = conversation.EngagementHigh
	a.DominantEmotion = "Curious"
	add("20260313", a, "kid-1", 0)

	b := insight(40, "space")
	b.NeedsAttention = true
	b.KeyPhrases = []string{"red planet", "too hard"}
	b.EngagementLevel = conversation.EngagementLow
	add("20260314", b, "kid-2", time.Hour)

	c := insight(60, "dinosaurs")
	c.QuestionCount = 1
	c.DominantEmotion = "Curious"
	add("20260314", c, "kid-1", 2*time.Hour)

	// A turn still waiting for analysis.
	src.turns = append([]*conversation.Turn{{ID: conversation.TurnID{Date: "20260314", Seq: 99}}}, src.turns...)
	return src
}

func TestSummarize(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	s, err := Summarize(context.Background(), summarySource(), SummaryOptions{Now: func() time.Time { return now }})
	require.NoError(t, err)

	assert.Equal(t, now, s.GeneratedAt)
	assert.Equal(t, Totals{
		Conversations:  3,
		Questions:      3,
		Breakthroughs:  1,
		AttentionCount: 1,
		AvgSentiment:   60,
	}, s.Totals)

	require.NotEmpty(t, s.Topics.Top)
	assert.Equal(t, TopicCount{Name: "space", Count: 2}, s.Topics.Top[0])
	assert.Equal(t, 3, s.Topics.Unique)

	assert.Equal(t, map[string]int{"Curious": 2, "Calm": 1}, s.Emotions.Distribution)
	assert.Equal(t, "Curious", s.Emotions.MostCommon)

	assert.Equal(t, 1, s.Engagement.High)
	assert.Equal(t, 1, s.Engagement.Medium)
	assert.Equal(t, 1, s.Engagement.Low)

	require.Len(t, s.Timeline, 2)
	assert.Equal(t, DayStats{Date: "20260313", Conversations: 1, AvgSentiment: 80, Breakthroughs: 1, TopicsCount: 2}, s.Timeline[0])
	assert.Equal(t, DayStats{Date: "20260314", Conversations: 2, AvgSentiment: 50, TopicsCount: 2}, s.Timeline[1])

	require.Len(t, s.Recent, 3)
	assert.Equal(t, []string{"dinosaurs"}, s.Recent[0].Topics)

	require.NotEmpty(t, s.KeyPhrases)
	assert.Equal(t, PhraseCount{Phrase: "red planet", Count: 2}, s.KeyPhrases[0])

	assert.Equal(t, Rates{BreakthroughRate: 33.3, QuestionsPerTurn: 1, AttentionRate: 33.3}, s.Rates)
}

func TestSummarizeChildFilter(t *testing.T) {
	s, err := Summarize(context.Background(), summarySource(), SummaryOptions{ChildID: "kid-2"})
	require.NoError(t, err)

	assert.Equal(t, "kid-2", s.ChildID)
	assert.Equal(t, 1, s.Totals.Conversations)
	assert.Equal(t, 1, s.Totals.AttentionCount)
}

func TestSummarizeEmpty(t *testing.T) {
	s, err := Summarize(context.Background(), newFakeSource(), SummaryOptions{})
	require.NoError(t, err)

	assert.Zero(t, s.Totals.Conversations)
	assert.Equal(t, float64(50), s.Totals.AvgSentiment)
	assert.Empty(t, s.Topics.Top)
	assert.Empty(t, s.Timeline)
}

func TestJSONFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "summary.json")
	f := NewJSONFile(path)

	var out Summary
	ok, err := f.Load(&out)
	require.NoError(t, err)
	assert.False(t, ok)

	s, err := Summarize(context.Background(), summarySource(), SummaryOptions{})
	require.NoError(t, err)
	require.NoError(t, f.Save(s))

	ok, err = f.Load(&out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.Totals, out.Totals)
}
