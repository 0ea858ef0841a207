package insight

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

const validJSON = `{
  "topics": ["Space", "planets", "space"],
  "dominantEmotion": "curious",
  "sentimentScore": 85,
  "summary": "Asked why Mars is red.",
  "keyPhrases": ["red planet"],
  "engagementLevel": "High",
  "questionCount": 2,
  "breakthrough": true,
  "needsAttention": false
}`

func TestParseValid(t *testing.T) {
	ins, err := Parse(validJSON)
	require.NoError(t, err)

	assert.Equal(t, []string{"Space", "planets"}, ins.Topics)
	assert.Equal(t, "Curious", ins.DominantEmotion)
	assert.Equal(t, 85, ins.SentimentScore)
	assert.Equal(t, "Asked why Mars is red.", ins.Summary)
	assert.Equal(t, []string{"red planet"}, ins.KeyPhrases)
	assert.Equal(t, conversation.EngagementHigh, ins.EngagementLevel)
	assert.Equal(t, 2, ins.QuestionCount)
	assert.True(t, ins.Breakthrough)
	assert.False(t, ins.NeedsAttention)
}

func TestParseCandidates(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"surrounding prose", "Sure! Here is the analysis:\n" + validJSON + "\nHope this helps."},
		{"code fence", "```json\n" + validJSON + "\n```"},
		{"fence inside braces", "{\n```json\n" + `"topics":["a"],"dominantEmotion":"Calm","sentimentScore":50,"engagementLevel":"low"` + "\n```\n}"},
		{"whitespace", "\n\n   " + validJSON + "   \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.NotEmpty(t, ins.Topics)
		})
	}
}

func TestParseNormalizes(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, ins *conversation.Insight)
	}{
		{
			name: "sentiment as string",
			raw:  `{"topics":[],"dominantEmotion":"Calm","sentimentScore":"72","engagementLevel":"medium"}`,
			check: func(t *testing.T, ins *conversation.Insight) {
				assert.Equal(t, 72, ins.SentimentScore)
			},
		},
		{
			name: "sentiment clamped high",
			raw:  `{"topics":["x"],"dominantEmotion":"Happy","sentimentScore":140,"engagementLevel":"high"}`,
			check: func(t *testing.T, ins *conversation.Insight) {
				assert.Equal(t, 100, ins.SentimentScore)
			},
		},
		{
			name: "sentiment clamped low",
			raw:  `{"topics":["x"],"dominantEmotion":"Stressed","sentimentScore":-5,"engagementLevel":"low"}`,
			check: func(t *testing.T, ins *conversation.Insight) {
				assert.Equal(t, 0, ins.SentimentScore)
			},
		},
		{
			name: "fractional sentiment rounds",
			raw:  `{"topics":["x"],"dominantEmotion":"Calm","sentimentScore":66.6,"engagementLevel":"low"}`,
			check: func(t *testing.T, ins *conversation.Insight) {
				assert.Equal(t, 67, ins.SentimentScore)
			},
		},
		{
			name: "string booleans and counts",
			raw:  `{"topics":["x"],"dominantEmotion":"Calm","sentimentScore":50,"engagementLevel":"low","questionCount":"3","breakthrough":"false","needsAttention":"true"}`,
			check: func(t *testing.T, ins *conversation.Insight) {
				assert.Equal(t, 3, ins.QuestionCount)
				assert.False(t, ins.Breakthrough)
				assert.True(t, ins.NeedsAttention)
			},
		},
		{
			name: "blank topics dropped",
			raw:  `{"topics":["  ", "math ", "Math"],"dominantEmotion":"Calm","sentimentScore":50,"engagementLevel":"low"}`,
			check: func(t *testing.T, ins *conversation.Insight) {
				assert.Equal(t, []string{"math"}, ins.Topics)
			},
		},
		{
			name: "unknown emotion kept verbatim",
			raw:  `{"topics":["x"],"dominantEmotion":"Bored","sentimentScore":50,"engagementLevel":"low"}`,
			check: func(t *testing.T, ins *conversation.Insight) {
				assert.Equal(t, "Bored", ins.DominantEmotion)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins, err := Parse(tt.raw)
			require.NoError(t, err)
			tt.check(t, ins)
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"empty", "   ", "empty response"},
		{"prose only", "I think the child was happy.", "no JSON object"},
		{"broken json", `{"topics": ["a",}`, "invalid JSON"},
		{"missing topics", `{"dominantEmotion":"Calm","sentimentScore":50,"engagementLevel":"low"}`, "topics"},
		{"missing sentiment", `{"topics":["a"],"dominantEmotion":"Calm","engagementLevel":"low"}`, "sentimentScore"},
		{"missing engagement", `{"topics":["a"],"dominantEmotion":"Calm","sentimentScore":50}`, "engagementLevel"},
		{"bad engagement", `{"topics":["a"],"dominantEmotion":"Calm","sentimentScore":50,"engagementLevel":"extreme"}`, "engagement"},
		{"topics not a list", `{"topics":"space","dominantEmotion":"Calm","sentimentScore":50,"engagementLevel":"low"}`, "topics"},
		{"sentiment not numeric", `{"topics":["a"],"dominantEmotion":"Calm","sentimentScore":"very","engagementLevel":"low"}`, "sentimentScore"},
		{"empty emotion", `{"topics":["a"],"dominantEmotion":"","sentimentScore":50,"engagementLevel":"low"}`, "dominantEmotion"},
		{"null topics", `{"topics":null,"dominantEmotion":"Calm","sentimentScore":50,"engagementLevel":"low"}`, "topics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins, err := Parse(tt.raw)
			assert.Nil(t, ins)
			require.Error(t, err)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.True(t, errors.Is(err, ErrParse))
			assert.Contains(t, perr.Reason, tt.reason)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	turn := &conversation.Turn{
		Transcript:    "why is the sky blue",
		Response:      "Sunlight scatters off the air.",
		AudioDuration: 3 * time.Second,
		Emotion:       &conversation.Emotion{Label: "happy"},
	}
	p := BuildPrompt(turn)

	assert.Contains(t, p, `User: "why is the sky blue"`)
	assert.Contains(t, p, `Assistant: "Sunlight scatters off the air."`)
	assert.Contains(t, p, "Duration: 3.0 seconds")
	assert.Contains(t, p, "Emotion: happy")
	assert.Contains(t, p, strings.Join(Emotions, ", "))

	turn.Emotion = nil
	assert.Contains(t, BuildPrompt(turn), "Emotion: unknown")

	req := Request(turn, true, 300, 0.2)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, SystemPrompt, req.Messages[0].Content)
	assert.True(t, req.JSON)
}
