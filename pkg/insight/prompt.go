package insight

import (
	"fmt"
	"strings"

	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/inference"
)

// SystemPrompt is the analyst persona. It replaces the conversational
// persona so extraction does not answer in character.
const SystemPrompt = `You are an expert conversation analyst.
Your job is to analyze conversations and extract structured insights.
Always return valid JSON format, no other text.`

// Emotions is the vocabulary dominantEmotion is asked to use.
var Emotions = []string{
	"Joyful", "Calm", "Neutral", "Frustrated", "Anxious",
	"Excited", "Curious", "Worried", "Happy", "Stressed",
}

// BuildPrompt renders the extraction request for one turn.
func BuildPrompt(t *conversation.Turn) string {
	emotion := "unknown"
	if t.Emotion != nil && t.Emotion.Label != "" {
		emotion = t.Emotion.Label
	}

	var b strings.Builder
	b.WriteString("Analyze this conversation and return ONLY valid JSON, no other text.\n\n")
	b.WriteString("CONVERSATION:\n")
	fmt.Fprintf(&b, "User: %q\n", t.Transcript)
	fmt.Fprintf(&b, "Assistant: %q\n", t.Response)
	fmt.Fprintf(&b, "Duration: %.1f seconds\n", t.AudioDuration.Seconds())
	fmt.Fprintf(&b, "Emotion: %s\n\n", emotion)
	b.WriteString(`Return this exact JSON structure:
{
  "topics": ["topic1", "topic2"],
  "dominantEmotion": "Excited",
  "sentimentScore": 85,
  "summary": "Brief summary here",
  "keyPhrases": ["phrase1"],
  "engagementLevel": "high",
  "questionCount": 1,
  "breakthrough": false,
  "needsAttention": false
}

Rules:
- topics: list of subjects (e.g., ["homework", "math", "school"])
`)
	fmt.Fprintf(&b, "- dominantEmotion: one of: %s\n", strings.Join(Emotions, ", "))
	b.WriteString(`- sentimentScore: 0-100 number (0-30=negative, 31-60=neutral, 61-100=positive)
- summary: 2-3 sentence summary
- keyPhrases: array of important phrases
- engagementLevel: "low", "medium", or "high"
- questionCount: number of questions asked
- breakthrough: true or false
- needsAttention: true or false

Return ONLY the JSON object, nothing else.`)
	return b.String()
}

// Request builds the chat request for one turn.
func Request(t *conversation.Turn, jsonMode bool, maxTokens int, temperature float64) *inference.ChatRequest {
	return &inference.ChatRequest{
		Messages: []inference.Message{
			inference.NewSystemMessage(SystemPrompt),
			inference.NewUserMessage(BuildPrompt(t)),
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
		JSON:        jsonMode,
	}
}
