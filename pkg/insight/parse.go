package insight

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// ParseError reports generator output that does not match the insight
// schema. The turn is marked failed; nothing partial is stored.
type ParseError struct {
	Reason string
	Raw    string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return "insight: parse: " + e.Reason
}

// ErrParse matches every ParseError via errors.Is.
var ErrParse = errors.New("insight: parse failure")

// Is makes errors.Is(err, ErrParse) true.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// wire mirrors the generator's JSON. Loosely typed fields are validated
// and normalized in toInsight.
type wire struct {
	Topics          json.RawMessage `json:"topics"`
	DominantEmotion json.RawMessage `json:"dominantEmotion"`
	SentimentScore  json.RawMessage `json:"sentimentScore"`
	Summary         json.RawMessage `json:"summary"`
	KeyPhrases      json.RawMessage `json:"keyPhrases"`
	EngagementLevel json.RawMessage `json:"engagementLevel"`
	QuestionCount   json.RawMessage `json:"questionCount"`
	Breakthrough    json.RawMessage `json:"breakthrough"`
	NeedsAttention  json.RawMessage `json:"needsAttention"`
}

// Parse extracts an insight from raw generator output. Only the analysis
// fields are set; the caller fills in the turn reference and timing.
func Parse(raw string) (*conversation.Insight, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ParseError{Reason: "empty response", Raw: raw}
	}

	var lastErr error
	for _, candidate := range candidates(raw) {
		var w wire
		if err := json.Unmarshal([]byte(candidate), &w); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			continue
		}
		ins, err := w.toInsight()
		if err != nil {
			// Valid JSON with the wrong shape will not improve with
			// another candidate cut from the same text.
			return nil, &ParseError{Reason: err.Error(), Raw: raw}
		}
		return ins, nil
	}

	reason := "no JSON object found"
	if lastErr != nil && strings.Contains(raw, "{") {
		reason = "invalid JSON: " + lastErr.Error()
	}
	return nil, &ParseError{Reason: reason, Raw: raw}
}

// candidates returns the substrings worth decoding, most likely first:
// the outermost braces, the same with code fences removed, the lines
// from the first opening brace to the first closing one, and the whole
// trimmed text.
func candidates(raw string) []string {
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		for _, have := range out {
			if have == s {
				return
			}
		}
		out = append(out, s)
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		braces := raw[start : end+1]
		add(braces)

		unfenced := strings.ReplaceAll(braces, "```json", "")
		unfenced = strings.ReplaceAll(unfenced, "```", "")
		add(unfenced)

		var lines []string
		in := false
		for _, line := range strings.Split(unfenced, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "{") {
				in = true
			}
			if in {
				lines = append(lines, line)
			}
			if in && strings.HasSuffix(line, "}") {
				break
			}
		}
		add(strings.Join(lines, " "))
	}
	add(raw)
	return out
}

func (w *wire) toInsight() (*conversation.Insight, error) {
	if isAbsent(w.Topics) {
		return nil, errors.New("missing field topics")
	}
	if isAbsent(w.DominantEmotion) {
		return nil, errors.New("missing field dominantEmotion")
	}
	if isAbsent(w.SentimentScore) {
		return nil, errors.New("missing field sentimentScore")
	}
	if isAbsent(w.EngagementLevel) {
		return nil, errors.New("missing field engagementLevel")
	}

	var ins conversation.Insight

	topics, err := stringList(w.Topics)
	if err != nil {
		return nil, fmt.Errorf("topics: %w", err)
	}
	ins.Topics = dedupeFold(topics)

	emotion, err := str(w.DominantEmotion)
	if err != nil || strings.TrimSpace(emotion) == "" {
		return nil, errors.New("dominantEmotion: must be a non-empty string")
	}
	ins.DominantEmotion = canonicalEmotion(emotion)

	score, err := number(w.SentimentScore)
	if err != nil {
		return nil, fmt.Errorf("sentimentScore: %w", err)
	}
	ins.SentimentScore = clamp(int(math.Round(score)), conversation.MinSentiment, conversation.MaxSentiment)

	level, err := str(w.EngagementLevel)
	if err != nil {
		return nil, errors.New("engagementLevel: must be a string")
	}
	if ins.EngagementLevel, err = conversation.ParseEngagement(level); err != nil {
		return nil, err
	}

	if !isAbsent(w.Summary) {
		if ins.Summary, err = str(w.Summary); err != nil {
			return nil, errors.New("summary: must be a string")
		}
		ins.Summary = strings.TrimSpace(ins.Summary)
	}
	if !isAbsent(w.KeyPhrases) {
		if ins.KeyPhrases, err = stringList(w.KeyPhrases); err != nil {
			return nil, fmt.Errorf("keyPhrases: %w", err)
		}
	}
	if !isAbsent(w.QuestionCount) {
		n, err := number(w.QuestionCount)
		if err != nil {
			return nil, fmt.Errorf("questionCount: %w", err)
		}
		ins.QuestionCount = max(0, int(math.Round(n)))
	}
	if ins.Breakthrough, err = flag(w.Breakthrough); err != nil {
		return nil, fmt.Errorf("breakthrough: %w", err)
	}
	if ins.NeedsAttention, err = flag(w.NeedsAttention); err != nil {
		return nil, fmt.Errorf("needsAttention: %w", err)
	}
	return &ins, nil
}

func isAbsent(m json.RawMessage) bool {
	return len(m) == 0 || bytes.Equal(bytes.TrimSpace(m), []byte("null"))
}

func str(m json.RawMessage) (string, error) {
	var s string
	err := json.Unmarshal(m, &s)
	return s, err
}

func stringList(m json.RawMessage) ([]string, error) {
	var items []string
	if err := json.Unmarshal(m, &items); err != nil {
		return nil, errors.New("must be an array of strings")
	}
	out := items[:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// number accepts a JSON number or a string holding one.
func number(m json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(m, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(m, &s); err != nil {
		return 0, errors.New("must be a number")
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

// flag accepts a JSON boolean or "true"/"false"; absent means false.
func flag(m json.RawMessage) (bool, error) {
	if isAbsent(m) {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(m, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(m, &s); err == nil {
		if v, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return v, nil
		}
	}
	return false, errors.New("must be a boolean")
}

// dedupeFold removes case-insensitive duplicates, keeping the first spelling.
func dedupeFold(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func canonicalEmotion(s string) string {
	s = strings.TrimSpace(s)
	for _, e := range Emotions {
		if strings.EqualFold(e, s) {
			return e
		}
	}
	return s
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
