// Package conversation defines the persisted records of the assistant
// (turns and their insights) and the stores that keep them.
//
// A Turn is one wake-to-idle interaction. It is assembled in memory as a
// TurnDraft, handed to a Store, and becomes a Turn once the store has
// published it atomically and assigned its TurnID. Turns are never
// modified afterwards; analysis results live in a separate Insight record
// linked by id.
package conversation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the layout of a date partition key.
const DateLayout = "20060102"

// TurnID identifies a persisted turn. Sequences are unique within a date
// partition and increase in persistence order.
type TurnID struct {
	Date string
	Seq  int
}

// String returns the canonical YYYYMMDD-NNNN form.
func (id TurnID) String() string {
	return fmt.Sprintf("%s-%04d", id.Date, id.Seq)
}

// IsZero reports whether the id was never assigned.
func (id TurnID) IsZero() bool {
	return id.Date == "" && id.Seq == 0
}

// Less orders ids by date partition, then sequence.
func (id TurnID) Less(other TurnID) bool {
	if id.Date != other.Date {
		return id.Date < other.Date
	}
	return id.Seq < other.Seq
}

// MarshalJSON encodes the id as its string form.
func (id TurnID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes the string form.
func (id *TurnID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTurnID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseTurnID parses a YYYYMMDD-NNNN id.
func ParseTurnID(s string) (TurnID, error) {
	date, seq, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return TurnID{}, fmt.Errorf("%w: %q", ErrInvalidTurnID, s)
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return TurnID{}, fmt.Errorf("%w: %q", ErrInvalidTurnID, s)
	}
	n, err := strconv.Atoi(seq)
	if err != nil || n <= 0 {
		return TurnID{}, fmt.Errorf("%w: %q", ErrInvalidTurnID, s)
	}
	return TurnID{Date: date, Seq: n}, nil
}

// Emotion is the output of speech emotion classification.
type Emotion struct {
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores,omitempty"`
}

// Latencies is the per-stage latency breakdown of a turn, in milliseconds.
type Latencies struct {
	CaptureMs    int64 `json:"capture_ms"`
	TranscribeMs int64 `json:"transcribe_ms"`
	EmotionMs    int64 `json:"emotion_ms"`
	ContextMs    int64 `json:"context_ms"`
	GenerateMs   int64 `json:"generate_ms"`
	SynthesizeMs int64 `json:"synthesize_ms"`
	PlaybackMs   int64 `json:"playback_ms"`
	TotalMs      int64 `json:"total_ms"`
}

// Backends records which collaborator implementations served a turn.
type Backends struct {
	Transcriber string `json:"stt_type,omitempty"`
	Generator   string `json:"llm_type,omitempty"`
	Synthesizer string `json:"tts_type,omitempty"`
	Emotion     string `json:"emotion_type,omitempty"`
	Wake        string `json:"wake_word_type,omitempty"`
}

// Profile attributes a turn to a household member.
type Profile struct {
	UserID  string `json:"userId,omitempty"`
	ChildID string `json:"childId,omitempty"`
}

// Audio is an encoded audio payload.
type Audio struct {
	Data       []byte
	Encoding   string // file extension without dot: "wav", "mp3", "pcm"
	SampleRate int
}

// Empty reports whether there is no audio data.
func (a Audio) Empty() bool {
	return len(a.Data) == 0
}

// TurnDraft is a fully populated turn that has not been persisted yet.
type TurnDraft struct {
	StartedAt     time.Time
	Transcript    string
	Response      string
	Emotion       *Emotion
	UserAudio     Audio
	ResponseAudio Audio
	AudioDuration time.Duration
	Latencies     Latencies
	Backends      Backends
	Profile       Profile
}

// Validate checks the draft before persistence.
func (d *TurnDraft) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil draft", ErrInvalidDraft)
	}
	if strings.TrimSpace(d.Transcript) == "" {
		return fmt.Errorf("%w: empty transcript", ErrInvalidDraft)
	}
	if d.StartedAt.IsZero() {
		return fmt.Errorf("%w: missing start time", ErrInvalidDraft)
	}
	return nil
}

// Turn is a persisted, immutable turn.
type Turn struct {
	ID            TurnID
	StartedAt     time.Time
	PersistedAt   time.Time
	Transcript    string
	Response      string
	Emotion       *Emotion
	UserAudioRef  string
	ResponseRef   string
	SampleRate    int
	AudioDuration time.Duration
	Latencies     Latencies
	Backends      Backends
	Profile       Profile
}

// Metadata is the JSON document persisted alongside each turn.
type Metadata struct {
	ID                   TurnID             `json:"conversation_id"`
	Timestamp            time.Time          `json:"timestamp"`
	PersistedAt          time.Time          `json:"persisted_at"`
	Date                 string             `json:"date"`
	Time                 string             `json:"time"`
	UserQuery            string             `json:"user_query"`
	Response             string             `json:"response"`
	EmotionLabel         string             `json:"emotion_label,omitempty"`
	EmotionConfidence    float64            `json:"emotion_confidence,omitempty"`
	EmotionScores        map[string]float64 `json:"emotion_scores,omitempty"`
	AudioFile            string             `json:"audio_file,omitempty"`
	ResponseAudioFile    string             `json:"response_audio_file,omitempty"`
	TranscriptFile       string             `json:"transcript_file,omitempty"`
	SampleRate           int                `json:"sample_rate,omitempty"`
	AudioDurationSeconds float64            `json:"audio_duration_seconds"`
	Latencies            Latencies          `json:"latencies"`
	Backends
	Profile
}

// NewMetadata builds the metadata document for a turn.
func NewMetadata(t *Turn, transcriptFile string) Metadata {
	m := Metadata{
		ID:                   t.ID,
		Timestamp:            t.StartedAt,
		PersistedAt:          t.PersistedAt,
		Date:                 t.ID.Date,
		Time:                 t.StartedAt.Format("150405"),
		UserQuery:            t.Transcript,
		Response:             t.Response,
		AudioFile:            t.UserAudioRef,
		ResponseAudioFile:    t.ResponseRef,
		TranscriptFile:       transcriptFile,
		SampleRate:           t.SampleRate,
		AudioDurationSeconds: t.AudioDuration.Seconds(),
		Latencies:            t.Latencies,
		Backends:             t.Backends,
		Profile:              t.Profile,
	}
	if t.Emotion != nil {
		m.EmotionLabel = t.Emotion.Label
		m.EmotionConfidence = t.Emotion.Confidence
		m.EmotionScores = t.Emotion.Scores
	}
	return m
}

// Turn converts metadata back into a Turn.
func (m Metadata) Turn() *Turn {
	t := &Turn{
		ID:            m.ID,
		StartedAt:     m.Timestamp,
		PersistedAt:   m.PersistedAt,
		Transcript:    m.UserQuery,
		Response:      m.Response,
		UserAudioRef:  m.AudioFile,
		ResponseRef:   m.ResponseAudioFile,
		SampleRate:    m.SampleRate,
		AudioDuration: time.Duration(m.AudioDurationSeconds * float64(time.Second)),
		Latencies:     m.Latencies,
		Backends:      m.Backends,
		Profile:       m.Profile,
	}
	if m.EmotionLabel != "" {
		t.Emotion = &Emotion{
			Label:      m.EmotionLabel,
			Confidence: m.EmotionConfidence,
			Scores:     m.EmotionScores,
		}
	}
	return t
}

// TranscriptText renders the human-readable transcript file.
func TranscriptText(t *Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %s\n", t.ID)
	fmt.Fprintf(&b, "Timestamp: %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
	b.WriteString(strings.Repeat("=", 70))
	b.WriteString("\n\nUSER:\n")
	b.WriteString(t.Transcript)
	b.WriteString("\n\nASSISTANT:\n")
	b.WriteString(t.Response)
	b.WriteString("\n")
	return b.String()
}
