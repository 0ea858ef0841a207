package session

import (
	"sync"
	"time"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// stopwatch measures the stages of one turn.
// All laps are measured from the previous mark; Total from the start.
type stopwatch struct {
	start time.Time
	last  time.Time
	now   func() time.Time
}

func newStopwatch(now func() time.Time) *stopwatch {
	t := now()
	return &stopwatch{start: t, last: t, now: now}
}

// lap returns the milliseconds since the previous lap and starts a new one.
func (s *stopwatch) lap() int64 {
	t := s.now()
	d := t.Sub(s.last)
	s.last = t
	return d.Milliseconds()
}

func (s *stopwatch) total() int64 {
	return s.now().Sub(s.start).Milliseconds()
}

// MetricsCollector keeps the latency breakdown of recent turns.
// It is goroutine-safe.
type MetricsCollector struct {
	mu      sync.Mutex
	history []conversation.Latencies
	size    int

	// Callback for metrics updates
	onUpdate func(conversation.Latencies)
}

// NewMetricsCollector creates a collector that keeps size turns.
func NewMetricsCollector(size int) *MetricsCollector {
	if size <= 0 {
		size = 100
	}
	return &MetricsCollector{
		history: make([]conversation.Latencies, 0, size),
		size:    size,
	}
}

// OnUpdate sets a callback that fires whenever a turn is recorded.
func (m *MetricsCollector) OnUpdate(fn func(conversation.Latencies)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// Record archives the latencies of a finished turn.
func (m *MetricsCollector) Record(l conversation.Latencies) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, l)
	if len(m.history) > m.size {
		m.history = m.history[1:]
	}
	if m.onUpdate != nil {
		go m.onUpdate(l)
	}
}

// Last returns the most recent turn's latencies.
func (m *MetricsCollector) Last() conversation.Latencies {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return conversation.Latencies{}
	}
	return m.history[len(m.history)-1]
}

// Count returns the number of recorded turns.
func (m *MetricsCollector) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// Average returns average latencies over recent turns.
func (m *MetricsCollector) Average() conversation.Latencies {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) == 0 {
		return conversation.Latencies{}
	}

	var avg conversation.Latencies
	for _, h := range m.history {
		avg.CaptureMs += h.CaptureMs
		avg.TranscribeMs += h.TranscribeMs
		avg.EmotionMs += h.EmotionMs
		avg.ContextMs += h.ContextMs
		avg.GenerateMs += h.GenerateMs
		avg.SynthesizeMs += h.SynthesizeMs
		avg.PlaybackMs += h.PlaybackMs
		avg.TotalMs += h.TotalMs
	}

	n := int64(len(m.history))
	avg.CaptureMs /= n
	avg.TranscribeMs /= n
	avg.EmotionMs /= n
	avg.ContextMs /= n
	avg.GenerateMs /= n
	avg.SynthesizeMs /= n
	avg.PlaybackMs /= n
	avg.TotalMs /= n

	return avg
}

// FormatLatency returns a one-line summary of a latency breakdown.
func FormatLatency(l conversation.Latencies) string {
	return formatMs(l.TranscribeMs) + " STT | " +
		formatMs(l.GenerateMs) + " LLM | " +
		formatMs(l.SynthesizeMs) + " TTS | " +
		formatMs(l.TotalMs) + " TOTAL"
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "---ms"
	}
	return (time.Duration(ms) * time.Millisecond).String()
}
