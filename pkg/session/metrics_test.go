package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

func TestMetricsAverage(t *testing.T) {
	m := NewMetricsCollector(2)
	assert.Equal(t, conversation.Latencies{}, m.Average())

	m.Record(conversation.Latencies{TranscribeMs: 100, TotalMs: 1000})
	m.Record(conversation.Latencies{TranscribeMs: 200, TotalMs: 2000})
	m.Record(conversation.Latencies{TranscribeMs: 400, TotalMs: 4000})

	assert.Equal(t, 2, m.Count())
	avg := m.Average()
	assert.Equal(t, int64(300), avg.TranscribeMs)
	assert.Equal(t, int64(3000), avg.TotalMs)
	assert.Equal(t, int64(400), m.Last().TranscribeMs)
}

func TestMetricsOnUpdate(t *testing.T) {
	m := NewMetricsCollector(0)
	got := make(chan conversation.Latencies, 1)
	m.OnUpdate(func(l conversation.Latencies) { got <- l })

	m.Record(conversation.Latencies{TotalMs: 42})

	select {
	case l := <-got:
		assert.Equal(t, int64(42), l.TotalMs)
	case <-time.After(time.Second):
		t.Fatal("OnUpdate not called")
	}
}

func TestFormatLatency(t *testing.T) {
	s := FormatLatency(conversation.Latencies{TranscribeMs: 350, GenerateMs: 1200, TotalMs: 2500})
	assert.Equal(t, "350ms STT | 1.2s LLM | ---ms TTS | 2.5s TOTAL", s)
}

func TestStopwatch(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	sw := newStopwatch(clock)

	now = now.Add(150 * time.Millisecond)
	assert.Equal(t, int64(150), sw.lap())
	now = now.Add(50 * time.Millisecond)
	assert.Equal(t, int64(50), sw.lap())
	assert.Equal(t, int64(200), sw.total())
}
