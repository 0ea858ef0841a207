package web

import (
	"sync"

	"github.com/google/uuid"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// AudioPath is the route prefix spool references point at.
const AudioPath = "/api/audio/"

// DefaultSpoolSize is how many clips a Spool keeps.
const DefaultSpoolSize = 16

// Spool keeps the most recent synthesized clips in memory so observers can
// fetch the audio referenced by an audio event. The oldest clip is evicted
// once the spool is full.
type Spool struct {
	mu    sync.Mutex
	size  int
	order []string
	clips map[string]conversation.Audio
}

// NewSpool creates a spool holding up to size clips.
func NewSpool(size int) *Spool {
	if size <= 0 {
		size = DefaultSpoolSize
	}
	return &Spool{size: size, clips: make(map[string]conversation.Audio, size)}
}

// Put stores a clip and returns the URL path that serves it.
func (s *Spool) Put(audio conversation.Audio) string {
	key := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.order) >= s.size {
		delete(s.clips, s.order[0])
		s.order = s.order[1:]
	}
	s.order = append(s.order, key)
	s.clips[key] = audio
	return AudioPath + key
}

// Get returns the clip stored under key.
func (s *Spool) Get(key string) (conversation.Audio, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.clips[key]
	return a, ok
}

// Len returns the number of clips held.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func contentType(encoding string) string {
	switch encoding {
	case "wav", "":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "pcm":
		return "audio/L16"
	default:
		return "application/octet-stream"
	}
}
