package web

import (
	"strings"
	"testing"

	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/session"
)

var _ session.AudioSpool = (*Spool)(nil)

func TestSpoolEviction(t *testing.T) {
	s := NewSpool(3)
	var refs []string
	for i := 0; i < 5; i++ {
		refs = append(refs, s.Put(conversation.Audio{Data: []byte{byte(i)}}))
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	for i, ref := range refs {
		_, ok := s.Get(strings.TrimPrefix(ref, AudioPath))
		if want := i >= 2; ok != want {
			t.Errorf("clip %d present = %v, want %v", i, ok, want)
		}
	}
}

func TestSpoolDefaultSize(t *testing.T) {
	s := NewSpool(0)
	for i := 0; i < DefaultSpoolSize+4; i++ {
		s.Put(conversation.Audio{})
	}
	if s.Len() != DefaultSpoolSize {
		t.Errorf("Len = %d, want %d", s.Len(), DefaultSpoolSize)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"wav": "audio/wav",
		"":    "audio/wav",
		"mp3": "audio/mpeg",
		"ogg": "application/octet-stream",
	}
	for enc, want := range tests {
		if got := contentType(enc); got != want {
			t.Errorf("contentType(%q) = %q, want %q", enc, got, want)
		}
	}
}
