package inference

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestResponderComposesPrompt(t *testing.T) {
	mock := NewMockReply("  Comets are icy travellers.  ")
	r := NewResponder(mock, WithPersona("You are a test persona."))

	reply, err := r.Generate(context.Background(), "what is a comet", "CONTEXT FROM PREVIOUS CONVERSATIONS:\n- Recent topics: space\n\n")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if reply != "Comets are icy travellers." {
		t.Errorf("Expected trimmed reply, got %q", reply)
	}

	req := mock.LastRequest()
	if len(req.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != RoleSystem || req.Messages[0].Content != "You are a test persona." {
		t.Errorf("Unexpected system message: %+v", req.Messages[0])
	}
	user := req.Messages[1].Content
	if !strings.HasPrefix(user, "CONTEXT FROM PREVIOUS CONVERSATIONS:") {
		t.Errorf("Expected context prefix, got %q", user)
	}
	if !strings.HasSuffix(user, "what is a comet") {
		t.Errorf("Expected transcript at the end, got %q", user)
	}
	if req.MaxTokens != 80 {
		t.Errorf("Expected 80 max tokens, got %d", req.MaxTokens)
	}
}

func TestResponderRollingHistory(t *testing.T) {
	mock := NewMockReply("ok")
	r := NewResponder(mock, WithHistory(2))
	ctx := context.Background()

	for _, q := range []string{"one", "two", "three"} {
		if _, err := r.Generate(ctx, q, ""); err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
	}

	// system + 2 remembered exchanges + current question
	req := mock.LastRequest()
	if len(req.Messages) != 6 {
		t.Fatalf("Expected 6 messages, got %d", len(req.Messages))
	}
	if req.Messages[1].Content != "one" {
		t.Errorf("Expected oldest remembered question 'one', got %q", req.Messages[1].Content)
	}

	r.Reset()
	r.Generate(ctx, "four", "")
	if got := len(mock.LastRequest().Messages); got != 2 {
		t.Errorf("Expected 2 messages after reset, got %d", got)
	}
}

func TestResponderErrors(t *testing.T) {
	ctx := context.Background()

	if _, err := NewResponder(NewMock()).Generate(ctx, "   ", ""); err == nil {
		t.Error("Expected error for empty transcript")
	}

	failing := NewResponder(WithError(errors.New("backend down")))
	if _, err := failing.Generate(ctx, "hello", ""); err == nil {
		t.Error("Expected backend error")
	}

	empty := NewResponder(NewMockReply("   "))
	if _, err := empty.Generate(ctx, "hello", ""); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
}

func TestResponderName(t *testing.T) {
	chain, _ := NewChain(NewMock(), NewMock())
	shared := NewShared(chain, 1)

	r := NewResponder(shared.Foreground())
	if got := r.Name(); got != "chain(mock,mock)" {
		t.Errorf("Expected chain(mock,mock), got %s", got)
	}
}
