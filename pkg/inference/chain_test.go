package inference

import (
	"context"
	"errors"
	"testing"
)

func TestChainFallback(t *testing.T) {
	ctx := context.Background()

	failing := WithError(errors.New("provider 1 failed"))
	working := NewMockReply("From working provider")

	chain, err := NewChain(failing, working)
	if err != nil {
		t.Fatalf("Failed to create chain: %v", err)
	}
	defer chain.Close()

	resp, err := chain.Chat(ctx, &ChatRequest{
		Messages: []Message{NewUserMessage("test")},
	})
	if err != nil {
		t.Fatalf("Chain chat failed: %v", err)
	}

	if resp.Message.Content != "From working provider" {
		t.Errorf("Unexpected response: %s", resp.Message.Content)
	}
}

func TestChainAllFail(t *testing.T) {
	ctx := context.Background()

	first := errors.New("provider 1 failed")
	p1 := WithError(first)
	p2 := WithError(errors.New("provider 2 failed"))

	chain, _ := NewChain(p1, p2)
	defer chain.Close()

	_, err := chain.Chat(ctx, &ChatRequest{
		Messages: []Message{NewUserMessage("test")},
	})
	if err == nil {
		t.Fatal("Expected error when all providers fail")
	}

	chainErr, ok := err.(*ChainError)
	if !ok {
		t.Fatalf("Expected ChainError, got %T", err)
	}
	if len(chainErr.Errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(chainErr.Errors))
	}
	if !errors.Is(err, first) {
		t.Error("Expected chain error to match the first provider error")
	}
}

func TestChainSkipsProvidersWithoutChat(t *testing.T) {
	noChat := NewMock()
	noChat.CapabilitiesOverride = &Capabilities{}

	chain, _ := NewChain(noChat, NewMockReply("second"))
	resp, err := chain.Chat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("Chain chat failed: %v", err)
	}
	if resp.Message.Content != "second" {
		t.Errorf("Unexpected response: %s", resp.Message.Content)
	}
	if noChat.CallCount("Chat") != 0 {
		t.Error("Expected provider without chat to be skipped")
	}
}

func TestChainCapabilities(t *testing.T) {
	jsonCapable := NewMock()
	plain := NewMock()
	plain.CapabilitiesOverride = &Capabilities{Chat: true}

	chain, _ := NewChain(jsonCapable, plain)
	caps := chain.Capabilities()
	if !caps.Chat {
		t.Error("Expected Chat capability from chain")
	}
	if caps.JSONMode {
		t.Error("Expected JSONMode to require every provider")
	}
}

func TestChainHealth(t *testing.T) {
	ctx := context.Background()

	chain, _ := NewChain(NewMock(), WithError(errors.New("unhealthy")))
	defer chain.Close()

	// Should pass because at least one is healthy
	if err := chain.Health(ctx); err != nil {
		t.Errorf("Health check should pass with at least one healthy provider: %v", err)
	}
}

func TestChainHealthAllUnhealthy(t *testing.T) {
	ctx := context.Background()

	chain, _ := NewChain(WithError(errors.New("unhealthy 1")), WithError(errors.New("unhealthy 2")))
	defer chain.Close()

	if err := chain.Health(ctx); err == nil {
		t.Error("Health check should fail when all providers are unhealthy")
	}
}

func TestChainEmpty(t *testing.T) {
	_, err := NewChain()
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("Expected ErrProviderUnavailable, got %v", err)
	}
}

func TestMockRecordsRequests(t *testing.T) {
	mock := NewMock()
	req := &ChatRequest{Messages: []Message{NewUserMessage("Hello")}}

	if _, err := mock.Chat(context.Background(), req); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if mock.CallCount("Chat") != 1 {
		t.Errorf("Expected 1 Chat call, got %d", mock.CallCount("Chat"))
	}
	if mock.LastRequest() != req {
		t.Error("Expected LastRequest to return the request")
	}

	mock.Reset()
	if len(mock.Calls()) != 0 || mock.LastRequest() != nil {
		t.Error("Expected no calls after reset")
	}
}
