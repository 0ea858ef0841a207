package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Expected /v1/chat/completions, got %s", r.URL.Path)
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if format, ok := body["response_format"].(map[string]interface{}); !ok || format["type"] != "json_object" {
			t.Errorf("Expected json_object response_format, got %v", body["response_format"])
		}
		chatReply(w, `{"ok":true}`)
	}))
	defer server.Close()

	p, err := NewOpenAI(
		WithAPIKey("sk-test"),
		WithBaseURL(server.URL+"/v1/"),
	)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	defer p.Close()

	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{NewSystemMessage("analyst"), NewUserMessage("go")},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Message.Content != `{"ok":true}` {
		t.Errorf("Unexpected content: %s", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("Expected 15 tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestOpenAIErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message": "slow down",
				"type":    "rate_limit",
				"code":    "rate_limit_exceeded",
			},
		})
	}))
	defer server.Close()

	p, _ := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL(server.URL))
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %T: %v", err, err)
	}
	if !apiErr.IsRateLimited() {
		t.Errorf("Expected rate limit, got %d", apiErr.StatusCode)
	}
	if apiErr.Code != "rate_limit_exceeded" {
		t.Errorf("Expected code rate_limit_exceeded, got %q", apiErr.Code)
	}
}

func TestOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("Expected ErrNoAPIKey, got %v", err)
	}
}
