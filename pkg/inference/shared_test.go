package inference

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSharedForegroundFirst(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 3)

	backend := NewMock()
	backend.ChatFunc = func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
		who := req.Messages[0].Content
		started <- who
		if who == "holder" {
			<-release
		}
		return &ChatResponse{Message: NewAssistantMessage(who)}, nil
	}

	shared := NewShared(backend, 1)
	fg := shared.Foreground()
	bg := shared.Background()
	ctx := context.Background()

	var wg sync.WaitGroup
	call := func(p Provider, who string) {
		defer wg.Done()
		p.Chat(ctx, &ChatRequest{Messages: []Message{NewUserMessage(who)}})
	}

	// Occupy the only slot, then queue a background call before a
	// foreground call. The foreground call must run first.
	wg.Add(1)
	go call(bg, "holder")
	if got := <-started; got != "holder" {
		t.Fatalf("Expected holder to start first, got %s", got)
	}

	wg.Add(1)
	go call(bg, "background")
	time.Sleep(20 * time.Millisecond)
	wg.Add(1)
	go call(fg, "foreground")
	time.Sleep(20 * time.Millisecond)

	close(release)
	wg.Wait()
	close(started)

	var order []string
	for who := range started {
		order = append(order, who)
	}
	if len(order) != 2 || order[0] != "foreground" || order[1] != "background" {
		t.Errorf("Expected [foreground background], got %v", order)
	}

	stats := shared.Stats()
	if stats.ForegroundCalls != 1 {
		t.Errorf("Expected 1 foreground call, got %d", stats.ForegroundCalls)
	}
	if stats.BackgroundCalls != 2 {
		t.Errorf("Expected 2 background calls, got %d", stats.BackgroundCalls)
	}
	if stats.BackgroundYields != 1 {
		t.Errorf("Expected 1 background yield, got %d", stats.BackgroundYields)
	}
}

func TestSharedCancelWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	backend := NewMock()
	backend.ChatFunc = func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
		<-release
		return &ChatResponse{Message: NewAssistantMessage("ok")}, nil
	}

	shared := NewShared(backend, 1)
	done := make(chan struct{})
	go func() {
		shared.Background().Chat(context.Background(), &ChatRequest{})
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := shared.Foreground().Chat(ctx, &ChatRequest{}); err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}

	close(release)
	<-done

	// The abandoned foreground waiter must not block later background calls.
	backend.ChatFunc = func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
		return &ChatResponse{Message: NewAssistantMessage("after")}, nil
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	resp, err := shared.Background().Chat(ctx2, &ChatRequest{})
	if err != nil {
		t.Fatalf("Background chat failed: %v", err)
	}
	if resp.Message.Content != "after" {
		t.Errorf("Unexpected content: %s", resp.Message.Content)
	}
}
