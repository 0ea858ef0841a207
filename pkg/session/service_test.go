package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// chanDetector wakes once per value sent on its channel.
type chanDetector struct {
	wakes chan struct{}
	err   error
}

func newChanDetector() *chanDetector {
	return &chanDetector{wakes: make(chan struct{}, 8)}
}

func (d *chanDetector) Name() string { return "test" }

func (d *chanDetector) Wait(ctx context.Context) error {
	select {
	case _, ok := <-d.wakes:
		if !ok {
			return d.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRunLoop(t *testing.T) {
	f := newFakes()
	c := newController(t, f)
	d := newChanDetector()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx, d) }()

	d.wakes <- struct{}{}
	d.wakes <- struct{}{}
	require.Eventually(t, func() bool {
		drafts, _ := f.counts()
		return drafts == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "test", f.drafts[0].Backends.Wake)
	assert.Equal(t, conversation.TurnID{Date: "20260101", Seq: 2}, f.submitted[1])
}

func TestRunLoopDetectorError(t *testing.T) {
	c := newController(t, newFakes())
	d := newChanDetector()
	d.err = errors.New("stdin closed")
	close(d.wakes)

	err := c.Run(context.Background(), d)
	assert.EqualError(t, err, "stdin closed")
}

func TestServiceStartStop(t *testing.T) {
	f := newFakes()
	c := newController(t, f)
	d := newChanDetector()
	svc := NewService(c, d)

	assert.False(t, svc.Running())
	assert.ErrorIs(t, svc.Stop(context.Background()), ErrNotRunning)

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.Running())
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyRunning)

	d.wakes <- struct{}{}
	require.Eventually(t, func() bool {
		drafts, _ := f.counts()
		return drafts == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	assert.False(t, svc.Running())

	// Restart after stop.
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(ctx))
}

func TestServiceStopCancelsTurn(t *testing.T) {
	f := newFakes()
	listening := make(chan struct{})
	f.CaptureFunc = func(ctx context.Context) (conversation.Audio, time.Duration, error) {
		close(listening)
		<-ctx.Done()
		return conversation.Audio{}, 0, ctx.Err()
	}
	c := newController(t, f)
	d := newChanDetector()
	svc := NewService(c, d)

	require.NoError(t, svc.Start(context.Background()))
	d.wakes <- struct{}{}
	<-listening

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))

	assert.Equal(t, StateIdle, c.State())
	drafts, _ := f.counts()
	assert.Zero(t, drafts)
}

func TestServiceLoopExitClearsRunning(t *testing.T) {
	c := newController(t, newFakes())
	d := newChanDetector()
	d.err = errors.New("detector crashed")
	svc := NewService(c, d)

	require.NoError(t, svc.Start(context.Background()))
	close(d.wakes)

	require.Eventually(t, func() bool { return !svc.Running() }, 2*time.Second, 5*time.Millisecond)
	assert.EqualError(t, svc.Err(), "detector crashed")
}

func TestServiceWake(t *testing.T) {
	f := newFakes()
	listening := make(chan struct{}, 1)
	f.CaptureFunc = func(ctx context.Context) (conversation.Audio, time.Duration, error) {
		listening <- struct{}{}
		<-ctx.Done()
		return conversation.Audio{}, 0, ctx.Err()
	}
	c := newController(t, f)
	svc := NewService(c, newChanDetector())

	// Wake works without the loop and Stop still abandons the turn.
	require.NoError(t, svc.Wake())
	<-listening
	assert.ErrorIs(t, svc.Wake(), ErrBusy)
	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, StateIdle, c.State())

	stats := svc.Stats()
	assert.EqualValues(t, 1, stats.Cancelled)
	assert.EqualValues(t, 1, stats.DroppedWakes)
	assert.ErrorIs(t, svc.Stop(context.Background()), ErrNotRunning)
}
