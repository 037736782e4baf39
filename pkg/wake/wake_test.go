package wake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalLevelTriggered(t *testing.T) {
	ctx := context.Background()
	s := New()

	// nothing set: wait times out
	start := time.Now()
	assert.False(t, s.Wait(ctx, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// set before wait: returns immediately, and keeps returning until cleared
	s.Set()
	assert.True(t, s.IsSet())
	assert.True(t, s.Wait(ctx, time.Second))
	assert.True(t, s.Wait(ctx, time.Second), "level semantics: still set")

	s.Clear()
	assert.False(t, s.IsSet())
	assert.False(t, s.Wait(ctx, 10*time.Millisecond))
}

func TestSignalWakesWaiter(t *testing.T) {
	ctx := context.Background()
	s := New()

	done := make(chan bool, 1)
	go func() {
		done <- s.Wait(ctx, 5*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Set()

	select {
	case woke := <-done:
		assert.True(t, woke)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestSignalSetClearIdempotent(t *testing.T) {
	s := New()
	s.Set()
	s.Set()
	s.Clear()
	s.Clear()
	assert.False(t, s.IsSet())
}

func TestWaitHonorsContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, s.Wait(ctx, time.Second))
}
