package safego

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go("close", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("goroutine did not complete within timeout")
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	Go("panics", func() {
		defer close(done)
		panic("intentional panic in test")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("goroutine did not complete within timeout after panic")
	}
}

func TestGroup_WaitsForAll(t *testing.T) {
	var g Group
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		g.Go("count", func() {
			time.Sleep(5 * time.Millisecond)
			n.Add(1)
		})
	}
	g.Go("panics", func() { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if got := n.Load(); got != 10 {
		t.Errorf("completed = %d, want 10", got)
	}
}

func TestGroup_WaitHonoursContext(t *testing.T) {
	var g Group
	release := make(chan struct{})
	defer close(release)
	g.Go("blocked", func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}
