package story

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakePurger struct {
	calls atomic.Int64
}

func (p *fakePurger) DeleteExpired(context.Context) (int64, error) {
	p.calls.Add(1)
	return 1, nil
}

func TestRunCleanupPurgesImmediatelyAndPeriodically(t *testing.T) {
	p := &fakePurger{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		RunCleanup(ctx, p, 10*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.calls.Load() >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if p.calls.Load() < 3 {
		t.Fatalf("purge calls = %d, want >= 3 (immediate + ticks)", p.calls.Load())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup did not stop on cancel")
	}
}
