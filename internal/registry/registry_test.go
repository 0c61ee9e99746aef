package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cybermesh/mining-peer/internal/protocol"
)

func TestObserveIsIdempotent(t *testing.T) {
	r := New(3, nil)
	if !r.Observe(5) {
		t.Fatalf("first observe should report new")
	}
	for i := 0; i < 10; i++ {
		if r.Observe(5) {
			t.Fatalf("repeat observe should not report new")
		}
	}
	if r.Count() != 1 {
		t.Fatalf("expected count 1, got %d", r.Count())
	}
	if r.IsComplete() {
		t.Fatalf("registry must not complete below target")
	}
}

func TestCompletionFiresOnceAndMayExceedTarget(t *testing.T) {
	r := New(2, nil)
	r.Observe(1)
	r.Observe(2)
	if !r.IsComplete() {
		t.Fatalf("expected completion at target")
	}
	// observing past the target must not panic on a closed channel
	r.Observe(3)
	if r.Count() != 3 {
		t.Fatalf("expected count 3, got %d", r.Count())
	}
	select {
	case <-r.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
}

func TestWaitUnblocksOnCompletion(t *testing.T) {
	r := New(3, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Wait(context.Background()) }()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(id protocol.NodeID) {
			defer wg.Done()
			r.Observe(id)
			r.Observe(id)
		}(protocol.NodeID(i * 10))
	}
	wg.Wait()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait did not return after completion")
	}
	got := r.Snapshot()
	if len(got) != 3 || got[0] != 0 || got[1] != 10 || got[2] != 20 {
		t.Fatalf("unexpected snapshot %v", got)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	r := New(5, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestZeroTargetIsComplete(t *testing.T) {
	if !New(0, nil).IsComplete() {
		t.Fatalf("zero target should complete immediately")
	}
}
