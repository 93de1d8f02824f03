package mixpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/audiorelay/voicecore/internal/wire"
)

func noopMix(packets []*wire.AudioPacket, channelID uuid.UUID) ([]byte, time.Duration) {
	return []byte{1, 2, 3}, time.Millisecond
}

func TestSubmitAndComplete(t *testing.T) {
	cfg := Config{MaxWorkers: 2, QueueSize: 4, MaxConcurrentMixes: 2}
	p := New(cfg, noopMix, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	resultCh, err := p.Submit(uuid.New(), nil, PriorityNormal)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case res := <-resultCh:
		if res.Dropped {
			t.Fatal("job unexpectedly dropped")
		}
		if len(res.Bytes) != 3 {
			t.Fatalf("result bytes = %v, want len 3", res.Bytes)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestQueueFullFailsFast(t *testing.T) {
	block := make(chan struct{})
	blockingMix := func(packets []*wire.AudioPacket, channelID uuid.UUID) ([]byte, time.Duration) {
		<-block
		return nil, 0
	}

	cfg := Config{MaxWorkers: 1, QueueSize: 1, MaxConcurrentMixes: 1}
	p := New(cfg, blockingMix, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer func() {
		close(block)
		p.Stop()
	}()

	// First submission occupies the single worker (blocked in blockingMix).
	if _, err := p.Submit(uuid.New(), nil, PriorityNormal); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the worker pick it up

	// Second fills the queue (capacity 1).
	if _, err := p.Submit(uuid.New(), nil, PriorityNormal); err != nil {
		t.Fatalf("second submit: %v", err)
	}

	start := time.Now()
	_, err := p.Submit(uuid.New(), nil, PriorityNormal)
	elapsed := time.Since(start)

	if err != ErrQueueFull {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
	if elapsed > 50*time.Millisecond {
		t.Fatalf("Submit took %v, should fail fast", elapsed)
	}
}

func TestDeadlineDrop(t *testing.T) {
	fakeNow := time.Now()
	var mu sync.Mutex
	nowFunc := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return fakeNow
	}

	cfg := Config{MaxWorkers: 1, QueueSize: 4, MaxConcurrentMixes: 1}
	p := New(cfg, noopMix, nowFunc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resultCh, err := p.Submit(uuid.New(), nil, PriorityNormal)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	mu.Lock()
	fakeNow = fakeNow.Add(600 * time.Millisecond)
	mu.Unlock()

	p.Start(ctx)
	defer p.Stop()

	select {
	case res := <-resultCh:
		if !res.Dropped {
			t.Fatal("expected job to be dropped past deadline")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drop result")
	}
}

func TestHealthy(t *testing.T) {
	cfg := Config{MaxWorkers: 4, QueueSize: 100, MaxConcurrentMixes: 4}
	p := New(cfg, noopMix, nil)
	if !p.Healthy() {
		t.Fatal("freshly created pool should be healthy")
	}
}
