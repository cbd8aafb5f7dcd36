package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := New(4)
	defer p.Close()

	var count atomic.Int64
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := p.Submit(ctx, func() { count.Add(1) }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for count.Load() != 100 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := count.Load(); got != 100 {
		t.Fatalf("want 100 tasks run, got %d", got)
	}
}

func TestPoolRejectsAfterClose(t *testing.T) {
	p := New(1)
	p.Close()

	if err := p.Submit(context.Background(), func() {}); err != ErrPoolClosed {
		t.Fatalf("want ErrPoolClosed, got %v", err)
	}
}

func TestPoolRespectsContextCancellation(t *testing.T) {
	p := New(1)
	defer p.Close()

	block := make(chan struct{})
	_ = p.Submit(context.Background(), func() { <-block })

	for i := 0; i < cap(p.workCh); i++ {
		_ = p.Submit(context.Background(), func() { <-block })
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Submit(ctx, func() {})
	close(block)
	if err != context.Canceled {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
