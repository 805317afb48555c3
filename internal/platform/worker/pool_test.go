package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func noop(ctx context.Context) error { return nil }

func TestNewPool_Defaults(t *testing.T) {
	pool := NewPoolWithConfig(context.Background(), PoolConfig{Workers: 0, QueueSize: -5})
	defer pool.Close()

	if pool.Workers() != 1 {
		t.Errorf("Expected 1 worker (default), got %d", pool.Workers())
	}
}

func TestPool_Submit_Executes(t *testing.T) {
	pool := NewPool(context.Background(), 2, 10)
	defer pool.Close()

	done := make(chan string, 1)
	err := pool.Submit(Job{ID: "fill", Execute: func(ctx context.Context) error {
		done <- "ran"
		return nil
	}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for job")
	}
}

func TestPool_TrySubmit_QueueFull(t *testing.T) {
	pool := NewPoolWithConfig(context.Background(), PoolConfig{Workers: 1, QueueSize: 1})
	defer pool.Close()

	blocker := make(chan struct{})
	started := make(chan struct{})
	_ = pool.Submit(Job{ID: "blocking", Execute: func(ctx context.Context) error {
		close(started)
		<-blocker
		return nil
	}})
	<-started

	if err := pool.TrySubmit(Job{ID: "queued", Execute: noop}); err != nil {
		t.Fatalf("Expected queued job to be accepted, got %v", err)
	}

	err := pool.TrySubmit(Job{ID: "overflow", Execute: noop})
	if !errors.Is(err, ErrBackpressure) {
		t.Errorf("Expected ErrBackpressure, got %v", err)
	}
	if pool.Stats().JobsDropped != 1 {
		t.Errorf("Expected 1 dropped job, got %d", pool.Stats().JobsDropped)
	}

	close(blocker)
}

func TestPool_OnErrorReceivesFailuresAndPanics(t *testing.T) {
	var mu sync.Mutex
	failed := map[string]error{}

	pool := NewPoolWithConfig(context.Background(), PoolConfig{
		Workers:   1,
		QueueSize: 4,
		OnError: func(id string, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed[id] = err
		},
	})

	_ = pool.Submit(Job{ID: "err", Execute: func(ctx context.Context) error { return errors.New("dispatch failed") }})
	_ = pool.Submit(Job{ID: "panic", Execute: func(ctx context.Context) error { panic("boom") }})
	_ = pool.Submit(Job{ID: "ok", Execute: noop})
	pool.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 2 {
		t.Fatalf("Expected 2 failed jobs, got %v", failed)
	}
	if _, ok := failed["panic"]; !ok {
		t.Error("panic was not reported")
	}

	stats := pool.Stats()
	if stats.JobsCompleted != 1 || stats.JobsFailed != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestPool_ConcurrentSubmit(t *testing.T) {
	pool := NewPool(context.Background(), 4, 100)

	var counter atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = pool.Submit(Job{ID: "count", Execute: func(ctx context.Context) error {
					counter.Add(1)
					return nil
				}})
			}
		}()
	}
	wg.Wait()
	pool.Close()

	if counter.Load() != 100 {
		t.Errorf("Expected 100 executions, got %d", counter.Load())
	}
}

func TestPool_Close(t *testing.T) {
	pool := NewPool(context.Background(), 2, 10)
	pool.Close()
	pool.Close()

	if err := pool.Submit(Job{ID: "after-close", Execute: noop}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed from Submit, got %v", err)
	}
	if err := pool.TrySubmit(Job{ID: "after-close", Execute: noop}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed from TrySubmit, got %v", err)
	}
}

func TestPool_QueueLen(t *testing.T) {
	pool := NewPoolWithConfig(context.Background(), PoolConfig{Workers: 1, QueueSize: 10})
	defer pool.Close()

	blocker := make(chan struct{})
	started := make(chan struct{})
	_ = pool.Submit(Job{ID: "blocker", Execute: func(ctx context.Context) error {
		close(started)
		<-blocker
		return nil
	}})
	<-started

	for i := 0; i < 5; i++ {
		_ = pool.TrySubmit(Job{ID: "queued", Execute: noop})
	}

	if qLen := pool.QueueLen(); qLen != 5 {
		t.Errorf("Expected queue length 5, got %d", qLen)
	}

	close(blocker)
}

func BenchmarkPool_TrySubmit(b *testing.B) {
	pool := NewPool(context.Background(), 4, 1000)
	defer pool.Close()

	job := Job{ID: "bench", Execute: noop}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.TrySubmit(job)
	}
}
