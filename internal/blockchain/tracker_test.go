package blockchain

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedSource struct {
	blocks []uint64
	err    error
	calls  int
}

func (s *scriptedSource) BlockNumber(ctx context.Context) (uint64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	b := s.blocks[0]
	if len(s.blocks) > 1 {
		s.blocks = s.blocks[1:]
	}
	return b, nil
}

func TestBlockTracker_ServesFreshHeadFromMemory(t *testing.T) {
	src := &scriptedSource{blocks: []uint64{100, 101}}
	now := time.Unix(1_700_000_000, 0)

	tracker := NewBlockTracker(BlockTrackerConfig{Source: src, PollInterval: 12 * time.Second})
	tracker.now = func() time.Time { return now }

	if n, err := tracker.BlockNumber(context.Background()); err != nil || n != 100 {
		t.Fatalf("first read = %d, %v", n, err)
	}

	now = now.Add(20 * time.Second)
	if n, _ := tracker.BlockNumber(context.Background()); n != 100 || src.calls != 1 {
		t.Errorf("expected cached head 100 with 1 source call, got %d with %d calls", n, src.calls)
	}

	now = now.Add(5 * time.Second)
	if n, _ := tracker.BlockNumber(context.Background()); n != 101 || src.calls != 2 {
		t.Errorf("expected read-through to 101, got %d with %d calls", n, src.calls)
	}
}

func TestBlockTracker_NeverMovesBackwards(t *testing.T) {
	src := &scriptedSource{blocks: []uint64{200, 198}}
	tracker := NewBlockTracker(BlockTrackerConfig{Source: src, MaxAge: time.Nanosecond})

	ctx := context.Background()
	_, _ = tracker.refresh(ctx)
	n, err := tracker.refresh(ctx)
	if err != nil || n != 200 {
		t.Errorf("expected head to stay at 200, got %d, %v", n, err)
	}
}

func TestBlockTracker_SourceError(t *testing.T) {
	src := &scriptedSource{err: errors.New("rpc down")}
	tracker := NewBlockTracker(BlockTrackerConfig{Source: src})

	if _, err := tracker.BlockNumber(context.Background()); err == nil {
		t.Error("expected error with no tracked head")
	}
}

func TestBlockTracker_RunStopsOnCancel(t *testing.T) {
	src := &scriptedSource{blocks: []uint64{5}}
	tracker := NewBlockTracker(BlockTrackerConfig{Source: src, PollInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if n, _ := tracker.BlockNumber(context.Background()); n != 5 {
		t.Errorf("expected tracked head 5, got %d", n)
	}
}
