package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type noopProcessor struct {
	count int32
	fail  bool
	panic bool
}

func (p *noopProcessor) Process(ctx context.Context, item WorkItem) error {
	atomic.AddInt32(&p.count, 1)
	if p.panic {
		panic("boom")
	}
	if p.fail {
		return errors.New("fail")
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitForCount(t *testing.T, p *noopProcessor, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&p.count) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("processor called %d times, want %d", atomic.LoadInt32(&p.count), want)
}

func TestQueue_StartEnqueueShutdown(t *testing.T) {
	q := NewQueue(discardLogger(), 2, 1)
	p := &noopProcessor{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx, p); err != nil {
		t.Fatalf("queue start: %v", err)
	}

	if err := q.Enqueue(WorkItem{JobID: "id1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitForCount(t, p, 1)

	// shutdown should complete promptly
	q.Shutdown(2 * time.Second)

	if err := q.Enqueue(WorkItem{JobID: "id2"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after shutdown = %v, want ErrQueueClosed", err)
	}
}

func TestQueue_EnqueueBeforeStartFails(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	err := q.Enqueue(WorkItem{JobID: "x"})
	if !errors.Is(err, ErrQueueNotStarted) {
		t.Fatalf("enqueue before start = %v, want ErrQueueNotStarted", err)
	}
}

func TestQueue_StartTwiceFails(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	p := &noopProcessor{}
	if err := q.Start(context.Background(), p); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(time.Second)
	if err := q.Start(context.Background(), p); err == nil {
		t.Fatalf("second start should error")
	}
}

type blockingProcessor struct {
	release chan struct{}
}

func (p *blockingProcessor) Process(ctx context.Context, item WorkItem) error {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return nil
}

func TestQueue_FullQueueRejects(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	p := &blockingProcessor{release: make(chan struct{})}
	if err := q.Start(context.Background(), p); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(time.Second)
	defer close(p.release)

	// first item is picked up by the worker, second fills the buffer
	if err := q.Enqueue(WorkItem{JobID: "a"}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for q.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := q.Enqueue(WorkItem{JobID: "b"}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := q.Enqueue(WorkItem{JobID: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue c = %v, want ErrQueueFull", err)
	}
}

func TestQueue_PanicDoesNotKillWorker(t *testing.T) {
	q := NewQueue(discardLogger(), 4, 1)
	p := &noopProcessor{panic: true}
	if err := q.Start(context.Background(), p); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(time.Second)

	_ = q.Enqueue(WorkItem{JobID: "a"})
	_ = q.Enqueue(WorkItem{JobID: "b"})
	waitForCount(t, p, 2)
}
