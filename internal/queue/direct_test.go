package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evalbot/evalbot/internal/logger"
	"github.com/evalbot/evalbot/internal/mention"
)

func testLogger() *logger.Logger {
	l, err := logger.New("test")
	if err != nil {
		panic(err)
	}
	return l
}

func TestDirectQueueProcessesEnqueuedJobs(t *testing.T) {
	q := NewDirect(testLogger(), 16)
	ctx, cancel := context.WithCancel(context.Background())

	var processed int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Run(ctx, 2, func(ctx context.Context, job Job) error {
			atomic.AddInt64(&processed, 1)
			return nil
		})
	}()

	for i := 0; i < 10; i++ {
		if err := q.Enqueue(ctx, mention.Mention{PostURI: "at://x"}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&processed) < 10 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt64(&processed); got != 10 {
		t.Fatalf("expected 10 processed, got %d", got)
	}

	cancel()
	wg.Wait()
}

func TestDirectQueueRecoversFromHandlerPanic(t *testing.T) {
	q := NewDirect(testLogger(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran int64
	go func() {
		_ = q.Run(ctx, 1, func(ctx context.Context, job Job) error {
			defer atomic.AddInt64(&ran, 1)
			panic("boom")
		})
	}()

	_ = q.Enqueue(ctx, mention.Mention{PostURI: "at://panics"})
	_ = q.Enqueue(ctx, mention.Mention{PostURI: "at://after"})

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&ran) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt64(&ran); got != 2 {
		t.Fatalf("expected worker to survive a panic and keep processing, got %d handled", got)
	}
}

func TestDirectQueueStatsReportsPendingAndActive(t *testing.T) {
	q := NewDirect(testLogger(), 16)
	for i := 0; i < 5; i++ {
		_ = q.Enqueue(context.Background(), mention.Mention{PostURI: "at://q"})
	}
	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Pending != 5 {
		t.Fatalf("expected 5 pending, got %d", stats.Pending)
	}
}

func TestDirectQueueCloseIsIdempotent(t *testing.T) {
	q := NewDirect(testLogger(), 4)
	if err := q.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("expected idempotent close, got %v", err)
	}
}
