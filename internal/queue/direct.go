package queue

import (
	"context"
	"sync"
	"time"

	"github.com/evalbot/evalbot/internal/logger"
	"github.com/evalbot/evalbot/internal/mention"
)

// DirectQueue is the in-process backend: a buffered channel fed by
// Enqueue and drained by a fixed pool of goroutines. It never retries and
// never persists — a process restart drops whatever was in flight, which is
// acceptable for the single-process deployment this mode targets (admission
// control, not the queue, is what's meant to shed load in this mode).
type DirectQueue struct {
	log    *logger.Logger
	ch     chan mention.Mention
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	active int64
	paused bool
}

func NewDirect(log *logger.Logger, bufferSize int) *DirectQueue {
	return &DirectQueue{
		log:    log.With("component", "DirectQueue"),
		ch:     make(chan mention.Mention, bufferSize),
		closed: make(chan struct{}),
	}
}

func (q *DirectQueue) Enqueue(ctx context.Context, m mention.Mention) error {
	select {
	case q.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return errClosed
	}
}

func (q *DirectQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			q.worker(ctx, handler)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (q *DirectQueue) worker(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q.ch:
			if !ok {
				return
			}
			if q.isPaused() {
				// Drop back into the channel is not possible without
				// unbounded requeue loops; instead block until resumed.
				q.waitForResume(ctx)
			}
			q.mu.Lock()
			q.active++
			q.mu.Unlock()

			func() {
				defer func() {
					q.mu.Lock()
					q.active--
					q.mu.Unlock()
					if r := recover(); r != nil {
						q.log.Error("job handler panicked", "panic", r)
					}
				}()
				if err := handler(ctx, Job{Mention: m, Attempt: 1}); err != nil {
					q.log.Warn("job handler returned error", "error", err)
				}
			}()
		}
	}
}

func (q *DirectQueue) waitForResume(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for q.isPaused() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *DirectQueue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *DirectQueue) Pause(ctx context.Context) error {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return nil
}

func (q *DirectQueue) Resume(ctx context.Context) error {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	return nil
}

func (q *DirectQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending: int64(len(q.ch)),
		Active:  q.active,
	}, nil
}

func (q *DirectQueue) Close() error {
	q.once.Do(func() {
		close(q.closed)
		close(q.ch)
	})
	return nil
}

var errClosed = directClosedError{}

type directClosedError struct{}

func (directClosedError) Error() string { return "queue is closed" }
