// Package queue provides the two job-queue backends the daemon can run
// with: an asynq/Redis-backed durable queue for production, and an
// in-process direct-mode queue for development or single-process
// deployments that don't want a Redis dependency.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/evalbot/evalbot/internal/mention"
)

// TaskTypeMention is the asynq task type name for one mention job.
const TaskTypeMention = "mention:process"

// Job is the unit of work a Handler processes, wrapping the mention that
// triggered it plus delivery metadata a durable queue can supply.
type Job struct {
	Mention mention.Mention
	// Attempt is 1 on first delivery, incrementing on redelivery. Direct
	// mode always reports 1: it never retries.
	Attempt int
}

// Handler processes one Job. Handlers must be idempotent: the durable
// backend delivers at least once and can redeliver a job. The direct
// backend delivers each job once and never retries it.
type Handler func(ctx context.Context, job Job) error

// Stats summarizes queue depth across states, used by the health surface.
type Stats struct {
	Pending    int64
	Active     int64
	Retry      int64
	Completed  int64
	Failed     int64
}

// Queue is the common surface both backends implement.
type Queue interface {
	// Enqueue submits one mention for processing.
	Enqueue(ctx context.Context, m mention.Mention) error
	// Run starts processing with concurrency workers and blocks until ctx
	// is canceled or a fatal setup error occurs.
	Run(ctx context.Context, concurrency int, handler Handler) error
	// Pause stops handing out new work without losing queued jobs.
	Pause(ctx context.Context) error
	// Resume undoes Pause.
	Resume(ctx context.Context) error
	// Stats reports current queue depth by state.
	Stats(ctx context.Context) (Stats, error)
	// Close releases held resources (connections, goroutines).
	Close() error
}

// Trimmer is implemented by queue backends that accumulate result history
// needing periodic enforcement of a count-based retention policy. Direct
// mode keeps no history and does not implement it.
type Trimmer interface {
	TrimCompleted(ctx context.Context) error
	TrimFailed(ctx context.Context) error
}

func encodeMention(m mention.Mention) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMention(b []byte) (mention.Mention, error) {
	var m mention.Mention
	err := json.Unmarshal(b, &m)
	return m, err
}

// RetentionCompleted and RetentionFailed bound how much asynq result history
// is kept, per the design's "keep last N" retention policy.
const (
	RetentionCompleted = 100
	RetentionFailed    = 500
)

// MaxRetries and BaseRetryDelay configure asynq's exponential backoff.
const (
	MaxRetries     = 5
	BaseRetryDelay = 2 * time.Second
)
