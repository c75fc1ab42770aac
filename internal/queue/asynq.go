package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/evalbot/evalbot/internal/logger"
	"github.com/evalbot/evalbot/internal/mention"
)

// AsynqQueue is the durable, Redis-backed queue backend: FIFO delivery,
// exponential-backoff retries, and bounded result retention.
type AsynqQueue struct {
	redisOpt  asynq.RedisClientOpt
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	log       *logger.Logger
	queueName string
}

// RedisTarget identifies the Redis instance the queue connects to.
type RedisTarget struct {
	Addr     string
	Password string
	DB       int
}

func NewAsynq(target RedisTarget, log *logger.Logger) *AsynqQueue {
	opt := asynq.RedisClientOpt{Addr: target.Addr, Password: target.Password, DB: target.DB}
	return &AsynqQueue{
		redisOpt:  opt,
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		log:       log.With("component", "AsynqQueue"),
		queueName: "default",
	}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, m mention.Mention) error {
	payload, err := encodeMention(m)
	if err != nil {
		return fmt.Errorf("encode mention: %w", err)
	}
	task := asynq.NewTask(TaskTypeMention, payload)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(MaxRetries),
		asynq.Queue(q.queueName),
		asynq.Retention(resultRetentionWindow),
	)
	if err != nil {
		return fmt.Errorf("enqueue mention task: %w", err)
	}
	return nil
}

func (q *AsynqQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	q.server = asynq.NewServer(
		q.redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{q.queueName: 1},
			RetryDelayFunc: func(n int, e error, t *asynq.Task) time.Duration {
				return BaseRetryDelay * time.Duration(1<<uint(n))
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeMention, func(ctx context.Context, t *asynq.Task) error {
		m, err := decodeMention(t.Payload())
		if err != nil {
			return fmt.Errorf("decode mention payload: %w", err)
		}
		attempt := 1
		if n, ok := asynq.GetRetryCount(ctx); ok {
			attempt = n + 1
		}
		return handler(ctx, Job{Mention: m, Attempt: attempt})
	})

	errCh := make(chan error, 1)
	go func() { errCh <- q.server.Run(mux) }()

	select {
	case <-ctx.Done():
		q.server.Shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}

func (q *AsynqQueue) Pause(ctx context.Context) error {
	return q.inspector.PauseQueue(q.queueName)
}

func (q *AsynqQueue) Resume(ctx context.Context) error {
	return q.inspector.UnpauseQueue(q.queueName)
}

func (q *AsynqQueue) Stats(ctx context.Context) (Stats, error) {
	info, err := q.inspector.GetQueueInfo(q.queueName)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:   int64(info.Pending),
		Active:    int64(info.Active),
		Retry:     int64(info.Retry),
		Completed: int64(info.Completed),
		Failed:    int64(info.Failed),
	}, nil
}

func (q *AsynqQueue) Close() error {
	if err := q.client.Close(); err != nil {
		return err
	}
	return q.inspector.Close()
}

// resultRetentionWindow bounds how long asynq keeps a completed task's
// result around before garbage-collecting it. asynq's retention is
// time-based rather than count-based; TrimCompleted/TrimFailed below enforce
// the count-based "keep last N" policy on top of it.
const resultRetentionWindow = 24 * time.Hour

// TrimCompleted deletes completed tasks beyond the most recent
// RetentionCompleted, and TrimFailed does the same for archived (failed)
// tasks beyond RetentionFailed. Intended to run on a periodic tick from the
// daemon's housekeeping loop.
func (q *AsynqQueue) TrimCompleted(ctx context.Context) error {
	return q.trim(q.inspector.ListCompletedTasks, q.inspector.DeleteTask, RetentionCompleted)
}

func (q *AsynqQueue) TrimFailed(ctx context.Context) error {
	return q.trim(q.inspector.ListArchivedTasks, q.inspector.DeleteTask, RetentionFailed)
}

func (q *AsynqQueue) trim(
	list func(qname string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error),
	del func(qname, id string) error,
	keep int,
) error {
	tasks, err := list(q.queueName, asynq.PageSize(10000))
	if err != nil {
		return err
	}
	if len(tasks) <= keep {
		return nil
	}
	// ListCompletedTasks/ListArchivedTasks return most-recent-first; drop
	// everything past the retention cutoff.
	for _, ti := range tasks[keep:] {
		if err := del(q.queueName, ti.ID); err != nil {
			q.log.Warn("failed to trim task", "task_id", ti.ID, "error", err)
		}
	}
	return nil
}
