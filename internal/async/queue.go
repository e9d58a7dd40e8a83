package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("queue is shutting down")

// Task is the smallest useful unit of background work. Key identifies the
// subject (a job id); a key already waiting in the queue is not added twice.
type Task struct {
	Key         string
	SubmittedAt time.Time
	TraceID     string
}

// Handler processes one task.
type Handler func(ctx context.Context, t Task) error

type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	Shutdown(ctx context.Context)
}

// WorkerQueue is a fixed pool of workers draining a buffered channel.
type WorkerQueue struct {
	name    string
	handle  Handler
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Task
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.RWMutex
	closed  bool
	pending sync.Map // key -> struct{}
}

type Option func(*WorkerQueue)

func WithWorkers(n int) Option {
	return func(q *WorkerQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *WorkerQueue) {
		if n > 0 {
			q.ch = make(chan Task, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(q *WorkerQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewWorkerQueue(name string, handle Handler, logger *slog.Logger, opts ...Option) *WorkerQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &WorkerQueue{
		name:    name,
		handle:  handle,
		logger:  logger.With("queue", name),
		workers: 4,
		timeout: 3 * time.Minute,
		ch:      make(chan Task, 256),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *WorkerQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Debug("async.worker.start", "worker_id", workerID)

				for t := range q.ch {
					q.pending.Delete(t.Key)
					start := time.Now()
					ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
					err := q.handle(ctx, t)
					cancel()

					if err != nil {
						q.logger.Error("async.task.error", "worker_id", workerID, "key", t.Key, "err", err,
							"elapsed_ms", time.Since(start).Milliseconds())
					} else {
						q.logger.Debug("async.task.done", "worker_id", workerID, "key", t.Key,
							"elapsed_ms", time.Since(start).Milliseconds())
					}
				}

				q.logger.Debug("async.worker.stop", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Enqueue adds t unless its key is already waiting. It blocks while the
// buffer is full, applying backpressure to the caller.
func (q *WorkerQueue) Enqueue(ctx context.Context, t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("async.enqueue.closed", "key", t.Key)
		return ErrQueueClosed
	}
	if t.Key != "" {
		if _, dup := q.pending.LoadOrStore(t.Key, struct{}{}); dup {
			return nil
		}
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}
	select {
	case q.ch <- t:
		return nil
	default:
		q.logger.Warn("async.enqueue.backpressure", "key", t.Key)
	}
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		q.pending.Delete(t.Key)
		return ctx.Err()
	}
}

func (q *WorkerQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("async.shutdown.interrupted")
	case <-done:
		q.logger.Info("async.shutdown.drained")
	}
}
