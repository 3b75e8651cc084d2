package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/reposter/internal/common"
)

var (
	errQueueNotStarted = errors.New("queue not started")
	errQueueClosed     = errors.New("queue is shut down")
)

// WorkItem is a snapshot of the job taken at submission, the scratch
// directory prepared for its worker and an optional cleanup func run once the
// worker process is done.
type WorkItem struct {
	Job     Job
	WorkDir string
	Cleanup func() error
}

// Processor runs the worker for one item and drives its record to a terminal state.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// Queue is an in-memory bounded queue for WorkItems with a fixed worker pool.
// The pool size caps how many worker processes run at once.
type Queue struct {
	log        *slog.Logger
	ch         chan WorkItem
	workers    int
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	started    bool
	closed     bool
	mu         sync.Mutex
}

// NewQueue creates a new Queue with the given capacity and worker count.
func NewQueue(logger *slog.Logger, capacity int, workers int) *Queue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		log:     logger,
		ch:      make(chan WorkItem, capacity),
		workers: workers,
	}
}

// Start launches the worker goroutines.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	if q.closed {
		return errQueueClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, p, i)
	}
	q.started = true
	return nil
}

func (q *Queue) worker(ctx context.Context, p Processor, idx int) {
	defer q.wg.Done()
	log := q.log.With("worker", idx)
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case item, ok := <-q.ch:
			if !ok {
				log.Debug("queue closed, worker exiting")
				return
			}
			q.run(ctx, log.With("job_id", item.Job.ID), p, item)
		}
	}
}

func (q *Queue) run(ctx context.Context, log *slog.Logger, p Processor, item WorkItem) {
	log.Info("repost started", "source", item.Job.Source)
	start := time.Now()
	if err := p.Process(ctx, item); err != nil {
		log.Error("repost failed", "err", err, "duration", time.Since(start))
	} else {
		log.Info("repost finished", "duration", time.Since(start))
	}
	cleanup(log, item)
}

func cleanup(log *slog.Logger, item WorkItem) {
	if item.Cleanup == nil {
		return
	}
	if err := item.Cleanup(); err != nil {
		log.Warn("cleanup failed", "err", err)
	}
}

// Enqueue adds a WorkItem without blocking. It returns ErrQueueFull when the buffer is exhausted.
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	if !q.started {
		return errQueueNotStarted
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of items waiting for a worker.
func (q *Queue) Pending() int {
	return len(q.ch)
}

// Shutdown stops accepting work, cancels running workers and waits for them up to deadline.
// Items still buffered are dropped after their cleanup runs; their records stay in "processing".
func (q *Queue) Shutdown(deadline time.Duration) {
	q.cancelOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		if q.cancel != nil {
			q.cancel()
		}
		close(q.ch)
		q.mu.Unlock()

		for item := range q.ch {
			log := q.log.With("job_id", item.Job.ID)
			log.Warn("queued job dropped on shutdown")
			cleanup(log, item)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			q.log.Warn("queue shutdown deadline reached; workers may still be running")
		}
	})
}
