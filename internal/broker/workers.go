package broker

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/stockwatch/feedgate/internal/monitoring"
)

// Task is a unit of fan-out work.
type Task func()

// WorkerPool executes tasks on a fixed set of workers, each with its own
// bounded queue. Tasks submitted with the same key land on the same
// worker, which preserves execution order per key - the property the
// bridge relies on so a topic's envelopes reach subscribers in broker
// order even though topics are processed concurrently.
//
// A full worker queue drops the task rather than blocking the broker
// callback or spawning goroutines. Dropped work is a shed data message;
// clients recover from the sequence gap.
type WorkerPool struct {
	queues  []chan Task
	wg      sync.WaitGroup
	dropped atomic.Int64
	logger  zerolog.Logger
}

// NewWorkerPool creates a pool with workerCount workers, each with a
// queue of queueSize pending tasks.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = 64
	}
	queues := make([]chan Task, workerCount)
	for i := range queues {
		queues[i] = make(chan Task, queueSize)
	}
	return &WorkerPool{
		queues: queues,
		logger: logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Workers exit when ctx is cancelled; tasks
// already queued at that point are abandoned.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := range wp.queues {
		wp.wg.Add(1)
		go wp.worker(ctx, wp.queues[i])
	}
}

func (wp *WorkerPool) worker(ctx context.Context, queue chan Task) {
	defer wp.wg.Done()

	for {
		select {
		case task := <-queue:
			if task == nil {
				continue
			}
			// Panic in one task must not kill the worker; the remaining
			// keys hashed to this worker would silently stall.
			func() {
				defer func() {
					if r := recover(); r != nil {
						wp.logger.Error().
							Interface("panic_value", r).
							Str("stack_trace", string(debug.Stack())).
							Msg("Worker panic recovered")
					}
				}()
				task()
			}()
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues a task on the worker owning key. Returns false if that
// worker's queue is full and the task was dropped.
func (wp *WorkerPool) Submit(key string, task Task) bool {
	h := fnv.New32a()
	h.Write([]byte(key))
	queue := wp.queues[int(h.Sum32())%len(wp.queues)]

	select {
	case queue <- task:
		return true
	default:
		wp.dropped.Add(1)
		monitoring.IncrementBridgeTasksDropped()
		return false
	}
}

// Dropped returns the total tasks dropped due to full queues.
func (wp *WorkerPool) Dropped() int64 {
	return wp.dropped.Load()
}

// Wait blocks until all workers have exited after context cancellation.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}
