// Package tasks runs fire-and-forget work on a bounded queue.
//
// The request path hands off detached writes (key touch, transaction
// persistence, reliability records) here instead of spawning bare
// goroutines, so shutdown can drain everything already accepted and no
// record is torn by process exit.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize = 512
	defaultWorkers   = 4
	taskTimeout      = 30 * time.Second
)

// Task is a unit of detached work. The context carries the task timeout,
// not the originating request: client disconnects must not cancel writes
// already initiated. A returned error is logged and counted, nothing more.
type Task func(ctx context.Context) error

// Queue accepts tasks and runs them on a fixed worker pool.
type Queue struct {
	logger *slog.Logger

	mu     sync.Mutex
	ch     chan namedTask
	closed bool
	wg     sync.WaitGroup
}

type namedTask struct {
	name string
	run  Task
}

// NewQueue creates a queue with the default capacity and worker count.
func NewQueue(logger *slog.Logger) *Queue {
	q := &Queue{
		logger: logger,
		ch:     make(chan namedTask, defaultQueueSize),
	}
	for i := 0; i < defaultWorkers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues a task without blocking. Returns false if the queue is
// full or already closed; the caller logs and moves on. Detached writes
// are best-effort by contract.
func (q *Queue) Submit(name string, t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- namedTask{name: name, run: t}:
		tasksSubmitted.WithLabelValues(name).Inc()
		return true
	default:
		tasksRejected.WithLabelValues(name).Inc()
		q.logger.Warn("task queue full, dropping task", "task", name)
		return false
	}
}

// Close stops accepting tasks and blocks until every accepted task has
// finished.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.ch {
		q.runOne(t)
	}
}

func (q *Queue) runOne(t namedTask) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in background task", "task", t.name, "panic", fmt.Sprint(r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	if err := t.run(ctx); err != nil {
		tasksFailed.WithLabelValues(t.name).Inc()
		q.logger.Warn("background task failed", "task", t.name, "error", err)
	}
}
