// Package taskq provides named serial task queues. A queue runs its tasks
// one at a time in FIFO order on a single dispatcher goroutine, giving
// callers a lock-free execution context for any state confined to that
// queue.
package taskq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Predefined errors returned by queue operations.
var (
	ErrQueueClosed = errors.New("taskq: queue is closed")
	ErrQueueFull   = errors.New("taskq: queue buffer is full")
	ErrNilTask     = errors.New("taskq: nil task")
)

// Task is a unit of work executed on a queue's dispatcher goroutine.
type Task func()

// Queue is a serial FIFO executor. Tasks posted to a queue run exactly in
// post order; tasks already queued when Close is called still run before
// the dispatcher exits.
type Queue struct {
	name         string
	taskChan     chan Task
	stopChan     chan struct{}
	stopOnce     sync.Once
	dispatcherWg sync.WaitGroup
}

// New creates a queue and starts its dispatcher goroutine.
func New(name string, opts ...Option) *Queue {
	options := newOptions(opts...)
	q := &Queue{
		name:     name,
		taskChan: make(chan Task, options.BufferSize),
		stopChan: make(chan struct{}),
	}
	q.startDispatcher()
	return q
}

// Name returns the queue name used in log fields.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) startDispatcher() {
	q.dispatcherWg.Add(1)

	go func() {
		defer q.dispatcherWg.Done()

		l := log.With().Str("queue", q.name).Logger()
		l.Debug().Msg("queue dispatcher started")

		for {
			select {
			case <-q.stopChan:
				// Drain tasks accepted before the stop signal so that
				// dispatched work always runs to completion.
				for {
					select {
					case task := <-q.taskChan:
						q.runTask(task)
					default:
						l.Debug().Msg("queue dispatcher stopped")
						return
					}
				}
			case task := <-q.taskChan:
				q.runTask(task)
			}
		}
	}()
}

// runTask executes a single task with panic recovery so one faulty task
// cannot take down the dispatcher.
func (q *Queue) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("queue", q.name).
				Interface("panic_value", r).
				Msg("panic recovered during task execution")
		}
	}()
	task()
}

// Post enqueues a task, blocking while the buffer is full. It returns
// ErrQueueClosed once Close has been called.
func (q *Queue) Post(task Task) error {
	if task == nil {
		return ErrNilTask
	}

	select {
	case <-q.stopChan:
		return fmt.Errorf("%w: %s", ErrQueueClosed, q.name)
	default:
	}

	select {
	case q.taskChan <- task:
		return nil
	case <-q.stopChan:
		return fmt.Errorf("%w: %s", ErrQueueClosed, q.name)
	}
}

// TryPost enqueues a task without blocking, returning ErrQueueFull when the
// buffer has no room.
func (q *Queue) TryPost(task Task) error {
	if task == nil {
		return ErrNilTask
	}

	select {
	case <-q.stopChan:
		return fmt.Errorf("%w: %s", ErrQueueClosed, q.name)
	default:
	}

	select {
	case q.taskChan <- task:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, q.name)
	}
}

// Do posts a task and blocks until it has run. A panic inside the task is
// re-raised in the calling goroutine instead of being recovered by the
// dispatcher. Do must not be called from a task already executing on the
// same queue; the dispatcher is serial and the wait would never finish.
func (q *Queue) Do(ctx context.Context, task Task) error {
	if task == nil {
		return ErrNilTask
	}

	done := make(chan struct{})
	var panicValue any
	err := q.Post(func() {
		defer close(done)
		defer func() {
			panicValue = recover()
		}()
		task()
	})
	if err != nil {
		return err
	}

	select {
	case <-done:
		if panicValue != nil {
			panic(panicValue)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("taskq: waiting on queue %q: %w", q.name, ctx.Err())
	}
}

// Flush blocks until every task posted before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	return q.Do(ctx, func() {})
}

// Len reports the number of tasks waiting in the buffer.
func (q *Queue) Len() int {
	return len(q.taskChan)
}

// Close stops the queue. Tasks already accepted still run; subsequent
// posts fail with ErrQueueClosed. Close blocks until the dispatcher has
// drained.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		log.Debug().Str("queue", q.name).Msg("closing queue")
		close(q.stopChan)
		q.dispatcherWg.Wait()
	})
}
