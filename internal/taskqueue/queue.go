// Package taskqueue is an in-process task queue. Tasks are executed by a
// fixed number of workers, their execution can be delayed.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/retry"
	"github.com/simplesurance/runledger/internal/taskqueue/routines"
)

const loggerName = "taskqueue"

// ErrStopped is returned when a task is scheduled after Stop was called.
var ErrStopped = errors.New("task queue is stopped")

// ErrUnknownTask is returned when a task without registered handler is
// scheduled.
var ErrUnknownTask = errors.New("no handler registered for task")

// Queue executes scheduled tasks.
// It implements retry.Scheduler.
type Queue struct {
	logger  *zap.Logger
	workers uint

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu      sync.Mutex
	ready   []*Task
	delayed map[string]*time.Timer
	stopped bool
	started bool

	readySignal chan struct{}
	stopChan    chan struct{}
	dispatchWg  sync.WaitGroup
	pool        *routines.Pool

	ctx       context.Context
	cancelCtx context.CancelFunc
}

func New(workers uint) *Queue {
	ctx, cancelFunc := context.WithCancel(context.Background())

	return &Queue{
		logger:      zap.L().Named(loggerName),
		workers:     workers,
		handlers:    map[string]Handler{},
		delayed:     map[string]*time.Timer{},
		readySignal: make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		ctx:         ctx,
		cancelCtx:   cancelFunc,
	}
}

// Register registers the handler that executes tasks named name.
func (q *Queue) Register(name string, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()

	q.handlers[name] = h
}

func (q *Queue) handler(name string) Handler {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()

	return q.handlers[name]
}

// Schedule enqueues the task name for execution after countdown elapsed.
// Schedule never blocks.
func (q *Queue) Schedule(_ context.Context, name string, kwargs retry.Kwargs, countdown time.Duration) error {
	if q.handler(name) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	kw, err := copyKwargs(kwargs)
	if err != nil {
		return err
	}

	now := time.Now()
	task := Task{
		ID:          uuid.New().String(),
		Name:        name,
		Kwargs:      kw,
		ScheduledAt: now,
		NotBefore:   now.Add(countdown),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}

	logger := q.logger.With(logfields.TaskName(name), logfields.TaskID(task.ID))

	if countdown <= 0 {
		q.enqueue(&task)
		logger.Debug("task queued", logfields.Event("task_queued"))
		return nil
	}

	q.delayed[task.ID] = time.AfterFunc(countdown, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		if _, exists := q.delayed[task.ID]; !exists {
			return
		}

		delete(q.delayed, task.ID)
		q.enqueue(&task)
	})

	logger.Debug(
		"task scheduled",
		logfields.Event("task_scheduled"),
		zap.Duration("countdown", countdown),
	)

	return nil
}

// enqueue must be called with q.mu held.
func (q *Queue) enqueue(task *Task) {
	q.ready = append(q.ready, task)
	metrics.QueuedSet(len(q.ready))

	select {
	case q.readySignal <- struct{}{}:
	default:
	}
}

func (q *Queue) dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return nil
	}

	task := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	metrics.QueuedSet(len(q.ready))

	return task
}

// Start starts executing tasks.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		panic("taskqueue already started")
	}

	q.started = true
	q.pool = routines.NewPool(q.workers)

	q.dispatchWg.Add(1)
	go q.dispatch()

	q.logger.Info(
		"task queue started",
		logfields.Event("taskqueue_started"),
		zap.Uint("workers", q.workers),
	)
}

func (q *Queue) dispatch() {
	defer q.dispatchWg.Done()

	for {
		for task := q.dequeue(); task != nil; task = q.dequeue() {
			t := task
			select {
			case <-q.stopChan:
				return
			default:
			}

			q.pool.Queue(func() { q.execute(t) })
		}

		select {
		case <-q.stopChan:
			return
		case <-q.readySignal:
		}
	}
}

func (q *Queue) execute(task *Task) {
	logger := q.logger.With(
		logfields.TaskName(task.Name),
		logfields.TaskID(task.ID),
		logfields.RetryCount(task.Kwargs.RetryCount()),
	)

	h := q.handler(task.Name)

	startTime := time.Now()

	defer func() {
		if r := recover(); r != nil {
			metrics.ExecutedInc(task.Name, "panic")
			logger.Error(
				"task panicked",
				logfields.Event("task_panicked"),
				zap.String("panic", fmt.Sprintf("%v", r)),
				zap.StackSkip("stacktrace", 1),
				zap.Duration("duration", time.Since(startTime)),
			)
		}
	}()

	res, err := h(q.ctx, task)
	if err != nil {
		metrics.ExecutedInc(task.Name, "error")
		logger.Error(
			"task failed",
			logfields.Event("task_failed"),
			zap.Error(err),
			zap.Duration("duration", time.Since(startTime)),
		)

		return
	}

	metrics.ExecutedInc(task.Name, res.Outcome.String())
	logger.Info(
		"task executed",
		logfields.Event("task_executed"),
		zap.Stringer("task.result", res),
		zap.Duration("duration", time.Since(startTime)),
	)
}

// Stop stops accepting new tasks, cancels delayed tasks and the context
// of running tasks and waits until the running tasks terminated.
// Tasks that are queued but not running are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}

	q.stopped = true

	for id, timer := range q.delayed {
		timer.Stop()
		delete(q.delayed, id)
	}

	dropped := len(q.ready)
	q.ready = nil
	started := q.started
	q.mu.Unlock()

	q.logger.Debug(
		"task queue terminating",
		logfields.Event("taskqueue_terminating"),
		zap.Int("dropped_tasks", dropped),
	)

	close(q.stopChan)
	q.cancelCtx()

	if started {
		q.dispatchWg.Wait()
		q.pool.Wait()
	}

	q.logger.Debug("task queue terminated", logfields.Event("taskqueue_terminated"))
}
