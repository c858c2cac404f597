package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Task is one unit of refresh work. Args carry the positional ids a task
// operates on; tasks with the same Name and Args are considered duplicates.
type Task struct {
	ID          uuid.UUID
	Name        string
	Args        []int64
	Healthcheck bool
	EnqueuedAt  time.Time
	RunAt       time.Time
}

// Handler executes a task.
type Handler func(ctx context.Context, task Task) error

// Inspector exposes the in-flight work of a queue, split the way the guard
// wants to see it: running now, ready to run, and delayed.
type Inspector interface {
	Active() ([]Task, error)
	Reserved() ([]Task, error)
	Scheduled() ([]Task, error)
}

// TaskQueue is what the dispatch guard needs from a queue.
type TaskQueue interface {
	Inspector
	Enqueue(name string, args []int64, healthcheck bool, delay time.Duration) (Task, error)
}

// ErrClosed is returned when enqueueing after shutdown.
var ErrClosed = errors.New("queue: closed")

// ErrUnknownTask is returned when no handler is registered for a task name.
var ErrUnknownTask = errors.New("queue: no handler registered")

// Queue is an in-process worker queue with delayed dispatch and in-flight
// introspection.
type Queue struct {
	workers int
	logger  zerolog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	handlers  map[string]Handler
	reserved  []Task
	active    map[uuid.UUID]Task
	scheduled map[uuid.UUID]Task
	timers    map[uuid.UUID]*time.Timer
	closed    bool
}

// New constructs a queue with the given worker count.
func New(workers int, logger zerolog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{
		workers:   workers,
		logger:    logger.With().Str("component", "queue").Logger(),
		handlers:  make(map[string]Handler),
		active:    make(map[uuid.UUID]Task),
		scheduled: make(map[uuid.UUID]Task),
		timers:    make(map[uuid.UUID]*time.Timer),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Register binds a handler to a task name. Must be called before Run.
func (q *Queue) Register(name string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = handler
}

// Enqueue adds a task. A positive delay parks it in the scheduled set until
// due.
func (q *Queue) Enqueue(name string, args []int64, healthcheck bool, delay time.Duration) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Task{}, ErrClosed
	}
	if _, ok := q.handlers[name]; !ok {
		return Task{}, ErrUnknownTask
	}

	now := time.Now().UTC()
	task := Task{
		ID:          uuid.New(),
		Name:        name,
		Args:        args,
		Healthcheck: healthcheck,
		EnqueuedAt:  now,
		RunAt:       now.Add(delay),
	}

	if delay > 0 {
		q.scheduled[task.ID] = task
		q.timers[task.ID] = time.AfterFunc(delay, func() { q.promote(task.ID) })
		return task, nil
	}

	q.reserved = append(q.reserved, task)
	q.cond.Signal()
	return task, nil
}

// promote moves a due scheduled task into the reserved set.
func (q *Queue) promote(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.scheduled[id]
	if !ok {
		return
	}
	delete(q.scheduled, id)
	delete(q.timers, id)

	if q.closed {
		return
	}
	q.reserved = append(q.reserved, task)
	q.cond.Signal()
}

// Run blocks, executing tasks on the worker pool until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		q.shutdown()
	}()

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	q.closed = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
		delete(q.scheduled, id)
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) work(ctx context.Context) {
	for {
		task, handler, ok := q.next()
		if !ok {
			return
		}

		started := time.Now()
		if err := handler(ctx, task); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error().
				Err(err).
				Str("task", task.Name).
				Ints64("args", task.Args).
				Dur("elapsed", time.Since(started)).
				Msg("task failed")
		} else {
			q.logger.Debug().
				Str("task", task.Name).
				Ints64("args", task.Args).
				Dur("elapsed", time.Since(started)).
				Msg("task finished")
		}

		q.finish(task.ID)
	}
}

// next blocks until a task is reserved or the queue shuts down.
func (q *Queue) next() (Task, Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.reserved) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return Task{}, nil, false
	}

	task := q.reserved[0]
	q.reserved = q.reserved[1:]
	q.active[task.ID] = task
	return task, q.handlers[task.Name], true
}

func (q *Queue) finish(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, id)
}

// Active lists tasks currently executing.
func (q *Queue) Active() ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]Task, 0, len(q.active))
	for _, task := range q.active {
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Reserved lists tasks ready to run but not yet picked up by a worker.
func (q *Queue) Reserved() ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]Task, len(q.reserved))
	copy(tasks, q.reserved)
	return tasks, nil
}

// Scheduled lists delayed tasks that are not yet due.
func (q *Queue) Scheduled() ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]Task, 0, len(q.scheduled))
	for _, task := range q.scheduled {
		tasks = append(tasks, task)
	}
	return tasks, nil
}
