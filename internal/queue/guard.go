package queue

import (
	"time"

	"github.com/rs/zerolog"
)

// Guard prevents scheduling a refresh task that is already in flight for the
// same dataset or server.
type Guard struct {
	queue  TaskQueue
	logger zerolog.Logger
}

// NewGuard wires a guard onto a task queue.
func NewGuard(queue TaskQueue, logger zerolog.Logger) *Guard {
	return &Guard{
		queue:  queue,
		logger: logger.With().Str("component", "dispatch_guard").Logger(),
	}
}

// ScheduleIfAbsent enqueues a task unless a matching one (same name, same
// args) is already active, reserved, or scheduled. An introspection failure
// for one category only skips that category's check.
func (g *Guard) ScheduleIfAbsent(name string, args []int64, healthcheck bool) {
	g.ScheduleIfAbsentDelayed(name, args, healthcheck, 0)
}

// ScheduleIfAbsentDelayed is ScheduleIfAbsent with a dispatch delay.
func (g *Guard) ScheduleIfAbsentDelayed(name string, args []int64, healthcheck bool, delay time.Duration) {
	if g.queued(name, args) {
		g.logger.Error().
			Str("task", name).
			Ints64("args", args).
			Msg("task is already queued, not going to schedule another")
		return
	}

	if _, err := g.queue.Enqueue(name, args, healthcheck, delay); err != nil {
		g.logger.Error().
			Err(err).
			Str("task", name).
			Ints64("args", args).
			Msg("unable to enqueue task")
		return
	}

	g.logger.Info().
		Str("task", name).
		Ints64("args", args).
		Dur("delay", delay).
		Msg("scheduled task")
}

// queued reports whether a matching task is already in flight.
func (g *Guard) queued(name string, args []int64) bool {
	categories := []struct {
		label string
		list  func() ([]Task, error)
	}{
		{"active", g.queue.Active},
		{"reserved", g.queue.Reserved},
		{"scheduled", g.queue.Scheduled},
	}

	for _, category := range categories {
		tasks, err := category.list()
		if err != nil {
			// Treat an unavailable category as empty rather than aborting
			// the whole check.
			g.logger.Warn().
				Err(err).
				Str("category", category.label).
				Msg("unable to inspect queue category")
			continue
		}
		for _, task := range tasks {
			if task.Name == name && argsEqual(task.Args, args) {
				return true
			}
		}
	}
	return false
}

func argsEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
