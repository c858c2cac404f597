package queue

import (
	"errors"
	"testing"
	"time"
)

type fakeQueue struct {
	active    []Task
	reserved  []Task
	scheduled []Task

	activeErr    error
	reservedErr  error
	scheduledErr error

	enqueued []Task
}

func (f *fakeQueue) Active() ([]Task, error)    { return f.active, f.activeErr }
func (f *fakeQueue) Reserved() ([]Task, error)  { return f.reserved, f.reservedErr }
func (f *fakeQueue) Scheduled() ([]Task, error) { return f.scheduled, f.scheduledErr }

func (f *fakeQueue) Enqueue(name string, args []int64, healthcheck bool, delay time.Duration) (Task, error) {
	task := Task{Name: name, Args: args, Healthcheck: healthcheck}
	f.enqueued = append(f.enqueued, task)
	return task, nil
}

func TestScheduleIfAbsentEnqueues(t *testing.T) {
	q := &fakeQueue{}
	guard := NewGuard(q, testLogger())

	guard.ScheduleIfAbsent("refresh_dataset", []int64{42}, true)

	if len(q.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued task, got %d", len(q.enqueued))
	}
	if q.enqueued[0].Args[0] != 42 || !q.enqueued[0].Healthcheck {
		t.Fatalf("unexpected task %+v", q.enqueued[0])
	}
}

func TestScheduleIfAbsentSuppressesDuplicates(t *testing.T) {
	duplicate := Task{Name: "refresh_dataset", Args: []int64{42}}

	cases := map[string]*fakeQueue{
		"active":    {active: []Task{duplicate}},
		"reserved":  {reserved: []Task{duplicate}},
		"scheduled": {scheduled: []Task{duplicate}},
	}

	for label, q := range cases {
		guard := NewGuard(q, testLogger())
		guard.ScheduleIfAbsent("refresh_dataset", []int64{42}, false)
		if len(q.enqueued) != 0 {
			t.Fatalf("%s duplicate should suppress scheduling, got %d enqueued", label, len(q.enqueued))
		}
	}
}

func TestScheduleIfAbsentDifferentArgsAllowed(t *testing.T) {
	q := &fakeQueue{active: []Task{{Name: "refresh_dataset", Args: []int64{1}}}}
	guard := NewGuard(q, testLogger())

	guard.ScheduleIfAbsent("refresh_dataset", []int64{2}, false)
	if len(q.enqueued) != 1 {
		t.Fatalf("different args should schedule, got %d enqueued", len(q.enqueued))
	}
}

func TestScheduleIfAbsentToleratesInspectFailure(t *testing.T) {
	// The reserved lookup fails but the duplicate sits in scheduled: the
	// failing category is treated as empty and the duplicate is still found.
	q := &fakeQueue{
		reservedErr: errors.New("inspect failed"),
		scheduled:   []Task{{Name: "refresh_dataset", Args: []int64{42}}},
	}
	guard := NewGuard(q, testLogger())

	guard.ScheduleIfAbsent("refresh_dataset", []int64{42}, false)
	if len(q.enqueued) != 0 {
		t.Fatalf("duplicate in healthy category should suppress, got %d enqueued", len(q.enqueued))
	}

	// All categories failing degrades to scheduling.
	q = &fakeQueue{
		activeErr:    errors.New("inspect failed"),
		reservedErr:  errors.New("inspect failed"),
		scheduledErr: errors.New("inspect failed"),
	}
	guard = NewGuard(q, testLogger())
	guard.ScheduleIfAbsent("refresh_dataset", []int64{42}, false)
	if len(q.enqueued) != 1 {
		t.Fatalf("all categories failing should still schedule, got %d enqueued", len(q.enqueued))
	}
}
