package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/picklr-io/orgform/internal/logging"
	"golang.org/x/sync/semaphore"
)

// TaskStatus is the state of a task within a run.
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusSkipped
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// Task event statuses passed to a TaskCallback.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventSkipped   = "skipped"
)

// TaskEvent represents a progress event during a run.
type TaskEvent struct {
	Task     *Task
	Status   string
	Duration time.Duration
	Error    error
}

// TaskCallback is called for each task event if set. Calls are never concurrent.
type TaskCallback func(event TaskEvent)

// RunOptions control scheduling of a run.
type RunOptions struct {
	// StackName restricts the run to tasks of one stack. Empty runs all tasks.
	StackName string
	// MaxConcurrent is the number of tasks performed at once; values below 1 mean 1.
	MaxConcurrent int
	// FailedTolerance is the number of failed tasks after which the run
	// still schedules new tasks.
	FailedTolerance int
	// CountSkippedAsFailed makes tasks skipped because a prerequisite did not
	// succeed count toward FailedTolerance.
	CountSkippedAsFailed bool
}

// DefaultRunOptions returns the options of a sequential run that stops at
// the first failure.
func DefaultRunOptions() RunOptions {
	return RunOptions{MaxConcurrent: 1, CountSkippedAsFailed: true}
}

// TaskResult is the final status of one task.
type TaskResult struct {
	Task     *Task
	Status   TaskStatus
	Error    error
	Duration time.Duration
}

// RunOutcome aggregates the results of a run.
type RunOutcome struct {
	Succeeded int
	Failed    int
	Skipped   int
	// FailureCount is the number charged against the tolerance: failures plus,
	// depending on RunOptions, dependency skips.
	FailureCount      int
	ToleranceExceeded bool
	Results           []TaskResult
}

// Finished is the number of tasks that were performed, successfully or not.
func (o *RunOutcome) Finished() int {
	return o.Succeeded + o.Failed
}

// Err joins the errors of the failed tasks.
func (o *RunOutcome) Err() error {
	var errs []error
	for _, r := range o.Results {
		if r.Status == StatusFailed {
			errs = append(errs, fmt.Errorf("%s: %w", r.Task, r.Error))
		}
	}
	return errors.Join(errs...)
}

type completion struct {
	index    int
	err      error
	duration time.Duration
}

// RunTasks performs tasks in dependency order with at most
// opts.MaxConcurrent running at once. A task starts only once every task it
// depends on has succeeded; when one of them failed or was skipped the task
// is skipped. Once more than opts.FailedTolerance tasks have failed no new
// task is started, running tasks are allowed to finish and the rest is
// skipped. Every successful task is recorded in rec before it is reported.
//
// Task failures are part of the outcome, never returned as errors.
func RunTasks(ctx context.Context, tasks []*Task, rec Recorder, opts RunOptions, callback TaskCallback) *RunOutcome {
	logger := logging.FromContext(ctx)

	var selected []*Task
	for _, t := range tasks {
		if opts.StackName != "" && t.Target.StackName != opts.StackName {
			logger.Debug("ignoring task of other stack", "task", t.String(), "stack_filter", opts.StackName)
			continue
		}
		selected = append(selected, t)
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	r := &run{
		ctx:      ctx,
		logger:   logger,
		tasks:    selected,
		deps:     NewTaskGraph(selected).deps,
		status:   make([]TaskStatus, len(selected)),
		results:  make([]TaskResult, len(selected)),
		rec:      rec,
		opts:     opts,
		callback: callback,
		slots:    semaphore.NewWeighted(int64(maxConcurrent)),
		done:     make(chan completion, len(selected)),
		outcome:  &RunOutcome{},
	}
	r.loop()

	for i, t := range selected {
		r.results[i].Task = t
		r.results[i].Status = r.status[i]
	}
	r.outcome.Results = r.results
	return r.outcome
}

// run is the bookkeeping of one RunTasks call. It is only touched by the
// scheduler loop; workers report back through done.
type run struct {
	ctx      context.Context
	logger   *slog.Logger
	tasks    []*Task
	deps     [][]int
	status   []TaskStatus
	results  []TaskResult
	rec      Recorder
	opts     RunOptions
	callback TaskCallback
	slots    *semaphore.Weighted
	done     chan completion
	outcome  *RunOutcome

	running int
	stopped bool
}

func (r *run) loop() {
	for {
		r.schedule()
		if r.running == 0 {
			break
		}
		r.complete(<-r.done)
	}

	// Nothing is running and nothing could start: whatever is left waits on a cycle.
	for i := range r.tasks {
		if r.status[i] == StatusPending {
			r.skip(i, ErrDependencyCycle, r.opts.CountSkippedAsFailed)
		}
	}
}

// schedule skips every pending task that can no longer run and starts ready
// tasks while slots are free. Skips can cascade, so it repeats until a pass
// changes nothing.
func (r *run) schedule() {
	for changed := true; changed; {
		changed = false
		if !r.stopped && r.ctx.Err() != nil {
			r.stopped = true
		}
		for i := range r.tasks {
			if r.status[i] != StatusPending {
				continue
			}

			unmet, blocked := -1, false
			for _, j := range r.deps[i] {
				switch r.status[j] {
				case StatusSucceeded:
				case StatusFailed, StatusSkipped:
					unmet = j
				default:
					blocked = true
				}
				if unmet >= 0 {
					break
				}
			}

			switch {
			case unmet >= 0:
				// Once the run stopped, skips are a consequence of the stop.
				r.skip(i, fmt.Errorf("%w: %s", ErrDependencyNotMet, r.tasks[unmet]), r.opts.CountSkippedAsFailed && !r.stopped)
				changed = true
			case r.stopped:
				r.skip(i, r.stopError(), false)
				changed = true
			case blocked:
			case r.slots.TryAcquire(1):
				r.start(i)
			}
		}
	}
}

func (r *run) stopError() error {
	if err := r.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRunStopped, err)
	}
	return ErrRunStopped
}

func (r *run) start(i int) {
	t := r.tasks[i]
	r.status[i] = StatusRunning
	r.running++
	r.emit(TaskEvent{Task: t, Status: EventStarted})
	r.logger.Debug("starting task", "action", t.Action.String(), "target", t.Target.String())

	go func() {
		start := time.Now()
		err := safePerform(r.ctx, t)
		if err == nil {
			err = t.record(r.rec)
		}
		r.done <- completion{index: i, err: err, duration: time.Since(start)}
	}()
}

func (r *run) complete(c completion) {
	r.running--
	r.slots.Release(1)

	t := r.tasks[c.index]
	r.results[c.index].Duration = c.duration
	attrs := taskAttrs(t)

	if c.err == nil {
		r.status[c.index] = StatusSucceeded
		r.outcome.Succeeded++
		r.logger.Info(fmt.Sprintf("%s: stack %s %s", t.Target.AccountID, t.Target.StackName, t.Action.PastTense()), attrs...)
		r.emit(TaskEvent{Task: t, Status: EventCompleted, Duration: c.duration})
		return
	}

	r.status[c.index] = StatusFailed
	r.results[c.index].Error = c.err
	r.outcome.Failed++
	r.logger.Error(fmt.Sprintf("%s stack %s %s failed in account %s (%s): %v",
		t.Target.LogicalAccountID, t.Target.StackName, t.Action, t.Target.AccountID, t.Target.Region, c.err),
		append(attrs, "error", c.err.Error())...)
	r.emit(TaskEvent{Task: t, Status: EventFailed, Duration: c.duration, Error: c.err})
	r.charge()
}

func (r *run) skip(i int, err error, counted bool) {
	t := r.tasks[i]
	r.status[i] = StatusSkipped
	r.results[i].Error = err
	r.outcome.Skipped++
	r.logger.Warn(fmt.Sprintf("%s: stack %s %s skipped: %v", t.Target.AccountID, t.Target.StackName, t.Action, err), taskAttrs(t)...)
	r.emit(TaskEvent{Task: t, Status: EventSkipped, Error: err})
	if counted {
		r.charge()
	}
}

// charge counts one failure against the tolerance.
func (r *run) charge() {
	r.outcome.FailureCount++
	if r.outcome.FailureCount > r.opts.FailedTolerance && !r.outcome.ToleranceExceeded {
		r.outcome.ToleranceExceeded = true
		r.logger.Debug("failed stacks tolerance exceeded, no new tasks will start",
			"failures", r.outcome.FailureCount, "tolerance", r.opts.FailedTolerance)
		r.stopped = true
	}
}

func (r *run) emit(ev TaskEvent) {
	if r.callback != nil {
		r.callback(ev)
	}
}

// safePerform turns a panicking perform into a task failure.
func safePerform(ctx context.Context, t *Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.Perform(ctx)
}

func taskAttrs(t *Task) []any {
	return []any{
		"account", t.Target.AccountID,
		"logical_account", t.Target.LogicalAccountID,
		"region", t.Target.Region,
		"stack", t.Target.StackName,
		"action", t.Action.String(),
	}
}

