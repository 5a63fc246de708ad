package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/picklr-io/orgform/internal/ir"
	"github.com/picklr-io/orgform/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusOf(outcome *RunOutcome, task *Task) TaskStatus {
	for _, r := range outcome.Results {
		if r.Task == task {
			return r.Status
		}
	}
	return StatusPending
}

func resultOf(outcome *RunOutcome, task *Task) TaskResult {
	for _, r := range outcome.Results {
		if r.Task == task {
			return r
		}
	}
	return TaskResult{}
}

func TestRunTasks_RecordsSuccess(t *testing.T) {
	ctx, logs := recordingContext()
	st := state.NewEmpty("123456789012")
	task := testTask("111111111111", succeed)

	outcome := RunTasks(ctx, []*Task{task}, st, DefaultRunOptions(), nil)

	assert.Equal(t, 1, outcome.Succeeded)
	assert.Equal(t, 0, outcome.Failed)
	assert.False(t, outcome.ToleranceExceeded)
	assert.NoError(t, outcome.Err())

	ts, ok := st.GetTarget(task.Target)
	require.True(t, ok)
	assert.Equal(t, "hash-111111111111", ts.LastCommittedHash)
	assert.Equal(t, []string{"111111111111: stack my-stack created"}, logs.Messages(slog.LevelInfo))
	assert.Empty(t, logs.Messages(slog.LevelError))
}

func TestRunTasks_FailureLeavesStateUntouched(t *testing.T) {
	ctx, logs := recordingContext()
	st := state.NewEmpty("123456789012")
	require.NoError(t, st.SetTarget(ir.TargetState{
		LogicalAccountID: "Account111111111111", AccountID: "111111111111", Region: "eu-central-1",
		StackName: testStack, LastCommittedHash: "previous",
	}))

	task := NewTask(ir.ActionUpdate, testTarget("111111111111", "eu-central-1"), "next", fail("boom"), nil)
	outcome := RunTasks(ctx, []*Task{task}, st, DefaultRunOptions(), nil)

	assert.Equal(t, 1, outcome.Failed)
	assert.True(t, outcome.ToleranceExceeded)
	assert.ErrorContains(t, outcome.Err(), "boom")

	ts, ok := st.GetTarget(task.Target)
	require.True(t, ok)
	assert.Equal(t, "previous", ts.LastCommittedHash)

	errs := logs.Entries(slog.LevelError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "failed")
	assert.Contains(t, errs[0].Message, "stack my-stack")
	assert.Contains(t, errs[0].Message, "account 111111111111")
	assert.Equal(t, "update", errs[0].Attrs["action"])
}

func TestRunTasks_DeleteRemovesTarget(t *testing.T) {
	st := state.NewEmpty("123456789012")
	target := testTarget("111111111111", "eu-central-1")
	require.NoError(t, st.SetTarget(ir.TargetState{
		LogicalAccountID: target.LogicalAccountID, AccountID: target.AccountID, Region: target.Region,
		StackName: target.StackName, LastCommittedHash: "h",
	}))

	task := NewTask(ir.ActionDelete, target, "", succeed, nil)
	outcome := RunTasks(context.Background(), []*Task{task}, st, DefaultRunOptions(), nil)

	assert.Equal(t, 1, outcome.Succeeded)
	_, ok := st.GetTarget(target)
	assert.False(t, ok)
}

// A fails and B depends on A: B is never run.
func TestRunTasks_DependentOfFailedTaskIsSkipped(t *testing.T) {
	tests := []struct {
		name             string
		countSkipped     bool
		wantFailureCount int
	}{
		{name: "skips count toward tolerance", countSkipped: true, wantFailureCount: 2},
		{name: "skips tracked separately", countSkipped: false, wantFailureCount: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var bRan atomic.Bool
			a := testTask("111111111111", fail("boom"))
			b := testTask("222222222222", func(context.Context) error {
				bRan.Store(true)
				return nil
			}, a)

			opts := RunOptions{MaxConcurrent: 2, FailedTolerance: 5, CountSkippedAsFailed: tt.countSkipped}
			outcome := RunTasks(context.Background(), []*Task{b, a}, state.NewEmpty("m"), opts, nil)

			assert.False(t, bRan.Load())
			assert.Equal(t, StatusFailed, statusOf(outcome, a))
			assert.Equal(t, StatusSkipped, statusOf(outcome, b))
			assert.ErrorIs(t, resultOf(outcome, b).Error, ErrDependencyNotMet)
			assert.Equal(t, 1, outcome.Failed)
			assert.Equal(t, 1, outcome.Skipped)
			assert.Equal(t, tt.wantFailureCount, outcome.FailureCount)
			assert.False(t, outcome.ToleranceExceeded)
		})
	}
}

func TestRunTasks_SkipsCascade(t *testing.T) {
	a := testTask("111111111111", fail("boom"))
	b := testTask("222222222222", succeed, a)
	c := testTask("333333333333", succeed, b)

	outcome := RunTasks(context.Background(), []*Task{c, b, a}, state.NewEmpty("m"),
		RunOptions{MaxConcurrent: 1, FailedTolerance: 10, CountSkippedAsFailed: true}, nil)

	assert.Equal(t, StatusSkipped, statusOf(outcome, b))
	assert.Equal(t, StatusSkipped, statusOf(outcome, c))
	assert.Equal(t, 3, outcome.FailureCount)
}

func TestRunTasks_SkippedDependencyCanExceedTolerance(t *testing.T) {
	a := testTask("111111111111", fail("boom"))
	b := testTask("222222222222", succeed, a)
	var cRan atomic.Bool
	c := testTask("333333333333", func(context.Context) error {
		cRan.Store(true)
		return nil
	}, b)

	// The failure of a is tolerated, the skip of b is not.
	outcome := RunTasks(context.Background(), []*Task{a, b, c}, state.NewEmpty("m"),
		RunOptions{MaxConcurrent: 1, FailedTolerance: 1, CountSkippedAsFailed: true}, nil)

	assert.True(t, outcome.ToleranceExceeded)
	assert.False(t, cRan.Load())
	assert.Equal(t, StatusSkipped, statusOf(outcome, c))
}

func TestRunTasks_DependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) PerformFunc {
		return func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	a := testTask("111111111111", record("a"))
	b := testTask("222222222222", record("b"), a)
	c := testTask("333333333333", record("c"), a)
	d := testTask("444444444444", record("d"), b, c)

	outcome := RunTasks(context.Background(), []*Task{d, c, b, a}, state.NewEmpty("m"),
		RunOptions{MaxConcurrent: 4}, nil)

	require.Equal(t, 4, outcome.Succeeded)
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "d", order[3])
	assert.ElementsMatch(t, []string{"b", "c"}, order[1:3])
}

// Five independent tasks never run more than two at a time.
func TestRunTasks_ConcurrencyCeiling(t *testing.T) {
	var running, peak atomic.Int32
	perform := func(context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	var tasks []*Task
	for _, account := range []string{"111111111111", "222222222222", "333333333333", "444444444444", "555555555555"} {
		tasks = append(tasks, testTask(account, perform))
	}

	var started, inFlight, maxInFlight int
	callback := func(ev TaskEvent) {
		switch ev.Status {
		case EventStarted:
			started++
			inFlight++
			maxInFlight = max(maxInFlight, inFlight)
		case EventCompleted, EventFailed:
			inFlight--
		}
	}

	outcome := RunTasks(context.Background(), tasks, state.NewEmpty("m"), RunOptions{MaxConcurrent: 2}, callback)

	assert.Equal(t, 5, outcome.Succeeded)
	assert.Equal(t, 5, started)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
	assert.LessOrEqual(t, maxInFlight, 2)
}

func TestRunTasks_MaxConcurrentBelowOneIsSequential(t *testing.T) {
	perf := &fakePerformer{delay: 5 * time.Millisecond}
	var tasks []*Task
	for _, account := range []string{"111111111111", "222222222222", "333333333333"} {
		ds := &ir.DesiredStack{Target: testTarget(account, "eu-central-1"), Hash: "h"}
		tasks = append(tasks, newStackTask(ir.ActionCreate, ds, perf))
	}

	outcome := RunTasks(context.Background(), tasks, state.NewEmpty("m"), RunOptions{MaxConcurrent: 0}, nil)
	assert.Equal(t, 3, outcome.Succeeded)
	assert.Equal(t, int32(1), perf.maxRunning.Load())
}

// With tolerance 0 a failure stops scheduling, but siblings already running
// finish and are recorded.
func TestRunTasks_ToleranceStopsScheduling(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once

	slow := testTask("111111111111", func(context.Context) error {
		<-release
		return nil
	})
	failing := testTask("222222222222", fail("boom"))
	var laterRan atomic.Bool
	later := testTask("333333333333", func(context.Context) error {
		laterRan.Store(true)
		return nil
	})

	// slow keeps its slot until the failure has been handled.
	callback := func(ev TaskEvent) {
		if ev.Status == EventFailed {
			once.Do(func() { close(release) })
		}
	}

	st := state.NewEmpty("m")
	outcome := RunTasks(context.Background(), []*Task{slow, failing, later}, st,
		RunOptions{MaxConcurrent: 2, FailedTolerance: 0, CountSkippedAsFailed: true}, callback)

	assert.True(t, outcome.ToleranceExceeded)
	assert.False(t, laterRan.Load())
	assert.Equal(t, StatusSucceeded, statusOf(outcome, slow))
	assert.Equal(t, StatusFailed, statusOf(outcome, failing))
	assert.Equal(t, StatusSkipped, statusOf(outcome, later))
	assert.ErrorIs(t, resultOf(outcome, later).Error, ErrRunStopped)
	// Tasks skipped because the run stopped are not charged.
	assert.Equal(t, 1, outcome.FailureCount)

	_, ok := st.GetTarget(slow.Target)
	assert.True(t, ok)
}

func TestRunTasks_ToleranceAllowsFailures(t *testing.T) {
	tasks := []*Task{
		testTask("111111111111", fail("one")),
		testTask("222222222222", fail("two")),
		testTask("333333333333", succeed),
	}
	outcome := RunTasks(context.Background(), tasks, state.NewEmpty("m"),
		RunOptions{MaxConcurrent: 1, FailedTolerance: 2, CountSkippedAsFailed: true}, nil)

	assert.False(t, outcome.ToleranceExceeded)
	assert.Equal(t, 2, outcome.Failed)
	assert.Equal(t, 1, outcome.Succeeded)
	assert.Equal(t, 0, outcome.Skipped)
}

func TestRunTasks_Cycle(t *testing.T) {
	a := testTask("111111111111", succeed)
	b := testTask("222222222222", succeed, a)
	a.dependsOn = func(other *Task) bool { return other == b }
	free := testTask("333333333333", succeed)

	outcome := RunTasks(context.Background(), []*Task{a, b, free}, state.NewEmpty("m"),
		RunOptions{MaxConcurrent: 1, FailedTolerance: 5, CountSkippedAsFailed: true}, nil)

	assert.Equal(t, StatusSucceeded, statusOf(outcome, free))
	assert.ErrorIs(t, resultOf(outcome, a).Error, ErrDependencyCycle)
	assert.ErrorIs(t, resultOf(outcome, b).Error, ErrDependencyCycle)
	assert.Equal(t, 2, outcome.Skipped)
}

func TestRunTasks_StackNameFilter(t *testing.T) {
	mine := testTask("111111111111", succeed)
	var otherRan atomic.Bool
	other := NewTask(ir.ActionCreate, ir.Target{
		LogicalAccountID: "A", AccountID: "222222222222", Region: "eu-central-1", StackName: "other-stack",
	}, "h", func(context.Context) error {
		otherRan.Store(true)
		return nil
	}, nil)

	opts := DefaultRunOptions()
	opts.StackName = testStack
	outcome := RunTasks(context.Background(), []*Task{mine, other}, state.NewEmpty("m"), opts, nil)

	assert.Equal(t, 1, outcome.Succeeded)
	assert.Len(t, outcome.Results, 1)
	assert.False(t, otherRan.Load())
}

func TestRunTasks_PanicIsFailure(t *testing.T) {
	task := testTask("111111111111", func(context.Context) error { panic("kaboom") })
	outcome := RunTasks(context.Background(), []*Task{task}, state.NewEmpty("m"), DefaultRunOptions(), nil)

	assert.Equal(t, 1, outcome.Failed)
	assert.ErrorContains(t, resultOf(outcome, task).Error, "kaboom")
}

func TestRunTasks_CancelledContextStartsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	task := testTask("111111111111", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	outcome := RunTasks(ctx, []*Task{task}, state.NewEmpty("m"), DefaultRunOptions(), nil)

	assert.False(t, ran.Load())
	assert.Equal(t, 1, outcome.Skipped)
	assert.ErrorIs(t, resultOf(outcome, task).Error, context.Canceled)
}

func TestRunTasks_Events(t *testing.T) {
	a := testTask("111111111111", fail("boom"))
	b := testTask("222222222222", succeed, a)

	var events []string
	RunTasks(context.Background(), []*Task{a, b}, state.NewEmpty("m"),
		RunOptions{MaxConcurrent: 1, FailedTolerance: 5}, func(ev TaskEvent) {
			events = append(events, ev.Task.Target.AccountID+" "+ev.Status)
		})

	assert.Equal(t, []string{
		"111111111111 started",
		"111111111111 failed",
		"222222222222 skipped",
	}, events)
}

func TestTaskStatusString(t *testing.T) {
	assert.Equal(t, "succeeded", StatusSucceeded.String())
	assert.Equal(t, "skipped", StatusSkipped.String())
	assert.Equal(t, "TaskStatus(42)", TaskStatus(42).String())
}
