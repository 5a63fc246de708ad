package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/picklr-io/orgform/internal/binding"
	"github.com/picklr-io/orgform/internal/logging"
	"github.com/picklr-io/orgform/internal/provider"
	"github.com/picklr-io/orgform/internal/state"
)

// RunStatus is the terminal outcome of a coordinated run.
type RunStatus int

const (
	// StatusUpToDate means no task was needed and nothing was saved.
	StatusUpToDate RunStatus = iota + 1
	// StatusCompleted means every task ran, failures stayed within tolerance
	// and the state was saved.
	StatusCompleted
	// StatusAborted means the failure tolerance was exceeded.
	StatusAborted
)

func (s RunStatus) String() string {
	switch s {
	case StatusUpToDate:
		return "up-to-date"
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("RunStatus(%d)", int(s))
	}
}

// RunResult describes how a command invocation ended. Outcome is nil when
// no task ran.
type RunResult struct {
	StackName string
	Status    RunStatus
	Outcome   *RunOutcome
}

// Coordinator orchestrates one command invocation: load state, compute
// tasks, run them, save state.
type Coordinator struct {
	Backend   state.Backend
	Performer provider.Performer
	Callback  TaskCallback
}

// UpdateStacksInput are the inputs of update-stacks.
type UpdateStacksInput struct {
	Template *binding.Template
	Binding  binding.Options
	Run      RunOptions
}

// DeleteStacksInput are the inputs of delete-stacks.
type DeleteStacksInput struct {
	StackName string
	Run       RunOptions
}

// UpdateStacks converges the stacks bound from the template. Deployed
// targets of the same stack that are no longer bound are deleted.
func (c *Coordinator) UpdateStacks(ctx context.Context, in UpdateStacksInput) (*RunResult, error) {
	stackName := in.Binding.StackName
	if stackName == "" {
		return nil, fmt.Errorf("stack name is required")
	}
	if in.Template == nil {
		return nil, fmt.Errorf("template is required")
	}

	return c.withState(ctx, func(st *state.State) (*RunResult, error) {
		master := in.Template.Organization.Master.AccountID
		if stored := st.MasterAccountID(); stored != "" && stored != master {
			return nil, fmt.Errorf("failed to bind template: organization master account %s does not match state master account %s", master, stored)
		}
		st.AdoptMasterAccount(master)

		stacks, err := binding.Bind(in.Template, in.Binding)
		if err != nil {
			return nil, fmt.Errorf("failed to bind template: %w", err)
		}
		tasks, err := EnumerateTasks(stacks, st.Targets(stackName), c.Performer)
		if err != nil {
			return nil, fmt.Errorf("failed to bind template: %w", err)
		}
		in.Run.StackName = stackName
		return c.execute(ctx, st, tasks, in.Run, fmt.Sprintf("stack %s already up to date", stackName))
	})
}

// DeleteStacks deletes every deployed target of a stack.
func (c *Coordinator) DeleteStacks(ctx context.Context, in DeleteStacksInput) (*RunResult, error) {
	if in.StackName == "" {
		return nil, fmt.Errorf("stack name is required")
	}

	return c.withState(ctx, func(st *state.State) (*RunResult, error) {
		tasks, err := EnumerateTasks(nil, st.Targets(in.StackName), c.Performer)
		if err != nil {
			return nil, err
		}
		in.Run.StackName = in.StackName
		return c.execute(ctx, st, tasks, in.Run, fmt.Sprintf("stack %s has no deployed targets", in.StackName))
	})
}

// withState runs fn with the state loaded under the state lock and saves the
// state fn leaves behind when any task finished.
func (c *Coordinator) withState(ctx context.Context, fn func(st *state.State) (*RunResult, error)) (res *RunResult, err error) {
	logger := logging.FromContext(ctx)

	if err := c.Backend.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to lock state: %w", err)
	}
	defer func() {
		if unlockErr := c.Backend.Unlock(ctx); unlockErr != nil {
			logger.Warn("failed to unlock state", "location", c.Backend.Location(), "error", unlockErr.Error())
		}
	}()

	st, err := c.Backend.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	res, err = fn(st)
	if res == nil || res.Outcome == nil || res.Outcome.Finished() == 0 {
		return res, err
	}

	if saveErr := c.Backend.Write(ctx, st); saveErr != nil {
		saveErr = fmt.Errorf("%w: %d stack(s) were changed but the state could not be saved to %s: %w",
			ErrStateOutOfSync, res.Outcome.Succeeded, c.Backend.Location(), saveErr)
		return res, errors.Join(err, saveErr)
	}
	logger.Debug("state saved", "location", c.Backend.Location(), "serial", st.Serial())

	if err == nil && res.Status == StatusCompleted {
		logger.Info("done", "stack", res.StackName,
			"succeeded", res.Outcome.Succeeded, "failed", res.Outcome.Failed, "skipped", res.Outcome.Skipped)
	}
	return res, err
}

func (c *Coordinator) execute(ctx context.Context, st *state.State, tasks []*Task, opts RunOptions, upToDate string) (*RunResult, error) {
	logger := logging.FromContext(ctx)
	if len(tasks) == 0 {
		logger.Info(upToDate, "stack", opts.StackName)
		return &RunResult{StackName: opts.StackName, Status: StatusUpToDate}, nil
	}

	outcome := RunTasks(ctx, tasks, st, opts, c.Callback)
	if outcome.ToleranceExceeded {
		return &RunResult{StackName: opts.StackName, Status: StatusAborted, Outcome: outcome},
			fmt.Errorf("%w: %d failed, %d skipped, tolerance %d", ErrToleranceExceeded, outcome.Failed, outcome.Skipped, opts.FailedTolerance)
	}
	return &RunResult{StackName: opts.StackName, Status: StatusCompleted, Outcome: outcome}, nil
}
