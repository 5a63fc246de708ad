package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/picklr-io/orgform/internal/ir"
)

// PerformFunc applies the change of a task.
type PerformFunc func(ctx context.Context) error

// DependencyFunc reports whether other must finish successfully before the
// task it belongs to may start.
type DependencyFunc func(other *Task) bool

// Task is one create, update or delete of a single target.
type Task struct {
	Action ir.Action
	Target ir.Target
	// Hash is the desired content hash; empty for deletes.
	Hash string

	stack     *ir.DesiredStack
	prior     *ir.TargetState
	perform   PerformFunc
	dependsOn DependencyFunc
}

// NewTask builds a task from its parts. A nil dependsOn means the task has
// no prerequisites.
func NewTask(action ir.Action, target ir.Target, hash string, perform PerformFunc, dependsOn DependencyFunc) *Task {
	return &Task{
		Action:    action,
		Target:    target,
		Hash:      hash,
		perform:   perform,
		dependsOn: dependsOn,
	}
}

// IsDependency answers whether other must complete before t may start.
func (t *Task) IsDependency(other *Task) bool {
	if t.dependsOn == nil || other == t {
		return false
	}
	return t.dependsOn(other)
}

// Perform executes the change.
func (t *Task) Perform(ctx context.Context) error {
	if t.perform == nil {
		return fmt.Errorf("task %s %s has nothing to perform", t.Action, t.Target)
	}
	return t.perform(ctx)
}

func (t *Task) String() string {
	return fmt.Sprintf("%s %s", t.Action, t.Target)
}

// Recorder is the part of the persisted state a run mutates.
type Recorder interface {
	SetTarget(ts ir.TargetState) error
	RemoveTarget(t ir.Target) bool
}

// record stores the outcome of a successful perform.
func (t *Task) record(rec Recorder) error {
	if t.Action == ir.ActionDelete {
		rec.RemoveTarget(t.Target)
		return nil
	}

	ts := ir.TargetState{
		LogicalAccountID:  t.Target.LogicalAccountID,
		AccountID:         t.Target.AccountID,
		Region:            t.Target.Region,
		StackName:         t.Target.StackName,
		LastCommittedHash: t.Hash,
	}
	if t.stack != nil {
		ts.DependsOnAccounts = slices.Clone(t.stack.DependsOnAccounts)
		ts.DependsOnRegions = slices.Clone(t.stack.DependsOnRegions)
		ts.TerminationProtection = t.stack.TerminationProtection
	}
	return rec.SetTarget(ts)
}
