package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/picklr-io/orgform/internal/ir"
	"github.com/picklr-io/orgform/internal/provider"
)

// EnumerateTasks compares the desired stacks with the persisted targets and
// returns the tasks that converge one onto the other: a create for every
// desired target that was never deployed, an update for every target whose
// hash changed and a delete for every persisted target no longer desired.
// Converged targets produce nothing. It has no side effects.
func EnumerateTasks(desired []*ir.DesiredStack, persisted []*ir.TargetState, performer provider.Performer) ([]*Task, error) {
	prior := make(map[ir.TargetKey]*ir.TargetState, len(persisted))
	for _, ts := range persisted {
		prior[ts.Target().Key()] = ts
	}

	var tasks []*Task
	seen := make(map[ir.TargetKey]bool, len(desired))
	for _, ds := range desired {
		key := ds.Target.Key()
		if seen[key] {
			return nil, fmt.Errorf("target %s is bound more than once", ds.Target)
		}
		seen[key] = true

		action := ir.ActionCreate
		if ts, ok := prior[key]; ok {
			if ts.LastCommittedHash == ds.Hash {
				continue
			}
			action = ir.ActionUpdate
		}
		tasks = append(tasks, newStackTask(action, ds, performer))
	}

	for _, ts := range persisted {
		if seen[ts.Target().Key()] {
			continue
		}
		tasks = append(tasks, newDeleteTask(ts, performer))
	}
	return tasks, nil
}

func newStackTask(action ir.Action, ds *ir.DesiredStack, performer provider.Performer) *Task {
	t := &Task{
		Action: action,
		Target: ds.Target,
		Hash:   ds.Hash,
		stack:  ds,
	}
	t.perform = func(ctx context.Context) error {
		if action == ir.ActionCreate {
			return performer.Create(ctx, ds)
		}
		return performer.Update(ctx, ds)
	}
	t.dependsOn = func(other *Task) bool {
		if other.Action == ir.ActionDelete || other.Target.StackName != ds.Target.StackName {
			return false
		}
		return dependsOn(ds.Target, ds.DependsOnAccounts, ds.DependsOnRegions, other.Target)
	}
	return t
}

// newDeleteTask reverses the creation order recorded with the target: a
// delete waits for the deletes of every target that depended on it.
func newDeleteTask(ts *ir.TargetState, performer provider.Performer) *Task {
	target := ts.Target()
	t := &Task{
		Action: ir.ActionDelete,
		Target: target,
		prior:  ts,
	}
	t.perform = func(ctx context.Context) error {
		return performer.Delete(ctx, target)
	}
	t.dependsOn = func(other *Task) bool {
		if other.Action != ir.ActionDelete || other.prior == nil || other.Target.StackName != target.StackName {
			return false
		}
		return dependsOn(other.Target, other.prior.DependsOnAccounts, other.prior.DependsOnRegions, target)
	}
	return t
}

// dependsOn reports whether self, declaring the given account and region
// dependencies, must be deployed after other.
func dependsOn(self ir.Target, accounts, regions []string, other ir.Target) bool {
	if self.Key() == other.Key() {
		return false
	}
	if slices.Contains(accounts, other.LogicalAccountID) && other.AccountID != self.AccountID {
		return true
	}
	return other.AccountID == self.AccountID && slices.Contains(regions, other.Region)
}
