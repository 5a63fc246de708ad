package engine

import (
	"fmt"
	"io"
)

// TaskGraph is the dependency graph of a task list, built by evaluating the
// dependency predicate of every task against every other task.
type TaskGraph struct {
	tasks      []*Task
	deps       [][]int // tasks each task waits for
	dependents [][]int // tasks waiting for each task
}

// NewTaskGraph builds the graph of tasks.
func NewTaskGraph(tasks []*Task) *TaskGraph {
	g := &TaskGraph{
		tasks:      tasks,
		deps:       make([][]int, len(tasks)),
		dependents: make([][]int, len(tasks)),
	}
	for i, t := range tasks {
		for j, other := range tasks {
			if i != j && t.IsDependency(other) {
				g.deps[i] = append(g.deps[i], j)
				g.dependents[j] = append(g.dependents[j], i)
			}
		}
	}
	return g
}

// Tasks returns the tasks of the graph in their original order.
func (g *TaskGraph) Tasks() []*Task {
	return g.tasks
}

// Dependencies returns the tasks t waits for.
func (g *TaskGraph) Dependencies(t *Task) []*Task {
	for i, candidate := range g.tasks {
		if candidate == t {
			out := make([]*Task, 0, len(g.deps[i]))
			for _, j := range g.deps[i] {
				out = append(out, g.tasks[j])
			}
			return out
		}
	}
	return nil
}

// Waves groups the tasks into the order a run with unlimited concurrency and
// no failures would start them: every task of a wave depends only on tasks
// of earlier waves.
func (g *TaskGraph) Waves() ([][]*Task, error) {
	inDegree := make([]int, len(g.tasks))
	var current []int
	for i := range g.tasks {
		inDegree[i] = len(g.deps[i])
		if inDegree[i] == 0 {
			current = append(current, i)
		}
	}

	var waves [][]*Task
	placed := 0
	for len(current) > 0 {
		wave := make([]*Task, 0, len(current))
		var next []int
		for _, i := range current {
			wave = append(wave, g.tasks[i])
			for _, dependent := range g.dependents[i] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		placed += len(wave)
		waves = append(waves, wave)
		current = next
	}

	if placed != len(g.tasks) {
		return waves, fmt.Errorf("%w among %d task(s)", ErrDependencyCycle, len(g.tasks)-placed)
	}
	return waves, nil
}

// WriteDOT writes the graph in Graphviz DOT format. Edges point from a task
// to the tasks it waits for.
func (g *TaskGraph) WriteDOT(w io.Writer) error {
	lines := []string{"digraph orgform {", "  rankdir = \"BT\";", "  node [shape = rect];", ""}
	for _, t := range g.tasks {
		lines = append(lines, fmt.Sprintf("  %q;", dotLabel(t)))
	}
	lines = append(lines, "")
	for i, t := range g.tasks {
		for _, j := range g.deps[i] {
			lines = append(lines, fmt.Sprintf("  %q -> %q;", dotLabel(t), dotLabel(g.tasks[j])))
		}
	}
	lines = append(lines, "}")

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func dotLabel(t *Task) string {
	return fmt.Sprintf("%s %s/%s (%s)", t.Action, t.Target.LogicalAccountID, t.Target.Region, t.Target.StackName)
}
