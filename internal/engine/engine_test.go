package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/picklr-io/orgform/internal/ir"
	"github.com/picklr-io/orgform/internal/logging"
	"github.com/picklr-io/orgform/internal/state"
)

const testStack = "my-stack"

func testTarget(account, region string) ir.Target {
	return ir.Target{
		LogicalAccountID: "Account" + account,
		AccountID:        account,
		Region:           region,
		StackName:        testStack,
	}
}

// testTask builds a create task that waits for deps.
func testTask(account string, perform PerformFunc, deps ...*Task) *Task {
	return NewTask(ir.ActionCreate, testTarget(account, "eu-central-1"), "hash-"+account, perform,
		func(other *Task) bool { return slices.Contains(deps, other) })
}

func succeed(context.Context) error { return nil }

func fail(msg string) PerformFunc {
	return func(context.Context) error { return errors.New(msg) }
}

// recordingContext returns a context whose logger captures every record.
func recordingContext() (context.Context, *logging.Recorder) {
	rec := logging.NewRecorder()
	return logging.WithLogger(context.Background(), slog.New(rec)), rec
}

// fakePerformer records calls and fails the accounts listed in failures.
type fakePerformer struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
	delay    time.Duration

	running    atomic.Int32
	maxRunning atomic.Int32
}

func (p *fakePerformer) do(action ir.Action, target ir.Target) error {
	n := p.running.Add(1)
	defer p.running.Add(-1)
	for {
		peak := p.maxRunning.Load()
		if n <= peak || p.maxRunning.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	p.calls = append(p.calls, action.String()+" "+target.AccountID+"/"+target.Region)
	p.mu.Unlock()
	return p.failures[target.AccountID]
}

func (p *fakePerformer) Create(_ context.Context, s *ir.DesiredStack) error {
	return p.do(ir.ActionCreate, s.Target)
}

func (p *fakePerformer) Update(_ context.Context, s *ir.DesiredStack) error {
	return p.do(ir.ActionUpdate, s.Target)
}

func (p *fakePerformer) Delete(_ context.Context, t ir.Target) error {
	return p.do(ir.ActionDelete, t)
}

func (p *fakePerformer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := slices.Clone(p.calls)
	slices.Sort(out)
	return out
}

// memBackend is an in-memory state backend.
type memBackend struct {
	mu       sync.Mutex
	master   string
	saved    []byte
	writes   int
	writeErr error
	readErr  error
	lockErr  error
	locked   bool
}

func newMemBackend(t *testing.T, master string, targets ...ir.TargetState) *memBackend {
	t.Helper()
	b := &memBackend{master: master}
	if len(targets) > 0 {
		st := state.NewEmpty(master)
		for _, ts := range targets {
			if err := st.SetTarget(ts); err != nil {
				t.Fatal(err)
			}
		}
		data, err := st.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		b.saved = data
	}
	return b
}

func (b *memBackend) Read(context.Context) (*state.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	if b.saved == nil {
		return state.NewEmpty(b.master), nil
	}
	return state.Parse(b.saved)
}

func (b *memBackend) Write(_ context.Context, st *state.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	if b.writeErr != nil {
		return b.writeErr
	}
	data, err := st.Marshal()
	if err != nil {
		return err
	}
	b.saved = data
	return nil
}

func (b *memBackend) Lock(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockErr != nil {
		return b.lockErr
	}
	if b.locked {
		return errors.New("state is locked by another process")
	}
	b.locked = true
	return nil
}

func (b *memBackend) Unlock(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked = false
	return nil
}

func (b *memBackend) Location() string { return "memory://state.json" }

func (b *memBackend) state(t *testing.T) *state.State {
	t.Helper()
	st, err := b.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return st
}
