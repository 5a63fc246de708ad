package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/picklr-io/orgform/internal/config"
	"github.com/picklr-io/orgform/internal/engine"
	"github.com/picklr-io/orgform/internal/provider"
	"github.com/picklr-io/orgform/internal/state"
)

// openBackend opens the state store selected by cfg.
func openBackend(ctx context.Context, cfg *config.Config) (state.Backend, error) {
	backend, err := state.NewBackend(ctx, cfg.BackendConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}
	return backend, nil
}

// loadPerformer initializes the configured provider.
func loadPerformer(ctx context.Context, cfg *config.Config) (provider.Performer, error) {
	registry := provider.NewRegistry(provider.Options{
		Profile:  cfg.Profile,
		RoleName: cfg.RoleName,
		Timeout:  cfg.Timeout,
	})
	if err := registry.LoadProvider(ctx, cfg.Provider); err != nil {
		return nil, err
	}
	return registry.Get(cfg.Provider)
}

func newCoordinator(ctx context.Context, cfg *config.Config) (*engine.Coordinator, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	performer, err := loadPerformer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &engine.Coordinator{Backend: backend, Performer: performer}, nil
}

// runOptions builds the task runner options for a stack.
func runOptions(cfg *config.Config, stackName string) engine.RunOptions {
	opts := engine.DefaultRunOptions()
	opts.StackName = stackName
	opts.MaxConcurrent = cfg.MaxConcurrentStacks
	opts.FailedTolerance = cfg.FailedStacksTolerance
	opts.CountSkippedAsFailed = cfg.CountSkippedAsFailed
	return opts
}

// renderResult prints the summary of a run.
func renderResult(w io.Writer, res *engine.RunResult) {
	if res == nil {
		return
	}
	if res.Outcome == nil {
		fmt.Fprintf(w, "Stack %s: %s\n", res.StackName, res.Status)
		return
	}
	o := res.Outcome
	fmt.Fprintf(w, "Stack %s: %s (%d succeeded, %d failed, %d skipped)\n",
		res.StackName, res.Status, o.Succeeded, o.Failed, o.Skipped)
}
