package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/picklr-io/orgform/internal/ir"
	"github.com/picklr-io/orgform/providers/cloudformation"
	"github.com/picklr-io/orgform/providers/null"
)

// Built-in performer names.
const (
	CloudFormation = "cloudformation"
	Null           = "null"
)

// Performer applies the changes of tasks to the cloud.
type Performer interface {
	Create(ctx context.Context, stack *ir.DesiredStack) error
	Update(ctx context.Context, stack *ir.DesiredStack) error
	Delete(ctx context.Context, target ir.Target) error
}

// Options configure the performers created by a Registry.
type Options struct {
	Profile  string
	RoleName string
	Timeout  time.Duration
}

// Registry manages the lifecycle of performers.
type Registry struct {
	mu         sync.RWMutex
	opts       Options
	performers map[string]Performer
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:       opts,
		performers: make(map[string]Performer),
	}
}

// Names lists the built-in performers.
func Names() []string {
	names := []string{CloudFormation, Null}
	sort.Strings(names)
	return names
}

// LoadProvider initializes and registers a performer.
func (r *Registry) LoadProvider(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.performers[name]; exists {
		return nil
	}

	var p Performer
	switch name {
	case CloudFormation:
		cf, err := cloudformation.New(ctx, cloudformation.Config{
			Profile:  r.opts.Profile,
			RoleName: r.opts.RoleName,
			Timeout:  r.opts.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize %s provider: %w", name, err)
		}
		p = cf
	case Null:
		p = null.New()
	default:
		return fmt.Errorf("unknown provider: %s (available: %s)", name, strings.Join(Names(), ", "))
	}

	r.performers[name] = p
	return nil
}

// Get returns a registered performer.
func (r *Registry) Get(name string) (Performer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.performers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}
