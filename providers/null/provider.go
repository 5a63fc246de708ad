// Package null provides a performer that deploys nothing. It keeps an
// in-memory record of the stacks it was asked to deploy, which makes it
// useful for rehearsing a run against a real state store.
package null

import (
	"context"
	"sort"
	"sync"

	"github.com/picklr-io/orgform/internal/ir"
	"github.com/picklr-io/orgform/internal/logging"
)

// Performer accepts every operation without touching the cloud.
type Performer struct {
	mu     sync.Mutex
	stacks map[ir.TargetKey]string
}

func New() *Performer {
	return &Performer{stacks: make(map[ir.TargetKey]string)}
}

func (p *Performer) Create(ctx context.Context, stack *ir.DesiredStack) error {
	return p.put(ctx, "create", stack)
}

func (p *Performer) Update(ctx context.Context, stack *ir.DesiredStack) error {
	return p.put(ctx, "update", stack)
}

func (p *Performer) Delete(ctx context.Context, target ir.Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logging.FromContext(ctx).Debug("null provider: delete", "target", target.String())

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stacks, target.Key())
	return nil
}

func (p *Performer) put(ctx context.Context, op string, stack *ir.DesiredStack) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logging.FromContext(ctx).Debug("null provider: "+op, "target", stack.Target.String(), "hash", stack.Hash)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stacks[stack.Target.Key()] = stack.Hash
	return nil
}

// deployed returns the targets currently held, ordered by stack, account and region.
func (p *Performer) deployed() []ir.TargetKey {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]ir.TargetKey, 0, len(p.stacks))
	for k := range p.stacks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.StackName != b.StackName {
			return a.StackName < b.StackName
		}
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		return a.Region < b.Region
	})
	return keys
}

// hash returns the hash last deployed to key.
func (p *Performer) hash(key ir.TargetKey) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.stacks[key]
	return h, ok
}
