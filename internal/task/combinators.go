package task

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/3cpo-dev/assetflow/pkg/api"
)

// Group is a composite runnable produced by Sequence or Concurrent.
type Group struct {
	kind     api.TaskKind
	children []Runnable
}

func (g *Group) Kind() api.TaskKind { return g.kind }

// Children returns the composed runnables in declaration order.
func (g *Group) Children() []Runnable {
	out := make([]Runnable, len(g.children))
	copy(out, g.children)
	return out
}

func (g *Group) Run(ctx context.Context) error {
	if g.kind == api.KindConcurrent {
		return g.runConcurrent(ctx)
	}
	return g.runSequence(ctx)
}

// Sequence runs children one after another and stops at the first failure.
// The failing child's error is returned as is.
func Sequence(children ...Runnable) *Group {
	return &Group{kind: api.KindSequence, children: children}
}

// Concurrent starts all children at once and waits for every one of them.
// Siblings are never cancelled; failures are combined in child order.
func Concurrent(children ...Runnable) *Group {
	return &Group{kind: api.KindConcurrent, children: children}
}

func (g *Group) runSequence(ctx context.Context) error {
	for _, c := range g.children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) runConcurrent(ctx context.Context) error {
	errs := make([]error, len(g.children))
	var wg sync.WaitGroup
	for i, c := range g.children {
		wg.Add(1)
		go func(i int, c Runnable) {
			defer wg.Done()
			errs[i] = c.Run(ctx)
		}(i, c)
	}
	wg.Wait()
	return multierr.Combine(errs...)
}
