// Package task holds the task registry and the sequence/concurrent combinators
// the build graph is assembled from.
//
// A Runnable is any unit of work. Registering it under a name produces a Task;
// composites can only reference names that are already registered, so the
// graph is acyclic by construction.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/assetflow/pkg/api"
)

// Runnable is a unit of build work.
type Runnable interface {
	Run(ctx context.Context) error
}

// Func adapts a plain function to Runnable.
type Func func(ctx context.Context) error

func (f Func) Run(ctx context.Context) error { return f(ctx) }

// Kinded is implemented by runnables that are not plain leaves.
type Kinded interface {
	Kind() api.TaskKind
}

// KindOf reports the kind of r, defaulting to leaf.
func KindOf(r Runnable) api.TaskKind {
	if k, ok := r.(Kinded); ok {
		return k.Kind()
	}
	return api.KindLeaf
}

// Observer receives lifecycle callbacks for every named task run.
type Observer interface {
	TaskStarted(name string)
	TaskFinished(name string, elapsed time.Duration, err error)
}

// Task is a registered, named runnable. Runs of the same task never overlap:
// a second caller waits for the first to finish, so two composites sharing a
// child cannot write its outputs at the same time.
type Task struct {
	Name     string
	Runnable Runnable

	reg  *Registry
	slot chan struct{}
}

// Kind returns the kind of the wrapped runnable.
func (t *Task) Kind() api.TaskKind { return KindOf(t.Runnable) }

// Run waits for any in-flight run of t, then executes the wrapped runnable
// and notifies the registry observers.
func (t *Task) Run(ctx context.Context) error {
	select {
	case t.slot <- struct{}{}:
	case <-ctx.Done():
		return &TaskFailedError{Task: t.Name, Err: ctx.Err()}
	}
	defer func() { <-t.slot }()

	log.Debug().Str("task", t.Name).Msg("Starting task")
	for _, o := range t.reg.observers() {
		o.TaskStarted(t.Name)
	}
	start := time.Now()
	err := t.Runnable.Run(ctx)
	elapsed := time.Since(start)
	if err != nil {
		var failed *TaskFailedError
		if !errors.As(err, &failed) {
			err = &TaskFailedError{Task: t.Name, Err: err}
		}
	}
	for _, o := range t.reg.observers() {
		o.TaskFinished(t.Name, elapsed, err)
	}
	return err
}

// Registry maps task names to tasks. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
	obs   []Observer
}

func NewRegistry() *Registry {
	return &Registry{tasks: map[string]*Task{}}
}

// Register stores r under name.
func (r *Registry) Register(name string, run Runnable) (*Task, error) {
	if name == "" {
		return nil, errors.New("register task: empty name")
	}
	if run == nil {
		return nil, fmt.Errorf("register task %q: nil runnable", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return nil, &DuplicateTaskError{Name: name}
	}
	t := &Task{Name: name, Runnable: run, reg: r, slot: make(chan struct{}, 1)}
	r.tasks[name] = t
	r.order = append(r.order, name)
	return t, nil
}

// Resolve returns the task registered under name.
func (r *Registry) Resolve(name string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	if !ok {
		return nil, &UnknownTaskError{Name: name}
	}
	return t, nil
}

// Ref resolves name for use as a child of a composite.
func (r *Registry) Ref(name string) (Runnable, error) {
	t, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Refs resolves every name, failing on the first unknown one.
func (r *Registry) Refs(names ...string) ([]Runnable, error) {
	out := make([]Runnable, 0, len(names))
	for _, n := range names {
		t, err := r.Ref(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Names returns registered names in insertion order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Observe adds an observer for named task runs.
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	r.obs = append(r.obs, o)
	r.mu.Unlock()
}

func (r *Registry) observers() []Observer {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.obs
}
