// Package watcher re-runs named tasks when files under the source root change.
//
// Each bound task name gets one worker goroutine with its own queue: every
// event enqueues one run per matching task name, however many of its
// bindings match, runs of the same task never overlap, and a failing run is
// logged without stopping the watcher.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/assetflow/internal/task"
)

// ErrClosed is returned by operations on a closed watcher.
var ErrClosed = errors.New("watcher closed")

// Resolver looks a task up by name at trigger time.
type Resolver interface {
	Resolve(name string) (*task.Task, error)
}

// Policy controls how events for one binding are turned into runs.
type Policy struct {
	// Debounce coalesces events arriving within the window into one run.
	// Zero runs once per event.
	Debounce time.Duration
}

// Binding ties a glob, relative to the watch root, to a task name.
type Binding struct {
	Pattern string
	Task    string
	Policy  Policy
}

// Event is a change to a path relative to the watch root (slash separated).
type Event struct {
	Path string
	Op   fsnotify.Op
}

// Options are optional hooks around triggered runs.
type Options struct {
	OnRunStart  func(name string)
	OnRunFinish func(name string, elapsed time.Duration, err error)
}

// Watcher dispatches filesystem events to task workers.
type Watcher struct {
	root     string
	resolver Resolver
	opts     Options

	mu       sync.Mutex
	bindings []Binding
	workers  map[string]*worker
	dirs     map[string]bool
	closed   bool

	fsw    *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher rooted at root.
func New(root string, resolver Resolver, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		root:     abs,
		resolver: resolver,
		opts:     opts,
		workers:  map[string]*worker{},
		dirs:     map[string]bool{},
		fsw:      fsw,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch binds pattern to the task registered under name.
func (w *Watcher) Watch(pattern, name string, policy Policy) error {
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("watch %q: invalid pattern", pattern)
	}
	if _, err := w.resolver.Resolve(name); err != nil {
		return fmt.Errorf("watch %q: %w", pattern, err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.bindings = append(w.bindings, Binding{Pattern: pattern, Task: name, Policy: policy})
	if _, ok := w.workers[name]; !ok {
		k := &worker{name: name, w: w, wake: make(chan struct{}, 1)}
		w.workers[name] = k
		w.wg.Add(1)
		go k.loop(w.ctx)
	}
	w.mu.Unlock()

	base, _ := doublestar.SplitPattern(pattern)
	dir := filepath.Join(w.root, filepath.FromSlash(base))
	if err := w.addTree(dir); err != nil {
		log.Warn().Err(err).Str("pattern", pattern).Msg("Watch directory unavailable")
	}
	log.Debug().Str("pattern", pattern).Str("task", name).Dur("debounce", policy.Debounce).Msg("Watching")
	return nil
}

// Bindings returns a copy of the registered bindings.
func (w *Watcher) Bindings() []Binding {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Binding, len(w.bindings))
	copy(out, w.bindings)
	return out
}

// Dispatch routes ev to every task with a matching binding and returns the
// number of tasks triggered. A task bound by several matching patterns runs
// once, with the longest of their debounce windows. Chmod-only events are
// ignored.
func (w *Watcher) Dispatch(ev Event) int {
	if ev.Op == fsnotify.Chmod {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0
	}
	var order []string
	debounce := map[string]time.Duration{}
	for _, b := range w.bindings {
		ok, err := doublestar.Match(b.Pattern, ev.Path)
		if err != nil || !ok {
			continue
		}
		d, seen := debounce[b.Task]
		if !seen {
			order = append(order, b.Task)
		}
		if !seen || b.Policy.Debounce > d {
			debounce[b.Task] = b.Policy.Debounce
		}
	}
	for _, name := range order {
		w.workers[name].trigger(debounce[name])
	}
	return len(order)
}

// Run processes filesystem events until ctx is done or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				log.Warn().Err(err).Str("dir", ev.Name).Msg("Failed to watch new directory")
			}
		}
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	w.Dispatch(Event{Path: filepath.ToSlash(rel), Op: ev.Op})
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		w.mu.Lock()
		seen := w.dirs[p]
		w.dirs[p] = true
		w.mu.Unlock()
		if seen {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

// Close stops the workers after their current run and releases the
// fsnotify handle. Queued runs are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, k := range w.workers {
		if k.timer != nil {
			k.timer.Stop()
		}
	}
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	return w.fsw.Close()
}

func (w *Watcher) runTask(ctx context.Context, name string) {
	if w.opts.OnRunStart != nil {
		w.opts.OnRunStart(name)
	}
	start := time.Now()
	t, err := w.resolver.Resolve(name)
	if err == nil {
		err = t.Run(ctx)
	}
	elapsed := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("task", name).Dur("elapsed", elapsed).Msg("Triggered task failed")
	} else {
		log.Info().Str("task", name).Dur("elapsed", elapsed).Msg("Triggered task finished")
	}
	if w.opts.OnRunFinish != nil {
		w.opts.OnRunFinish(name, elapsed, err)
	}
}

type worker struct {
	name  string
	w     *Watcher
	timer *time.Timer // guarded by w.mu

	mu      sync.Mutex
	pending int
	wake    chan struct{}
}

// trigger queues a run now, or after debounce of quiet. Callers hold k.w.mu.
func (k *worker) trigger(debounce time.Duration) {
	if debounce <= 0 {
		k.enqueue()
		return
	}
	if k.timer == nil {
		k.timer = time.AfterFunc(debounce, k.enqueue)
		return
	}
	k.timer.Reset(debounce)
}

func (k *worker) enqueue() {
	k.mu.Lock()
	k.pending++
	k.mu.Unlock()
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

func (k *worker) next() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pending == 0 {
		return false
	}
	k.pending--
	return true
}

func (k *worker) loop(ctx context.Context) {
	defer k.w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.wake:
		}
		for ctx.Err() == nil && k.next() {
			k.w.runTask(ctx, k.name)
		}
	}
}
