package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/assetflow/pkg/api"
)

type countingRunnable struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingRunnable) Run(ctx context.Context) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.err
}

func (c *countingRunnable) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRegisterResolveRoundTrip(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"clean", "css", "html", "watch:css"} {
		r := &countingRunnable{}
		_, err := reg.Register(name, r)
		require.NoError(t, err)

		got, err := reg.Resolve(name)
		require.NoError(t, err)
		assert.Same(t, r, got.Runnable)
		assert.Equal(t, name, got.Name)
	}
	assert.Equal(t, []string{"clean", "css", "html", "watch:css"}, reg.Names())
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("css", &countingRunnable{})
	require.NoError(t, err)

	_, err = reg.Register("css", &countingRunnable{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateTask)
	var dup *DuplicateTaskError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "css", dup.Name)
}

func TestRegisterRejectsEmpty(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("", &countingRunnable{})
	assert.Error(t, err)
	_, err = reg.Register("x", nil)
	assert.Error(t, err)
}

func TestResolveUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("css", &countingRunnable{})
	require.NoError(t, err)

	for _, name := range []string{"", "CSS", "html", "css "} {
		_, err := reg.Resolve(name)
		assert.ErrorIs(t, err, ErrUnknownTask, name)
		var unknown *UnknownTaskError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, name, unknown.Name)
	}
}

func TestRefRequiresRegisteredChildren(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Refs("clean", "copy")
	assert.ErrorIs(t, err, ErrUnknownTask)

	_, err = reg.Register("clean", &countingRunnable{})
	require.NoError(t, err)
	children, err := reg.Refs("clean")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestTaskFailedErrorKeepsInnermostName(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	inner, err := reg.Register("css", Func(func(ctx context.Context) error { return boom }))
	require.NoError(t, err)
	outer, err := reg.Register("build", Sequence(inner))
	require.NoError(t, err)

	err = outer.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var failed *TaskFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "css", failed.Task)
	assert.Equal(t, "task css: boom", err.Error())
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished map[string]error
}

func (o *recordingObserver) TaskStarted(name string) {
	o.mu.Lock()
	o.started = append(o.started, name)
	o.mu.Unlock()
}

func (o *recordingObserver) TaskFinished(name string, elapsed time.Duration, err error) {
	o.mu.Lock()
	if o.finished == nil {
		o.finished = map[string]error{}
	}
	o.finished[name] = err
	o.mu.Unlock()
}

func TestObserverSeesNamedRuns(t *testing.T) {
	reg := NewRegistry()
	obs := &recordingObserver{}
	reg.Observe(obs)

	a, err := reg.Register("a", &countingRunnable{})
	require.NoError(t, err)
	b, err := reg.Register("b", &countingRunnable{err: errors.New("nope")})
	require.NoError(t, err)
	all, err := reg.Register("all", Sequence(a, b))
	require.NoError(t, err)

	require.Error(t, all.Run(context.Background()))
	assert.Equal(t, []string{"all", "a", "b"}, obs.started)
	assert.NoError(t, obs.finished["a"])
	assert.Error(t, obs.finished["b"])
	assert.Error(t, obs.finished["all"])
}

func TestKindOf(t *testing.T) {
	reg := NewRegistry()
	leaf, err := reg.Register("leaf", Func(func(context.Context) error { return nil }))
	require.NoError(t, err)
	seq, err := reg.Register("seq", Sequence(leaf))
	require.NoError(t, err)
	par, err := reg.Register("par", Concurrent(leaf))
	require.NoError(t, err)

	assert.Equal(t, api.KindLeaf, leaf.Kind())
	assert.Equal(t, api.KindSequence, seq.Kind())
	assert.Equal(t, api.KindConcurrent, par.Kind())
}

func TestSharedChildNeverOverlaps(t *testing.T) {
	reg := NewRegistry()
	var running, maxSeen, runs atomic.Int32
	html, err := reg.Register("html", Func(func(ctx context.Context) error {
		n := running.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		runs.Add(1)
		return nil
	}))
	require.NoError(t, err)
	noop := Func(func(context.Context) error { return nil })
	sprite, err := reg.Register("watch:sprite", Sequence(noop, html))
	require.NoError(t, err)
	page, err := reg.Register("watch:html", Sequence(html, noop))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, tk := range []*Task{sprite, page, sprite, page} {
		wg.Add(1)
		go func(tk *Task) {
			defer wg.Done()
			assert.NoError(t, tk.Run(context.Background()))
		}(tk)
	}
	wg.Wait()
	assert.EqualValues(t, 4, runs.Load())
	assert.EqualValues(t, 1, maxSeen.Load())
}

func TestWaitingRunHonorsCancel(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	entered := make(chan struct{})
	slow, err := reg.Register("slow", Func(func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}))
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() { first <- slow.Run(context.Background()) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = slow.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var failed *TaskFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "slow", failed.Task)

	close(release)
	assert.NoError(t, <-first)
}
