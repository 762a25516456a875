// Package core wires the build graph: configuration, the task registry, the
// transforms, the dev server, the watcher and the run history.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/3cpo-dev/assetflow/internal/deploy"
	"github.com/3cpo-dev/assetflow/internal/devserver"
	"github.com/3cpo-dev/assetflow/internal/task"
	"github.com/3cpo-dev/assetflow/internal/telemetry"
	"github.com/3cpo-dev/assetflow/internal/transform"
	"github.com/3cpo-dev/assetflow/internal/watcher"
)

// Deployer uploads the output tree to a target.
type Deployer func(ctx context.Context, t deploy.Target, localRoot string) (deploy.Report, error)

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithStyleCompiler replaces the Dart Sass compiler.
func WithStyleCompiler(c transform.StyleCompiler) Option {
	return func(o *Orchestrator) { o.compiler = c }
}

// WithDeployer replaces the SFTP deployer.
func WithDeployer(d Deployer) Option {
	return func(o *Orchestrator) { o.deployer = d }
}

// Orchestrator owns one build graph and its lifecycle state.
type Orchestrator struct {
	cfg       Config
	reg       *task.Registry
	collector *telemetry.Collector
	monitor   *telemetry.BuildMonitor
	server    *devserver.Server
	store     *Store
	compiler  transform.StyleCompiler
	minifier  *transform.Minifier
	includer  *transform.Includer
	deployer  Deployer
	state     *stateMachine

	mu      sync.Mutex
	watcher *watcher.Watcher
}

// New builds the orchestrator and registers the task graph.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	collector := telemetry.NewCollector(cfg.Telemetry.Enabled)
	monitor := telemetry.NewBuildMonitor(collector)
	o := &Orchestrator{
		cfg:       cfg,
		reg:       task.NewRegistry(),
		collector: collector,
		monitor:   monitor,
		server: devserver.New(devserver.Config{
			Host: cfg.Server.Host,
			Port: cfg.Server.Port,
			CORS: cfg.Server.CORS,
		}, monitor),
		minifier: transform.NewMinifier(),
		includer: transform.NewIncluder(cfg.Abs(".")),
		deployer: deploy.Deploy,
		state:    newStateMachine(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.compiler == nil {
		o.compiler = transform.NewDartSass(cfg.Sass.Binary)
	}

	if cfg.History.Enabled {
		store, err := NewStore(cfg.HistoryPath())
		if err != nil {
			return nil, err
		}
		o.store = store
		o.reg.Observe(store)
	}
	o.reg.Observe(monitor)
	o.reg.Observe(logObserver{})

	if err := o.registerGraph(); err != nil {
		_ = o.store.Close()
		return nil, err
	}
	return o, nil
}

// Registry returns the task registry.
func (o *Orchestrator) Registry() *task.Registry { return o.reg }

// State returns the lifecycle state.
func (o *Orchestrator) State() State { return o.state.State() }

// Server returns the dev server.
func (o *Orchestrator) Server() *devserver.Server { return o.server }

// Store returns the run history, or nil when history is disabled.
func (o *Orchestrator) Store() *Store { return o.store }

// Collector returns the metrics collector.
func (o *Orchestrator) Collector() *telemetry.Collector { return o.collector }

// Config returns the configuration in use.
func (o *Orchestrator) Config() Config { return o.cfg }

// Run resolves name and runs it to completion.
func (o *Orchestrator) Run(ctx context.Context, name string) error {
	if err := o.state.to(StateResolving); err != nil {
		return err
	}
	t, err := o.reg.Resolve(name)
	if err != nil {
		_ = o.state.to(StateFailed)
		return err
	}
	if err := o.state.to(StateRunning); err != nil {
		return err
	}
	log.Info().Str("task", name).Msg("Running")
	start := time.Now()
	err = t.Run(ctx)
	if err != nil {
		_ = o.state.to(StateFailed)
		log.Error().Err(err).Str("task", name).Dur("elapsed", time.Since(start)).Msg("Failed")
		return err
	}
	_ = o.state.to(StateCompleted)
	return nil
}

// Shutdown stops the server and watcher and releases the compiler and the
// history database.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	err = multierr.Append(err, o.server.Shutdown(ctx))
	o.mu.Lock()
	w := o.watcher
	o.watcher = nil
	o.mu.Unlock()
	if w != nil {
		if cerr := w.Close(); cerr != nil && !errors.Is(cerr, watcher.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	err = multierr.Append(err, o.compiler.Close())
	err = multierr.Append(err, o.store.Close())
	o.collector.Flush()
	return err
}

// serve starts the dev server on the output tree and re-runs tasks on
// source changes until ctx is done.
func (o *Orchestrator) serve(ctx context.Context) error {
	if err := o.server.Start(ctx, o.cfg.OutputDir()); err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		active int
	)
	hooks := watcher.Options{
		OnRunStart: func(name string) {
			mu.Lock()
			defer mu.Unlock()
			active++
			if active == 1 {
				_ = o.state.to(StateRunning)
			}
		},
		OnRunFinish: func(name string, elapsed time.Duration, err error) {
			mu.Lock()
			defer mu.Unlock()
			active--
			if active == 0 {
				_ = o.state.to(StateWatching)
			}
		},
	}
	w, err := watcher.New(o.cfg.SourceDir(), o.reg, hooks)
	if err != nil {
		return err
	}
	for _, b := range WatchBindings {
		if err := w.Watch(b.Pattern, b.Task, watcher.Policy{Debounce: o.cfg.Watch.Debounce}); err != nil {
			_ = w.Close()
			return err
		}
	}
	o.mu.Lock()
	o.watcher = w
	o.mu.Unlock()

	if err := o.state.to(StateWatching); err != nil {
		_ = w.Close()
		return err
	}
	log.Info().Str("source", o.cfg.SourceDir()).Msg("Watching for changes")
	err = w.Run(ctx)
	if cerr := w.Close(); cerr != nil && !errors.Is(cerr, watcher.ErrClosed) {
		err = multierr.Append(err, cerr)
	}
	o.mu.Lock()
	o.watcher = nil
	o.mu.Unlock()
	return err
}

// upload sends the output tree to the configured deploy target.
func (o *Orchestrator) upload(ctx context.Context) error {
	d := o.cfg.Deploy
	t := deploy.Target{
		Host:       d.Host,
		Port:       d.Port,
		User:       d.User,
		KeyPath:    o.cfg.Abs(d.KeyPath),
		KnownHosts: o.cfg.Abs(d.KnownHosts),
		AcceptNew:  d.AcceptNew,
		RemoteDir:  d.RemoteDir,
		Retries:    d.Retries,
		Timeout:    d.Timeout,
	}
	report, err := o.deployer(ctx, t, o.cfg.OutputDir())
	if err != nil {
		return fmt.Errorf("deploy to %s: %w", d.Host, err)
	}
	log.Debug().
		Int("uploaded", report.Uploaded).
		Int("skipped", report.Skipped).
		Int64("bytes", report.Bytes).
		Str("host", d.Host).
		Msg("Upload finished")
	return nil
}

// logObserver logs every finished named task.
type logObserver struct{}

func (logObserver) TaskStarted(name string) {
	log.Info().Str("task", name).Msg("Starting")
}

func (logObserver) TaskFinished(name string, elapsed time.Duration, err error) {
	if err != nil {
		log.Debug().Err(err).Str("task", name).Dur("elapsed", elapsed).Msg("Task errored")
		return
	}
	log.Info().Str("task", name).Dur("elapsed", elapsed).Msg("Finished")
}
