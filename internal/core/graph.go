package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3cpo-dev/assetflow/internal/pipeline"
	"github.com/3cpo-dev/assetflow/internal/task"
	"github.com/3cpo-dev/assetflow/internal/transform"
	"github.com/3cpo-dev/assetflow/internal/watcher"
	"github.com/3cpo-dev/assetflow/pkg/api"
)

// Task names of the build graph.
const (
	TaskClean         = "clean"
	TaskCopy          = "copy"
	TaskImages        = "images"
	TaskCSSVendor     = "css:vendor"
	TaskCSS           = "css"
	TaskSprite        = "sprite"
	TaskHTML          = "html"
	TaskScriptsVendor = "scripts:vendor"
	TaskScripts       = "scripts"
	TaskBuild         = "build"
	TaskRefresh       = "refresh"
	TaskRefreshCSS    = "refresh:css"
	TaskWatchCSS      = "watch:css"
	TaskWatchSprite   = "watch:sprite"
	TaskWatchHTML     = "watch:html"
	TaskWatchScripts  = "watch:scripts"
	TaskServer        = "server"
	TaskStart         = "start"
	TaskDefault       = "default"
	TaskWebP          = "webp"
	TaskUpload        = "upload"
	TaskDeploy        = "deploy"
)

// StylesheetPath is the stylesheet the css task produces, relative to the
// output root.
const StylesheetPath = "css/style.min.css"

// WatchBindings are the source globs the server task re-runs tasks for.
var WatchBindings = []watcher.Binding{
	{Pattern: "scss/**/*.scss", Task: TaskWatchCSS},
	{Pattern: "img/icon-*.svg", Task: TaskWatchSprite},
	{Pattern: "*.html", Task: TaskWatchHTML},
	{Pattern: "js/*.js", Task: TaskWatchScripts},
}

// watchTask marks the long-running server task.
type watchTask struct {
	run func(ctx context.Context) error
}

func (w watchTask) Run(ctx context.Context) error { return w.run(ctx) }
func (w watchTask) Kind() api.TaskKind            { return api.KindWatch }

// graph registers tasks and keeps the first error, so the build graph reads
// as a flat list of declarations.
type graph struct {
	reg *task.Registry
	err error
}

func (g *graph) add(name string, r task.Runnable) {
	if g.err != nil {
		return
	}
	if _, err := g.reg.Register(name, r); err != nil {
		g.err = err
	}
}

func (g *graph) refs(names ...string) []task.Runnable {
	if g.err != nil {
		return nil
	}
	rs, err := g.reg.Refs(names...)
	if err != nil {
		g.err = err
	}
	return rs
}

func (g *graph) ref(name string) task.Runnable {
	rs := g.refs(name)
	if len(rs) == 0 {
		return nil
	}
	return rs[0]
}

func (g *graph) seq(name string, children ...string) {
	g.add(name, task.Sequence(g.refs(children...)...))
}

func (o *Orchestrator) step(name string, sources, ignore []string, base string, stages ...pipeline.Stage) *pipeline.Step {
	stages = append(stages, pipeline.Tap("metrics", func(ctx context.Context, files []*pipeline.File) {
		var n int64
		for _, f := range files {
			n += int64(len(f.Contents))
		}
		o.monitor.RecordStep(name, len(files), n)
	}))
	return &pipeline.Step{
		Name:    name,
		Roots:   pipeline.Roots{Source: o.cfg.SourceDir(), Output: o.cfg.OutputDir()},
		Sources: sources,
		Ignore:  ignore,
		Base:    base,
		Stages:  stages,
	}
}

// registerGraph declares the canonical build graph. Children are always
// registered before the composites that use them.
func (o *Orchestrator) registerGraph() error {
	g := &graph{reg: o.reg}
	m := o.minifier
	imgOpts := transform.ImageOptions{PNGLevel: o.cfg.Images.PNGLevel, JPEGQuality: o.cfg.Images.JPEGQuality}

	g.add(TaskClean, task.Func(o.clean))
	g.add(TaskCopy, o.step(TaskCopy,
		[]string{"fonts/**/*.{woff,woff2}", "*.ico"}, nil, ".",
		pipeline.Dest(".")))
	g.add(TaskImages, o.step(TaskImages,
		[]string{"img/**/*.{png,jpg,jpeg,svg,gif,webp}"}, []string{"img/icon-*.svg"}, "",
		transform.OptimizeImages(imgOpts, m),
		pipeline.Dest("img")))
	g.add(TaskCSSVendor, o.step(TaskCSSVendor,
		[]string{"scss/vendor/*.css"}, nil, "",
		transform.Minify(m),
		pipeline.Concat("vendor.min.css"),
		pipeline.Dest("css")))
	g.add(TaskCSS, o.step(TaskCSS,
		[]string{"scss/style.scss"}, nil, "",
		transform.Sass(o.compiler, o.cfg.Sass.IncludePaths...),
		transform.Minify(m),
		pipeline.Rename(filepath.Base(StylesheetPath)),
		pipeline.Dest(filepath.Dir(StylesheetPath))))
	g.add(TaskSprite, o.step(TaskSprite,
		[]string{"img/icon-*.svg"}, nil, "",
		transform.Sprite("sprite.svg", true),
		pipeline.Dest("img")))

	htmlStages := []pipeline.Stage{transform.Include(o.includer)}
	if o.cfg.HTML.Minify {
		htmlStages = append(htmlStages, transform.Minify(m))
	}
	htmlStages = append(htmlStages, pipeline.Dest("."))
	g.add(TaskHTML, o.step(TaskHTML, []string{"*.html"}, nil, "", htmlStages...))

	g.add(TaskScriptsVendor, o.step(TaskScriptsVendor,
		[]string{"js/vendor/*.js"}, nil, "",
		pipeline.Concat("vendor.js"),
		pipeline.Dest("js")))
	g.add(TaskScripts, o.step(TaskScripts,
		[]string{"js/*.js"}, nil, "",
		pipeline.Concat("main.js"),
		pipeline.Dest("js"),
		transform.Minify(m),
		pipeline.Rename("main.min.js"),
		pipeline.Dest("js")))

	g.add(TaskBuild, task.Sequence(
		g.ref(TaskClean),
		task.Concurrent(g.refs(TaskCopy, TaskImages, TaskCSSVendor)...),
		g.ref(TaskCSS),
		g.ref(TaskSprite),
		g.ref(TaskHTML),
		task.Concurrent(g.refs(TaskScriptsVendor, TaskScripts)...),
	))

	g.add(TaskRefresh, task.Func(func(ctx context.Context) error {
		o.server.Reload()
		return nil
	}))
	g.add(TaskRefreshCSS, task.Func(func(ctx context.Context) error {
		o.server.ReloadCSS(StylesheetPath)
		return nil
	}))
	g.seq(TaskWatchCSS, TaskCSS, TaskRefreshCSS)
	g.seq(TaskWatchSprite, TaskSprite, TaskHTML, TaskRefresh)
	g.seq(TaskWatchHTML, TaskHTML, TaskRefresh)
	g.seq(TaskWatchScripts, TaskScripts, TaskRefresh)

	g.add(TaskServer, watchTask{run: o.serve})
	g.seq(TaskStart, TaskBuild, TaskServer)
	g.seq(TaskDefault, TaskStart)

	g.add(TaskWebP, o.step(TaskWebP,
		[]string{"img/**/*.{png,jpg,jpeg}"}, nil, "",
		transform.WebP(transform.WebPEncoder{Binary: o.cfg.WebP.Binary, Quality: o.cfg.WebP.Quality}),
		pipeline.Dest("img")))
	g.add(TaskUpload, task.Func(o.upload))
	g.seq(TaskDeploy, TaskBuild, TaskUpload)

	if g.err != nil {
		return fmt.Errorf("register build graph: %w", g.err)
	}
	return nil
}

// clean removes the output tree. It refuses to remove a directory that
// contains the source tree.
func (o *Orchestrator) clean(ctx context.Context) error {
	out := o.cfg.OutputDir()
	src := o.cfg.SourceDir()
	if out == filepath.Dir(out) || src == out || strings.HasPrefix(src, out+string(filepath.Separator)) {
		return &pipeline.FileSystemError{Op: "clean", Path: out, Err: fmt.Errorf("output directory contains the source tree")}
	}
	if err := os.RemoveAll(out); err != nil {
		return &pipeline.FileSystemError{Op: "clean", Path: out, Err: err}
	}
	return nil
}
