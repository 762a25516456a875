// Package transform adapts external transformation tools to pipeline stages.
//
// Every collaborator sits behind a small interface so the orchestration layer
// never depends on how a stylesheet is compiled or an image is encoded.
package transform

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bep/godartsass/v2"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/assetflow/internal/pipeline"
)

// StyleRequest is one stylesheet to compile.
type StyleRequest struct {
	Source       []byte
	Path         string
	IncludePaths []string
}

// StyleCompiler turns SCSS into CSS.
type StyleCompiler interface {
	Compile(ctx context.Context, req StyleRequest) ([]byte, error)
	Close() error
}

// DartSass compiles through the Dart Sass embedded protocol. The compiler
// process is started on first use.
type DartSass struct {
	binary string

	mu sync.Mutex
	t  *godartsass.Transpiler
}

// NewDartSass creates a compiler that runs the given sass binary.
func NewDartSass(binary string) *DartSass {
	if binary == "" {
		binary = "sass"
	}
	return &DartSass{binary: binary}
}

func (d *DartSass) transpiler() (*godartsass.Transpiler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		return d.t, nil
	}
	t, err := godartsass.Start(godartsass.Options{
		DartSassEmbeddedFilename: d.binary,
		LogEventHandler: func(e godartsass.LogEvent) {
			log.Warn().Str("tool", "sass").Msg(e.Message)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start sass: %w", err)
	}
	d.t = t
	return t, nil
}

// Compile runs one stylesheet through Dart Sass.
func (d *DartSass) Compile(ctx context.Context, req StyleRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := d.transpiler()
	if err != nil {
		return nil, err
	}
	syntax := godartsass.SourceSyntaxSCSS
	switch strings.ToLower(filepath.Ext(req.Path)) {
	case ".sass":
		syntax = godartsass.SourceSyntaxSASS
	case ".css":
		syntax = godartsass.SourceSyntaxCSS
	}
	res, err := t.Execute(godartsass.Args{
		Source:       string(req.Source),
		URL:          "file://" + filepath.ToSlash(req.Path),
		IncludePaths: req.IncludePaths,
		OutputStyle:  godartsass.OutputStyleExpanded,
		SourceSyntax: syntax,
	})
	if err != nil {
		return nil, err
	}
	return []byte(res.CSS), nil
}

// Close stops the compiler process if it was started.
func (d *DartSass) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t == nil {
		return nil
	}
	err := d.t.Close()
	d.t = nil
	return err
}

// Sass compiles every stylesheet in the set and renames it to .css.
// Partials (names starting with an underscore) are dropped.
func Sass(c StyleCompiler, includePaths ...string) pipeline.Stage {
	return pipeline.PerFile("sass", func(ctx context.Context, pc *pipeline.Context, f *pipeline.File) (*pipeline.File, error) {
		if strings.HasPrefix(path.Base(f.Path), "_") {
			return nil, nil
		}
		incl := append([]string{filepath.Dir(f.Source)}, includePaths...)
		css, err := c.Compile(ctx, StyleRequest{Source: f.Contents, Path: f.Source, IncludePaths: incl})
		if err != nil {
			return nil, err
		}
		out := f.Clone()
		out.Contents = css
		out.Path = strings.TrimSuffix(f.Path, path.Ext(f.Path)) + ".css"
		return out, nil
	})
}
