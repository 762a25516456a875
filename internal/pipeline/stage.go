// Package pipeline turns source globs into output files through a chain of
// stages. A Step reads the matching files, hands the set to each Stage in
// turn and finishes once every file has been attempted.
package pipeline

import (
	"bytes"
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// File is one file in flight. Path is slash separated and relative to the
// glob base; Source is the absolute path the file was read from.
type File struct {
	Path     string
	Source   string
	Contents []byte
}

// Clone returns a copy with its own contents buffer.
func (f *File) Clone() *File {
	c := *f
	c.Contents = append([]byte(nil), f.Contents...)
	return &c
}

// Ext returns the lower-cased extension of the file's current path.
func (f *File) Ext() string {
	return strings.ToLower(path.Ext(f.Path))
}

// Context is created for every step invocation.
type Context struct {
	SourceRoot string
	OutputRoot string
	Step       string
	InFlight   []string
}

// Stage maps an input set to an output set. A stage may return a non-nil
// error together with the files that did succeed; those keep flowing.
type Stage interface {
	Name() string
	Transform(ctx context.Context, pc *Context, files []*File) ([]*File, error)
}

type stageFunc struct {
	name string
	fn   func(ctx context.Context, pc *Context, files []*File) ([]*File, error)
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Transform(ctx context.Context, pc *Context, files []*File) ([]*File, error) {
	return s.fn(ctx, pc, files)
}

// StageFunc builds a Stage from a set-level function.
func StageFunc(name string, fn func(ctx context.Context, pc *Context, files []*File) ([]*File, error)) Stage {
	return stageFunc{name: name, fn: fn}
}

// PerFile builds a Stage that transforms files independently. A failing file
// becomes a TransformationError and is dropped; a nil result drops the file
// silently.
func PerFile(name string, fn func(ctx context.Context, pc *Context, f *File) (*File, error)) Stage {
	return StageFunc(name, func(ctx context.Context, pc *Context, files []*File) ([]*File, error) {
		out := make([]*File, 0, len(files))
		var errs error
		for _, f := range files {
			res, err := fn(ctx, pc, f)
			if err != nil {
				errs = multierr.Append(errs, &TransformationError{Stage: name, Path: f.Path, Err: err})
				continue
			}
			if res != nil {
				out = append(out, res)
			}
		}
		return out, errs
	})
}

// Dest writes every file under OutputRoot/dir and passes the set on.
func Dest(dir string) Stage {
	return StageFunc("dest", func(ctx context.Context, pc *Context, files []*File) ([]*File, error) {
		var errs error
		out := make([]*File, 0, len(files))
		for _, f := range files {
			target := filepath.Join(pc.OutputRoot, filepath.FromSlash(dir), filepath.FromSlash(f.Path))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				errs = multierr.Append(errs, &FileSystemError{Op: "mkdir", Path: filepath.Dir(target), Err: err})
				continue
			}
			if err := os.WriteFile(target, f.Contents, 0o644); err != nil {
				errs = multierr.Append(errs, &FileSystemError{Op: "write", Path: target, Err: err})
				continue
			}
			log.Debug().Str("step", pc.Step).Str("file", target).Int("bytes", len(f.Contents)).Msg("Wrote file")
			out = append(out, f)
		}
		return out, errs
	})
}

// Rename replaces the base name of every file, keeping its directory.
func Rename(name string) Stage {
	return PerFile("rename", func(ctx context.Context, pc *Context, f *File) (*File, error) {
		c := *f
		c.Path = path.Join(path.Dir(f.Path), name)
		return &c, nil
	})
}

// Suffix inserts suffix before the extension: style.css -> style.min.css.
func Suffix(suffix string) Stage {
	return PerFile("suffix", func(ctx context.Context, pc *Context, f *File) (*File, error) {
		ext := path.Ext(f.Path)
		c := *f
		c.Path = strings.TrimSuffix(f.Path, ext) + suffix + ext
		return &c, nil
	})
}

// Concat joins all files, in order, into a single file named name. An empty
// input set produces no output.
func Concat(name string) Stage {
	return StageFunc("concat", func(ctx context.Context, pc *Context, files []*File) ([]*File, error) {
		if len(files) == 0 {
			return nil, nil
		}
		var buf bytes.Buffer
		for i, f := range files {
			if i > 0 {
				buf.WriteByte('\n')
			}
			buf.Write(f.Contents)
		}
		return []*File{{Path: name, Source: files[0].Source, Contents: buf.Bytes()}}, nil
	})
}

// Tap calls fn with the current set and passes it on unchanged.
func Tap(name string, fn func(ctx context.Context, files []*File)) Stage {
	return StageFunc(name, func(ctx context.Context, pc *Context, files []*File) ([]*File, error) {
		fn(ctx, files)
		return files, nil
	})
}
