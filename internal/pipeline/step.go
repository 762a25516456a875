package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Roots are the fixed source and output directories shared by all steps.
type Roots struct {
	Source string
	Output string
}

// Step reads the files matching Sources and runs them through Stages.
type Step struct {
	Name    string
	Roots   Roots
	Sources []string
	// Ignore removes matches; patterns use the same syntax as Sources.
	Ignore []string
	// Base overrides the glob parent used to compute relative paths. It is
	// relative to the source root; "." keeps the full relative path.
	Base   string
	Stages []Stage
}

// Run executes the step. Files that fail in one stage are dropped from the
// remaining stages; the combined error is returned once every file has been
// attempted.
func (s *Step) Run(ctx context.Context) error {
	start := time.Now()
	files, errs := s.read()
	pc := &Context{SourceRoot: s.Roots.Source, OutputRoot: s.Roots.Output, Step: s.Name}
	for _, f := range files {
		pc.InFlight = append(pc.InFlight, f.Path)
	}
	for _, st := range s.Stages {
		if len(files) == 0 {
			break
		}
		out, err := st.Transform(ctx, pc, files)
		errs = multierr.Append(errs, err)
		files = out
		pc.InFlight = pc.InFlight[:0]
		for _, f := range files {
			pc.InFlight = append(pc.InFlight, f.Path)
		}
	}
	ev := log.Debug()
	if errs != nil {
		ev = log.Warn().Err(errs)
	}
	ev.Str("step", s.Name).Int("files", len(files)).Dur("elapsed", time.Since(start)).Msg("Step finished")
	return errs
}

// Match expands the step's globs into files without transforming them.
func (s *Step) Match() ([]*File, error) {
	return s.read()
}

func (s *Step) read() ([]*File, error) {
	fsys := os.DirFS(s.Roots.Source)
	seen := map[string]bool{}
	var files []*File
	var errs error
	for _, pattern := range s.Sources {
		pattern = path.Clean(filepath.ToSlash(pattern))
		base := s.Base
		if base == "" {
			base, _ = doublestar.SplitPattern(pattern)
		}
		if !isGlob(pattern) {
			if _, err := fs.Stat(fsys, pattern); err != nil {
				errs = multierr.Append(errs, &FileSystemError{Op: "open", Path: filepath.Join(s.Roots.Source, pattern), Err: err})
				continue
			}
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			errs = multierr.Append(errs, &FileSystemError{Op: "glob", Path: pattern, Err: err})
			continue
		}
		sort.Strings(matches)
		for _, m := range matches {
			if seen[m] || s.ignored(m) {
				continue
			}
			seen[m] = true
			abs := filepath.Join(s.Roots.Source, filepath.FromSlash(m))
			data, err := os.ReadFile(abs)
			if err != nil {
				errs = multierr.Append(errs, &FileSystemError{Op: "read", Path: abs, Err: err})
				continue
			}
			files = append(files, &File{Path: relativeTo(base, m), Source: abs, Contents: data})
		}
	}
	return files, errs
}

func (s *Step) ignored(name string) bool {
	for _, p := range s.Ignore {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func relativeTo(base, name string) string {
	if base == "" || base == "." {
		return name
	}
	prefix := strings.TrimSuffix(base, "/") + "/"
	if strings.HasPrefix(name, prefix) {
		return name[len(prefix):]
	}
	return name
}

// IsFileSystemError reports whether err contains a FileSystemError.
func IsFileSystemError(err error) bool {
	return errors.Is(err, ErrFileSystem)
}
