package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/3cpo-dev/assetflow/internal/pipeline"
)

const maxIncludeDepth = 16

var includeTag = regexp.MustCompile(`(?is)<include\s+src\s*=\s*["']([^"']+)["'][^>]*?(?:/>|>.*?</include>)`)

type partial struct {
	modTime time.Time
	size    int64
	body    []byte
}

// Includer inlines <include src="..."> directives. A src is looked up
// relative to the project root first and then relative to the including file.
type Includer struct {
	root  string
	cache *lru.Cache[string, partial]
}

// NewIncluder creates an includer rooted at root.
func NewIncluder(root string) *Includer {
	c, _ := lru.New[string, partial](256)
	return &Includer{root: root, cache: c}
}

// Expand replaces include directives in body, recursively.
func (in *Includer) Expand(body []byte, from string) ([]byte, error) {
	return in.expand(body, from, 0)
}

func (in *Includer) expand(body []byte, from string, depth int) ([]byte, error) {
	if depth > maxIncludeDepth {
		return nil, fmt.Errorf("include depth exceeded in %s", from)
	}
	var firstErr error
	out := includeTag.ReplaceAllFunc(body, func(tag []byte) []byte {
		if firstErr != nil {
			return tag
		}
		src := string(includeTag.FindSubmatch(tag)[1])
		abs, err := in.locate(src, from)
		if err != nil {
			firstErr = err
			return tag
		}
		p, err := in.load(abs)
		if err != nil {
			firstErr = err
			return tag
		}
		expanded, err := in.expand(p, abs, depth+1)
		if err != nil {
			firstErr = err
			return tag
		}
		return expanded
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (in *Includer) locate(src, from string) (string, error) {
	candidates := []string{filepath.Join(in.root, filepath.FromSlash(src))}
	if from != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(from), filepath.FromSlash(src)))
	}
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("include %q: not found", src)
}

func (in *Includer) load(abs string) ([]byte, error) {
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat include: %w", err)
	}
	if p, ok := in.cache.Get(abs); ok && p.modTime.Equal(st.ModTime()) && p.size == st.Size() {
		return p.body, nil
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read include: %w", err)
	}
	in.cache.Add(abs, partial{modTime: st.ModTime(), size: st.Size(), body: b})
	return b, nil
}

// Include inlines partials into every file of the set.
func Include(in *Includer) pipeline.Stage {
	return pipeline.PerFile("include", func(ctx context.Context, pc *pipeline.Context, f *pipeline.File) (*pipeline.File, error) {
		b, err := in.Expand(f.Contents, f.Source)
		if err != nil {
			return nil, err
		}
		out := f.Clone()
		out.Contents = b
		return out, nil
	})
}
