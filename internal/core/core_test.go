package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/assetflow/internal/deploy"
	"github.com/3cpo-dev/assetflow/internal/pipeline"
	"github.com/3cpo-dev/assetflow/internal/task"
	"github.com/3cpo-dev/assetflow/internal/transform"
	"github.com/3cpo-dev/assetflow/pkg/api"
)

var (
	importRule = regexp.MustCompile(`@import\s+["']([^"']+)["'];?`)
	varDecl    = regexp.MustCompile(`\$([\w-]+)\s*:\s*([^;]+);`)
)

// scssStub understands @import of partials, $variables and nothing else.
type scssStub struct{}

func (scssStub) Compile(ctx context.Context, req transform.StyleRequest) ([]byte, error) {
	var err error
	src := importRule.ReplaceAllStringFunc(string(req.Source), func(m string) string {
		name := importRule.FindStringSubmatch(m)[1]
		for _, dir := range req.IncludePaths {
			if b, rerr := os.ReadFile(filepath.Join(dir, "_"+name+".scss")); rerr == nil {
				return string(b)
			}
		}
		err = fmt.Errorf("can't find stylesheet to import: %s", name)
		return m
	})
	if err != nil {
		return nil, err
	}
	if strings.Count(src, "{") != strings.Count(src, "}") {
		return nil, fmt.Errorf("%s: expected \"}\"", req.Path)
	}
	vars := map[string]string{}
	for _, m := range varDecl.FindAllStringSubmatch(src, -1) {
		vars[m[1]] = strings.TrimSpace(m[2])
	}
	src = varDecl.ReplaceAllString(src, "")
	for k, v := range vars {
		src = strings.ReplaceAll(src, "$"+k, v)
	}
	return []byte(strings.TrimSpace(src)), nil
}

func (scssStub) Close() error { return nil }

func photo(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, (&png.Encoder{CompressionLevel: png.NoCompression}).Encode(&buf, img))
	return buf.Bytes()
}

func writeTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, body, 0o644))
	}
}

// project lays out a small site and returns a config rooted at it.
func project(t *testing.T) Config {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string][]byte{
		"source/scss/style.scss":      []byte("@import \"vars\";\nbody { margin: $gap; }\n"),
		"source/scss/_vars.scss":      []byte("$gap: 10px;\n"),
		"source/index.html":           []byte("<html><body><include src=\"source/partials/header.html\"></include><p>hi</p></body></html>\n"),
		"source/partials/header.html": []byte("<header>Site</header>"),
		"source/img/photo.png":        photo(t),
		"source/img/icon-star.svg":    []byte(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 10 10"><path d="M0 0h10v10z"/></svg>`),
		"source/js/app.js":            []byte("function add(a, b) {\n  return a + b;\n}\n"),
		"source/fonts/regular.woff2":  []byte("wOF2"),
	})
	cfg := DefaultConfig()
	cfg.Root = root
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	return cfg
}

func newOrchestrator(t *testing.T, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(cfg, append([]Option{WithStyleCompiler(scssStub{})}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func readOut(t *testing.T, cfg Config, rel string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(cfg.OutputDir(), filepath.FromSlash(rel)))
	require.NoError(t, err)
	return b
}

func TestBuildProducesSite(t *testing.T) {
	cfg := project(t)
	o := newOrchestrator(t, cfg)

	require.NoError(t, o.Run(context.Background(), TaskBuild))
	assert.Equal(t, StateCompleted, o.State())

	css, err := os.ReadDir(filepath.Join(cfg.OutputDir(), "css"))
	require.NoError(t, err)
	require.Len(t, css, 1)
	assert.Equal(t, "style.min.css", css[0].Name())
	assert.Equal(t, "body{margin:10px}", string(readOut(t, cfg, StylesheetPath)))

	html := string(readOut(t, cfg, "index.html"))
	assert.Contains(t, html, "<header>Site</header>")
	assert.Contains(t, html, "hi")
	assert.NotContains(t, html, "<include")

	src := photo(t)
	img := readOut(t, cfg, "img/photo.png")
	assert.LessOrEqual(t, len(img), len(src))
	_, err = png.Decode(bytes.NewReader(img))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.OutputDir(), "img", "icon-star.svg"))
	assert.True(t, os.IsNotExist(err), "icons only go into the sprite")

	assert.Contains(t, string(readOut(t, cfg, "img/sprite.svg")), `<symbol id="icon-star"`)
	assert.Equal(t, []byte("wOF2"), readOut(t, cfg, "fonts/regular.woff2"))
	assert.Contains(t, string(readOut(t, cfg, "js/main.js")), "return a + b;")
	assert.NotEmpty(t, readOut(t, cfg, "js/main.min.js"))

	runs, err := o.Store().Recent(context.Background(), TaskBuild, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, api.RunSucceeded, runs[0].Status)

	m, ok := o.Collector().Get("assetflow_step_files_total", map[string]string{"step": TaskCSS})
	require.True(t, ok)
	assert.Equal(t, 1.0, m.Value)
}

func TestBuildStopsOnStyleError(t *testing.T) {
	cfg := project(t)
	writeTree(t, cfg.Root, map[string][]byte{
		"source/scss/style.scss": []byte("body { margin: 0;\n"),
	})
	o := newOrchestrator(t, cfg)

	err := o.Run(context.Background(), TaskBuild)
	require.Error(t, err)
	var failed *task.TaskFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, TaskCSS, failed.Task)
	assert.ErrorIs(t, err, pipeline.ErrTransformation)
	assert.Equal(t, StateFailed, o.State())

	_, statErr := os.Stat(filepath.Join(cfg.OutputDir(), filepath.FromSlash(StylesheetPath)))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(cfg.OutputDir(), "index.html"))
	assert.True(t, os.IsNotExist(statErr), "later steps must not run")

	runs, err := o.Store().Recent(context.Background(), TaskCSS, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, api.RunFailed, runs[0].Status)
}

func TestRunUnknownTask(t *testing.T) {
	cfg := project(t)
	o := newOrchestrator(t, cfg)

	err := o.Run(context.Background(), "nope")
	assert.ErrorIs(t, err, task.ErrUnknownTask)
	assert.Equal(t, StateFailed, o.State())

	require.NoError(t, o.Run(context.Background(), TaskSprite))
	assert.Equal(t, StateCompleted, o.State())
}

func TestGraphRegistersEveryTask(t *testing.T) {
	o := newOrchestrator(t, project(t))
	names := o.Registry().Names()
	for _, n := range []string{
		TaskClean, TaskCopy, TaskImages, TaskCSSVendor, TaskCSS, TaskSprite, TaskHTML,
		TaskScriptsVendor, TaskScripts, TaskBuild, TaskRefresh, TaskRefreshCSS,
		TaskWatchCSS, TaskWatchSprite, TaskWatchHTML, TaskWatchScripts,
		TaskServer, TaskStart, TaskDefault, TaskWebP, TaskUpload, TaskDeploy,
	} {
		assert.Contains(t, names, n)
	}

	kind := func(name string) api.TaskKind {
		tk, err := o.Registry().Resolve(name)
		require.NoError(t, err)
		return tk.Kind()
	}
	assert.Equal(t, api.KindWatch, kind(TaskServer))
	assert.Equal(t, api.KindSequence, kind(TaskBuild))
	assert.Equal(t, api.KindLeaf, kind(TaskCSS))
}

func TestCleanRefusesToRemoveSource(t *testing.T) {
	cfg := project(t)
	cfg.Output = "."
	o := newOrchestrator(t, cfg)

	err := o.Run(context.Background(), TaskClean)
	assert.ErrorIs(t, err, pipeline.ErrFileSystem)
	_, statErr := os.Stat(cfg.SourceDir())
	assert.NoError(t, statErr)
}

func TestCleanRemovesOutput(t *testing.T) {
	cfg := project(t)
	writeTree(t, cfg.OutputDir(), map[string][]byte{"stale.txt": []byte("x")})
	o := newOrchestrator(t, cfg)

	require.NoError(t, o.Run(context.Background(), TaskClean))
	_, err := os.Stat(cfg.OutputDir())
	assert.True(t, os.IsNotExist(err))
}

func TestDeployUploadsOutput(t *testing.T) {
	cfg := project(t)
	cfg.Deploy.Host = "static.example.test"
	cfg.Deploy.User = "deploy"
	cfg.Deploy.RemoteDir = "/srv/www"

	var got deploy.Target
	var gotRoot string
	fake := func(ctx context.Context, tgt deploy.Target, root string) (deploy.Report, error) {
		got, gotRoot = tgt, root
		return deploy.Report{Uploaded: 3}, nil
	}
	o := newOrchestrator(t, cfg, WithDeployer(fake))

	require.NoError(t, o.Run(context.Background(), TaskDeploy))
	assert.Equal(t, cfg.OutputDir(), gotRoot)
	assert.Equal(t, "static.example.test", got.Host)
	assert.Equal(t, "/srv/www", got.RemoteDir)
	assert.True(t, filepath.IsAbs(got.KeyPath))
	assert.FileExists(t, filepath.Join(gotRoot, filepath.FromSlash(StylesheetPath)))
}

func TestDeployFailureIsReported(t *testing.T) {
	cfg := project(t)
	cfg.Deploy.Host = "static.example.test"
	fake := func(ctx context.Context, tgt deploy.Target, root string) (deploy.Report, error) {
		return deploy.Report{}, errors.New("connection refused")
	}
	o := newOrchestrator(t, cfg, WithDeployer(fake))

	err := o.Run(context.Background(), TaskUpload)
	var failed *task.TaskFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, TaskUpload, failed.Task)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestStartWatchesAndRebuilds(t *testing.T) {
	cfg := project(t)
	o := newOrchestrator(t, cfg)

	var mu sync.Mutex
	var moves []string
	o.state.onMove = func(from, to State) {
		mu.Lock()
		moves = append(moves, string(from)+">"+string(to))
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, TaskStart) }()

	require.Eventually(t, func() bool { return o.State() == StateWatching }, 10*time.Second, 20*time.Millisecond)
	assert.True(t, o.Server().Running())
	assert.Equal(t, "body{margin:10px}", string(readOut(t, cfg, StylesheetPath)))

	writeTree(t, cfg.Root, map[string][]byte{"source/scss/_vars.scss": []byte("$gap: 20px;\n")})
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(cfg.OutputDir(), filepath.FromSlash(StylesheetPath)))
		return err == nil && string(b) == "body{margin:20px}"
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return o.State() == StateWatching }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("start did not return after cancel")
	}
	assert.Equal(t, StateFailed, o.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"idle>resolving", "resolving>running", "running>watching"}, moves[:3])
	assert.Contains(t, moves, "watching>running")
}
