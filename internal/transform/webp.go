package transform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/3cpo-dev/assetflow/internal/pipeline"
)

// WebPEncoder shells out to cwebp.
type WebPEncoder struct {
	Binary  string
	Quality int
}

// Encode converts a PNG or JPEG image to WebP.
func (e WebPEncoder) Encode(ctx context.Context, name string, src []byte) ([]byte, error) {
	bin := e.Binary
	if bin == "" {
		bin = "cwebp"
	}
	q := e.Quality
	if q <= 0 || q > 100 {
		q = 90
	}
	dir, err := os.MkdirTemp("", "assetflow-webp-")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, filepath.Base(name))
	out := filepath.Join(dir, "out.webp")
	if err := os.WriteFile(in, src, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}
	cmd := exec.CommandContext(ctx, bin, "-quiet", "-q", strconv.Itoa(q), in, "-o", out)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", bin, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", bin, err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return b, nil
}

// WebP converts every raster image in the set to a .webp sibling.
func WebP(enc WebPEncoder) pipeline.Stage {
	return pipeline.PerFile("webp", func(ctx context.Context, pc *pipeline.Context, f *pipeline.File) (*pipeline.File, error) {
		switch f.Ext() {
		case ".png", ".jpg", ".jpeg":
		default:
			return nil, nil
		}
		b, err := enc.Encode(ctx, f.Path, f.Contents)
		if err != nil {
			return nil, err
		}
		out := f.Clone()
		out.Contents = b
		out.Path = strings.TrimSuffix(f.Path, filepath.Ext(f.Path)) + ".webp"
		return out, nil
	})
}
