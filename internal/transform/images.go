package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/assetflow/internal/pipeline"
)

// ImageOptions configures the raster encoders.
type ImageOptions struct {
	// PNGLevel is one of "best", "default", "speed" or "none".
	PNGLevel    string
	JPEGQuality int
}

func (o ImageOptions) pngLevel() png.CompressionLevel {
	switch strings.ToLower(o.PNGLevel) {
	case "none":
		return png.NoCompression
	case "speed":
		return png.BestSpeed
	case "default":
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

// OptimizeImage re-encodes PNG and JPEG data and minifies SVG. The smaller of
// the original and the re-encoded bytes is returned. Unknown extensions are
// returned unchanged.
func OptimizeImage(ext string, src []byte, opts ImageOptions, m *Minifier) ([]byte, error) {
	var buf bytes.Buffer
	switch strings.ToLower(ext) {
	case ".png":
		img, err := png.Decode(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("decode png: %w", err)
		}
		enc := png.Encoder{CompressionLevel: opts.pngLevel()}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case ".jpg", ".jpeg":
		img, _, err := image.Decode(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("decode jpeg: %w", err)
		}
		q := opts.JPEGQuality
		if q <= 0 || q > 100 {
			q = 85
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case ".svg":
		if m == nil {
			return src, nil
		}
		b, err := m.Bytes("image/svg+xml", src)
		if err != nil {
			return nil, fmt.Errorf("minify svg: %w", err)
		}
		buf.Write(b)
	default:
		return src, nil
	}
	if buf.Len() >= len(src) {
		return src, nil
	}
	return buf.Bytes(), nil
}

// OptimizeImages runs OptimizeImage over the set.
func OptimizeImages(opts ImageOptions, m *Minifier) pipeline.Stage {
	return pipeline.PerFile("imagemin", func(ctx context.Context, pc *pipeline.Context, f *pipeline.File) (*pipeline.File, error) {
		b, err := OptimizeImage(f.Ext(), f.Contents, opts, m)
		if err != nil {
			return nil, err
		}
		if saved := len(f.Contents) - len(b); saved > 0 {
			log.Debug().
				Str("file", f.Path).
				Str("saved", humanize.Bytes(uint64(saved))).
				Str("size", humanize.Bytes(uint64(len(b)))).
				Msg("Optimized image")
		}
		out := f.Clone()
		out.Contents = b
		return out, nil
	})
}
