package transform

import (
	"context"
	"regexp"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/minify/v2/svg"

	"github.com/3cpo-dev/assetflow/internal/pipeline"
)

var mediaTypes = map[string]string{
	".css":  "text/css",
	".html": "text/html",
	".htm":  "text/html",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".svg":  "image/svg+xml",
}

// MediaType maps a file extension to the media type the minifier expects.
func MediaType(ext string) (string, bool) {
	mt, ok := mediaTypes[ext]
	return mt, ok
}

// Minifier wraps a configured tdewolff minifier.
type Minifier struct {
	m *minify.M
}

// NewMinifier registers the CSS, HTML, JS and SVG minifiers.
func NewMinifier() *Minifier {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.Add("text/html", &html.Minifier{
		KeepDocumentTags: true,
		KeepEndTags:      true,
		KeepQuotes:       true,
	})
	m.AddFunc("image/svg+xml", svg.Minify)
	m.AddFuncRegexp(regexp.MustCompile("^(application|text)/(x-)?(java|ecma)script$"), js.Minify)
	return &Minifier{m: m}
}

// Bytes minifies b as mediatype.
func (m *Minifier) Bytes(mediatype string, b []byte) ([]byte, error) {
	return m.m.Bytes(mediatype, b)
}

// Minify minifies every file whose extension is known; others pass through.
func Minify(m *Minifier) pipeline.Stage {
	return pipeline.PerFile("minify", func(ctx context.Context, pc *pipeline.Context, f *pipeline.File) (*pipeline.File, error) {
		mt, ok := MediaType(f.Ext())
		if !ok {
			return f, nil
		}
		b, err := m.Bytes(mt, f.Contents)
		if err != nil {
			return nil, err
		}
		out := f.Clone()
		out.Contents = b
		return out, nil
	})
}
