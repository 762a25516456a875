package transform

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/multierr"

	"github.com/3cpo-dev/assetflow/internal/pipeline"
)

const svgNS = "http://www.w3.org/2000/svg"

// Attributes of an icon's root <svg> that do not carry over to its <symbol>.
var rootOnlyAttrs = map[string]bool{
	"id": true, "width": true, "height": true, "version": true, "x": true, "y": true,
}

// BuildSprite combines icons into one <svg> of <symbol> elements. Each symbol
// id is the icon's file name without extension. With inline set the XML
// declaration is omitted so the sprite can be included into HTML.
func BuildSprite(files []*pipeline.File, inline bool) ([]byte, error) {
	out := etree.NewDocument()
	if !inline {
		out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	}
	root := out.CreateElement("svg")
	root.CreateAttr("xmlns", svgNS)

	seen := map[string]bool{}
	var errs error
	for _, f := range files {
		id := strings.TrimSuffix(path.Base(f.Path), path.Ext(f.Path))
		if seen[id] {
			errs = multierr.Append(errs, &pipeline.TransformationError{Stage: "sprite", Path: f.Path, Err: fmt.Errorf("duplicate symbol id %q", id)})
			continue
		}
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(f.Contents); err != nil {
			errs = multierr.Append(errs, &pipeline.TransformationError{Stage: "sprite", Path: f.Path, Err: err})
			continue
		}
		icon := doc.Root()
		if icon == nil || icon.Tag != "svg" {
			errs = multierr.Append(errs, &pipeline.TransformationError{Stage: "sprite", Path: f.Path, Err: fmt.Errorf("not an svg document")})
			continue
		}
		seen[id] = true
		sym := root.CreateElement("symbol")
		sym.CreateAttr("id", id)
		for _, a := range icon.Attr {
			if a.Space == "xmlns" {
				// prefixed namespaces move up to the sprite root
				if root.SelectAttr(a.FullKey()) == nil {
					root.CreateAttr(a.FullKey(), a.Value)
				}
				continue
			}
			if a.Key == "xmlns" || rootOnlyAttrs[a.Key] {
				continue
			}
			sym.CreateAttr(a.FullKey(), a.Value)
		}
		for _, child := range icon.ChildElements() {
			sym.AddChild(child.Copy())
		}
	}
	if len(seen) == 0 {
		return nil, errs
	}
	b, err := out.WriteToBytes()
	if err != nil {
		return nil, multierr.Append(errs, err)
	}
	return b, errs
}

// Sprite reduces the set to a single sprite file named name.
func Sprite(name string, inline bool) pipeline.Stage {
	return pipeline.StageFunc("sprite", func(ctx context.Context, pc *pipeline.Context, files []*pipeline.File) ([]*pipeline.File, error) {
		b, err := BuildSprite(files, inline)
		if b == nil {
			return nil, err
		}
		return []*pipeline.File{{Path: name, Source: files[0].Source, Contents: b}}, err
	})
}
