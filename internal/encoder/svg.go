package encoder

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"math"
	"strconv"
	"strings"

	svg "github.com/ajstarks/svgo"

	"github.com/creative-design-platform/export-service/internal/model"
	"github.com/creative-design-platform/export-service/internal/render"
)

// SVGEncoder translates each primitive into its native SVG element. Every
// element sits in a group carrying its position and rotation.
type SVGEncoder struct{}

func (e *SVGEncoder) Encode(ctx context.Context, c *render.Capture, s model.Settings) (*Result, error) {
	layout, err := layoutOf(c)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, h := layout.Size()
	canvas := svg.New(&buf)
	canvas.Start(w, h, fmt.Sprintf(`viewBox="0 0 %d %d"`, w, h))

	if bg, ok := render.ParseColor(layout.Background); !ok {
		canvas.Rect(0, 0, w, h, "fill:#ffffff")
	} else if bg.A > 0 {
		canvas.Rect(0, 0, w, h, paintStyle("fill", layout.Background, false))
	}

	for _, p := range layout.Primitives {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.Opacity <= 0 {
			continue
		}
		canvas.Gtransform(fmt.Sprintf("translate(%s %s) rotate(%s)", num(p.X), num(p.Y), num(p.Rotation)))
		writeSVGPrimitive(canvas, p)
		canvas.Gend()
	}
	canvas.End()

	return &Result{Data: buf.Bytes(), MimeType: model.FormatSVG.MimeType()}, nil
}

func writeSVGPrimitive(canvas *svg.SVG, p render.Primitive) {
	node := fmt.Sprintf(`data-node="%d"`, p.Index)
	w, h := round(p.W), round(p.H)
	opacity := ""
	if p.Opacity < 1 {
		opacity = ";opacity:" + num(p.Opacity)
	}

	switch p.Kind {
	case model.NodeShape:
		switch p.Shape {
		case model.ShapeEllipse:
			canvas.Ellipse(round(p.W/2), round(p.H/2), round(p.W/2), round(p.H/2), shapeStyle(p)+opacity, node)
		case model.ShapeLine:
			canvas.Line(0, 0, w, h, lineStyle(p)+opacity, node)
		default:
			canvas.Rect(0, 0, w, h, shapeStyle(p)+opacity, node)
		}

	case model.NodeText:
		size := p.FontSize
		if size <= 0 {
			size = 16
		}
		style := fmt.Sprintf("font-size:%spx;font-family:%s;dominant-baseline:hanging;%s",
			num(size), fontFamily(p.FontFamily), paintStyle("fill", p.Fill, true))
		canvas.Text(0, 0, p.Text, style+opacity, node)

	case model.NodeImage:
		if href, ok := imageHref(p.Src); ok {
			canvas.Image(0, 0, w, h, href, `preserveAspectRatio="none"`, node)
			return
		}
		canvas.Rect(0, 0, w, h, "fill:#e5e7eb;stroke:#9ca3af"+opacity, node)
	}
}

func shapeStyle(p render.Primitive) string {
	style := paintStyle("fill", p.Fill, true)
	if p.Stroke != "" && p.StrokeWidth > 0 {
		style += ";" + paintStyle("stroke", p.Stroke, false) + ";stroke-width:" + num(p.StrokeWidth)
	}
	return style
}

func lineStyle(p render.Primitive) string {
	color := p.Stroke
	if color == "" {
		color = p.Fill
	}
	width := p.StrokeWidth
	if width <= 0 {
		width = 1
	}
	return paintStyle("stroke", color, true) + ";stroke-width:" + num(width)
}

// paintStyle normalizes a color to #rrggbb plus an opacity property. Unknown
// colors paint nothing.
func paintStyle(prop, value string, defaultInk bool) string {
	if value == "" && defaultInk {
		return prop + ":#000000"
	}
	c, ok := render.ParseColor(value)
	if !ok || c.A == 0 {
		return prop + ":none"
	}
	style := prop + ":" + render.Hex(c)
	if c.A < 255 {
		style += ";" + prop + "-opacity:" + num(float64(c.A)/255)
	}
	return style
}

// fontFamily keeps only characters that are safe inside a style attribute
func fontFamily(f string) string {
	var b strings.Builder
	for _, r := range f {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ', r == '-', r == ',':
			b.WriteRune(r)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "sans-serif"
	}
	return b.String()
}

// imageHref accepts data URIs and http(s) URLs, escaped for an attribute.
func imageHref(src string) (string, bool) {
	if _, ok := render.DecodeDataURI(src); ok {
		return src, true
	}
	if strings.HasPrefix(src, "https://") || strings.HasPrefix(src, "http://") {
		return html.EscapeString(src), true
	}
	return "", false
}

func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

func round(v float64) int {
	return int(math.Round(v))
}
