package encoder

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"math"
	"sort"
	"strings"

	"github.com/creative-design-platform/export-service/internal/model"
	"github.com/creative-design-platform/export-service/internal/render"
)

var htmlTemplate = template.Must(template.New("export").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Export</title>
<style>
html,body{margin:0;padding:0}
.stage{position:relative;overflow:hidden;width:{{.Width}}px;height:{{.Height}}px;{{.Background}}}
.node{position:absolute;left:0;top:0;transform-origin:0 0}
.fx{width:100%;height:100%;box-sizing:border-box;transform-origin:50% 50%}
.fx img{display:block;width:100%;height:100%}
.txt{white-space:pre-wrap;line-height:1.2}
{{.Rules}}
</style>
</head>
<body>
<div class="stage">
{{- range .Nodes}}
<div class="node" style="{{.Box}}"><div class="fx{{if .Text}} txt{{end}}" data-node="{{.Index}}" data-anim="{{if .Animated}}1{{else}}0{{end}}" style="{{.Paint}}">{{if .Text}}{{.Text}}{{else if .Src}}<img src="{{.Src}}" alt="">{{end}}</div></div>
{{- end}}
</div>
{{- if .Animated}}
<script>
document.addEventListener("DOMContentLoaded", function () {
  document.querySelectorAll('.fx[data-anim="1"]').forEach(function (el) { el.classList.add("play"); });
});
</script>
{{- end}}
</body>
</html>
`))

type htmlDocument struct {
	Width      int
	Height     int
	Background template.CSS
	Rules      template.CSS
	Nodes      []htmlNode
	Animated   bool
}

type htmlNode struct {
	Index    int
	Box      template.CSS
	Paint    template.CSS
	Text     string
	Src      template.URL
	Animated bool
}

// HTMLEncoder emits a self-contained document. Animations become @keyframes
// rules keyed by node index and start once the document has loaded.
type HTMLEncoder struct{}

func (e *HTMLEncoder) Encode(ctx context.Context, c *render.Capture, s model.Settings) (*Result, error) {
	layout, err := layoutOf(c)
	if err != nil {
		return nil, err
	}

	w, h := layout.Size()
	doc := htmlDocument{
		Width:      w,
		Height:     h,
		Background: template.CSS("background:#ffffff"),
	}
	if bg, ok := render.ParseColor(layout.Background); ok {
		doc.Background = template.CSS(cssColor("background", bg.R, bg.G, bg.B, bg.A))
	}

	rules, animated := keyframeRules(c.Animations, len(layout.Primitives), layout.Scale)
	doc.Rules = template.CSS(rules)
	doc.Animated = len(animated) > 0

	for _, p := range layout.Primitives {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc.Nodes = append(doc.Nodes, htmlNodeOf(p, animated[p.Index]))
	}

	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("failed to render html: %w", err)
	}
	return &Result{Data: buf.Bytes(), MimeType: model.FormatHTML5.MimeType()}, nil
}

func htmlNodeOf(p render.Primitive, animated bool) htmlNode {
	n := htmlNode{Index: p.Index, Animated: animated}

	w, h, rotation := p.W, p.H, p.Rotation
	if p.Kind == model.NodeShape && p.Shape == model.ShapeLine {
		// A line is a thin box rotated onto the segment
		w = math.Hypot(p.W, p.H)
		h = p.StrokeWidth
		if h <= 0 {
			h = 1
		}
		rotation += math.Atan2(p.H, p.W) * 180 / math.Pi
	}
	n.Box = template.CSS(fmt.Sprintf("width:%spx;height:%spx;transform:translate(%spx,%spx) rotate(%sdeg);opacity:%s",
		num(w), num(h), num(p.X), num(p.Y), num(rotation), num(p.Opacity)))

	var paint []string
	switch p.Kind {
	case model.NodeShape:
		switch p.Shape {
		case model.ShapeLine:
			color := p.Stroke
			if color == "" {
				color = p.Fill
			}
			paint = append(paint, cssPaint("background", color, true))
		case model.ShapeEllipse:
			paint = append(paint, cssPaint("background", p.Fill, true), "border-radius:50%")
		default:
			paint = append(paint, cssPaint("background", p.Fill, true))
		}
		if p.Shape != model.ShapeLine && p.Stroke != "" && p.StrokeWidth > 0 {
			paint = append(paint, fmt.Sprintf("border:%spx solid", num(p.StrokeWidth)), cssPaint("border-color", p.Stroke, false))
		}

	case model.NodeText:
		size := p.FontSize
		if size <= 0 {
			size = 16
		}
		n.Text = p.Text
		paint = append(paint,
			fmt.Sprintf("font-size:%spx", num(size)),
			"font-family:"+fontFamily(p.FontFamily),
			cssPaint("color", p.Fill, true))

	case model.NodeImage:
		if _, ok := render.DecodeDataURI(p.Src); ok {
			n.Src = template.URL(p.Src)
		} else {
			paint = append(paint, "background:#e5e7eb", "border:1px solid #9ca3af")
		}
	}
	n.Paint = template.CSS(strings.Join(paint, ";"))
	return n
}

// keyframeRules builds one @keyframes block per animation and one animation
// declaration per animated node.
func keyframeRules(animations []model.Animation, nodes int, scale float64) (string, map[int]bool) {
	var b strings.Builder
	perNode := make(map[int][]string)
	for i, a := range animations {
		if a.NodeIndex < 0 || a.NodeIndex >= nodes || len(a.Keyframes) == 0 {
			continue
		}
		name := fmt.Sprintf("a%d", i)
		b.WriteString("@keyframes " + name + "{")
		for _, k := range a.Keyframes {
			b.WriteString(fmt.Sprintf("%s%%{%s}", num(k.Offset*100), keyframeDecl(k, scale)))
		}
		b.WriteString("}\n")

		iterations := "1"
		if a.Iterations > 1 {
			iterations = fmt.Sprint(a.Iterations)
		}
		perNode[a.NodeIndex] = append(perNode[a.NodeIndex],
			fmt.Sprintf("%s %ss %s %ss %s both", name, num(a.Duration), cssEasing(a.Easing), num(a.Delay), iterations))
	}

	indexes := make([]int, 0, len(perNode))
	for idx := range perNode {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	animated := make(map[int]bool, len(perNode))
	for _, idx := range indexes {
		animated[idx] = true
		b.WriteString(fmt.Sprintf(".fx[data-node=\"%d\"].play{animation:%s}\n", idx, strings.Join(perNode[idx], ",")))
	}
	return b.String(), animated
}

func keyframeDecl(k model.Keyframe, scale float64) string {
	var decl []string
	if k.Opacity != nil {
		decl = append(decl, "opacity:"+num(math.Max(0, math.Min(1, *k.Opacity))))
	}
	if k.TranslateX != nil || k.TranslateY != nil || k.Scale != nil || k.Rotate != nil {
		tx, ty, sc, rot := 0.0, 0.0, 1.0, 0.0
		if k.TranslateX != nil {
			tx = *k.TranslateX * scale
		}
		if k.TranslateY != nil {
			ty = *k.TranslateY * scale
		}
		if k.Scale != nil {
			sc = *k.Scale
		}
		if k.Rotate != nil {
			rot = *k.Rotate
		}
		decl = append(decl, fmt.Sprintf("transform:translate(%spx,%spx) rotate(%sdeg) scale(%s)", num(tx), num(ty), num(rot), num(sc)))
	}
	return strings.Join(decl, ";")
}

func cssEasing(e string) string {
	switch e {
	case model.EasingEaseIn, model.EasingEaseOut, model.EasingEaseInOut:
		return e
	}
	return model.EasingLinear
}

func cssPaint(prop, value string, defaultInk bool) string {
	if value == "" && defaultInk {
		return prop + ":#000000"
	}
	c, ok := render.ParseColor(value)
	if !ok {
		return prop + ":transparent"
	}
	return cssColor(prop, c.R, c.G, c.B, c.A)
}

func cssColor(prop string, r, g, b, a uint8) string {
	if a == 255 {
		return fmt.Sprintf("%s:#%02x%02x%02x", prop, r, g, b)
	}
	return fmt.Sprintf("%s:rgba(%d,%d,%d,%s)", prop, r, g, b, num(float64(a)/255))
}
