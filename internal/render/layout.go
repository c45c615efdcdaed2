package render

import (
	"math"

	"github.com/creative-design-platform/export-service/internal/model"
)

// Primitive is a positioned visual leaf. All spatial values are already
// scaled. Rotation is in degrees, clockwise, about (X, Y).
type Primitive struct {
	Index       int
	Kind        string
	Shape       string
	X, Y        float64
	W, H        float64
	Rotation    float64
	Opacity     float64
	Fill        string
	Stroke      string
	StrokeWidth float64
	Text        string
	FontSize    float64
	FontFamily  string
	Src         string

	// Animated transform in the primitive's own frame, about its center.
	// Zero values mean no transform, except AnimScale which defaults to 1.
	AnimTX, AnimTY float64
	AnimScale      float64
	AnimRotate     float64
}

// Layout is the display list produced by the layout pass
type Layout struct {
	Width      float64
	Height     float64
	Scale      float64
	Background string
	Primitives []Primitive
}

// Size returns the pixel dimensions of the canvas
func (l *Layout) Size() (int, int) {
	w := int(math.Ceil(l.Width))
	h := int(math.Ceil(l.Height))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// BuildLayout flattens the scene graph into paint order and applies scale.
// Group children are positioned relative to the group and inherit its rotation
// and opacity.
func BuildLayout(scene *model.Scene, scale float64) *Layout {
	if scale <= 0 {
		scale = 1
	}
	l := &Layout{
		Width:      scene.Width * scale,
		Height:     scene.Height * scale,
		Scale:      scale,
		Background: scene.Background,
	}
	root := frame{opacity: 1, cos: 1}
	for _, n := range scene.Nodes {
		l.add(n, root, scale)
	}
	return l
}

// frame is the accumulated transform of enclosing groups
type frame struct {
	x, y     float64
	rotation float64
	cos, sin float64
	opacity  float64
}

func (f frame) point(x, y float64) (float64, float64) {
	return f.x + x*f.cos - y*f.sin, f.y + x*f.sin + y*f.cos
}

func (l *Layout) add(n model.Node, parent frame, scale float64) {
	opacity := parent.opacity
	if n.Opacity != nil {
		opacity *= clamp01(*n.Opacity)
	}
	x, y := parent.point(n.Left*scale, n.Top*scale)
	rotation := parent.rotation + n.Rotation

	if n.Type == model.NodeGroup {
		rad := rotation * math.Pi / 180
		child := frame{
			x:        x,
			y:        y,
			rotation: rotation,
			cos:      math.Cos(rad),
			sin:      math.Sin(rad),
			opacity:  opacity,
		}
		for _, c := range n.Children {
			l.add(c, child, scale)
		}
		return
	}

	l.Primitives = append(l.Primitives, Primitive{
		Index:       len(l.Primitives),
		Kind:        n.Type,
		Shape:       n.Shape,
		X:           x,
		Y:           y,
		W:           n.Width * scale,
		H:           n.Height * scale,
		Rotation:    rotation,
		Opacity:     opacity,
		Fill:        n.Fill,
		Stroke:      n.Stroke,
		StrokeWidth: n.StrokeWidth * scale,
		Text:        n.Text,
		FontSize:    n.FontSize * scale,
		FontFamily:  n.FontFamily,
		Src:         n.Src,
		AnimScale:   1,
	})
}

// At returns a copy of the layout with animations applied at time t seconds.
// Before its delay an animation holds its first keyframe and after its last
// iteration it holds the final keyframe.
func (l *Layout) At(t float64, animations []model.Animation) *Layout {
	out := *l
	out.Primitives = make([]Primitive, len(l.Primitives))
	copy(out.Primitives, l.Primitives)

	for _, a := range animations {
		if a.NodeIndex < 0 || a.NodeIndex >= len(out.Primitives) || len(a.Keyframes) == 0 {
			continue
		}
		p := &out.Primitives[a.NodeIndex]
		progress := animationProgress(a, t)
		if v, ok := sample(a, progress, func(k model.Keyframe) *float64 { return k.Opacity }); ok {
			p.Opacity *= clamp01(v)
		}
		if v, ok := sample(a, progress, func(k model.Keyframe) *float64 { return k.TranslateX }); ok {
			p.AnimTX += v * l.Scale
		}
		if v, ok := sample(a, progress, func(k model.Keyframe) *float64 { return k.TranslateY }); ok {
			p.AnimTY += v * l.Scale
		}
		if v, ok := sample(a, progress, func(k model.Keyframe) *float64 { return k.Scale }); ok {
			p.AnimScale *= v
		}
		if v, ok := sample(a, progress, func(k model.Keyframe) *float64 { return k.Rotate }); ok {
			p.AnimRotate += v
		}
	}
	return &out
}

// animationProgress maps wall time to the position within the current
// iteration, in [0,1].
func animationProgress(a model.Animation, t float64) float64 {
	local := t - a.Delay
	if local <= 0 || a.Duration <= 0 {
		return 0
	}
	iterations := a.Iterations
	if iterations <= 0 {
		iterations = 1
	}
	if local >= a.Duration*float64(iterations) {
		return 1
	}
	return math.Mod(local, a.Duration) / a.Duration
}

// sample interpolates one animated property between the keyframes that set
// it. Easing applies per keyframe segment.
func sample(a model.Animation, progress float64, get func(model.Keyframe) *float64) (float64, bool) {
	var prev *model.Keyframe
	for i := range a.Keyframes {
		k := &a.Keyframes[i]
		v := get(*k)
		if v == nil {
			continue
		}
		if progress <= k.Offset {
			if prev == nil {
				return *v, true
			}
			span := k.Offset - prev.Offset
			if span <= 0 {
				return *v, true
			}
			u := ease(a.Easing, (progress-prev.Offset)/span)
			from := *get(*prev)
			return from + (*v-from)*u, true
		}
		prev = k
	}
	if prev == nil {
		return 0, false
	}
	return *get(*prev), true
}

func ease(kind string, u float64) float64 {
	switch kind {
	case model.EasingEaseIn:
		return u * u
	case model.EasingEaseOut:
		return 1 - (1-u)*(1-u)
	case model.EasingEaseInOut:
		if u < 0.5 {
			return 2 * u * u
		}
		return 1 - math.Pow(-2*u+2, 2)/2
	default:
		return u
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
