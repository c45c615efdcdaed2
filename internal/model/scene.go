package model

import (
	"errors"
	"fmt"
)

// Scene node types
const (
	NodeText  = "text"
	NodeImage = "image"
	NodeShape = "shape"
	NodeGroup = "group"
)

// Shape kinds
const (
	ShapeRect    = "rect"
	ShapeEllipse = "ellipse"
	ShapeLine    = "line"
)

// Easing functions accepted by animations
const (
	EasingLinear    = "linear"
	EasingEaseIn    = "ease-in"
	EasingEaseOut   = "ease-out"
	EasingEaseInOut = "ease-in-out"
)

// Scene is the serialized scene graph of one canvas
type Scene struct {
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Background string  `json:"background,omitempty"`
	Nodes      []Node  `json:"nodes"`
}

// Node is a visual element. Later nodes paint over earlier ones.
type Node struct {
	Type        string   `json:"type"`
	Shape       string   `json:"shape,omitempty"`
	Left        float64  `json:"left"`
	Top         float64  `json:"top"`
	Width       float64  `json:"width"`
	Height      float64  `json:"height"`
	Rotation    float64  `json:"rotation,omitempty"`
	Opacity     *float64 `json:"opacity,omitempty"`
	Fill        string   `json:"fill,omitempty"`
	Stroke      string   `json:"stroke,omitempty"`
	StrokeWidth float64  `json:"strokeWidth,omitempty"`
	Text        string   `json:"text,omitempty"`
	FontSize    float64  `json:"fontSize,omitempty"`
	FontFamily  string   `json:"fontFamily,omitempty"`
	Src         string   `json:"src,omitempty"`
	Children    []Node   `json:"children,omitempty"`
}

// Animation attaches keyframes to the visual node at NodeIndex, counted in
// paint order over the flattened scene.
type Animation struct {
	NodeIndex  int        `json:"nodeIndex"`
	Duration   float64    `json:"duration"`
	Delay      float64    `json:"delay,omitempty"`
	Easing     string     `json:"easing,omitempty"`
	Iterations int        `json:"iterations,omitempty"`
	Keyframes  []Keyframe `json:"keyframes"`
}

// Keyframe is one animation stop. Offset is in [0,1].
type Keyframe struct {
	Offset     float64  `json:"offset"`
	Opacity    *float64 `json:"opacity,omitempty"`
	TranslateX *float64 `json:"translateX,omitempty"`
	TranslateY *float64 `json:"translateY,omitempty"`
	Scale      *float64 `json:"scale,omitempty"`
	Rotate     *float64 `json:"rotate,omitempty"`
}

// Validate checks timing and keyframe ordering
func (a Animation) Validate() error {
	if a.NodeIndex < 0 {
		return errors.New("nodeIndex must not be negative")
	}
	if a.Duration <= 0 {
		return errors.New("duration must be greater than 0")
	}
	if a.Delay < 0 {
		return errors.New("delay must not be negative")
	}
	if a.Iterations < 0 {
		return errors.New("iterations must not be negative")
	}
	switch a.Easing {
	case "", EasingLinear, EasingEaseIn, EasingEaseOut, EasingEaseInOut:
	default:
		return fmt.Errorf("unknown easing %q", a.Easing)
	}
	if len(a.Keyframes) == 0 {
		return errors.New("at least one keyframe is required")
	}
	prev := -1.0
	for _, k := range a.Keyframes {
		if k.Offset < 0 || k.Offset > 1 {
			return fmt.Errorf("keyframe offset %v out of range", k.Offset)
		}
		if k.Offset < prev {
			return errors.New("keyframe offsets must be ascending")
		}
		prev = k.Offset
	}
	return nil
}
