package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fogleman/gg"
	_ "golang.org/x/image/webp"

	"github.com/creative-design-platform/export-service/internal/model"
)

// Height of gg's built-in 7x13 face
const faceHeight = 13.0

var (
	placeholderFill   = color.NRGBA{R: 0xe5, G: 0xe7, B: 0xeb, A: 0xff}
	placeholderStroke = color.NRGBA{R: 0x9c, G: 0xa3, B: 0xaf, A: 0xff}
	defaultInk        = color.NRGBA{A: 0xff}
)

// RasterConfig bounds the work a single render may do
type RasterConfig struct {
	MaxPixels int
	MaxFrames int
}

// RasterEngine rasterizes layouts with fogleman/gg. Vector captures return
// the display list untouched.
type RasterEngine struct {
	cfg    RasterConfig
	closed atomic.Bool

	mu     sync.Mutex
	images map[string]image.Image
}

func NewRasterEngine(cfg RasterConfig) *RasterEngine {
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = 8192 * 8192
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = 300
	}
	return &RasterEngine{
		cfg:    cfg,
		images: make(map[string]image.Image),
	}
}

// RasterFactory returns a Factory producing raster engines
func RasterFactory(cfg RasterConfig) Factory {
	return func(ctx context.Context) (Engine, error) {
		return NewRasterEngine(cfg), nil
	}
}

func (e *RasterEngine) Render(ctx context.Context, layout *Layout, req CaptureRequest) (capture *Capture, err error) {
	if e.closed.Load() {
		return nil, &CrashError{Err: errors.New("engine is closed")}
	}
	defer func() {
		if r := recover(); r != nil {
			capture = nil
			err = &CrashError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	w, h := layout.Size()
	if w*h > e.cfg.MaxPixels {
		return nil, fmt.Errorf("canvas %dx%d exceeds %d pixels", w, h, e.cfg.MaxPixels)
	}

	switch req.Kind {
	case CaptureVector:
		return &Capture{Kind: CaptureVector, Layout: layout, Animations: req.Animations}, nil

	case CaptureRaster:
		img, err := e.rasterize(ctx, layout, req.Transparent)
		if err != nil {
			return nil, err
		}
		return &Capture{
			Kind:   CaptureRaster,
			Layout: layout,
			Image:  img,
		}, nil

	case CaptureFrames:
		fps := req.FrameRate
		if fps <= 0 {
			fps = model.DefaultFrameRate
		}
		n := req.FrameCount
		if n <= 0 {
			n = 1
		}
		if n > e.cfg.MaxFrames {
			n = e.cfg.MaxFrames
		}
		frames := make([]image.Image, 0, n)
		for i := 0; i < n; i++ {
			t := float64(i) / float64(fps)
			img, err := e.rasterize(ctx, layout.At(t, req.Animations), false)
			if err != nil {
				return nil, err
			}
			frames = append(frames, img)
		}
		return &Capture{
			Kind:       CaptureFrames,
			Layout:     layout,
			Frames:     frames,
			FrameDelay: time.Second / time.Duration(fps),
			Animations: req.Animations,
		}, nil
	}
	return nil, fmt.Errorf("unsupported capture kind %s", req.Kind)
}

// Close may be called while a render is still running on another goroutine
func (e *RasterEngine) Close() error {
	e.closed.Store(true)
	e.mu.Lock()
	e.images = make(map[string]image.Image)
	e.mu.Unlock()
	return nil
}

// rasterize stops between primitives once ctx is done or the engine is closed
func (e *RasterEngine) rasterize(ctx context.Context, layout *Layout, transparent bool) (image.Image, error) {
	w, h := layout.Size()
	dc := gg.NewContext(w, h)
	if !transparent {
		dc.SetColor(color.White)
		dc.Clear()
		if bg, ok := ParseColor(layout.Background); ok {
			dc.SetColor(bg)
			dc.DrawRectangle(0, 0, float64(w), float64(h))
			dc.Fill()
		}
	}
	for _, p := range layout.Primitives {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.closed.Load() {
			return nil, &CrashError{Err: errors.New("engine closed during render")}
		}
		e.draw(dc, p)
	}
	return dc.Image(), nil
}

func (e *RasterEngine) draw(dc *gg.Context, p Primitive) {
	if p.Opacity <= 0 {
		return
	}
	dc.Push()
	defer dc.Pop()

	dc.Translate(p.X, p.Y)
	dc.Rotate(gg.Radians(p.Rotation))
	if p.AnimTX != 0 || p.AnimTY != 0 || p.AnimRotate != 0 || p.AnimScale != 1 {
		cx, cy := p.W/2, p.H/2
		dc.Translate(p.AnimTX+cx, p.AnimTY+cy)
		dc.Rotate(gg.Radians(p.AnimRotate))
		dc.Scale(p.AnimScale, p.AnimScale)
		dc.Translate(-cx, -cy)
	}

	switch p.Kind {
	case model.NodeShape:
		e.drawShape(dc, p)
	case model.NodeText:
		e.drawText(dc, p)
	case model.NodeImage:
		e.drawImage(dc, p)
	}
}

func (e *RasterEngine) drawShape(dc *gg.Context, p Primitive) {
	fill, hasFill := paintColor(p.Fill, p.Opacity)
	var stroke color.NRGBA
	hasStroke := false
	if p.Stroke != "" {
		stroke, hasStroke = paintColor(p.Stroke, p.Opacity)
	}
	width := p.StrokeWidth

	switch p.Shape {
	case model.ShapeLine:
		if !hasStroke {
			stroke, hasStroke = fill, hasFill
		}
		if width <= 0 {
			width = 1
		}
		hasFill = false
		dc.DrawLine(0, 0, p.W, p.H)
	case model.ShapeEllipse:
		dc.DrawEllipse(p.W/2, p.H/2, p.W/2, p.H/2)
	default:
		dc.DrawRectangle(0, 0, p.W, p.H)
	}

	if width <= 0 {
		hasStroke = false
	}
	if hasFill {
		dc.SetColor(fill)
		if hasStroke {
			dc.FillPreserve()
		} else {
			dc.Fill()
		}
	}
	if hasStroke {
		dc.SetColor(stroke)
		dc.SetLineWidth(width)
		dc.Stroke()
	}
	dc.ClearPath()
}

func (e *RasterEngine) drawText(dc *gg.Context, p Primitive) {
	if p.Text == "" {
		return
	}
	c, ok := paintColor(p.Fill, p.Opacity)
	if !ok {
		return
	}
	size := p.FontSize
	if size <= 0 {
		size = faceHeight
	}
	k := size / faceHeight
	dc.SetColor(c)
	dc.Scale(k, k)
	if p.W > 0 {
		dc.DrawStringWrapped(p.Text, 0, 0, 0, 0, p.W/k, 1.2, gg.AlignLeft)
		return
	}
	dc.DrawStringAnchored(p.Text, 0, 0, 0, 1)
}

func (e *RasterEngine) drawImage(dc *gg.Context, p Primitive) {
	if p.W <= 0 || p.H <= 0 {
		return
	}
	img, ok := e.loadImage(p.Src)
	if !ok {
		dc.DrawRectangle(0, 0, p.W, p.H)
		dc.SetColor(WithOpacity(placeholderFill, p.Opacity))
		dc.FillPreserve()
		dc.SetColor(WithOpacity(placeholderStroke, p.Opacity))
		dc.SetLineWidth(1)
		dc.Stroke()
		dc.DrawLine(0, 0, p.W, p.H)
		dc.DrawLine(p.W, 0, 0, p.H)
		dc.Stroke()
		return
	}

	if p.Opacity < 1 {
		img = fade(img, p.Opacity)
	}
	b := img.Bounds()
	dc.Scale(p.W/float64(b.Dx()), p.H/float64(b.Dy()))
	dc.DrawImage(img, 0, 0)
}

// loadImage decodes data URIs. Remote sources are not fetched at render time.
func (e *RasterEngine) loadImage(src string) (image.Image, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if img, ok := e.images[src]; ok {
		return img, true
	}
	data, ok := DecodeDataURI(src)
	if !ok {
		return nil, false
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil || img.Bounds().Empty() {
		return nil, false
	}
	e.images[src] = img
	return img, true
}

// DecodeDataURI returns the payload of a base64 image data URI
func DecodeDataURI(src string) ([]byte, bool) {
	if !strings.HasPrefix(src, "data:image/") {
		return nil, false
	}
	comma := strings.IndexByte(src, ',')
	if comma < 0 || !strings.HasSuffix(src[:comma], ";base64") {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(src[comma+1:])
	if err != nil {
		return nil, false
	}
	return data, true
}

func paintColor(s string, opacity float64) (color.NRGBA, bool) {
	if s == "" {
		return WithOpacity(defaultInk, opacity), true
	}
	c, ok := ParseColor(s)
	if !ok || c.A == 0 {
		return color.NRGBA{}, false
	}
	return WithOpacity(c, opacity), true
}

func fade(img image.Image, opacity float64) image.Image {
	b := img.Bounds()
	dst := image.NewNRGBA(b)
	mask := image.NewUniform(color.Alpha{A: uint8(clamp01(opacity)*255 + 0.5)})
	draw.DrawMask(dst, b, img, b.Min, mask, image.Point{}, draw.Src)
	return dst
}
