// Package encoder turns render captures into the bytes of each export format.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/creative-design-platform/export-service/internal/model"
	"github.com/creative-design-platform/export-service/internal/render"
)

// ErrFormatNotImplemented is returned when the backend for a format is not
// available. It is a per-format error and never fails the job on its own.
var ErrFormatNotImplemented = errors.New("format not implemented")

// Result is one encoded output
type Result struct {
	Data     []byte
	MimeType string
	Quality  int
}

// Encoder encodes one capture for one format
type Encoder interface {
	Encode(ctx context.Context, capture *render.Capture, settings model.Settings) (*Result, error)
}

// Options tunes the encoders
type Options struct {
	MinQuality  int
	QualityStep int
	FFmpegPath  string
}

func (o Options) withDefaults() Options {
	if o.MinQuality <= 0 {
		o.MinQuality = 10
	}
	if o.QualityStep <= 0 {
		o.QualityStep = 10
	}
	return o
}

// Registry maps formats to encoders
type Registry struct {
	encoders map[model.Format]Encoder
}

func NewRegistry() *Registry {
	return &Registry{encoders: make(map[model.Format]Encoder)}
}

func (r *Registry) Register(f model.Format, e Encoder) {
	r.encoders[f] = e
}

func (r *Registry) Get(f model.Format) (Encoder, bool) {
	e, ok := r.encoders[f]
	return e, ok
}

// DefaultRegistry registers an encoder for every supported format
func DefaultRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	r := NewRegistry()
	r.Register(model.FormatPNG, &PNGEncoder{opts: opts})
	r.Register(model.FormatJPG, &JPEGEncoder{opts: opts})
	r.Register(model.FormatSVG, &SVGEncoder{})
	r.Register(model.FormatPDF, &PDFEncoder{})
	r.Register(model.FormatHTML5, &HTMLEncoder{})
	r.Register(model.FormatGIF, &GIFEncoder{})
	r.Register(model.FormatMP4, &MP4Encoder{ffmpegPath: opts.FFmpegPath})
	return r
}

// EncodeFunc encodes at one quality level
type EncodeFunc func(quality int) ([]byte, error)

// OptimizeQuality steps quality down from start until the output fits in
// target bytes or floor is reached. The floor encode is returned even when it
// is still too large. At most (start-floor)/step+1 encodes are made.
func OptimizeQuality(encode EncodeFunc, start, floor, step int, target int64) ([]byte, int, error) {
	if floor < 1 {
		floor = 1
	}
	if step < 1 {
		step = 1
	}
	q := start
	for {
		data, err := encode(q)
		if err != nil {
			return nil, q, err
		}
		if int64(len(data)) <= target || q <= floor {
			return data, q, nil
		}
		q -= step
		if q < floor {
			q = floor
		}
	}
}

// encodeWithQuality runs the adaptive search when the job asks for it
func (o Options) encodeWithQuality(encode EncodeFunc, s model.Settings) ([]byte, int, error) {
	if s.Optimize && s.TargetMaxSize > 0 {
		return OptimizeQuality(encode, s.Quality, o.MinQuality, o.QualityStep, s.TargetMaxSize)
	}
	data, err := encode(s.Quality)
	return data, s.Quality, err
}

func rasterOf(c *render.Capture) (image.Image, error) {
	if c == nil || c.Image == nil {
		return nil, fmt.Errorf("capture has no raster image")
	}
	return c.Image, nil
}

func layoutOf(c *render.Capture) (*render.Layout, error) {
	if c == nil || c.Layout == nil {
		return nil, fmt.Errorf("capture has no layout")
	}
	return c.Layout, nil
}

func framesOf(c *render.Capture) ([]image.Image, error) {
	if c == nil {
		return nil, fmt.Errorf("capture is empty")
	}
	if len(c.Frames) > 0 {
		return c.Frames, nil
	}
	if c.Image != nil {
		return []image.Image{c.Image}, nil
	}
	return nil, fmt.Errorf("capture has no frames")
}
