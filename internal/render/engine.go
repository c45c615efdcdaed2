// Package render turns scene graphs into captures that format encoders
// consume.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/creative-design-platform/export-service/internal/model"
)

// CaptureKind selects what an engine produces
type CaptureKind int

const (
	// CaptureRaster is a single pixel buffer
	CaptureRaster CaptureKind = iota
	// CaptureVector is the structured display list for vector and document targets
	CaptureVector
	// CaptureFrames is a sequence of pixel buffers sampled over time
	CaptureFrames
)

func (k CaptureKind) String() string {
	switch k {
	case CaptureRaster:
		return "raster"
	case CaptureVector:
		return "vector"
	case CaptureFrames:
		return "frames"
	}
	return fmt.Sprintf("CaptureKind(%d)", int(k))
}

// CaptureKindFor returns the capture a format is encoded from
func CaptureKindFor(f model.Format) CaptureKind {
	switch {
	case f.IsRaster():
		return CaptureRaster
	case f.IsMotion():
		return CaptureFrames
	default:
		return CaptureVector
	}
}

// CaptureRequest describes the capture to produce
type CaptureRequest struct {
	Kind        CaptureKind
	Transparent bool
	FrameRate   int
	FrameCount  int
	Animations  []model.Animation
}

// Capture is the raw output of an engine
type Capture struct {
	Kind       CaptureKind
	Layout     *Layout
	Image      image.Image
	Frames     []image.Image
	FrameDelay time.Duration
	Animations []model.Animation
}

// Engine is an exclusively leased rendering context
type Engine interface {
	Render(ctx context.Context, layout *Layout, req CaptureRequest) (*Capture, error)
	Close() error
}

// Factory creates a fresh engine
type Factory func(ctx context.Context) (Engine, error)

// CrashError reports that an engine is in an undefined state and must not be
// reused.
type CrashError struct {
	Err error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("render engine crashed: %v", e.Err)
}

func (e *CrashError) Unwrap() error {
	return e.Err
}

// IsCrash reports whether err came from a crashed engine
func IsCrash(err error) bool {
	var ce *CrashError
	return errors.As(err, &ce)
}
