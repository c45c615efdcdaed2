package model

import (
	"fmt"
	"math"
)

// Defaults applied to omitted settings
const (
	DefaultQuality   = 90
	DefaultScale     = 1.0
	DefaultFrameRate = 30
	DefaultDuration  = 3.0
)

// Settings holds every recognized export option for a job
type Settings struct {
	Quality       int     `json:"quality"`
	Scale         float64 `json:"scale"`
	Transparent   bool    `json:"transparent,omitempty"`
	TargetMaxSize int64   `json:"targetMaxSize,omitempty"`
	FrameRate     int     `json:"frameRate,omitempty"`
	Duration      float64 `json:"duration,omitempty"`
	Optimize      bool    `json:"optimize,omitempty"`
}

// WithDefaults fills zero-valued options. Motion options are only filled when a
// motion format is requested.
func (s Settings) WithDefaults(formats []Format) Settings {
	if s.Quality == 0 {
		s.Quality = DefaultQuality
	}
	if s.Scale == 0 {
		s.Scale = DefaultScale
	}
	if hasMotion(formats) {
		if s.FrameRate == 0 {
			s.FrameRate = DefaultFrameRate
		}
		if s.Duration == 0 {
			s.Duration = DefaultDuration
		}
	}
	return s
}

// Validate checks ranges and rejects options that make no sense for the
// requested formats.
func (s Settings) Validate(formats []Format) error {
	if s.Quality < 1 || s.Quality > 100 {
		return invalidSetting("quality", "must be between 1 and 100")
	}
	if s.Scale <= 0 || math.IsNaN(s.Scale) || math.IsInf(s.Scale, 0) {
		return invalidSetting("scale", "must be greater than 0")
	}
	if s.TargetMaxSize < 0 {
		return invalidSetting("targetMaxSize", "must not be negative")
	}

	if hasMotion(formats) {
		if s.FrameRate <= 0 {
			return invalidSetting("frameRate", "must be greater than 0 for motion formats")
		}
		if s.Duration <= 0 || math.IsNaN(s.Duration) || math.IsInf(s.Duration, 0) {
			return invalidSetting("duration", "must be greater than 0 for motion formats")
		}
	} else {
		if s.FrameRate != 0 {
			return invalidSetting("frameRate", "only applies to motion formats")
		}
		if s.Duration != 0 {
			return invalidSetting("duration", "only applies to motion formats")
		}
	}

	if s.Transparent && !hasRaster(formats) {
		return invalidSetting("transparent", "only applies to raster formats")
	}
	return nil
}

// FrameCount returns the number of frames a motion capture needs
func (s Settings) FrameCount() int {
	n := int(math.Round(float64(s.FrameRate) * s.Duration))
	if n < 1 {
		return 1
	}
	return n
}

func invalidSetting(field, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidSettings, field, msg)
}

func hasMotion(formats []Format) bool {
	for _, f := range formats {
		if f.IsMotion() {
			return true
		}
	}
	return false
}

func hasRaster(formats []Format) bool {
	for _, f := range formats {
		if f.IsRaster() {
			return true
		}
	}
	return false
}

// JobSpec is the input to a submission
type JobSpec struct {
	Subject    SubjectRef
	Formats    []Format
	Settings   Settings
	Animations []Animation
	OwnerID    string
}

// Validate enforces the submission contract. A job is only created from a spec
// that passes.
func (s JobSpec) Validate() error {
	if err := s.Subject.Validate(); err != nil {
		return err
	}
	if len(s.Formats) == 0 {
		return fmt.Errorf("%w: at least one format is required", ErrUnsupportedFormat)
	}
	seen := make(map[Format]bool, len(s.Formats))
	for _, f := range s.Formats {
		if !f.Valid() {
			return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
		}
		if seen[f] {
			return fmt.Errorf("%w: %q", ErrDuplicateFormat, f)
		}
		seen[f] = true
	}
	if err := s.Settings.Validate(s.Formats); err != nil {
		return err
	}
	for i, a := range s.Animations {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: animations[%d]: %v", ErrInvalidSettings, i, err)
		}
	}
	return nil
}
