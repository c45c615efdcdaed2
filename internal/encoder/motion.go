package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/png"
	"io"
	"math"
	"os/exec"
	"strconv"
	"time"

	"github.com/creative-design-platform/export-service/internal/model"
	"github.com/creative-design-platform/export-service/internal/render"
)

// GIFEncoder writes an animated GIF from a frame capture. Frames are dithered
// onto the Plan 9 palette at quality 50 and above.
type GIFEncoder struct{}

func (e *GIFEncoder) Encode(ctx context.Context, c *render.Capture, s model.Settings) (*Result, error) {
	frames, err := framesOf(c)
	if err != nil {
		return nil, err
	}

	delay := int(c.FrameDelay / (10 * time.Millisecond))
	if delay < 1 {
		delay = 1
	}
	var drawer draw.Drawer = draw.Src
	if s.Quality >= 50 {
		drawer = draw.FloydSteinberg
	}

	anim := &gif.GIF{LoopCount: 0}
	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := frame.Bounds()
		pal := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), palette.Plan9)
		drawer.Draw(pal, pal.Rect, frame, b.Min)
		anim.Image = append(anim.Image, pal)
		anim.Delay = append(anim.Delay, delay)
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return nil, fmt.Errorf("failed to encode gif: %w", err)
	}
	return &Result{Data: buf.Bytes(), MimeType: model.FormatGIF.MimeType(), Quality: s.Quality}, nil
}

// MP4Encoder pipes PNG frames through an external ffmpeg process. Without a
// usable ffmpeg binary it reports ErrFormatNotImplemented.
type MP4Encoder struct {
	ffmpegPath string
}

func (e *MP4Encoder) Encode(ctx context.Context, c *render.Capture, s model.Settings) (*Result, error) {
	if e.ffmpegPath == "" {
		return nil, fmt.Errorf("%w: mp4 encoder is not configured", ErrFormatNotImplemented)
	}
	bin, err := exec.LookPath(e.ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatNotImplemented, err)
	}
	frames, err := framesOf(c)
	if err != nil {
		return nil, err
	}

	fps := model.DefaultFrameRate
	if c.FrameDelay > 0 {
		fps = int(math.Round(float64(time.Second) / float64(c.FrameDelay)))
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "image2pipe", "-framerate", strconv.Itoa(fps), "-c:v", "png", "-i", "pipe:0",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-crf", strconv.Itoa(crf(s.Quality)),
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4", "pipe:1",
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrFormatNotImplemented, err)
		}
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	writeErr := writeFrames(stdin, frames)
	waitErr := cmd.Wait()
	if waitErr != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", waitErr, bytes.TrimSpace(stderr.Bytes()))
	}
	if writeErr != nil {
		return nil, fmt.Errorf("failed to stream frames: %w", writeErr)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ffmpeg produced no output")
	}
	return &Result{Data: stdout.Bytes(), MimeType: model.FormatMP4.MimeType(), Quality: s.Quality}, nil
}

func writeFrames(w io.WriteCloser, frames []image.Image) error {
	defer w.Close()
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	for _, f := range frames {
		if err := enc.Encode(w, f); err != nil {
			return err
		}
	}
	return nil
}

// crf maps quality 1..100 onto x264's 51..18
func crf(quality int) int {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return 51 - (quality-1)*33/99
}
