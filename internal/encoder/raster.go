package encoder

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"

	"github.com/creative-design-platform/export-service/internal/model"
	"github.com/creative-design-platform/export-service/internal/render"
)

// PNGEncoder writes lossless PNG. Below quality 100 colors are posterized
// before compression so that quality controls output size.
type PNGEncoder struct {
	opts Options
}

func (e *PNGEncoder) Encode(ctx context.Context, c *render.Capture, s model.Settings) (*Result, error) {
	img, err := rasterOf(c)
	if err != nil {
		return nil, err
	}
	src := toNRGBA(img)

	enc := png.Encoder{CompressionLevel: png.BestCompression}
	data, q, err := e.opts.encodeWithQuality(func(quality int) ([]byte, error) {
		var buf bytes.Buffer
		if err := enc.Encode(&buf, posterize(src, quality)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}, s)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, MimeType: model.FormatPNG.MimeType(), Quality: q}, nil
}

// JPEGEncoder flattens alpha onto white and encodes at the job quality
type JPEGEncoder struct {
	opts Options
}

func (e *JPEGEncoder) Encode(ctx context.Context, c *render.Capture, s model.Settings) (*Result, error) {
	img, err := rasterOf(c)
	if err != nil {
		return nil, err
	}
	flat := flatten(img)

	data, q, err := e.opts.encodeWithQuality(func(quality int) ([]byte, error) {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}, s)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, MimeType: model.FormatJPG.MimeType(), Quality: q}, nil
}

// Levels per channel kept at a given quality
func posterizeLevels(quality int) int {
	if quality >= 100 {
		return 256
	}
	if quality < 1 {
		quality = 1
	}
	return 2 + quality*254/100
}

func posterize(src *image.NRGBA, quality int) image.Image {
	levels := posterizeLevels(quality)
	if levels >= 256 {
		return src
	}

	var table [256]uint8
	step := 255.0 / float64(levels-1)
	for v := 0; v < 256; v++ {
		bucket := int(float64(v)/step + 0.5)
		table[v] = uint8(float64(bucket)*step + 0.5)
	}

	dst := image.NewNRGBA(src.Bounds())
	for i := 0; i < len(src.Pix); i += 4 {
		dst.Pix[i] = table[src.Pix[i]]
		dst.Pix[i+1] = table[src.Pix[i+1]]
		dst.Pix[i+2] = table[src.Pix[i+2]]
		dst.Pix[i+3] = src.Pix[i+3]
	}
	return dst
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) && n.Stride == 4*n.Rect.Dx() {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
