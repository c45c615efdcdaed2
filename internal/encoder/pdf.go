package encoder

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/creative-design-platform/export-service/internal/model"
	"github.com/creative-design-platform/export-service/internal/render"
)

// PDFEncoder draws the display list onto a single page sized to the scaled
// canvas, one point per pixel.
type PDFEncoder struct{}

func (e *PDFEncoder) Encode(ctx context.Context, c *render.Capture, s model.Settings) (*Result, error) {
	layout, err := layoutOf(c)
	if err != nil {
		return nil, err
	}

	w, h := layout.Size()
	pdf := fpdf.NewCustom(&fpdf.InitType{
		UnitStr:        "pt",
		OrientationStr: "P",
		Size:           fpdf.SizeType{Wd: float64(w), Ht: float64(h)},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	if bg, ok := render.ParseColor(layout.Background); !ok {
		pdf.SetFillColor(255, 255, 255)
		pdf.Rect(0, 0, float64(w), float64(h), "F")
	} else if bg.A > 0 {
		pdf.SetAlpha(float64(bg.A)/255, "Normal")
		pdf.SetFillColor(int(bg.R), int(bg.G), int(bg.B))
		pdf.Rect(0, 0, float64(w), float64(h), "F")
		pdf.SetAlpha(1, "Normal")
	}

	for i, p := range layout.Primitives {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.Opacity <= 0 {
			continue
		}
		pdf.TransformBegin()
		// fpdf rotates counter-clockwise
		pdf.TransformRotate(-p.Rotation, p.X, p.Y)
		pdf.SetAlpha(p.Opacity, "Normal")
		drawPDFPrimitive(pdf, tr, p, i)
		pdf.SetAlpha(1, "Normal")
		pdf.TransformEnd()
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}
	return &Result{Data: buf.Bytes(), MimeType: model.FormatPDF.MimeType()}, nil
}

func drawPDFPrimitive(pdf *fpdf.Fpdf, tr func(string) string, p render.Primitive, i int) {
	switch p.Kind {
	case model.NodeShape:
		fill := setPDFColor(p.Fill, true, pdf.SetFillColor)
		stroke := false
		if p.Stroke != "" && p.StrokeWidth > 0 {
			stroke = setPDFColor(p.Stroke, false, pdf.SetDrawColor)
			pdf.SetLineWidth(p.StrokeWidth)
		}
		switch p.Shape {
		case model.ShapeLine:
			if !stroke {
				color := p.Fill
				setPDFColor(color, true, pdf.SetDrawColor)
				width := p.StrokeWidth
				if width <= 0 {
					width = 1
				}
				pdf.SetLineWidth(width)
			}
			pdf.Line(p.X, p.Y, p.X+p.W, p.Y+p.H)
		case model.ShapeEllipse:
			if style := pdfStyle(fill, stroke); style != "" {
				pdf.Ellipse(p.X+p.W/2, p.Y+p.H/2, p.W/2, p.H/2, 0, style)
			}
		default:
			if style := pdfStyle(fill, stroke); style != "" {
				pdf.Rect(p.X, p.Y, p.W, p.H, style)
			}
		}

	case model.NodeText:
		if !setPDFColor(p.Fill, true, func(r, g, b int) { pdf.SetTextColor(r, g, b) }) {
			return
		}
		size := p.FontSize
		if size <= 0 {
			size = 16
		}
		pdf.SetFont(pdfFont(p.FontFamily), "", size)
		if p.W > 0 {
			pdf.SetXY(p.X, p.Y)
			pdf.MultiCell(p.W, size*1.2, tr(p.Text), "", "L", false)
			return
		}
		pdf.Text(p.X, p.Y+size, tr(p.Text))

	case model.NodeImage:
		if data, imageType, ok := pdfImage(p.Src); ok {
			name := fmt.Sprintf("node-%d", i)
			opts := fpdf.ImageOptions{ImageType: imageType}
			pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
			if pdf.Ok() {
				pdf.ImageOptions(name, p.X, p.Y, p.W, p.H, false, opts, 0, "")
				return
			}
			pdf.ClearError()
		}
		pdf.SetFillColor(0xe5, 0xe7, 0xeb)
		pdf.SetDrawColor(0x9c, 0xa3, 0xaf)
		pdf.SetLineWidth(1)
		pdf.Rect(p.X, p.Y, p.W, p.H, "FD")
	}
}

func setPDFColor(value string, defaultInk bool, set func(r, g, b int)) bool {
	if value == "" {
		if !defaultInk {
			return false
		}
		set(0, 0, 0)
		return true
	}
	c, ok := render.ParseColor(value)
	if !ok || c.A == 0 {
		return false
	}
	set(int(c.R), int(c.G), int(c.B))
	return true
}

func pdfStyle(fill, stroke bool) string {
	switch {
	case fill && stroke:
		return "FD"
	case fill:
		return "F"
	case stroke:
		return "D"
	}
	return ""
}

func pdfFont(family string) string {
	f := strings.ToLower(family)
	switch {
	case strings.Contains(f, "mono"), strings.Contains(f, "courier"):
		return "Courier"
	case strings.Contains(f, "times"), strings.Contains(f, "serif") && !strings.Contains(f, "sans"):
		return "Times"
	}
	return "Helvetica"
}

// pdfImage decodes a data URI into bytes and an fpdf image type
func pdfImage(src string) ([]byte, string, bool) {
	data, ok := render.DecodeDataURI(src)
	if !ok {
		return nil, "", false
	}
	switch {
	case strings.HasPrefix(src, "data:image/png"):
		return data, "PNG", true
	case strings.HasPrefix(src, "data:image/jpeg"), strings.HasPrefix(src, "data:image/jpg"):
		return data, "JPG", true
	case strings.HasPrefix(src, "data:image/gif"):
		return data, "GIF", true
	}
	return nil, "", false
}
