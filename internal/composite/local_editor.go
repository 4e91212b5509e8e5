package composite

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var errDocumentClosed = errors.New("document is closed")

// TextLayer is a named text region of a local template. Gravity uses the
// compass names northwest..southeast plus center; southeast is the default.
type TextLayer struct {
	Name    string
	Gravity string
	Color   color.RGBA
}

// LocalEditor composes documents in memory: the template is a raster image,
// placed images are drawn centered over it and text layers are rendered on
// export. PSD export is not supported.
type LocalEditor struct {
	mu     sync.Mutex
	layers map[string]TextLayer
}

func NewLocalEditor(layers ...TextLayer) *LocalEditor {
	editor := &LocalEditor{layers: make(map[string]TextLayer, len(layers))}
	for _, layer := range layers {
		editor.layers[layer.Name] = layer
	}
	return editor
}

// LocalDialer connects to a fresh LocalEditor.
func LocalDialer(layers ...TextLayer) Dialer {
	return func(context.Context) (Editor, error) {
		return NewLocalEditor(layers...), nil
	}
}

// WaitReady always succeeds; a local editor holds no external resource.
func (e *LocalEditor) WaitReady(ctx context.Context) error {
	return ctx.Err()
}

func (e *LocalEditor) OpenTemplate(ctx context.Context, templatePath string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tpl, err := imaging.Open(templatePath)
	if err != nil {
		return nil, fmt.Errorf("open template %s: %w", templatePath, err)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, tpl.Bounds().Dx(), tpl.Bounds().Dy()))
	draw.Draw(canvas, canvas.Bounds(), tpl, tpl.Bounds().Min, draw.Src)

	e.mu.Lock()
	layers := make(map[string]TextLayer, len(e.layers))
	for name, layer := range e.layers {
		layers[name] = layer
	}
	e.mu.Unlock()

	return &localDocument{
		canvas: canvas,
		layers: layers,
		texts:  make(map[string]string),
	}, nil
}

type localDocument struct {
	mu     sync.Mutex
	canvas *image.RGBA
	layers map[string]TextLayer
	texts  map[string]string
	order  []string
	closed bool
}

func (d *localDocument) PlaceImage(ctx context.Context, imagePath string, scalePercent float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := imaging.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open placed image %s: %w", imagePath, err)
	}
	if scalePercent <= 0 {
		scalePercent = DefaultScalePercent
	}
	if scalePercent != 100 {
		w := max(1, int(math.Round(float64(src.Bounds().Dx())*scalePercent/100)))
		h := max(1, int(math.Round(float64(src.Bounds().Dy())*scalePercent/100)))
		src = imaging.Resize(src, w, h, imaging.Lanczos)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDocumentClosed
	}

	cb := d.canvas.Bounds()
	sb := src.Bounds()
	offset := image.Pt(cb.Min.X+(cb.Dx()-sb.Dx())/2, cb.Min.Y+(cb.Dy()-sb.Dy())/2)
	draw.Draw(d.canvas, sb.Sub(sb.Min).Add(offset), src, sb.Min, draw.Over)
	return nil
}

func (d *localDocument) SetTextLayer(ctx context.Context, layerName, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDocumentClosed
	}
	if _, ok := d.layers[layerName]; !ok {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, layerName)
	}
	if _, seen := d.texts[layerName]; !seen {
		d.order = append(d.order, layerName)
	}
	d.texts[layerName] = text
	return nil
}

func (d *localDocument) ExportAs(ctx context.Context, outputPath string, format Format) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		target imaging.Format
		opts   []imaging.EncodeOption
	)
	switch format {
	case FormatJPG:
		target = imaging.JPEG
		opts = append(opts, imaging.JPEGQuality(100))
	case FormatPNG:
		target = imaging.PNG
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errDocumentClosed
	}
	out := d.render()
	d.mu.Unlock()

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create export %s: %w", outputPath, err)
	}
	if err := imaging.Encode(f, out, target, opts...); err != nil {
		f.Close()
		os.Remove(outputPath)
		return fmt.Errorf("encode export %s: %w", outputPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("close export %s: %w", outputPath, err)
	}
	return nil
}

func (d *localDocument) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDocumentClosed
	}
	d.closed = true
	d.canvas = nil
	return nil
}

// render draws the text layers over a copy of the canvas. Callers hold d.mu.
func (d *localDocument) render() *image.RGBA {
	dst := image.NewRGBA(d.canvas.Bounds())
	draw.Draw(dst, dst.Bounds(), d.canvas, d.canvas.Bounds().Min, draw.Src)

	face := basicfont.Face7x13
	metrics := face.Metrics()
	ascent := metrics.Ascent.Ceil()
	height := metrics.Height.Ceil()

	for _, name := range d.order {
		text := strings.TrimSpace(d.texts[name])
		if text == "" {
			continue
		}
		layer := d.layers[name]
		ink := layer.Color
		if ink.A == 0 {
			ink = color.RGBA{A: 255}
		}

		drawer := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(ink),
			Face: face,
		}
		width := drawer.MeasureString(text).Ceil()
		x, baseline := textPosition(dst.Bounds(), width, height, ascent, layer.Gravity)
		drawer.Dot = fixed.P(x, baseline)
		drawer.DrawString(text)
	}
	return dst
}

func textPosition(bounds image.Rectangle, textWidth, textHeight, ascent int, gravity string) (int, int) {
	const pad = 12

	left := bounds.Min.X + pad
	center := bounds.Min.X + (bounds.Dx()-textWidth)/2
	right := bounds.Max.X - textWidth - pad

	top := bounds.Min.Y + pad + ascent
	middle := bounds.Min.Y + (bounds.Dy()-textHeight)/2 + ascent
	bottom := bounds.Max.Y - pad

	var x, y int
	switch strings.ToLower(strings.TrimSpace(gravity)) {
	case "northwest":
		x, y = left, top
	case "north":
		x, y = center, top
	case "northeast":
		x, y = right, top
	case "west":
		x, y = left, middle
	case "center":
		x, y = center, middle
	case "east":
		x, y = right, middle
	case "southwest":
		x, y = left, bottom
	case "south":
		x, y = center, bottom
	default:
		x, y = right, bottom
	}
	return clamp(x, bounds.Min.X, bounds.Max.X), clamp(y, bounds.Min.Y+ascent, bounds.Max.Y)
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
