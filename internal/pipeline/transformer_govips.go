//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/disintegration/imaging"
)

type govipsTransformer struct{}

func (t govipsTransformer) Flatten(ctx context.Context, name string, input []byte, opts Options) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, fmt.Errorf("%w: decode source image: %w", ErrDecode, err)
	}
	defer img.Close()

	if opts.AutoOrient {
		if err := img.AutoRotate(); err != nil {
			return nil, fmt.Errorf("%w: auto-rotate: %w", ErrDecode, err)
		}
	}

	if matchesPattern(name, opts.CropPattern) {
		if img.Height() < 2 {
			return nil, fmt.Errorf("%w: %dx%d has no top half", ErrCrop, img.Width(), img.Height())
		}
		if err := img.ExtractArea(0, 0, img.Width(), img.Height()/2); err != nil {
			return nil, fmt.Errorf("%w: extract top half: %w", ErrCrop, err)
		}
	}

	if img.HasAlpha() {
		bg := &vips.Color{R: opts.Background.R, G: opts.Background.G, B: opts.Background.B}
		if err := img.Flatten(bg); err != nil {
			return nil, fmt.Errorf("flatten alpha: %w", err)
		}
	}
	if err := img.ToColorSpace(vips.InterpretationSRGB); err != nil {
		return nil, fmt.Errorf("convert to srgb: %w", err)
	}

	return exportGovipsImage(img, formatForName(name, govipsSourceFormat(input)), opts.JPEGQuality)
}

func (t govipsTransformer) Resize(ctx context.Context, name string, input []byte, opts Options) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, fmt.Errorf("%w: decode source image: %w", ErrDecode, err)
	}
	defer img.Close()

	w, h, ok := boundedSize(img.Width(), img.Height(), opts.Bound)
	if !ok {
		return input, nil
	}

	hscale := float64(w) / float64(img.Width())
	vscale := float64(h) / float64(img.Height())
	if err := img.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
		return nil, fmt.Errorf("resize image: %w", err)
	}

	return exportGovipsImage(img, formatForName(name, govipsSourceFormat(input)), opts.JPEGQuality)
}

func govipsSourceFormat(input []byte) string {
	switch vips.DetermineImageType(input) {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypeGIF:
		return "gif"
	case vips.ImageTypeTIFF:
		return "tiff"
	default:
		return "png"
	}
}

// exportGovipsImage uses native exporters for jpeg and png and hands every
// other format to the imaging encoders.
func exportGovipsImage(img *vips.ImageRef, format imaging.Format, quality int) ([]byte, error) {
	switch format {
	case imaging.JPEG:
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("%w: jpeg: %w", ErrEncode, err)
		}
		return data, nil
	case imaging.PNG:
		data, _, err := img.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("%w: png: %w", ErrEncode, err)
		}
		return data, nil
	default:
		goImg, err := img.ToImage(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: convert to image: %w", ErrEncode, err)
		}
		return encodeImage(goImg, format, quality)
	}
}
