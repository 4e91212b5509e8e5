package pipeline

import (
	"context"
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

const (
	DefaultBound       = 1400
	DefaultCropPattern = "_10_"
	DefaultJPEGQuality = 95
)

var White = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Transformer runs the two byte-level stages of a batch. The flatten stage
// also applies the pattern crop, since both work on the freshly decoded source.
type Transformer interface {
	Flatten(ctx context.Context, name string, input []byte, opts Options) ([]byte, error)
	Resize(ctx context.Context, name string, input []byte, opts Options) ([]byte, error)
}

type Options struct {
	Bound       int
	Background  color.RGBA
	CropPattern string
	JPEGQuality int
	AutoOrient  bool
	Workers     int
	// StagingDir is a parent directory; each run stages into its own fresh
	// child of it. Empty stages next to the output directory.
	StagingDir string
}

func DefaultOptions() Options {
	return Options{
		Bound:       DefaultBound,
		Background:  White,
		CropPattern: DefaultCropPattern,
		JPEGQuality: DefaultJPEGQuality,
		Workers:     1,
	}
}

func (o Options) withDefaults() Options {
	if o.Bound <= 0 {
		o.Bound = DefaultBound
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = DefaultJPEGQuality
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	o.Background.A = 0xff
	return o
}

// ParseColor accepts "r,g,b" triples and "#rrggbb" hex strings.
func ParseColor(in string) (color.RGBA, error) {
	in = strings.TrimSpace(in)
	if in == "" {
		return White, nil
	}

	if strings.HasPrefix(in, "#") {
		hex := strings.TrimPrefix(in, "#")
		if len(hex) != 6 {
			return color.RGBA{}, fmt.Errorf("invalid hex color %q", in)
		}
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return color.RGBA{}, fmt.Errorf("invalid hex color %q: %w", in, err)
		}
		return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
	}

	parts := strings.Split(in, ",")
	if len(parts) != 3 {
		return color.RGBA{}, fmt.Errorf("invalid color %q: expected r,g,b", in)
	}
	var rgb [3]uint8
	for i, part := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
		if err != nil {
			return color.RGBA{}, fmt.Errorf("invalid color component %q: %w", part, err)
		}
		rgb[i] = uint8(v)
	}
	return color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 0xff}, nil
}
