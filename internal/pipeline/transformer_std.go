package pipeline

import (
	"context"
	"fmt"
)

type stdlibTransformer struct{}

func (t stdlibTransformer) Flatten(ctx context.Context, name string, input []byte, opts Options) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	src, srcFormat, err := decodeImage(input, opts.AutoOrient)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	cropped, err := CropIfPattern(name, src, opts.CropPattern)
	if err != nil {
		return nil, err
	}
	return encodeImage(Flatten(cropped, opts.Background), formatForName(name, srcFormat), opts.JPEGQuality)
}

func (t stdlibTransformer) Resize(ctx context.Context, name string, input []byte, opts Options) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	src, srcFormat, err := decodeImage(input, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	b := src.Bounds()
	if _, _, ok := boundedSize(b.Dx(), b.Dy(), opts.Bound); !ok {
		return input, nil
	}
	return encodeImage(ResizeBounded(src, opts.Bound), formatForName(name, srcFormat), opts.JPEGQuality)
}
