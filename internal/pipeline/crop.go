package pipeline

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// CropIfPattern keeps the top half of img when name contains pattern.
// An empty pattern disables cropping. Images less than two rows high have no
// top half and fail with ErrCrop.
func CropIfPattern(name string, img image.Image, pattern string) (image.Image, error) {
	if !matchesPattern(name, pattern) {
		return img, nil
	}
	return cropTopHalf(img)
}

// CropFileIfPattern writes a top-half copy of path into dir when its base name
// matches pattern and returns the copy's path. On any failure the original
// path is returned together with an ErrCrop error.
func CropFileIfPattern(path, dir, pattern string, jpegQuality int) (string, error) {
	name := filepath.Base(path)
	if !matchesPattern(name, pattern) {
		return path, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return path, fmt.Errorf("%w: read %s: %w", ErrCrop, name, err)
	}
	img, srcFormat, err := decodeImage(data, false)
	if err != nil {
		return path, fmt.Errorf("%w: %s: %w", ErrCrop, name, err)
	}

	top, err := cropTopHalf(img)
	if err != nil {
		return path, fmt.Errorf("%s: %w", name, err)
	}
	encoded, err := encodeImage(top, formatForName(name, srcFormat), jpegQuality)
	if err != nil {
		return path, fmt.Errorf("%w: %s: %w", ErrCrop, name, err)
	}

	ext := filepath.Ext(name)
	cropped := filepath.Join(dir, strings.TrimSuffix(name, ext)+"_cropped"+ext)
	if err := writeFileAtomic(cropped, encoded); err != nil {
		return path, fmt.Errorf("%w: %s: %w", ErrCrop, name, err)
	}
	return cropped, nil
}

func matchesPattern(name, pattern string) bool {
	return pattern != "" && strings.Contains(name, pattern)
}

func cropTopHalf(img image.Image) (image.Image, error) {
	b := img.Bounds()
	if b.Dx() < 1 || b.Dy() < 2 {
		return nil, fmt.Errorf("%w: %dx%d has no top half", ErrCrop, b.Dx(), b.Dy())
	}
	return imaging.Crop(img, image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+b.Dy()/2)), nil
}
