package pipeline

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// ResizeBounded scales img down so its larger side equals bound. Images that
// already fit are returned unchanged.
func ResizeBounded(img image.Image, bound int) image.Image {
	if bound <= 0 {
		bound = DefaultBound
	}

	b := img.Bounds()
	w, h, ok := boundedSize(b.Dx(), b.Dy(), bound)
	if !ok {
		return img
	}
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

// boundedSize reports the target dimensions for a w x h image. Height wins
// ties so square images resolve deterministically.
func boundedSize(w, h, bound int) (int, int, bool) {
	if max(w, h) <= bound {
		return w, h, false
	}
	if h >= w {
		return scaleSide(w, h, bound), bound, true
	}
	return bound, scaleSide(h, w, bound), true
}

func scaleSide(other, controlling, bound int) int {
	v := int(math.Round(float64(other) * float64(bound) / float64(controlling)))
	if v < 1 {
		return 1
	}
	return v
}
