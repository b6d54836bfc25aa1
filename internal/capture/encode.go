package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Fit returns the largest size no bigger than maxW x maxH with the aspect
// ratio of w x h. Images already inside the bounds keep their size.
func Fit(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	// Compare w/maxW against h/maxH without floating point.
	if w*maxH >= h*maxW {
		nh := h * maxW / w
		return maxW, max(nh, 1)
	}
	nw := w * maxH / h
	return max(nw, 1), maxH
}

// Downscale resizes img to fit within maxW x maxH.
func Downscale(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := Fit(b.Dx(), b.Dy(), maxW, maxH)
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// EncodeJPEG downscales img and encodes it, returning the encoded size.
func EncodeJPEG(img image.Image, maxW, maxH, quality int) ([]byte, int, int, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, 0, 0, fmt.Errorf("capture: empty frame")
	}
	scaled := Downscale(img, maxW, maxH)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("capture: encode jpeg: %w", err)
	}
	b := scaled.Bounds()
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}
