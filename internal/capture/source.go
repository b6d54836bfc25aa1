package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"os"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

// Synthetic renders a gradient with a square that moves a few pixels every
// frame. It stands in for a camera in demos and tests.
type Synthetic struct {
	w, h int
	side int

	mu  sync.Mutex
	n   int
	box image.Rectangle
	now func() int64
}

// NewSynthetic returns a w x h synthetic source. now supplies the
// inference timestamp reported by Detect and defaults to the wall clock in
// Unix milliseconds.
func NewSynthetic(w, h int, now func() int64) *Synthetic {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	side := max(min(w, h)/4, 1)
	return &Synthetic{w: w, h: h, side: side, box: image.Rect(0, 0, side, side), now: now}
}

func (s *Synthetic) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, s.w, s.h))
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 255 / s.w), G: uint8(y * 255 / s.h), B: 96, A: 255})
		}
	}

	s.mu.Lock()
	step := s.n * 4
	s.n++
	x := step % max(s.w-s.side, 1)
	y := (step / 2) % max(s.h-s.side, 1)
	s.box = image.Rect(x, y, x+s.side, y+s.side)
	box := s.box
	s.mu.Unlock()

	draw.Draw(img, box, image.NewUniform(color.White), image.Point{}, draw.Src)
	return img, nil
}

// Detect reports the square of the most recent frame as a "marker"
// detection, so the pipeline runs end to end without an inference worker.
func (s *Synthetic) Detect(ctx context.Context, f Frame) (protocol.DetectionFrameResult, error) {
	if err := ctx.Err(); err != nil {
		return protocol.DetectionFrameResult{}, err
	}
	s.mu.Lock()
	box := s.box
	s.mu.Unlock()

	w, h := float64(s.w), float64(s.h)
	return protocol.DetectionFrameResult{
		FrameID:     f.ID,
		CaptureTS:   f.CaptureTS,
		InferenceTS: s.now(),
		Detections: []protocol.Detection{{
			Label: "marker",
			Score: 1,
			Xmin:  float64(box.Min.X) / w,
			Ymin:  float64(box.Min.Y) / h,
			Xmax:  float64(box.Max.X) / w,
			Ymax:  float64(box.Max.Y) / h,
		}},
	}, nil
}

// Still serves the same decoded image on every frame.
type Still struct {
	img image.Image
}

// OpenStill decodes a JPEG, PNG, BMP or WebP file.
func OpenStill(path string) (*Still, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: open image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("capture: decode %s: %w", path, err)
	}
	return &Still{img: img}, nil
}

func (s *Still) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.img, nil
}
