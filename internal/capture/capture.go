// Package capture samples frames at a fixed rate and pushes each one through
// detection to the paired viewer. At most one frame is in flight; a tick that
// fires while the previous frame is still outstanding is skipped, not queued.
package capture

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/heimdall-vision/signal-relay/internal/metrics"
	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

const (
	DefaultInterval = time.Second / 12
	DefaultWidth    = 320
	DefaultHeight   = 240
	DefaultTimeout  = 2 * time.Second
	DefaultQuality  = 75
)

// Frame is one captured, downscaled and JPEG-encoded image.
type Frame struct {
	ID        protocol.FrameID
	CaptureTS int64
	Width     int
	Height    int
	JPEG      []byte
}

// FrameSource produces the current camera image.
type FrameSource interface {
	Frame(ctx context.Context) (image.Image, error)
}

// Detector runs object detection on a frame.
type Detector interface {
	Detect(ctx context.Context, f Frame) (protocol.DetectionFrameResult, error)
}

// Publisher delivers a detection result to the viewer.
type Publisher interface {
	Publish(ctx context.Context, r protocol.DetectionFrameResult) error
}

type Config struct {
	Interval time.Duration
	// Width and Height bound the encoded frame; aspect ratio is preserved.
	Width   int
	Height  int
	Timeout time.Duration
	Quality int

	Source    FrameSource
	Detector  Detector
	Publisher Publisher

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// NewFrameID defaults to UUIDv4.
	NewFrameID func() string
}

type Controller struct {
	cfg     Config
	log     *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	busy atomic.Bool
	wg   sync.WaitGroup
}

func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil || cfg.Detector == nil || cfg.Publisher == nil {
		return nil, errors.New("capture: source, detector and publisher are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Quality <= 0 {
		cfg.Quality = DefaultQuality
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewFrameID == nil {
		cfg.NewFrameID = uuid.NewString
	}
	return &Controller{
		cfg:     cfg,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
	}, nil
}

// Run ticks until ctx is done, then waits for the in-flight frame.
func (c *Controller) Run(ctx context.Context) error {
	t := c.clock.Ticker(c.cfg.Interval)
	defer t.Stop()
	defer c.wg.Wait()

	c.log.Info("capture started", "interval", c.cfg.Interval, "width", c.cfg.Width, "height", c.cfg.Height)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.tick(ctx)
		}
	}
}

// tick starts one capture unless the previous one is outstanding. It reports
// whether a capture started.
func (c *Controller) tick(ctx context.Context) bool {
	if !c.busy.CompareAndSwap(false, true) {
		c.metrics.CaptureTick(metrics.TickSkipped)
		c.log.Debug("capture tick skipped, previous frame in flight")
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.busy.Store(false)
		if err := c.process(ctx); err != nil {
			c.metrics.CaptureTick(metrics.TickFailed)
			c.log.Warn("frame dropped", "err", err)
			return
		}
		c.metrics.CaptureTick(metrics.TickCaptured)
	}()
	return true
}

// InFlight reports whether a frame is being processed.
func (c *Controller) InFlight() bool { return c.busy.Load() }

func (c *Controller) process(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	img, err := c.cfg.Source.Frame(ctx)
	if err != nil {
		return err
	}
	frame := Frame{
		ID:        protocol.FrameID(c.cfg.NewFrameID()),
		CaptureTS: c.clock.Now().UnixMilli(),
	}
	if frame.JPEG, frame.Width, frame.Height, err = EncodeJPEG(img, c.cfg.Width, c.cfg.Height, c.cfg.Quality); err != nil {
		return err
	}

	result, err := c.cfg.Detector.Detect(ctx, frame)
	if err != nil {
		return err
	}
	return c.cfg.Publisher.Publish(ctx, result)
}
