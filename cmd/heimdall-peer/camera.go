package main

import (
	"fmt"
	"log/slog"

	"github.com/heimdall-vision/signal-relay/internal/capture"
	"github.com/heimdall-vision/signal-relay/internal/config"
	"github.com/heimdall-vision/signal-relay/internal/inference"
	"github.com/heimdall-vision/signal-relay/internal/metrics"
)

// newCamera builds the capture pipeline for the initiator. Without an
// inference worker the synthetic source doubles as the detector and reports
// its own moving marker. The returned func releases the worker connection.
func newCamera(cfg config.PeerConfig, pub capture.Publisher, logger *slog.Logger, m *metrics.Metrics) (*capture.Controller, func(), error) {
	synthetic := capture.NewSynthetic(cfg.Capture.Width, cfg.Capture.Height, nil)

	var source capture.FrameSource = synthetic
	if cfg.Capture.Source == config.CaptureSourceImage {
		still, err := capture.OpenStill(cfg.Capture.ImagePath)
		if err != nil {
			return nil, nil, fmt.Errorf("capture source: %w", err)
		}
		source = still
	}

	var detector capture.Detector = synthetic
	release := func() {}
	if cfg.InferenceURL != "" {
		worker := inference.New(inference.Config{
			URL:    cfg.InferenceURL,
			Logger: logger.With("component", "inference"),
		})
		detector = worker
		release = func() { _ = worker.Close() }
	}

	ctrl, err := capture.New(capture.Config{
		Interval:  cfg.Capture.Interval(),
		Width:     cfg.Capture.Width,
		Height:    cfg.Capture.Height,
		Timeout:   cfg.Capture.Timeout,
		Source:    source,
		Detector:  detector,
		Publisher: pub,
		Logger:    logger.With("component", "capture"),
		Metrics:   m,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	return ctrl, release, nil
}
