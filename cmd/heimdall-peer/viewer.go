package main

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/heimdall-vision/signal-relay/internal/latency"
	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

type telemetrySender interface {
	SendTelemetry(protocol.TelemetrySample)
}

// displayHandler "displays" each detection result by logging it, records its
// latency and reports the overlay-displayed point back through the relay.
func displayHandler(tr *latency.Tracker, out telemetrySender, clk clock.Clock, logger *slog.Logger) func(string, protocol.DetectionFrameResult) {
	return func(from string, r protocol.DetectionFrameResult) {
		sample := tr.Displayed(r, clk.Now())
		out.SendTelemetry(sample)

		labels := make([]string, 0, len(r.Detections))
		for _, d := range r.Detections {
			labels = append(labels, d.Label)
		}
		logger.Debug("detection displayed",
			"from", from,
			"frame_id", string(r.FrameID),
			"detections", len(r.Detections),
			"labels", labels,
			"e2e_ms", sample.TS-r.CaptureTS,
		)
	}
}
