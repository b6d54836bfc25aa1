// Package latency reconstructs per-frame latency on the viewer from the
// timestamps a detection result collects on its way: capture, inference,
// arrival at the relay and local display.
package latency

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

const DefaultWindow = 1000

// Series names.
const (
	EndToEnd  = "end_to_end"
	Network   = "network"
	Server    = "server"
	Inference = "inference"
)

// Stats summarizes one series in milliseconds.
type Stats struct {
	Count  int
	Median int64
	P95    int64
}

func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("count", s.Count),
		slog.Int64("median_ms", s.Median),
		slog.Int64("p95_ms", s.P95),
	)
}

type Summary struct {
	EndToEnd  Stats
	Network   Stats
	Server    Stats
	Inference Stats
}

func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any(EndToEnd, s.EndToEnd),
		slog.Any(Network, s.Network),
		slog.Any(Server, s.Server),
		slog.Any(Inference, s.Inference),
	)
}

// Tracker keeps the most recent window of samples per series. It is safe for
// concurrent use.
type Tracker struct {
	window int

	mu     sync.Mutex
	series map[string][]int64
}

func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{window: window, series: make(map[string][]int64)}
}

// Observe records r as displayed at displayTS (Unix milliseconds).
//
//	end_to_end = display - capture
//	network    = received-at - capture
//	server     = inference - received-at
//	inference  = inference - capture
//
// Stages whose timestamps are missing or run backwards are skipped. Results
// that bypassed the relay have no received-at and only feed end_to_end and
// inference.
func (t *Tracker) Observe(r protocol.DetectionFrameResult, displayTS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.add(EndToEnd, r.CaptureTS, displayTS)
	t.add(Inference, r.CaptureTS, r.InferenceTS)
	if r.ReceivedAt > 0 {
		t.add(Network, r.CaptureTS, r.ReceivedAt)
		t.add(Server, r.ReceivedAt, r.InferenceTS)
	}
}

// Displayed records r as shown now and returns the telemetry sample the
// viewer reports for it.
func (t *Tracker) Displayed(r protocol.DetectionFrameResult, now time.Time) protocol.TelemetrySample {
	ts := now.UnixMilli()
	t.Observe(r, ts)
	return protocol.TelemetrySample{FrameID: r.FrameID, Point: protocol.PointOverlayDisplayed, TS: ts}
}

func (t *Tracker) add(name string, from, to int64) {
	if from <= 0 || to <= 0 || to < from {
		return
	}
	s := append(t.series[name], to-from)
	if len(s) > t.window {
		s = s[len(s)-t.window:]
	}
	t.series[name] = s
}

func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Summary{
		EndToEnd:  summarize(t.series[EndToEnd]),
		Network:   summarize(t.series[Network]),
		Server:    summarize(t.series[Server]),
		Inference: summarize(t.series[Inference]),
	}
}

func summarize(values []int64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return Stats{
		Count:  len(sorted),
		Median: NearestRank(sorted, 50),
		P95:    NearestRank(sorted, 95),
	}
}

// NearestRank returns the p-th percentile of sorted using the nearest-rank
// method: the smallest value with at least p percent of values at or below
// it.
func NearestRank(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

// Report logs the summary every interval and once more when ctx ends. An
// interval <= 0 only logs at the end.
func (t *Tracker) Report(ctx context.Context, clk clock.Clock, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	defer func() { logger.Info("latency summary", "final", true, "latency", t.Summary()) }()
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	tk := clk.Ticker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			logger.Info("latency summary", "latency", t.Summary())
		}
	}
}
