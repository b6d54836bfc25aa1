package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heimdall-vision/signal-relay/internal/capture"
	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

type fakeWorker struct {
	conns atomic.Int32
	// reply builds the response for one request; nil closes the connection.
	reply func(req map[string]any) any
}

func (w *fakeWorker) serve(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/live", func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		w.conns.Add(1)
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			out := w.reply(req)
			if out == nil {
				return
			}
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/live"
}

func testFrame(id string) capture.Frame {
	return capture.Frame{ID: protocol.FrameID(id), CaptureTS: 1_700_000_000_000, JPEG: []byte{0xff, 0xd8, 0xff, 0xd9}}
}

func TestDetect_SendsDataURLAndMapsReply(t *testing.T) {
	requests := make(chan map[string]any, 1)
	w := &fakeWorker{reply: func(req map[string]any) any {
		requests <- req
		return map[string]any{
			"frame_id":     req["frame_id"],
			"capture_ts":   5,
			"inference_ts": 1_700_000_000_030,
			"detections": []map[string]any{
				{"label": "person", "score": 0.93, "xmin": 0.12, "ymin": 0.08, "xmax": 0.34, "ymax": 0.67},
			},
			"annotated_b64": "data:image/jpeg;base64,AAAA",
		}
	}}
	c := New(Config{URL: w.serve(t)})
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f := testFrame("frame-1")
	r, err := c.Detect(ctx, f)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	req := <-requests
	gotID, _ := req["frame_id"].(string)
	gotImage, _ := req["image_b64"].(string)
	if gotID != "frame-1" {
		t.Fatalf("request frame_id=%q, want frame-1", gotID)
	}
	if !strings.HasPrefix(gotImage, dataURLPrefix) {
		t.Fatalf("image_b64=%q, want a jpeg data URL", gotImage)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(gotImage, dataURLPrefix))
	if err != nil || string(raw) != string(f.JPEG) {
		t.Fatalf("image payload=%x (err %v), want %x", raw, err, f.JPEG)
	}

	if r.FrameID != "frame-1" {
		t.Fatalf("frame_id=%q, want frame-1", r.FrameID)
	}
	if r.CaptureTS != f.CaptureTS {
		t.Fatalf("capture_ts=%d, want the frame's %d", r.CaptureTS, f.CaptureTS)
	}
	if r.InferenceTS != 1_700_000_000_030 {
		t.Fatalf("inference_ts=%d, want 1700000000030", r.InferenceTS)
	}
	if len(r.Detections) != 1 || r.Detections[0].Label != "person" {
		t.Fatalf("detections=%+v, want one person", r.Detections)
	}
}

func TestDetect_WorkerErrorKeepsConnection(t *testing.T) {
	w := &fakeWorker{reply: func(req map[string]any) any {
		if req["frame_id"] == "boom" {
			return map[string]any{"error": "inference failed", "detail": "model missing", "frame_id": "boom"}
		}
		return map[string]any{"frame_id": req["frame_id"], "inference_ts": 1, "detections": []any{}}
	}}
	c := New(Config{URL: w.serve(t)})
	t.Cleanup(func() { _ = c.Close() })

	_, err := c.Detect(context.Background(), testFrame("boom"))
	var werr *WorkerError
	if !errors.As(err, &werr) {
		t.Fatalf("err=%v, want *WorkerError", err)
	}
	if werr.Message != "inference failed" || werr.Detail != "model missing" {
		t.Fatalf("worker error=%+v", werr)
	}

	if _, err := c.Detect(context.Background(), testFrame("ok")); err != nil {
		t.Fatalf("Detect after worker error: %v", err)
	}
	if n := w.conns.Load(); n != 1 {
		t.Fatalf("connections=%d, want 1", n)
	}
}

func TestDetect_RejectsMismatchedFrameAndRedials(t *testing.T) {
	w := &fakeWorker{reply: func(req map[string]any) any {
		if req["frame_id"] == "first" {
			return map[string]any{"frame_id": "stale", "inference_ts": 1, "detections": []any{}}
		}
		return map[string]any{"frame_id": req["frame_id"], "inference_ts": 1, "detections": []any{}}
	}}
	c := New(Config{URL: w.serve(t)})
	t.Cleanup(func() { _ = c.Close() })

	if _, err := c.Detect(context.Background(), testFrame("first")); !errors.Is(err, ErrFrameMismatch) {
		t.Fatalf("err=%v, want %v", err, ErrFrameMismatch)
	}
	if _, err := c.Detect(context.Background(), testFrame("second")); err != nil {
		t.Fatalf("Detect after mismatch: %v", err)
	}
	if n := w.conns.Load(); n != 2 {
		t.Fatalf("connections=%d, want 2 after resync", n)
	}
}

func TestDetect_ClosedConnectionIsRedialed(t *testing.T) {
	var calls atomic.Int32
	w := &fakeWorker{reply: func(req map[string]any) any {
		if calls.Add(1) == 1 {
			return nil
		}
		return map[string]any{"frame_id": req["frame_id"], "inference_ts": 1, "detections": []any{}}
	}}
	c := New(Config{URL: w.serve(t)})
	t.Cleanup(func() { _ = c.Close() })

	if _, err := c.Detect(context.Background(), testFrame("a")); err == nil {
		t.Fatalf("Detect succeeded on a closed connection")
	}
	if _, err := c.Detect(context.Background(), testFrame("b")); err != nil {
		t.Fatalf("Detect after redial: %v", err)
	}
}

func TestDetect_TimesOut(t *testing.T) {
	block := make(chan struct{})
	w := &fakeWorker{reply: func(req map[string]any) any {
		<-block
		return nil
	}}
	url := w.serve(t)
	t.Cleanup(func() { close(block) })
	c := New(Config{URL: url})
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Detect(ctx, testFrame("slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want %v", err, context.DeadlineExceeded)
	}
}

func TestDetect_DialFailure(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws/live"})
	if _, err := c.Detect(context.Background(), testFrame("x")); err == nil {
		t.Fatalf("Detect succeeded without a worker")
	}
}

func TestDetect_AcceptsNumericFrameIDReply(t *testing.T) {
	w := &fakeWorker{reply: func(req map[string]any) any {
		return json.RawMessage(`{"frame_id":7,"inference_ts":1,"detections":[]}`)
	}}
	c := New(Config{URL: w.serve(t)})
	t.Cleanup(func() { _ = c.Close() })

	r, err := c.Detect(context.Background(), testFrame("7"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if r.FrameID != "7" {
		t.Fatalf("frame_id=%q, want 7", r.FrameID)
	}
}
