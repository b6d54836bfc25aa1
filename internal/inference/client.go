// Package inference talks to the remote detection worker over its /ws/live
// WebSocket: one JPEG frame out, one detection result back.
package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heimdall-vision/signal-relay/internal/capture"
	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

const dataURLPrefix = "data:image/jpeg;base64,"

var ErrFrameMismatch = errors.New("inference: reply is for a different frame")

// WorkerError is an error reply from the worker.
type WorkerError struct {
	FrameID string
	Message string
	Detail  string
}

func (e *WorkerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("inference: worker error for frame %q: %s", e.FrameID, e.Message)
	}
	return fmt.Sprintf("inference: worker error for frame %q: %s: %s", e.FrameID, e.Message, e.Detail)
}

type request struct {
	FrameID   protocol.FrameID `json:"frame_id"`
	ImageB64  string           `json:"image_b64"`
	CaptureTS int64            `json:"capture_ts"`
}

type reply struct {
	FrameID      json.RawMessage      `json:"frame_id"`
	InferenceTS  json.Number          `json:"inference_ts"`
	Detections   []protocol.Detection `json:"detections"`
	AnnotatedB64 string               `json:"annotated_b64"`
	Error        string               `json:"error"`
	Detail       string               `json:"detail"`
}

type Config struct {
	URL    string
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client keeps one connection to the worker and sends one frame at a time.
// A failed connection is dropped and redialed on the next Detect.
type Client struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ capture.Detector = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{url: cfg.URL, dialer: cfg.Dialer, log: cfg.Logger}
}

// Detect sends f to the worker and waits for its reply until ctx is done.
// The result carries the frame's own capture timestamp.
func (c *Client) Detect(ctx context.Context, f capture.Frame) (protocol.DetectionFrameResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connLocked(ctx)
	if err != nil {
		return protocol.DetectionFrameResult{}, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	r, err := c.roundTrip(conn, f)
	closed := !stop()

	var werr *WorkerError
	if closed || (err != nil && !errors.As(err, &werr)) {
		c.resetLocked()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && werr == nil {
			return protocol.DetectionFrameResult{}, fmt.Errorf("inference: frame %s: %w", f.ID, ctxErr)
		}
		return protocol.DetectionFrameResult{}, err
	}
	return r, nil
}

// roundTrip is bounded by the caller closing conn when its context ends.
func (c *Client) roundTrip(conn *websocket.Conn, f capture.Frame) (protocol.DetectionFrameResult, error) {
	err := conn.WriteJSON(request{
		FrameID:   f.ID,
		ImageB64:  dataURLPrefix + base64.StdEncoding.EncodeToString(f.JPEG),
		CaptureTS: f.CaptureTS,
	})
	if err != nil {
		return protocol.DetectionFrameResult{}, fmt.Errorf("inference: send frame %s: %w", f.ID, err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.DetectionFrameResult{}, fmt.Errorf("inference: read reply for frame %s: %w", f.ID, err)
	}
	var rep reply
	if err := json.Unmarshal(data, &rep); err != nil {
		return protocol.DetectionFrameResult{}, fmt.Errorf("inference: decode reply: %w", err)
	}

	var id protocol.FrameID
	if len(rep.FrameID) > 0 {
		if err := json.Unmarshal(rep.FrameID, &id); err != nil {
			return protocol.DetectionFrameResult{}, fmt.Errorf("inference: decode reply frame_id: %w", err)
		}
	}
	// Error replies for this frame leave the stream in step and keep the
	// connection.
	if rep.Error != "" && (id == "" || id == f.ID) {
		return protocol.DetectionFrameResult{}, &WorkerError{FrameID: string(f.ID), Message: rep.Error, Detail: rep.Detail}
	}
	if id != f.ID {
		return protocol.DetectionFrameResult{}, fmt.Errorf("%w: sent %q, got %q", ErrFrameMismatch, f.ID, id)
	}

	inferenceTS, err := protocol.ParseMillis(rep.InferenceTS)
	if err != nil {
		return protocol.DetectionFrameResult{}, fmt.Errorf("inference: reply inference_ts: %w", err)
	}

	c.log.Debug("inference reply", "frame_id", string(f.ID), "detections", len(rep.Detections), "annotated", rep.AnnotatedB64 != "")
	return protocol.DetectionFrameResult{
		FrameID:     f.ID,
		CaptureTS:   f.CaptureTS,
		InferenceTS: inferenceTS,
		Detections:  rep.Detections,
	}, nil
}

func (c *Client) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("inference: dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("inference: dial %s: %w", c.url, err)
	}
	c.log.Info("connected to inference worker", "url", c.url)
	c.conn = conn
	return conn, nil
}

func (c *Client) resetLocked() {
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.conn = nil
}

// Close drops the worker connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}
