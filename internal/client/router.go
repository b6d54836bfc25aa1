package client

import (
	"context"
	"errors"

	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

// FromPeerLink is the sender reported to OnDetection for results that
// arrived over the direct peer link.
const FromPeerLink = "peer-link"

// ErrNotDelivered means neither the peer link nor the relay took the frame.
// The frame is discarded, never queued.
var ErrNotDelivered = errors.New("client: detection not delivered")

// Publish sends a detection result to the paired endpoint over the peer
// link's data channel when it is open, otherwise through the relay.
func (c *Client) Publish(ctx context.Context, r protocol.DetectionFrameResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l := c.hs.current(); l != nil && l.Open() {
		b, err := protocol.Encode(protocol.TypeDetection, r)
		if err != nil {
			return err
		}
		err = l.Send(b)
		if err == nil {
			return nil
		}
		c.log.Debug("peer link send failed, falling back to relay", "err", err)
	}
	if !c.SendDetection(r) {
		return ErrNotDelivered
	}
	return nil
}

// LinkOpen reports whether detections currently travel over the peer link.
func (c *Client) LinkOpen() bool {
	l := c.hs.current()
	return l != nil && l.Open()
}

// receiveDirect handles a data channel message. Nothing on the direct path
// is checked by the relay, so results are validated here.
func (c *Client) receiveDirect(b []byte) {
	env, err := protocol.ParseEnvelope(b)
	if err != nil || env.Type != protocol.TypeDetection {
		c.log.Debug("dropping peer link message", "err", err)
		return
	}
	r, err := protocol.DecodeDetection(env.Payload)
	if err != nil {
		c.log.Warn("dropping invalid detection from peer link", "err", err)
		return
	}
	if fn := c.callbacks().detection; fn != nil {
		fn(FromPeerLink, r)
	}
}
