package signaling

import (
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

func (s *Server) runSweep(t *clock.Ticker) {
	defer close(s.done)
	defer t.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// Sweep runs one liveness cycle: peers still pending from the previous cycle
// are evicted, the rest are marked pending and probed with both a
// liveness-probe envelope and a WebSocket ping. Any envelope-level liveness
// message or pong clears the pending flag.
func (s *Server) Sweep() {
	probe, err := protocol.Encode(protocol.TypeLivenessProbe, protocol.Liveness{TS: s.clock.Now().UnixMilli()})
	if err != nil {
		s.log.Error("encode liveness probe", "err", err)
		return
	}

	for _, p := range s.reg.snapshot() {
		if p.pending.Load() {
			s.metrics.LivenessEvicted()
			s.log.Info("evicting unresponsive peer", "peer_id", p.id)
			s.drop(p, websocket.ClosePolicyViolation, "liveness timeout")
			continue
		}

		p.pending.Store(true)
		if err := p.send(probe); err != nil {
			s.log.Debug("liveness probe failed", "peer_id", p.id, "err", err)
			continue
		}
		_ = p.ping()
	}
}
