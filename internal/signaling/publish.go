package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/heimdall-vision/signal-relay/internal/auth"
	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

const defaultMaxPublishBytes = 256 << 10

type publishResponse struct {
	Status     string `json:"status"`
	ReceivedAt int64  `json:"received-at"`
	Delivered  int    `json:"delivered"`
}

// handlePublish accepts a detection from a non-socket producer (for example
// a server-side inference worker) and broadcasts it to every peer under a
// fresh publisher identity.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authenticate(s.cfg.Verifier, r); err != nil {
		s.metrics.HTTPPublish("unauthorized")
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorPayload{Code: "unauthorized", Reason: err.Error()})
		return
	}

	limit := s.cfg.MaxMessageBytes
	if limit <= 0 {
		limit = defaultMaxPublishBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.HTTPPublish("too_large")
			writeJSON(w, http.StatusRequestEntityTooLarge, protocol.ErrorPayload{Code: "too_large", Reason: "request body too large"})
			return
		}
		s.metrics.HTTPPublish("bad_request")
		writeJSON(w, http.StatusBadRequest, protocol.ErrorPayload{Code: "bad_request", Reason: err.Error()})
		return
	}

	inner := protocol.UnwrapDetection(body)
	if err := protocol.Validate(inner); err != nil {
		s.metrics.HTTPPublish("rejected")
		s.metrics.DetectionRejected()
		var rej *protocol.Rejection
		if errors.As(err, &rej) {
			writeJSON(w, http.StatusBadRequest, rej.ErrorPayload())
			return
		}
		writeJSON(w, http.StatusBadRequest, protocol.ErrorPayload{Code: protocol.ErrorCodeInvalidDetection, Reason: err.Error()})
		return
	}

	stamped, receivedAt, err := s.stamp(inner)
	if err != nil {
		s.metrics.HTTPPublish("rejected")
		writeJSON(w, http.StatusBadRequest, protocol.ErrorPayload{Code: protocol.ErrorCodeInvalidDetection, Reason: err.Error()})
		return
	}

	publisher := s.cfg.NewID()
	n := s.relay(publisher, protocol.Envelope{Type: protocol.TypeDetection, Payload: stamped})
	s.metrics.HTTPPublish("ok")
	s.log.Debug("published detection", "publisher_id", publisher, "delivered", n)

	writeJSON(w, http.StatusOK, publishResponse{Status: "ok", ReceivedAt: receivedAt, Delivered: n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
