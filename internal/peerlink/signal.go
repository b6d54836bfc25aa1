package peerlink

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	signalOffer     = "offer"
	signalAnswer    = "answer"
	signalCandidate = "candidate"
)

var ErrUnknownSignal = errors.New("peerlink: unknown signal")

// Signal is the wire form of one handshake message. Session descriptions
// carry Type and SDP; trickled candidates carry Type "candidate" and
// Candidate.
type Signal struct {
	Type      string     `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c Candidate) toPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidateFromPion(c webrtc.ICECandidateInit) *Candidate {
	return &Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func parseSignal(raw json.RawMessage) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return Signal{}, fmt.Errorf("peerlink: decode signal: %w", err)
	}
	// A candidate object without a type is still a candidate.
	if s.Type == "" && s.Candidate != nil {
		s.Type = signalCandidate
	}
	switch s.Type {
	case signalOffer, signalAnswer:
		if s.SDP == "" {
			return Signal{}, fmt.Errorf("peerlink: %s without sdp", s.Type)
		}
	case signalCandidate:
		if s.Candidate == nil {
			return Signal{}, errors.New("peerlink: candidate signal without candidate")
		}
	default:
		return Signal{}, fmt.Errorf("%w %q", ErrUnknownSignal, s.Type)
	}
	return s, nil
}

// IsOffer reports whether raw is a session-description offer.
func IsOffer(raw json.RawMessage) bool {
	s, err := parseSignal(raw)
	return err == nil && s.Type == signalOffer
}
