// Package peerlink adapts a pion PeerConnection to the handshake relay: it
// emits and consumes opaque JSON signals and carries detection results over
// an ordered, reliable data channel.
package peerlink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel names the channel detection results travel on.
const DataChannelLabel = "detections"

var (
	ErrNotOpen   = errors.New("peerlink: data channel not open")
	ErrDestroyed = errors.New("peerlink: link destroyed")
)

type Config struct {
	ICEServers []webrtc.ICEServer
	// Initiator creates the data channel and sends the offer.
	Initiator bool
	Logger    *slog.Logger
}

// Link is one peer connection attempt. Register callbacks before Start; a
// destroyed Link cannot be restarted.
type Link struct {
	pc        *webrtc.PeerConnection
	initiator bool
	log       *slog.Logger

	mu           sync.Mutex
	dc           *webrtc.DataChannel
	onSignal     func(json.RawMessage)
	onData       func([]byte)
	onOpen       func()
	onClose      func()
	remoteSet    bool
	pendingCands []webrtc.ICECandidateInit
	destroyed    bool

	closeOnce sync.Once
}

func New(api *webrtc.API, cfg Config) (*Link, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("peerlink: new peer connection: %w", err)
	}
	l := &Link{pc: pc, initiator: cfg.Initiator, log: logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		l.emit(Signal{Type: signalCandidate, Candidate: candidateFromPion(c.ToJSON())})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.log.Debug("peer connection state", "state", state.String(), "initiator", l.initiator)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			// Close asynchronously; pion must not be torn down from its own callback.
			go func() { _ = l.Destroy() }()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			l.log.Warn("rejecting unexpected data channel", "label", dc.Label())
			_ = dc.Close()
			return
		}
		l.attach(dc)
	})

	return l, nil
}

func (l *Link) Initiator() bool { return l.initiator }

// OnSignal registers the sink for local handshake signals.
func (l *Link) OnSignal(fn func(json.RawMessage)) {
	l.mu.Lock()
	l.onSignal = fn
	l.mu.Unlock()
}

// OnData registers the receiver for data channel messages.
func (l *Link) OnData(fn func([]byte)) {
	l.mu.Lock()
	l.onData = fn
	l.mu.Unlock()
}

func (l *Link) OnOpen(fn func()) {
	l.mu.Lock()
	l.onOpen = fn
	l.mu.Unlock()
}

// OnClose is called once when the link is destroyed, locally or because the
// connection failed.
func (l *Link) OnClose(fn func()) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

// Start begins negotiation. The initiator creates the data channel and emits
// an offer; a receiver waits for one.
func (l *Link) Start() error {
	if !l.initiator {
		return nil
	}

	ordered := true
	dc, err := l.pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("peerlink: create data channel: %w", err)
	}
	l.attach(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peerlink: create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peerlink: set local offer: %w", err)
	}
	l.emit(Signal{Type: signalOffer, SDP: offer.SDP})
	return nil
}

// Signal applies one remote handshake message. Candidates that arrive before
// the remote description are queued and applied once it is set.
func (l *Link) Signal(raw json.RawMessage) error {
	sig, err := parseSignal(raw)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return ErrDestroyed
	}
	l.mu.Unlock()

	switch sig.Type {
	case signalOffer:
		if l.initiator {
			return errors.New("peerlink: initiator received an offer")
		}
		if err := l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
			return err
		}
		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("peerlink: create answer: %w", err)
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("peerlink: set local answer: %w", err)
		}
		l.emit(Signal{Type: signalAnswer, SDP: answer.SDP})
		return nil

	case signalAnswer:
		if !l.initiator {
			return errors.New("peerlink: receiver received an answer")
		}
		return l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP})

	default:
		cand := sig.Candidate.toPion()
		l.mu.Lock()
		if !l.remoteSet {
			l.pendingCands = append(l.pendingCands, cand)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		if err := l.pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("peerlink: add candidate: %w", err)
		}
		return nil
	}
}

func (l *Link) setRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("peerlink: set remote %s: %w", desc.Type, err)
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pendingCands
	l.pendingCands = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.log.Warn("dropping queued candidate", "err", err)
		}
	}
	return nil
}

// RemoteDescribed reports whether a remote session description was applied.
func (l *Link) RemoteDescribed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSet
}

// Open reports whether the data channel is ready to carry messages.
func (l *Link) Open() bool {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send writes b to the data channel as a text message.
func (l *Link) Send(b []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotOpen
	}
	return dc.SendText(string(b))
}

// Destroy closes the peer connection. It is idempotent.
func (l *Link) Destroy() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.destroyed = true
		onClose := l.onClose
		l.mu.Unlock()

		err = l.pc.Close()
		if onClose != nil {
			onClose()
		}
	})
	return err
}

func (l *Link) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		fn := l.onOpen
		l.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.mu.Lock()
		fn := l.onData
		l.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
}

func (l *Link) emit(sig Signal) {
	b, err := json.Marshal(sig)
	if err != nil {
		l.log.Error("encode local signal", "err", err)
		return
	}
	l.mu.Lock()
	fn := l.onSignal
	destroyed := l.destroyed
	l.mu.Unlock()
	if fn != nil && !destroyed {
		fn(b)
	}
}
