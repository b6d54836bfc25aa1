package client

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/heimdall-vision/signal-relay/internal/peerlink"
	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

// Link is the direct peer transport the handshake feeds. *peerlink.Link
// implements it.
type Link interface {
	OnSignal(func(json.RawMessage))
	OnData(func([]byte))
	OnOpen(func())
	OnClose(func())
	Start() error
	Signal(json.RawMessage) error
	RemoteDescribed() bool
	Open() bool
	Send([]byte) error
	Destroy() error
}

var _ Link = (*peerlink.Link)(nil)

// LinkFactory builds a fresh link. An initiator link creates the data
// channel and emits the offer.
type LinkFactory func(initiator bool) (Link, error)

// PeerLinkFactory adapts peerlink.New to a LinkFactory.
func PeerLinkFactory(newLink func(initiator bool) (*peerlink.Link, error)) LinkFactory {
	return func(initiator bool) (Link, error) {
		l, err := newLink(initiator)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// handshake owns the local peer link and relays signals between it and the
// relay connection. Its entry points run on the client's read goroutine.
type handshake struct {
	c         *Client
	newLink   LinkFactory
	initiator bool
	log       *slog.Logger

	mu   sync.Mutex
	link Link
	self string
	// receiver is the last peer that declared itself a receiver. An initiator
	// whose link fails rebuilds while one is known.
	receiver string
	// pending holds at most one signal received before the link existed.
	pending json.RawMessage
}

func newHandshake(c *Client, newLink LinkFactory, initiator bool, logger *slog.Logger) *handshake {
	return &handshake{c: c, newLink: newLink, initiator: initiator, log: logger}
}

func (h *handshake) onIdentity(id string) {
	h.mu.Lock()
	h.self = id
	h.mu.Unlock()
	h.rebuild("identity assigned")
}

// onRoleDeclared rebuilds the initiator's link when a viewer joins, so the
// viewer gets a fresh offer.
func (h *handshake) onRoleDeclared(from string, role protocol.Role) {
	if !h.initiator || role != protocol.RoleReceiver {
		return
	}
	h.mu.Lock()
	self := h.self
	if self != "" && from != self {
		h.receiver = from
	}
	h.mu.Unlock()
	if self == "" || from == self {
		return
	}
	h.rebuild("receiver joined")
}

func (h *handshake) onSignal(from string, raw json.RawMessage) {
	sig, ok := protocol.HasSignalShape(raw)
	if !ok {
		h.log.Warn("discarding malformed handshake signal", "peer_id", from)
		return
	}

	h.mu.Lock()
	l := h.link
	if l == nil {
		h.pending = sig
		// Identity known but no link: the previous one closed itself. A fresh
		// offer builds a new link, which replays it.
		restart := !h.initiator && h.self != "" && peerlink.IsOffer(sig)
		h.mu.Unlock()
		if restart {
			h.rebuild("new offer")
		}
		return
	}
	h.mu.Unlock()

	// A second offer means the initiator restarted; the answered link cannot
	// renegotiate from scratch.
	if !h.initiator && peerlink.IsOffer(sig) && l.RemoteDescribed() {
		if l = h.rebuild("new offer"); l == nil {
			return
		}
	}
	h.apply(l, sig)
}

func (h *handshake) apply(l Link, sig json.RawMessage) {
	if err := l.Signal(sig); err != nil {
		h.log.Warn("peer link rejected signal", "err", err)
	}
}

// rebuild destroys the current link, builds a new one, starts it and replays
// the buffered signal. It returns nil when no link could be built, or when the
// identity changed or was cleared while building.
func (h *handshake) rebuild(reason string) Link {
	if h.newLink == nil {
		return nil
	}

	h.mu.Lock()
	old := h.link
	h.link = nil
	self := h.self
	h.mu.Unlock()
	if old != nil {
		_ = old.Destroy()
	}

	l, err := h.newLink(h.initiator)
	if err != nil {
		h.log.Error("build peer link", "err", err)
		return nil
	}
	l.OnSignal(func(raw json.RawMessage) {
		if err := h.c.send(protocol.TypeHandshakeSignal, raw); err != nil {
			h.log.Debug("handshake signal not sent", "err", err)
		}
	})
	l.OnData(h.c.receiveDirect)
	l.OnOpen(func() {
		h.log.Info("peer link open", "initiator", h.initiator)
	})
	l.OnClose(func() { h.linkClosed(l) })

	h.mu.Lock()
	if h.self != self {
		h.mu.Unlock()
		_ = l.Destroy()
		return nil
	}
	h.link = l
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	h.log.Debug("peer link built", "reason", reason, "initiator", h.initiator)
	if err := l.Start(); err != nil {
		h.log.Warn("start peer link", "err", err)
	}
	if pending != nil {
		h.apply(l, pending)
	}
	return l
}

// linkClosed handles a link that closed without being replaced, which means
// its connection failed. The receiver waits for the next offer; the initiator
// offers again while a receiver is known.
func (h *handshake) linkClosed(l Link) {
	h.mu.Lock()
	if h.link != l {
		h.mu.Unlock()
		return
	}
	h.link = nil
	retry := h.initiator && h.self != "" && h.receiver != ""
	h.mu.Unlock()

	h.log.Info("peer link closed", "initiator", h.initiator)
	if retry {
		h.rebuild("peer link closed")
	}
}

func (h *handshake) current() Link {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.link
}

func (h *handshake) destroy() {
	h.mu.Lock()
	l := h.link
	h.link = nil
	h.pending = nil
	h.self = ""
	h.receiver = ""
	h.mu.Unlock()
	if l != nil {
		_ = l.Destroy()
	}
}
