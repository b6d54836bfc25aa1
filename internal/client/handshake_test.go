package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

type fakeLink struct {
	initiator bool

	mu        sync.Mutex
	signals   []json.RawMessage
	sent      [][]byte
	started   int
	destroyed bool
	remote    bool
	open      bool
	onSignal  func(json.RawMessage)
	onData    func([]byte)
	onClose   func()
}

func (l *fakeLink) OnSignal(fn func(json.RawMessage)) { l.mu.Lock(); l.onSignal = fn; l.mu.Unlock() }
func (l *fakeLink) OnData(fn func([]byte))            { l.mu.Lock(); l.onData = fn; l.mu.Unlock() }
func (l *fakeLink) OnOpen(func())                     {}
func (l *fakeLink) OnClose(fn func())                 { l.mu.Lock(); l.onClose = fn; l.mu.Unlock() }

func (l *fakeLink) Start() error {
	l.mu.Lock()
	l.started++
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Signal(raw json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signals = append(l.signals, raw)
	var s struct{ Type string }
	if json.Unmarshal(raw, &s) == nil && (s.Type == "offer" || s.Type == "answer") {
		l.remote = true
	}
	return nil
}

func (l *fakeLink) RemoteDescribed() bool { l.mu.Lock(); defer l.mu.Unlock(); return l.remote }
func (l *fakeLink) Open() bool            { l.mu.Lock(); defer l.mu.Unlock(); return l.open && !l.destroyed }

func (l *fakeLink) Send(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return errors.New("not open")
	}
	l.sent = append(l.sent, b)
	return nil
}

func (l *fakeLink) Destroy() error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	fn := l.onClose
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (l *fakeLink) received() []json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]json.RawMessage(nil), l.signals...)
}

func (l *fakeLink) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *fakeLink) isDestroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

func (l *fakeLink) emit(raw string) {
	l.mu.Lock()
	fn := l.onSignal
	l.mu.Unlock()
	fn(json.RawMessage(raw))
}

type linkRecorder struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (r *linkRecorder) factory(initiator bool) (Link, error) {
	l := &fakeLink{initiator: initiator}
	r.mu.Lock()
	r.links = append(r.links, l)
	r.mu.Unlock()
	return l, nil
}

func (r *linkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

func (r *linkRecorder) get(i int) *fakeLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[i]
}

func connectWithLinks(t *testing.T, role protocol.Role) (*harness, *fakeConn, *linkRecorder) {
	t.Helper()
	rec := &linkRecorder{}
	h := newHarness(t, func(cfg *Config) {
		cfg.Role = role
		cfg.NewLink = rec.factory
	})
	h.c.Connect("ws://relay/ws")
	conn := h.dialer.succeed(t)
	h.waitState(t, StateConnected)
	conn.expect(t, protocol.TypeRoleDeclaration)
	return h, conn, rec
}

const candidateSignal = `{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}}`

func TestHandshake_BuffersSignalUntilLinkExists(t *testing.T) {
	_, conn, rec := connectWithLinks(t, protocol.RoleReceiver)

	conn.push(t, protocol.TypeHandshakeSignal, "cam", json.RawMessage(`{"type":"offer","sdp":"v=0 first"}`))
	conn.push(t, protocol.TypeHandshakeSignal, "cam", json.RawMessage(`{"type":"offer","sdp":"v=0 latest"}`))
	conn.push(t, protocol.TypeIdentityAssignment, "", protocol.IdentityAssignment{ID: "viewer"})

	waitFor(t, "link built", func() bool { return rec.count() == 1 })
	link := rec.get(0)
	waitFor(t, "buffered signal applied", func() bool { return len(link.received()) == 1 })
	if got := string(link.received()[0]); got != `{"type":"offer","sdp":"v=0 latest"}` {
		t.Fatalf("replayed=%s, want the latest buffered offer", got)
	}

	// Nothing is replayed a second time into a later link.
	conn.push(t, protocol.TypeIdentityAssignment, "", protocol.IdentityAssignment{ID: "viewer-2"})
	waitFor(t, "second link", func() bool { return rec.count() == 2 })
	if !link.isDestroyed() {
		t.Fatalf("previous link not destroyed")
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(rec.get(1).received()); n != 0 {
		t.Fatalf("second link got %d signals, want 0", n)
	}
	if n := len(link.received()); n != 1 {
		t.Fatalf("first link got %d signals, want 1", n)
	}
}

func TestHandshake_DiscardsMalformedSignals(t *testing.T) {
	_, conn, rec := connectWithLinks(t, protocol.RoleReceiver)
	conn.push(t, protocol.TypeIdentityAssignment, "", protocol.IdentityAssignment{ID: "viewer"})
	waitFor(t, "link built", func() bool { return rec.count() == 1 })
	link := rec.get(0)

	conn.push(t, protocol.TypeHandshakeSignal, "cam", json.RawMessage(`{"foo":1}`))
	conn.push(t, protocol.TypeHandshakeSignal, "cam", json.RawMessage(`{"payload":{"signal":`+candidateSignal+`}}`))

	waitFor(t, "valid signal", func() bool { return len(link.received()) == 1 })
	if got := string(link.received()[0]); got != candidateSignal {
		t.Fatalf("signal=%s, want unwrapped candidate", got)
	}
}

func TestHandshake_ForwardsLocalSignals(t *testing.T) {
	_, conn, rec := connectWithLinks(t, protocol.RoleInitiator)
	conn.push(t, protocol.TypeIdentityAssignment, "", protocol.IdentityAssignment{ID: "cam"})
	waitFor(t, "link built", func() bool { return rec.count() == 1 })

	link := rec.get(0)
	if !link.initiator {
		t.Fatalf("link built as receiver for initiator role")
	}
	link.emit(`{"type":"offer","sdp":"v=0"}`)

	env := conn.expect(t, protocol.TypeHandshakeSignal)
	if string(env.Payload) != `{"type":"offer","sdp":"v=0"}` {
		t.Fatalf("payload=%s, want the emitted offer", env.Payload)
	}
}

func TestHandshake_InitiatorRebuildsWhenReceiverJoins(t *testing.T) {
	_, conn, rec := connectWithLinks(t, protocol.RoleInitiator)
	conn.push(t, protocol.TypeIdentityAssignment, "", protocol.IdentityAssignment{ID: "cam"})
	waitFor(t, "link built", func() bool { return rec.count() == 1 })

	conn.push(t, protocol.TypeRoleDeclaration, "other-cam", protocol.RoleDeclaration{Role: protocol.RoleInitiator})
	conn.push(t, protocol.TypeRoleDeclaration, "viewer", protocol.RoleDeclaration{Role: protocol.RoleReceiver})

	waitFor(t, "rebuilt link", func() bool { return rec.count() == 2 })
	if !rec.get(0).isDestroyed() {
		t.Fatalf("first link not destroyed")
	}
	waitFor(t, "rebuilt link started", func() bool { return rec.get(1).startCount() == 1 })
}

func TestHandshake_ReceiverRebuildsOnFreshOffer(t *testing.T) {
	_, conn, rec := connectWithLinks(t, protocol.RoleReceiver)
	conn.push(t, protocol.TypeIdentityAssignment, "", protocol.IdentityAssignment{ID: "viewer"})
	waitFor(t, "link built", func() bool { return rec.count() == 1 })

	conn.push(t, protocol.TypeHandshakeSignal, "cam", json.RawMessage(`{"type":"offer","sdp":"v=0 one"}`))
	waitFor(t, "first offer", func() bool { return len(rec.get(0).received()) == 1 })

	conn.push(t, protocol.TypeHandshakeSignal, "cam", json.RawMessage(`{"type":"offer","sdp":"v=0 two"}`))
	waitFor(t, "rebuilt link", func() bool { return rec.count() == 2 })
	waitFor(t, "second offer", func() bool { return len(rec.get(1).received()) == 1 })
	if !rec.get(0).isDestroyed() {
		t.Fatalf("answered link not destroyed")
	}
}

func TestHandshake_ReceiverRebuildsAfterLinkFailure(t *testing.T) {
	_, conn, rec := connectWithLinks(t, protocol.RoleReceiver)
	conn.push(t, protocol.TypeIdentityAssignment, "", protocol.IdentityAssignment{ID: "viewer"})
	waitFor(t, "link built", func() bool { return rec.count() == 1 })

	conn.push(t, protocol.TypeHandshakeSignal, "cam", json.RawMessage(`{"type":"offer","sdp":"v=0 one"}`))
	waitFor(t, "first offer", func() bool { return len(rec.get(0).received()) == 1 })

	// The connection failed and the link closed itself.
	_ = rec.get(0).Destroy()

	// A trickled candidate alone does not build a link.
	conn.push(t, protocol.TypeHandshakeSignal, "cam", json.RawMessage(candidateSignal))
	time.Sleep(20 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Fatalf("links=%d after a stray candidate, want 1", n)
	}

	conn.push(t, protocol.TypeHandshakeSignal, "cam2", json.RawMessage(`{"type":"offer","sdp":"v=0 two"}`))
	waitFor(t, "rebuilt link", func() bool { return rec.count() == 2 })
	waitFor(t, "fresh offer applied", func() bool { return len(rec.get(1).received()) == 1 })
	if got := string(rec.get(1).received()[0]); got != `{"type":"offer","sdp":"v=0 two"}` {
		t.Fatalf("applied=%s, want the fresh offer", got)
	}
}

func TestHandshake_InitiatorReoffersAfterLinkFailure(t *testing.T) {
	_, conn, rec := connectWithLinks(t, protocol.RoleInitiator)
	conn.push(t, protocol.TypeIdentityAssignment, "", protocol.IdentityAssignment{ID: "cam"})
	waitFor(t, "link built", func() bool { return rec.count() == 1 })

	// No receiver known yet: a failed link is not rebuilt.
	_ = rec.get(0).Destroy()
	time.Sleep(20 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Fatalf("links=%d with no receiver, want 1", n)
	}

	conn.push(t, protocol.TypeRoleDeclaration, "viewer", protocol.RoleDeclaration{Role: protocol.RoleReceiver})
	waitFor(t, "link for receiver", func() bool { return rec.count() == 2 })

	_ = rec.get(1).Destroy()
	waitFor(t, "link rebuilt after failure", func() bool { return rec.count() == 3 })
	third := rec.get(2)
	if !third.initiator {
		t.Fatalf("rebuilt link is not an initiator")
	}
	waitFor(t, "rebuilt link started", func() bool { return third.startCount() == 1 })
}

func TestPublish_PrefersOpenLinkOverRelay(t *testing.T) {
	h, conn, rec := connectWithLinks(t, protocol.RoleInitiator)
	conn.push(t, protocol.TypeIdentityAssignment, "", protocol.IdentityAssignment{ID: "cam"})
	waitFor(t, "link built", func() bool { return rec.count() == 1 })
	link := rec.get(0)

	result := protocol.DetectionFrameResult{FrameID: "f1", CaptureTS: 1, InferenceTS: 2}
	if err := h.c.Publish(context.Background(), result); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	env := conn.expect(t, protocol.TypeDetection)
	var got protocol.DetectionFrameResult
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FrameID != "f1" {
		t.Fatalf("frame_id=%q, want f1", got.FrameID)
	}

	link.mu.Lock()
	link.open = true
	link.mu.Unlock()
	if !h.c.LinkOpen() {
		t.Fatalf("LinkOpen=false with open link")
	}
	if err := h.c.Publish(context.Background(), result); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	link.mu.Lock()
	sent := len(link.sent)
	link.mu.Unlock()
	if sent != 1 {
		t.Fatalf("link sent %d messages, want 1", sent)
	}
	conn.expectNothing(t)

	h.c.Disconnect()
	if err := h.c.Publish(context.Background(), result); !errors.Is(err, ErrNotDelivered) {
		t.Fatalf("Publish after Disconnect err=%v, want %v", err, ErrNotDelivered)
	}
}

func TestReceiveDirect_ValidatesDetections(t *testing.T) {
	h, conn, rec := connectWithLinks(t, protocol.RoleReceiver)
	got := make(chan string, 2)
	h.c.OnDetection(func(from string, r protocol.DetectionFrameResult) { got <- from + "/" + string(r.FrameID) })

	conn.push(t, protocol.TypeIdentityAssignment, "", protocol.IdentityAssignment{ID: "viewer"})
	waitFor(t, "link built", func() bool { return rec.count() == 1 })
	link := rec.get(0)
	link.mu.Lock()
	deliver := link.onData
	link.mu.Unlock()

	deliver([]byte(`{"type":"detection","payload":{"frame_id":"bad","capture_ts":1,"inference_ts":2,"detections":[{"label":"person","score":0.9,"xmin":0.5,"ymin":0.1,"xmax":0.2,"ymax":0.4}]}}`))
	deliver([]byte(`{"type":"chat","payload":{"text":"not here"}}`))
	deliver([]byte(`{"type":"detection","payload":{"frame_id":"good","capture_ts":1,"inference_ts":2,"detections":[]}}`))

	if v := recv(t, got); v != FromPeerLink+"/good" {
		t.Fatalf("detection=%q, want %q", v, FromPeerLink+"/good")
	}
	select {
	case v := <-got:
		t.Fatalf("unexpected detection %q", v)
	default:
	}
}
