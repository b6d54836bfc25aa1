package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	dto "github.com/prometheus/client_model/go"

	"github.com/heimdall-vision/signal-relay/internal/auth"
	"github.com/heimdall-vision/signal-relay/internal/metrics"
	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

type testRelay struct {
	srv     *Server
	ts      *httptest.Server
	clock   *clock.Mock
	metrics *metrics.Metrics
}

func newTestRelay(t *testing.T, mutate func(*Config)) *testRelay {
	t.Helper()

	clk := clock.NewMock()
	m := metrics.New()
	cfg := Config{
		Clock:                clk,
		Metrics:              m,
		LivenessInterval:     time.Second,
		MaxMessageBytes:      64 << 10,
		MaxMessagesPerSecond: 1000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return &testRelay{srv: srv, ts: ts, clock: clk, metrics: m}
}

func (r *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.ts.URL, "http") + path
}

// join dials the relay and consumes the identity assignment.
func (r *testRelay) join(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(r.wsURL("/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	env := readEnvelope(t, c)
	if env.Type != protocol.TypeIdentityAssignment {
		t.Fatalf("first envelope type=%q, want %q", env.Type, protocol.TypeIdentityAssignment)
	}
	var ia protocol.IdentityAssignment
	if err := env.DecodePayload(&ia); err != nil {
		t.Fatalf("decode identity: %v", err)
	}
	return c, ia.ID
}

func readEnvelope(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return env
}

func writeRaw(t *testing.T, c *websocket.Conn, s string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendChat(t *testing.T, c *websocket.Conn, text string) {
	t.Helper()
	b, err := protocol.Encode(protocol.TypeChat, protocol.Chat{Text: text})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	writeRaw(t, c, string(b))
}

func expectChat(t *testing.T, c *websocket.Conn, from, text string) {
	t.Helper()
	env := readEnvelope(t, c)
	if env.Type != protocol.TypeChat {
		t.Fatalf("type=%q, want %q (payload %s)", env.Type, protocol.TypeChat, env.Payload)
	}
	if env.From != from {
		t.Fatalf("from=%q, want %q", env.From, from)
	}
	var chat protocol.Chat
	if err := env.DecodePayload(&chat); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if chat.Text != text {
		t.Fatalf("text=%q, want %q", chat.Text, text)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func counterValue(t *testing.T, m *metrics.Metrics, name, labelValue string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if labelValue == "" || hasLabelValue(metric, labelValue) {
				if c := metric.GetCounter(); c != nil {
					return c.GetValue()
				}
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func hasLabelValue(m *dto.Metric, v string) bool {
	for _, l := range m.GetLabel() {
		if l.GetValue() == v {
			return true
		}
	}
	return false
}

func TestIdentityAssignmentIsUnique(t *testing.T) {
	r := newTestRelay(t, nil)
	_, a := r.join(t)
	_, b := r.join(t)

	if a == "" || b == "" {
		t.Fatalf("empty identity: a=%q b=%q", a, b)
	}
	if a == b {
		t.Fatalf("identities collide: %q", a)
	}
	if got := r.srv.Registry().Len(); got != 2 {
		t.Fatalf("registry len=%d, want 2", got)
	}
}

func TestBareRootPathUpgrades(t *testing.T) {
	r := newTestRelay(t, nil)
	c, _, err := websocket.DefaultDialer.Dial(r.wsURL("/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if env := readEnvelope(t, c); env.Type != protocol.TypeIdentityAssignment {
		t.Fatalf("type=%q, want %q", env.Type, protocol.TypeIdentityAssignment)
	}
}

func TestRelayRewritesFromAndSkipsSender(t *testing.T) {
	r := newTestRelay(t, nil)
	a, aID := r.join(t)
	b, bID := r.join(t)
	c, _ := r.join(t)

	writeRaw(t, a, `{"type":"chat","from":"spoofed","payload":{"text":"hello"}}`)
	expectChat(t, b, aID, "hello")
	expectChat(t, c, aID, "hello")

	// The sender's next message is b's reply, not an echo of its own chat.
	sendChat(t, b, "hi")
	expectChat(t, a, bID, "hi")
}

func TestMalformedEnvelopesAreDropped(t *testing.T) {
	r := newTestRelay(t, nil)
	a, aID := r.join(t)
	b, _ := r.join(t)

	for _, raw := range []string{
		`not json`,
		`{"type":"bogus","payload":{}}`,
		`{"type":"chat","payload":{"text":1}}`,
		`{"type":"chat","payload":{"text":"x","extra":true}}`,
		`{"type":"role-declaration","payload":{"role":"spectator"}}`,
		`{"type":"telemetry","payload":{"frame_id":"1"}}`,
	} {
		writeRaw(t, a, raw)
	}
	sendChat(t, a, "after")

	expectChat(t, b, aID, "after")
	if got := r.srv.Registry().Len(); got != 2 {
		t.Fatalf("registry len=%d, want 2", got)
	}
	if got := counterValue(t, r.metrics, "heimdall_envelopes_dropped_total", metrics.DropReasonMalformed); got != 6 {
		t.Fatalf("malformed drops=%v, want 6", got)
	}
}

func TestServerOnlyTypesFromClientsAreDropped(t *testing.T) {
	r := newTestRelay(t, nil)
	a, aID := r.join(t)
	b, _ := r.join(t)

	writeRaw(t, a, `{"type":"identity-assignment","payload":{"id":"forged"}}`)
	writeRaw(t, a, `{"type":"error","payload":{"code":"x","reason":"y"}}`)
	sendChat(t, a, "after")

	expectChat(t, b, aID, "after")
}

func TestInvalidDetectionIsRejectedToSender(t *testing.T) {
	r := newTestRelay(t, nil)
	a, aID := r.join(t)
	b, _ := r.join(t)

	writeRaw(t, a, `{"type":"detection","payload":{"frame_id":"f1","capture_ts":1,"inference_ts":2,`+
		`"detections":[{"label":"cat","score":1.5,"xmin":0.1,"ymin":0.1,"xmax":0.2,"ymax":0.2}]}}`)

	env := readEnvelope(t, a)
	if env.Type != protocol.TypeError {
		t.Fatalf("type=%q, want %q", env.Type, protocol.TypeError)
	}
	var ep protocol.ErrorPayload
	if err := env.DecodePayload(&ep); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if ep.Code != protocol.ErrorCodeInvalidDetection {
		t.Fatalf("code=%q, want %q", ep.Code, protocol.ErrorCodeInvalidDetection)
	}
	if !strings.Contains(ep.Reason, "detections[0].score") {
		t.Fatalf("reason=%q, want mention of detections[0].score", ep.Reason)
	}

	// Nothing reached b before this chat.
	sendChat(t, a, "after")
	expectChat(t, b, aID, "after")
}

func TestValidDetectionIsStampedAndRelayed(t *testing.T) {
	r := newTestRelay(t, nil)
	const now = int64(1_700_000_000_000)
	r.clock.Add(time.Duration(now) * time.Millisecond)

	a, aID := r.join(t)
	b, _ := r.join(t)

	writeRaw(t, a, `{"type":"detection","payload":{"data":{"frame_id":7,"capture_ts":1699999999900,"inference_ts":1699999999950,`+
		`"detections":[{"label":"cat","score":0.9,"xmin":0.1,"ymin":0.1,"xmax":0.5,"ymax":0.6}]}}}`)

	env := readEnvelope(t, b)
	if env.Type != protocol.TypeDetection || env.From != aID {
		t.Fatalf("got (%q,%q), want (%q,%q)", env.Type, env.From, protocol.TypeDetection, aID)
	}
	res, err := protocol.DecodeDetection(env.Payload)
	if err != nil {
		t.Fatalf("DecodeDetection: %v", err)
	}
	if res.ReceivedAt != now {
		t.Fatalf("received-at=%d, want %d", res.ReceivedAt, now)
	}
	if res.FrameID != "7" {
		t.Fatalf("frame_id=%q, want %q", res.FrameID, "7")
	}
	if len(res.Detections) != 1 || res.Detections[0].Label != "cat" {
		t.Fatalf("detections=%+v", res.Detections)
	}
}

func TestRoleDeclarationIsRecordedAndRelayed(t *testing.T) {
	r := newTestRelay(t, nil)
	a, aID := r.join(t)
	b, _ := r.join(t)

	writeRaw(t, a, `{"type":"role-declaration","payload":{"role":"initiator"}}`)
	env := readEnvelope(t, b)
	if env.Type != protocol.TypeRoleDeclaration || env.From != aID {
		t.Fatalf("got (%q,%q), want (%q,%q)", env.Type, env.From, protocol.TypeRoleDeclaration, aID)
	}

	var role protocol.Role
	for _, e := range r.srv.Registry().Entries() {
		if e.ID == aID {
			role = e.Role
		}
	}
	if role != protocol.RoleInitiator {
		t.Fatalf("recorded role=%q, want %q", role, protocol.RoleInitiator)
	}
}

func TestMaxPeersRefusesWithTryAgainLater(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.MaxPeers = 1 })
	r.join(t)

	c, _, err := websocket.DefaultDialer.Dial(r.wsURL("/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	if !websocket.IsCloseError(err, CloseTryAgainLater) {
		t.Fatalf("err=%v, want close %d", err, CloseTryAgainLater)
	}
	if got := r.srv.Registry().Len(); got != 1 {
		t.Fatalf("registry len=%d, want 1", got)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.Verifier = auth.APIKeyVerifier{Expected: "k"} })

	_, resp, err := websocket.DefaultDialer.Dial(r.wsURL("/ws"), nil)
	if err == nil {
		t.Fatalf("expected dial without key to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%v, want 401", resp)
	}

	c, _, err := websocket.DefaultDialer.Dial(r.wsURL("/ws?apiKey=k"), nil)
	if err != nil {
		t.Fatalf("dial with key: %v", err)
	}
	defer c.Close()
	if env := readEnvelope(t, c); env.Type != protocol.TypeIdentityAssignment {
		t.Fatalf("type=%q, want %q", env.Type, protocol.TypeIdentityAssignment)
	}
}

func TestRateLimitDropsExcessMessages(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.MaxMessagesPerSecond = 2 })
	a, aID := r.join(t)
	b, _ := r.join(t)

	for i := 0; i < 5; i++ {
		sendChat(t, a, "burst")
	}
	waitFor(t, "rate-limited drops", func() bool {
		return counterValue(t, r.metrics, "heimdall_envelopes_dropped_total", metrics.DropReasonRateLimited) == 3
	})

	r.clock.Add(time.Second)
	sendChat(t, a, "after")

	expectChat(t, b, aID, "burst")
	expectChat(t, b, aID, "burst")
	expectChat(t, b, aID, "after")
}

func TestOversizedMessageClosesSender(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.MaxMessageBytes = 128 })
	a, _ := r.join(t)

	writeRaw(t, a, `{"type":"chat","payload":{"text":"`+strings.Repeat("x", 256)+`"}}`)
	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("err=%v, want close %d", err, websocket.CloseMessageTooBig)
	}
	waitFor(t, "peer removal", func() bool { return r.srv.Registry().Len() == 0 })
}

func TestStopClosesPeers(t *testing.T) {
	r := newTestRelay(t, nil)
	r.srv.Start()
	a, _ := r.join(t)

	r.srv.Stop()

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("err=%v, want close %d", err, websocket.CloseGoingAway)
	}
	if got := r.srv.Registry().Len(); got != 0 {
		t.Fatalf("registry len=%d, want 0", got)
	}
}

// socketPair returns both ends of a WebSocket connection that no relay read
// loop owns.
func socketPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(ts.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatalf("server side of socket pair not accepted")
	}
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func TestBroadcastSurvivesBrokenAndRetiredPeers(t *testing.T) {
	r := newTestRelay(t, nil)
	a, aID := r.join(t)
	c, cID := r.join(t)

	// broken: registered, but its socket fails every write.
	brokenConn, _ := socketPair(t)
	_ = brokenConn.Close()
	r.srv.reg.add(&peer{id: "broken", conn: brokenConn}, 0)

	// retired: closed but still present in a stale snapshot.
	retiredConn, retiredClient := socketPair(t)
	retired := &peer{id: "retired", conn: retiredConn}
	r.srv.reg.add(retired, 0)
	retired.retire(websocket.CloseGoingAway, "gone")

	sendChat(t, a, "hello")
	expectChat(t, c, aID, "hello")
	waitFor(t, "send failure counted", func() bool {
		return counterValue(t, r.metrics, "heimdall_send_failures_total", "") == 1
	})
	waitFor(t, "one delivery", func() bool {
		return counterValue(t, r.metrics, "heimdall_deliveries_total", string(protocol.TypeChat)) == 1
	})

	// The retired peer only ever sees its close frame.
	_ = retiredClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, msg, err := retiredClient.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("retired peer read=(%q, %v), want only the close frame", msg, err)
	}

	// The sender stays connected and keeps receiving.
	sendChat(t, c, "still here")
	expectChat(t, a, cID, "still here")
	waitFor(t, "second send failure", func() bool {
		return counterValue(t, r.metrics, "heimdall_send_failures_total", "") == 2
	})
	if n := r.srv.reg.Len(); n != 4 {
		t.Fatalf("registered=%d, want 4", n)
	}
}
