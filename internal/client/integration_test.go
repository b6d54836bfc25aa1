package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/heimdall-vision/signal-relay/internal/peerlink"
	"github.com/heimdall-vision/signal-relay/internal/protocol"
	"github.com/heimdall-vision/signal-relay/internal/signaling"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := signaling.NewServer(signaling.Config{
		MaxMessageBytes:      1 << 20,
		MaxMessagesPerSecond: 1000,
	})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newRelayClient(t *testing.T, role protocol.Role, newLink LinkFactory) *Client {
	t.Helper()
	c := New(Config{
		Role:        role,
		MaxRetries:  1,
		BaseBackoff: 50 * time.Millisecond,
		Dial:        WebSocketDialer(nil, nil),
		NewLink:     newLink,
	})
	t.Cleanup(c.Disconnect)
	return c
}

func joinRelay(t *testing.T, c *Client, url string) string {
	t.Helper()
	c.Connect(url)
	waitFor(t, "identity", func() bool { return c.Identity() != "" })
	return c.Identity()
}

func personFrame(score float64) protocol.DetectionFrameResult {
	return protocol.DetectionFrameResult{
		FrameID:     "frame-1",
		CaptureTS:   1_700_000_000_000,
		InferenceTS: 1_700_000_000_040,
		Detections: []protocol.Detection{
			{Label: "person", Score: score, Xmin: 0.12, Ymin: 0.08, Xmax: 0.34, Ymax: 0.67},
		},
	}
}

func TestRelay_DetectionReachesViewerStamped(t *testing.T) {
	url := startRelay(t)
	cam := newRelayClient(t, protocol.RoleInitiator, nil)
	viewer := newRelayClient(t, protocol.RoleReceiver, nil)

	type delivery struct {
		from string
		r    protocol.DetectionFrameResult
	}
	got := make(chan delivery, 2)
	viewer.OnDetection(func(from string, r protocol.DetectionFrameResult) { got <- delivery{from, r} })
	rejected := make(chan protocol.ErrorPayload, 1)
	cam.OnServerError(func(p protocol.ErrorPayload) { rejected <- p })

	camID := joinRelay(t, cam, url)
	joinRelay(t, viewer, url)

	if !cam.SendDetection(personFrame(0.93)) {
		t.Fatalf("SendDetection returned false while connected")
	}
	d := recv(t, got)
	if d.from != camID {
		t.Fatalf("from=%q, want %q", d.from, camID)
	}
	if d.r.ReceivedAt == 0 {
		t.Fatalf("received-at not stamped")
	}
	if len(d.r.Detections) != 1 || d.r.Detections[0].Label != "person" {
		t.Fatalf("detections=%+v, want one person", d.r.Detections)
	}

	if !cam.SendDetection(personFrame(1.5)) {
		t.Fatalf("SendDetection returned false while connected")
	}
	p := recv(t, rejected)
	if !strings.Contains(p.Reason, "detections[0].score") {
		t.Fatalf("reason=%q, want it to name detections[0].score", p.Reason)
	}
	select {
	case d := <-got:
		t.Fatalf("rejected detection was broadcast: %+v", d.r)
	case <-time.After(100 * time.Millisecond):
	}
}

func newVNetAPIs(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	var apis [2]*webrtc.API
	for i, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		se := webrtc.SettingEngine{}
		se.SetNet(n)
		apis[i] = webrtc.NewAPI(webrtc.WithSettingEngine(se))
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return apis[0], apis[1]
}

func vnetLinks(api *webrtc.API) LinkFactory {
	return PeerLinkFactory(func(initiator bool) (*peerlink.Link, error) {
		return peerlink.New(api, peerlink.Config{Initiator: initiator})
	})
}

func TestPeerLink_HandshakeThroughRelayCarriesDetections(t *testing.T) {
	url := startRelay(t)
	apiCam, apiViewer := newVNetAPIs(t)

	cam := newRelayClient(t, protocol.RoleInitiator, vnetLinks(apiCam))
	viewer := newRelayClient(t, protocol.RoleReceiver, vnetLinks(apiViewer))

	got := make(chan string, 1)
	viewer.OnDetection(func(from string, r protocol.DetectionFrameResult) {
		select {
		case got <- from:
		default:
		}
	})

	joinRelay(t, cam, url)
	joinRelay(t, viewer, url)

	waitForWithin(t, "peer link open", 15*time.Second, func() bool {
		return cam.LinkOpen() && viewer.LinkOpen()
	})

	if err := cam.Publish(context.Background(), personFrame(0.93)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if from := recv(t, got); from != FromPeerLink {
		t.Fatalf("from=%q, want %q", from, FromPeerLink)
	}
}
