package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/heimdall-vision/signal-relay/internal/auth"
	"github.com/heimdall-vision/signal-relay/internal/metrics"
	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

// CloseTryAgainLater is sent when the relay is at its peer limit.
const CloseTryAgainLater = 1013

const defaultLivenessInterval = 30 * time.Second

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Clock drives the liveness sweep, rate limiting and received-at stamps.
	Clock clock.Clock
	// Verifier is nil when authentication is disabled.
	Verifier auth.Verifier

	LivenessInterval     time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	// MaxPeers <= 0 means unlimited.
	MaxPeers int

	// NewID generates connection and publisher identities. Defaults to UUIDv4.
	NewID func() string
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
	reg      *Registry
	upgrader websocket.Upgrader

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = defaultLivenessInterval
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		reg:     newRegistry(),
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *Server) Registry() *Registry { return s.reg }

// RegisterRoutes installs the signaling socket and the detection publish
// endpoint.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /{$}", s.handleWebSocket)
	mux.HandleFunc("POST /detections", s.handlePublish)
}

// Start launches the liveness sweep. It is safe to call more than once.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		go s.runSweep(s.clock.Ticker(s.cfg.LivenessInterval))
	})
}

// Stop halts the sweep and closes every registered socket with a going-away
// frame.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		started := true
		s.startOnce.Do(func() { started = false })
		if started {
			<-s.done
		}
		for _, p := range s.reg.snapshot() {
			s.drop(p, websocket.CloseGoingAway, "server shutting down")
		}
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authenticate(s.cfg.Verifier, r); err != nil {
		s.metrics.ConnectionRefused()
		s.log.Info("signaling connection rejected", "remote_addr", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{
		id:          s.cfg.NewID(),
		conn:        conn,
		connectedAt: s.clock.Now(),
	}
	if s.cfg.MaxMessagesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(s.cfg.MaxMessagesPerSecond), s.cfg.MaxMessagesPerSecond)
	}

	if !s.reg.add(p, s.cfg.MaxPeers) {
		s.metrics.ConnectionRefused()
		s.log.Warn("peer limit reached, refusing connection", "remote_addr", r.RemoteAddr, "max_peers", s.cfg.MaxPeers)
		p.retire(CloseTryAgainLater, "too many peers")
		return
	}
	s.metrics.PeerConnected()
	s.log.Info("peer connected", "peer_id", p.id, "remote_addr", r.RemoteAddr)

	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	conn.SetPongHandler(func(string) error {
		p.markAlive()
		return nil
	})

	if err := s.unicast(p, protocol.TypeIdentityAssignment, protocol.IdentityAssignment{ID: p.id}); err != nil {
		s.log.Warn("identity assignment failed", "peer_id", p.id, "err", err)
		s.drop(p, websocket.CloseInternalServerErr, "identity assignment failed")
		return
	}

	s.readLoop(p)
}

func (s *Server) readLoop(p *peer) {
	code, reason := websocket.CloseNormalClosure, ""
	defer func() { s.drop(p, code, reason) }()

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.metrics.Dropped(metrics.DropReasonTooLarge)
				code, reason = websocket.CloseMessageTooBig, "message too large"
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("peer read failed", "peer_id", p.id, "err", err)
			}
			return
		}
		if p.limiter != nil && !p.limiter.AllowN(s.clock.Now(), 1) {
			s.metrics.Dropped(metrics.DropReasonRateLimited)
			continue
		}
		if msgType != websocket.TextMessage {
			s.metrics.Dropped(metrics.DropReasonMalformed)
			continue
		}
		s.handleMessage(p, data)
	}
}

func (s *Server) handleMessage(p *peer, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		s.metrics.Dropped(metrics.DropReasonMalformed)
		s.log.Debug("dropping malformed envelope", "peer_id", p.id, "err", err)
		return
	}
	s.metrics.EnvelopeReceived(string(env.Type))

	switch env.Type {
	case protocol.TypeIdentityAssignment, protocol.TypeError:
		s.metrics.Dropped(metrics.DropReasonServerOnly)
		s.log.Debug("dropping server-only envelope from client", "peer_id", p.id, "type", env.Type)
		return
	case protocol.TypeLivenessProbe, protocol.TypeLivenessResponse:
		p.markAlive()
		return
	case protocol.TypeDetection:
		s.relayDetection(p, env)
		return
	case protocol.TypeRoleDeclaration:
		var rd protocol.RoleDeclaration
		if err := env.DecodePayload(&rd); err == nil {
			p.role.Store(rd.Role)
			s.log.Info("peer declared role", "peer_id", p.id, "role", rd.Role)
		}
	}

	s.relay(p.id, env)
}

func (s *Server) relayDetection(p *peer, env protocol.Envelope) {
	inner := protocol.UnwrapDetection(env.Payload)
	if err := protocol.Validate(inner); err != nil {
		s.metrics.DetectionRejected()
		var rej *protocol.Rejection
		if !errors.As(err, &rej) {
			rej = &protocol.Rejection{Index: -1, Reason: err.Error()}
		}
		s.log.Debug("rejecting detection", "peer_id", p.id, "reason", rej.Reason)
		if err := s.unicast(p, protocol.TypeError, rej.ErrorPayload()); err != nil {
			s.log.Debug("error envelope not delivered", "peer_id", p.id, "err", err)
		}
		return
	}

	stamped, _, err := s.stamp(inner)
	if err != nil {
		s.log.Warn("stamping detection failed", "peer_id", p.id, "err", err)
		return
	}
	env.Payload = stamped
	s.relay(p.id, env)
}

// stamp adds received-at to a validated detection and records the capture to
// arrival delay.
func (s *Server) stamp(detection json.RawMessage) (json.RawMessage, int64, error) {
	receivedAt := s.clock.Now().UnixMilli()
	stamped, err := protocol.Stamp(detection, receivedAt)
	if err != nil {
		return nil, 0, err
	}
	var ts struct {
		CaptureTS float64 `json:"capture_ts"`
	}
	if json.Unmarshal(detection, &ts) == nil {
		s.metrics.ObserveNetworkDelay(int64(ts.CaptureTS), receivedAt)
	}
	return stamped, receivedAt, nil
}

// relay rewrites from and broadcasts env to everyone but the sender.
func (s *Server) relay(from string, env protocol.Envelope) int {
	env.From = from
	data, err := json.Marshal(env)
	if err != nil {
		s.log.Error("encode envelope", "type", env.Type, "err", err)
		return 0
	}
	n := s.reg.broadcast(data, from, func(id string, err error) {
		s.metrics.SendFailed()
		s.log.Warn("relay send failed", "peer_id", id, "type", env.Type, "err", err)
	})
	s.metrics.Delivered(string(env.Type), n)
	return n
}

func (s *Server) unicast(p *peer, t protocol.Type, payload any) error {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	return p.send(data)
}

// drop closes p and deregisters it. The peer is marked closed before it
// leaves the registry, so a concurrent broadcast holding a stale snapshot
// skips it. Later calls are no-ops.
func (s *Server) drop(p *peer, code int, reason string) {
	p.retire(code, reason)
	if s.reg.remove(p) {
		s.metrics.PeerDisconnected()
		s.log.Info("peer disconnected", "peer_id", p.id, "reason", reason)
	}
}
