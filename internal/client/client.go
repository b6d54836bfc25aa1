// Package client is the endpoint side of the signaling relay. A Client keeps
// one WebSocket connection to the relay alive through an explicit state
// machine (connect, bounded exponential backoff, terminal failure), relays the
// peer-link handshake and routes detection results over the direct peer link
// when it is open.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/heimdall-vision/signal-relay/internal/metrics"
	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

const wsWriteWait = time.Second

const (
	defaultBaseBackoff       = time.Second
	defaultKeepaliveInterval = 15 * time.Second
	defaultDialTimeout       = 10 * time.Second
)

var ErrNotConnected = errors.New("client: not connected to relay")

// Conn is the part of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a connection to the relay at addr. A returned Conn is
// considered open.
type DialFunc func(ctx context.Context, addr string) (Conn, error)

// WebSocketDialer dials the relay with gorilla/websocket. header is sent with
// the upgrade request, for example to carry an API key.
func WebSocketDialer(d *websocket.Dialer, header http.Header) DialFunc {
	if d == nil {
		d = websocket.DefaultDialer
	}
	return func(ctx context.Context, addr string) (Conn, error) {
		conn, resp, err := d.DialContext(ctx, addr, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %w (status %d)", addr, err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}
}

type Config struct {
	// Role is declared to the relay on every successful connect.
	Role protocol.Role

	// MaxRetries bounds reconnect attempts after a failure; 0 disables
	// reconnection.
	MaxRetries  int
	BaseBackoff time.Duration
	// MaxBackoff caps the reconnect delay; 0 leaves it uncapped.
	MaxBackoff        time.Duration
	KeepaliveInterval time.Duration
	DialTimeout       time.Duration

	Dial DialFunc
	// NewLink builds the direct peer link after identity assignment. Nil
	// keeps all traffic on the relay.
	NewLink LinkFactory

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type callbacks struct {
	stateChange  func(State)
	serverError  func(protocol.ErrorPayload)
	chat         func(from string, msg protocol.Chat)
	detection    func(from string, r protocol.DetectionFrameResult)
	telemetry    func(from string, s protocol.TelemetrySample)
	roleDeclared func(from string, role protocol.Role)
}

// Client is safe for concurrent use. All state transitions are serialized by
// one mutex; a generation counter discards events from superseded
// connections, dials and backoff timers.
type Client struct {
	cfg     Config
	log     *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	hs      *handshake

	mu            sync.Mutex
	state         State
	addr          string
	gen           uint64
	attempt       int
	conn          Conn
	identity      string
	cancelDial    context.CancelFunc
	retry         *clock.Timer
	stopKeepalive chan struct{}
	pending       []State
	notifying     bool

	writeMu sync.Mutex

	cbMu sync.RWMutex
	cb   callbacks
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Dial == nil {
		cfg.Dial = WebSocketDialer(nil, nil)
	}
	if !cfg.Role.Valid() {
		cfg.Role = protocol.RoleReceiver
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
	}
	c.hs = newHandshake(c, cfg.NewLink, cfg.Role == protocol.RoleInitiator, cfg.Logger)
	c.metrics.SetClientState(StateDisconnected.String(), stateNames)
	return c
}

func (c *Client) OnStateChange(fn func(State)) {
	c.cbMu.Lock()
	c.cb.stateChange = fn
	c.cbMu.Unlock()
}

// OnServerError receives error envelopes from the relay, such as rejected
// detections.
func (c *Client) OnServerError(fn func(protocol.ErrorPayload)) {
	c.cbMu.Lock()
	c.cb.serverError = fn
	c.cbMu.Unlock()
}

func (c *Client) OnChat(fn func(from string, msg protocol.Chat)) {
	c.cbMu.Lock()
	c.cb.chat = fn
	c.cbMu.Unlock()
}

// OnDetection receives validated detection results from the relay or, with
// from set to FromPeerLink, from the direct peer link.
func (c *Client) OnDetection(fn func(from string, r protocol.DetectionFrameResult)) {
	c.cbMu.Lock()
	c.cb.detection = fn
	c.cbMu.Unlock()
}

func (c *Client) OnTelemetry(fn func(from string, s protocol.TelemetrySample)) {
	c.cbMu.Lock()
	c.cb.telemetry = fn
	c.cbMu.Unlock()
}

func (c *Client) OnRoleDeclared(fn func(from string, role protocol.Role)) {
	c.cbMu.Lock()
	c.cb.roleDeclared = fn
	c.cbMu.Unlock()
}

func (c *Client) callbacks() callbacks {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.cb
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity is the id assigned by the relay on the current connection, or ""
// before assignment.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect starts connecting to the relay at addr. It only has an effect from
// StateDisconnected or StatePermanentlyFailed, and always starts over with a
// fresh attempt budget.
func (c *Client) Connect(addr string) {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StatePermanentlyFailed {
		state := c.state
		c.mu.Unlock()
		c.log.Debug("connect ignored", "state", state.String())
		return
	}
	c.addr = addr
	c.attempt = 0
	c.startDialLocked()
	c.mu.Unlock()
	c.flush()
}

// Disconnect closes the connection, cancels any pending reconnect and moves
// to StatePermanentlyFailed. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.stopKeepaliveLocked()
	conn := c.conn
	c.conn = nil
	c.identity = ""
	c.setStateLocked(StatePermanentlyFailed)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.hs.destroy()
	c.flush()
}

func (c *Client) startDialLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	c.cancelDial = cancel
	c.setStateLocked(StateConnecting)
	go c.dial(ctx, cancel, gen, c.addr)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, addr string) {
	conn, err := c.cfg.Dial(ctx, addr)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.log.Warn("relay dial failed", "addr", addr, "attempt", c.attempt, "err", err)
		c.failLocked()
		c.mu.Unlock()
		c.flush()
		return
	}
	c.conn = conn
	c.attempt = 0
	c.setStateLocked(StateConnected)
	c.startKeepaliveLocked(conn)
	c.mu.Unlock()
	c.flush()

	c.log.Info("connected to relay", "addr", addr, "role", string(c.cfg.Role))
	if err := c.write(conn, protocol.TypeRoleDeclaration, protocol.RoleDeclaration{Role: c.cfg.Role}); err != nil {
		c.log.Debug("role declaration not sent", "err", err)
	}
	c.readLoop(gen, conn)
}

// failLocked schedules the next reconnect attempt or gives up.
func (c *Client) failLocked() {
	c.conn = nil
	if c.attempt >= c.cfg.MaxRetries {
		c.log.Error("relay reconnect attempts exhausted", "attempts", c.attempt)
		c.gen++
		c.setStateLocked(StatePermanentlyFailed)
		return
	}
	c.attempt++
	delay := Backoff(c.cfg.BaseBackoff, c.cfg.MaxBackoff, c.attempt)
	c.metrics.ReconnectScheduled()
	c.setStateLocked(StateReconnecting)
	gen := c.gen
	c.retry = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
	c.log.Info("relay reconnect scheduled", "attempt", c.attempt, "delay", delay)
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.startDialLocked()
	c.mu.Unlock()
	c.flush()
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(gen, err)
			return
		}
		if !c.current(gen) {
			return
		}
		c.handleMessage(conn, data)
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Client) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.stopKeepaliveLocked()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.identity = ""
	c.log.Warn("relay connection lost", "err", err)
	c.failLocked()
	c.mu.Unlock()
	c.flush()
}

func (c *Client) startKeepaliveLocked(conn Conn) {
	t := c.clock.Ticker(c.cfg.KeepaliveInterval)
	stop := make(chan struct{})
	c.stopKeepalive = stop
	go func() {
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				probe := protocol.Liveness{TS: c.clock.Now().UnixMilli()}
				if err := c.write(conn, protocol.TypeLivenessProbe, probe); err != nil {
					c.log.Debug("keepalive not sent", "err", err)
				}
			}
		}
	}()
}

func (c *Client) stopKeepaliveLocked() {
	if c.stopKeepalive != nil {
		close(c.stopKeepalive)
		c.stopKeepalive = nil
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("client state", "from", c.state.String(), "to", s.String())
	c.state = s
	c.metrics.SetClientState(s.String(), stateNames)
	c.pending = append(c.pending, s)
}

// flush delivers queued state changes in order, outside the state lock. A
// callback may re-enter the client; the outermost flush drains what it queues.
func (c *Client) flush() {
	c.mu.Lock()
	if c.notifying {
		c.mu.Unlock()
		return
	}
	c.notifying = true
	for len(c.pending) > 0 {
		s := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		if fn := c.callbacks().stateChange; fn != nil {
			fn(s)
		}
		c.mu.Lock()
	}
	c.notifying = false
	c.mu.Unlock()
}

func (c *Client) write(conn Conn, typ protocol.Type, payload any) error {
	b, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) send(typ protocol.Type, payload any) error {
	c.mu.Lock()
	conn, open := c.conn, c.state == StateConnected
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}
	if err := c.write(conn, typ, payload); err != nil {
		c.log.Debug("relay send failed", "type", string(typ), "err", err)
		return err
	}
	return nil
}

// SendChat reports whether the message was handed to an open connection.
func (c *Client) SendChat(text string) bool {
	return c.send(protocol.TypeChat, protocol.Chat{Text: text}) == nil
}

// SendDetection sends r through the relay without validating it; the relay
// answers invalid results with an error envelope delivered to OnServerError.
func (c *Client) SendDetection(r protocol.DetectionFrameResult) bool {
	return c.send(protocol.TypeDetection, r) == nil
}

func (c *Client) SendTelemetry(s protocol.TelemetrySample) {
	_ = c.send(protocol.TypeTelemetry, s)
}

func (c *Client) handleMessage(conn Conn, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.log.Debug("dropping malformed envelope", "err", err)
		return
	}
	cb := c.callbacks()

	switch env.Type {
	case protocol.TypeIdentityAssignment:
		var ia protocol.IdentityAssignment
		if err := env.DecodePayload(&ia); err != nil {
			return
		}
		c.mu.Lock()
		c.identity = ia.ID
		c.mu.Unlock()
		c.log.Info("identity assigned", "peer_id", ia.ID)
		c.hs.onIdentity(ia.ID)

	case protocol.TypeRoleDeclaration:
		var rd protocol.RoleDeclaration
		if err := env.DecodePayload(&rd); err != nil {
			return
		}
		c.log.Debug("role declared", "peer_id", env.From, "role", string(rd.Role))
		c.hs.onRoleDeclared(env.From, rd.Role)
		if cb.roleDeclared != nil {
			cb.roleDeclared(env.From, rd.Role)
		}

	case protocol.TypeHandshakeSignal:
		c.hs.onSignal(env.From, env.Payload)

	case protocol.TypeChat:
		var chat protocol.Chat
		if err := env.DecodePayload(&chat); err != nil {
			return
		}
		if cb.chat != nil {
			cb.chat(env.From, chat)
		}

	case protocol.TypeDetection:
		r, err := protocol.DecodeDetection(env.Payload)
		if err != nil {
			c.log.Warn("dropping invalid detection from relay", "peer_id", env.From, "err", err)
			return
		}
		if cb.detection != nil {
			cb.detection(env.From, r)
		}

	case protocol.TypeTelemetry:
		var s protocol.TelemetrySample
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			c.log.Debug("dropping undecodable telemetry", "peer_id", env.From, "err", err)
			return
		}
		if cb.telemetry != nil {
			cb.telemetry(env.From, s)
		}

	case protocol.TypeLivenessProbe:
		var p protocol.Liveness
		_ = env.DecodePayload(&p)
		if err := c.write(conn, protocol.TypeLivenessResponse, p); err != nil {
			c.log.Debug("liveness response not sent", "err", err)
		}

	case protocol.TypeLivenessResponse:

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		c.log.Warn("relay reported error", "code", p.Code, "reason", p.Reason)
		if cb.serverError != nil {
			cb.serverError(p)
		}
	}
}
