package signaling

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

const wsWriteWait = 1 * time.Second

var errPeerClosed = errors.New("signaling: peer closed")

// peer is one registered connection. writeMu serializes socket writes and
// guards closed; once closed is set nothing is written except the close frame.
type peer struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	limiter     *rate.Limiter

	// pending is set when a liveness probe is outstanding.
	pending atomic.Bool
	role    atomic.Value // protocol.Role

	writeMu sync.Mutex
	closed  bool
}

func (p *peer) send(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (p *peer) markAlive() { p.pending.Store(false) }

func (p *peer) declaredRole() protocol.Role {
	r, _ := p.role.Load().(protocol.Role)
	return r
}

// retire marks p closed, sends a close frame and closes the socket. It
// reports whether this call did the work.
func (p *peer) retire(code int, reason string) bool {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	_ = p.conn.Close()
	return true
}

// Entry is a point-in-time view of a registered peer.
type Entry struct {
	ID          string
	Role        protocol.Role
	Pending     bool
	ConnectedAt time.Time
}

// Registry maps live connection identities to their sockets.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

func newRegistry() *Registry {
	return &Registry{peers: make(map[string]*peer)}
}

// add registers p unless max > 0 peers are already registered.
func (r *Registry) add(p *peer, max int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max > 0 && len(r.peers) >= max {
		return false
	}
	r.peers[p.id] = p
	return true
}

// remove deregisters p. It reports false when p was not registered (already
// removed by the sweep or by Stop).
func (r *Registry) remove(p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[p.id]; !ok || cur != p {
		return false
	}
	delete(r.peers, p.id)
	return true
}

func (r *Registry) get(id string) *peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

func (r *Registry) snapshot() []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Entries returns the registered peers ordered by connect time.
func (r *Registry) Entries() []Entry {
	peers := r.snapshot()
	out := make([]Entry, 0, len(peers))
	for _, p := range peers {
		out = append(out, Entry{
			ID:          p.id,
			Role:        p.declaredRole(),
			Pending:     p.pending.Load(),
			ConnectedAt: p.connectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// broadcast writes data to every registered peer except the one with id
// except, and returns how many writes succeeded. A failed write is reported
// through onErr and does not stop the loop.
func (r *Registry) broadcast(data []byte, except string, onErr func(id string, err error)) int {
	delivered := 0
	for _, p := range r.snapshot() {
		if p.id == except {
			continue
		}
		if err := p.send(data); err != nil {
			if !errors.Is(err, errPeerClosed) && onErr != nil {
				onErr(p.id, err)
			}
			continue
		}
		delivered++
	}
	return delivered
}
