// Package relay is the realtime per-room broadcast channel.
//
// Each room has at most two connected participants. Every inbound frame is
// re-authorized against stored room state before it is handled, and chat
// messages are persisted and fanned out under the room's send lock so peers
// see them in write order.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/auth"
	"github.com/PeeBee66/chittychattychat/internal/models"
	"github.com/PeeBee66/chittychattychat/internal/room"
	"github.com/PeeBee66/chittychattychat/internal/storage"
)

const (
	defaultWriteTimeout  = 5 * time.Second
	defaultTimerInterval = 30 * time.Second
	defaultGraceDelay    = 3 * time.Second
	busPublishTimeout    = 2 * time.Second
)

var errPeerClosed = errors.New("peer closed")

// Options tunes a Hub.
type Options struct {
	GraceDelay    time.Duration
	WriteTimeout  time.Duration
	TimerInterval time.Duration
	TrustProxy    bool
	Bus           Bus
	InstanceID    string
}

// Hub tracks the connected sessions of every room on this instance.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*channel

	manager  *room.Manager
	store    *storage.Store
	issuer   *auth.Service
	verifier *Verifier
	bus      Bus
	opts     Options
}

type channel struct {
	sendMu sync.Mutex

	mu    sync.Mutex
	peers map[*peer]struct{}
}

// NewHub builds a hub and registers it as the manager's lifecycle notifier.
func NewHub(manager *room.Manager, store *storage.Store, issuer *auth.Service, opts Options) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.TimerInterval <= 0 {
		opts.TimerInterval = defaultTimerInterval
	}
	if opts.GraceDelay <= 0 {
		opts.GraceDelay = defaultGraceDelay
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	h := &Hub{
		rooms:   make(map[string]*channel),
		manager: manager,
		store:   store,
		issuer:  issuer,
		bus:     opts.Bus,
		opts:    opts,
	}
	h.verifier = newVerifier(h, manager, opts.GraceDelay)
	manager.SetNotifier(h)
	return h
}

// Start subscribes to the cross-instance bus when one is configured.
func (h *Hub) Start(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	return h.bus.Subscribe(ctx, h.handleBusEvent)
}

// Stop cancels pending verification closures.
func (h *Hub) Stop() {
	h.verifier.stop()
}

func (h *Hub) handleBusEvent(ev Event) {
	if ev.Origin == h.opts.InstanceID {
		return
	}
	h.deliverLocal(ev.RoomID, ev.Role, ev.Frame)
	if ev.Close {
		h.disconnectLocal(ev.RoomID)
	}
}

func (h *Hub) lookup(roomID string) *channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID]
}

// join registers p under h.mu so a concurrent leave cannot drop the channel
// between lookup and insert.
func (h *Hub) join(p *peer) *channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.rooms[p.roomID]
	if !ok {
		ch = &channel{peers: make(map[*peer]struct{})}
		h.rooms[p.roomID] = ch
	}
	ch.mu.Lock()
	ch.peers[p] = struct{}{}
	ch.mu.Unlock()
	return ch
}

func (h *Hub) leave(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.rooms[p.roomID]
	if !ok {
		return
	}
	ch.mu.Lock()
	delete(ch.peers, p)
	empty := len(ch.peers) == 0
	ch.mu.Unlock()
	if empty {
		delete(h.rooms, p.roomID)
	}
}

func (ch *channel) snapshot(role models.Role) []*peer {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*peer, 0, len(ch.peers))
	for p := range ch.peers {
		if role == "" || p.role == role {
			out = append(out, p)
		}
	}
	return out
}

// deliverLocal writes frame to this instance's peers in the room. An empty
// role addresses everyone.
func (h *Hub) deliverLocal(roomID string, role models.Role, frame Frame) {
	ch := h.lookup(roomID)
	if ch == nil {
		return
	}
	for _, p := range ch.snapshot(role) {
		if err := p.writeFrame(frame); err != nil && !errors.Is(err, errPeerClosed) {
			slog.Warn("relay: dropped slow or broken peer", "room_id", roomID, "role", p.role, "err", err)
		}
	}
}

func (h *Hub) disconnectLocal(roomID string) {
	ch := h.lookup(roomID)
	if ch == nil {
		return
	}
	for _, p := range ch.snapshot("") {
		p.close()
	}
}

// broadcast delivers locally and forwards to other instances.
func (h *Hub) broadcast(roomID string, role models.Role, frame Frame, closeAfter bool) {
	h.deliverLocal(roomID, role, frame)
	if closeAfter {
		h.disconnectLocal(roomID)
	}
	if h.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), busPublishTimeout)
	defer cancel()
	ev := Event{Origin: h.opts.InstanceID, RoomID: roomID, Role: role, Frame: frame, Close: closeAfter}
	if err := h.bus.Publish(ctx, ev); err != nil {
		slog.Warn("relay: bus publish failed", "room_id", roomID, "type", frame.Type, "err", err)
	}
}

// RoomLocked tells connected sessions both seats are filled.
func (h *Hub) RoomLocked(roomID string) {
	h.broadcast(roomID, "", newFrame(TypeLifecycleLocked, "", LockedPayload{RoomID: roomID}), false)
}

// RoomClosed tells connected sessions the room is closed and drops them.
func (h *Hub) RoomClosed(roomID string, reason models.CloseReason) {
	h.verifier.cancel(roomID)
	h.broadcast(roomID, "", newFrame(TypeLifecycleClosed, "", ClosedPayload{RoomID: roomID, Reason: reason}), true)
}

// ServeHTTP authenticates the credential, runs the device binding check and
// upgrades to a websocket session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cred, err := h.issuer.Validate(h.issuer.ExtractToken(r))
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	if _, _, err := h.manager.Authorize(r.Context(), cred); err != nil {
		slog.Info("relay: connection refused", "room_id", cred.RoomID, "role", cred.Role, "err", err)
		writeHTTPError(w, err)
		return
	}
	ip := clientIP(r, h.opts.TrustProxy)
	websocket.Handler(func(conn *websocket.Conn) {
		h.serve(conn, cred, ip)
	}).ServeHTTP(w, r)
}

func writeHTTPError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	http.Error(w, string(code)+": "+apperr.Message(err), code.HTTPStatus())
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
