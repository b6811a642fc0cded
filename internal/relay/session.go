package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/auth"
	"github.com/PeeBee66/chittychattychat/internal/models"
	"github.com/PeeBee66/chittychattychat/internal/names"
)

const (
	maxDecodeErrorsPerConn = 3
	maxFramesPerSecond     = 20
	maxFrameBytes          = 256 << 10
)

// session is the per-connection state of one seated participant.
type session struct {
	hub  *Hub
	cred *auth.Credential
	ip   string
	peer *peer
	ch   *channel
}

func (h *Hub) serve(conn *websocket.Conn, cred *auth.Credential, ip string) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxFrameBytes

	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()

	room, p, err := h.manager.Authorize(ctx, cred)
	if err != nil {
		_ = json.NewEncoder(conn).Encode(errorFrame("", err))
		return
	}

	s := &session{hub: h, cred: cred, ip: ip, peer: newPeer(conn, h.opts.WriteTimeout, room.ID, p)}
	s.ch = h.join(s.peer)
	s.setPresence(ctx, true)
	defer func() {
		h.leave(s.peer)
		s.peer.close()
		s.setPresence(context.WithoutCancel(ctx), false)
	}()

	_ = s.peer.writeFrame(timerFrame(room, h.manager.Now()))
	if room.Status == models.RoomLocked {
		_ = s.peer.writeFrame(newFrame(TypeLifecycleLocked, "", LockedPayload{RoomID: room.ID}))
	}
	go s.runTimer(ctx)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame Frame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			switch {
			case errors.Is(err, websocket.ErrFrameTooLarge):
				slog.Warn("relay: oversized frame", "room_id", cred.RoomID, "role", cred.Role)
				_ = s.peer.writeFrame(errorFrame("", apperr.New(apperr.CodeInvalidArgument, "frame too large")))
				return
			case isDecodeError(err):
				decodeErrors++
				_ = s.peer.writeFrame(errorFrame("", apperr.New(apperr.CodeInvalidArgument, "invalid frame payload")))
				if decodeErrors >= maxDecodeErrorsPerConn {
					return
				}
				continue
			default:
				return
			}
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = s.peer.writeFrame(errorFrame(frame.RequestID, apperr.New(apperr.CodeUnavailable, "rate limit exceeded")))
			return
		}

		// Stored state wins over whatever the credential still claims.
		_, p, err := h.manager.Authorize(ctx, cred)
		if err != nil {
			slog.Info("relay: session revoked", "room_id", cred.RoomID, "role", cred.Role, "err", err)
			_ = s.peer.writeFrame(errorFrame(frame.RequestID, err))
			return
		}

		if !s.handle(ctx, p, frame) {
			return
		}
	}
}

// handle dispatches one authorized frame. It returns false when the session
// should end.
func (s *session) handle(ctx context.Context, p *models.Participant, frame Frame) bool {
	switch frame.Type {
	case TypeChatSend:
		s.handleSend(ctx, p, frame)
	case TypeVerifyAnnounce:
		s.handleAnnounce(ctx, p, frame)
	case TypeVerifyRespond:
		var payload RespondPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.reply(frame.RequestID, apperr.New(apperr.CodeInvalidArgument, "invalid respond payload"))
			return true
		}
		if err := s.hub.verifier.respond(ctx, p, payload); err != nil {
			s.reply(frame.RequestID, err)
		}
	case TypeRoomDestroy:
		if _, err := s.hub.manager.Destroy(ctx, s.cred.RoomID, s.cred); err != nil {
			s.reply(frame.RequestID, err)
			return true
		}
		return false
	case TypePing:
		_ = s.peer.writeFrame(newFrame(TypePong, frame.RequestID, PongPayload{ServerTime: s.hub.manager.Now()}))
	default:
		s.reply(frame.RequestID, apperr.New(apperr.CodeInvalidArgument, "unsupported frame type"))
	}
	return true
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (s *session) reply(requestID string, err error) {
	if apperr.CodeOf(err) == apperr.CodeUnknown {
		slog.Error("relay: frame failed", "room_id", s.cred.RoomID, "role", s.cred.Role, "err", err)
	}
	_ = s.peer.writeFrame(errorFrame(requestID, err))
}

func (s *session) handleSend(ctx context.Context, p *models.Participant, frame Frame) {
	var env models.Envelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		s.reply(frame.RequestID, apperr.New(apperr.CodeInvalidArgument, "invalid message payload"))
		return
	}
	if err := env.Validate(); err != nil {
		s.reply(frame.RequestID, err)
		return
	}

	s.ch.sendMu.Lock()
	defer s.ch.sendMu.Unlock()

	pid := p.ID
	msg := &models.Message{
		RoomID:        p.RoomID,
		ParticipantID: &pid,
		CreatedAt:     s.hub.manager.Now(),
		IPAddress:     s.ip,
		Envelope:      env,
	}
	if err := s.hub.store.InsertMessage(ctx, msg); err != nil {
		s.reply(frame.RequestID, err)
		return
	}
	s.hub.broadcast(p.RoomID, "", newFrame(TypeChatMessage, frame.RequestID, ChatMessagePayload{
		ID:            msg.ID,
		ParticipantID: p.ID,
		Role:          p.Role,
		CreatedAt:     msg.CreatedAt,
		Envelope:      msg.Envelope,
	}), false)
}

func (s *session) handleAnnounce(ctx context.Context, p *models.Participant, frame Frame) {
	var payload AnnouncePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.reply(frame.RequestID, apperr.New(apperr.CodeInvalidArgument, "invalid announce payload"))
		return
	}
	name := strings.TrimSpace(payload.Name)
	if !names.Allowed(p.RoomID, p.ID, name) {
		s.reply(frame.RequestID, apperr.New(apperr.CodeInvalidArgument, "name was not offered to this participant"))
		return
	}
	if err := s.hub.store.SetDisplayName(ctx, p.RoomID, p.ID, name); err != nil {
		s.reply(frame.RequestID, err)
		return
	}
	slog.Info("relay: name announced", "room_id", p.RoomID, "role", p.Role)
	s.hub.broadcast(p.RoomID, p.Role.Counterpart(), newFrame(TypeVerifyAnnounced, frame.RequestID, AnnouncedPayload{
		ParticipantID: p.ID,
		Role:          p.Role,
		Name:          name,
	}), false)
}

func (s *session) setPresence(ctx context.Context, connected bool) {
	if err := s.hub.store.SetConnected(ctx, s.peer.participantID, connected); err != nil {
		slog.Warn("relay: presence update failed", "room_id", s.peer.roomID, "role", s.peer.role, "err", err)
	}
	s.hub.broadcast(s.peer.roomID, s.peer.role.Counterpart(), newFrame(TypePresenceUpdate, "", PresencePayload{
		Role:      s.peer.role,
		Connected: connected,
	}), false)
}

// runTimer pushes the remaining lifetime to this peer. Expiry itself is left
// to the reaper.
func (s *session) runTimer(ctx context.Context) {
	ticker := time.NewTicker(s.hub.opts.TimerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		room, err := s.hub.store.GetRoom(ctx, s.peer.roomID)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("relay: timer lookup failed", "room_id", s.peer.roomID, "err", err)
			}
			continue
		}
		if !room.Status.Open() {
			return
		}
		if err := s.peer.writeFrame(timerFrame(room, s.hub.manager.Now())); err != nil {
			return
		}
	}
}

func timerFrame(room *models.Room, now time.Time) Frame {
	return newFrame(TypeLifecycleTimer, "", TimerPayload{
		RoomID:      room.ID,
		Status:      room.Status,
		ExpiresAt:   room.ExpiresAt,
		SecondsLeft: int64(room.TimeLeft(now) / time.Second),
	})
}
