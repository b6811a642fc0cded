package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/models"
	"github.com/PeeBee66/chittychattychat/internal/room"
)

const closeTimeout = 30 * time.Second

// Verifier runs the out-of-band name check between the two participants. A
// rejection closes the room after a short grace delay so both sides can
// render the verdict first.
type Verifier struct {
	hub     *Hub
	manager *room.Manager
	grace   time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

func newVerifier(hub *Hub, manager *room.Manager, grace time.Duration) *Verifier {
	return &Verifier{
		hub:     hub,
		manager: manager,
		grace:   grace,
		pending: make(map[string]*time.Timer),
	}
}

// respond records by's verdict on the counterpart's announced name.
func (v *Verifier) respond(ctx context.Context, by *models.Participant, payload RespondPayload) error {
	target, err := v.hub.store.GetParticipant(ctx, by.RoomID, payload.ParticipantID)
	if err != nil {
		return err
	}
	if target.Role != by.Role.Counterpart() {
		return apperr.New(apperr.CodeCredentialScope, "only the other participant can be verified")
	}
	if target.DisplayName == "" {
		return apperr.New(apperr.CodeInvalidTransition, "participant has not announced a name")
	}

	verdict := VerdictPayload{
		ParticipantID: target.ID,
		Role:          target.Role,
		Name:          target.DisplayName,
		ByRole:        by.Role,
	}
	if payload.Accepted {
		slog.Info("relay: participant verified", "room_id", by.RoomID, "role", target.Role, "by", by.Role)
		v.hub.broadcast(by.RoomID, "", newFrame(TypeVerifyAccepted, "", verdict), false)
		return nil
	}

	slog.Warn("relay: participant rejected", "room_id", by.RoomID, "role", target.Role, "by", by.Role)
	v.hub.broadcast(by.RoomID, "", newFrame(TypeVerifyRejected, "", verdict), false)
	v.scheduleClose(by.RoomID)
	return nil
}

func (v *Verifier) scheduleClose(roomID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return
	}
	if _, ok := v.pending[roomID]; ok {
		return
	}
	v.pending[roomID] = time.AfterFunc(v.grace, func() {
		v.mu.Lock()
		if _, ok := v.pending[roomID]; !ok {
			v.mu.Unlock()
			return
		}
		delete(v.pending, roomID)
		v.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if _, err := v.manager.Close(ctx, roomID, models.CloseRejected); err != nil {
			slog.Warn("relay: close after rejection failed", "room_id", roomID, "err", err)
		}
	})
}

// cancel drops a pending rejection close, used when the room closes first.
func (v *Verifier) cancel(roomID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.pending[roomID]; ok {
		t.Stop()
		delete(v.pending, roomID)
	}
}

func (v *Verifier) stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
	for roomID, t := range v.pending {
		t.Stop()
		delete(v.pending, roomID)
	}
}
