package room

import (
	"context"
	"crypto/subtle"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/models"
	"github.com/PeeBee66/chittychattychat/internal/storage"
)

// BindingGuard enforces that each role stays bound to the device that first
// filled it.
type BindingGuard struct {
	store *storage.Store
}

func NewBindingGuard(store *storage.Store) *BindingGuard {
	return &BindingGuard{store: store}
}

// Check returns the participant holding role when deviceID matches its
// binding. An unfilled role yields apperr.ErrRoleVacant and a different
// device yields apperr.ErrDeviceMismatch.
func (g *BindingGuard) Check(ctx context.Context, roomID string, role models.Role, deviceID string) (*models.Participant, error) {
	if !role.Valid() {
		return nil, apperr.New(apperr.CodeInvalidArgument, "unknown role")
	}
	p, err := g.store.GetParticipantByRole(ctx, roomID, role)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeParticipantNotFound {
			return nil, apperr.ErrRoleVacant
		}
		return nil, err
	}
	if deviceID == "" || subtle.ConstantTimeCompare([]byte(p.DeviceID), []byte(deviceID)) != 1 {
		return nil, apperr.ErrDeviceMismatch
	}
	return p, nil
}
