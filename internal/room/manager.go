// Package room owns the room state machine:
// pending → active → locked → closed → archived.
//
// Every status change is a compare-and-swap in the store, and operations on
// one room are serialized by a per-room mutex so a role can only be won once.
package room

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/auth"
	"github.com/PeeBee66/chittychattychat/internal/models"
	"github.com/PeeBee66/chittychattychat/internal/storage"
)

// KeyService mints and unwraps room keys.
type KeyService interface {
	Mint(ctx context.Context, roomID string) ([]byte, error)
	Unwrap(ctx context.Context, roomID string) ([]byte, error)
}

// Issuer mints room credentials.
type Issuer interface {
	IssueHost(roomID, deviceID string) (string, error)
	IssueParticipant(p *models.Participant) (string, error)
}

// Archiver stores a transcript snapshot for a closed room and returns its
// reference. When the room key fails authentication it still returns the
// reference of the audit-blocked snapshot together with the error.
type Archiver interface {
	Archive(ctx context.Context, room *models.Room) (string, error)
}

// Notifier is told about lifecycle changes that connected sessions must see.
type Notifier interface {
	RoomLocked(roomID string)
	RoomClosed(roomID string, reason models.CloseReason)
}

// Created is the result of Create.
type Created struct {
	Room           *models.Room
	HostCredential string
}

// Grant is returned whenever a participant is seated or resumes.
type Grant struct {
	Room        *models.Room
	Participant *models.Participant
	Credential  string
	RoomKey     []byte
}

// CreateRequest asks for a new room. RoomID is optional.
type CreateRequest struct {
	RoomID   string
	DeviceID string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = func() time.Time { return now().UTC().Truncate(time.Millisecond) }
	}
}

// WithNotifier sets the lifecycle notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// Manager implements the room lifecycle.
type Manager struct {
	store    *storage.Store
	keys     KeyService
	issuer   Issuer
	archiver Archiver
	guard    *BindingGuard
	notifier Notifier
	locks    *roomLocks
	now      func() time.Time
}

func NewManager(store *storage.Store, keys KeyService, issuer Issuer, archiver Archiver, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		keys:     keys,
		issuer:   issuer,
		archiver: archiver,
		guard:    NewBindingGuard(store),
		locks:    newRoomLocks(),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetNotifier wires the notifier after construction, for when the notifier
// itself depends on the manager.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Guard exposes the device binding guard.
func (m *Manager) Guard() *BindingGuard {
	return m.guard
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Create allocates a pending room and mints its key.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if req.DeviceID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "device id is required")
	}
	now := m.now()
	roomID, err := m.allocate(ctx, req.RoomID, now)
	if err != nil {
		return nil, err
	}
	key, err := m.keys.Mint(ctx, roomID)
	if err != nil {
		m.discard(roomID)
		return nil, err
	}
	clear(key)
	token, err := m.issuer.IssueHost(roomID, req.DeviceID)
	if err != nil {
		m.discard(roomID)
		return nil, err
	}
	slog.Info("room: created", "room_id", roomID)
	return &Created{
		Room:           &models.Room{ID: roomID, Status: models.RoomPending, CreatedAt: now},
		HostCredential: token,
	}, nil
}

func (m *Manager) allocate(ctx context.Context, requested string, now time.Time) (string, error) {
	if requested != "" {
		if !models.ValidRoomID(requested) {
			return "", apperr.New(apperr.CodeRoomIDInvalid, "room id must be 4 characters from [A-Za-z0-9]")
		}
		if err := m.store.InsertRoom(ctx, requested, now); err != nil {
			return "", err
		}
		return requested, nil
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := generateRoomID()
		if err != nil {
			return "", err
		}
		err = m.store.InsertRoom(ctx, id, now)
		if err == nil {
			return id, nil
		}
		if apperr.CodeOf(err) != apperr.CodeRoomIDTaken {
			return "", err
		}
	}
	return "", apperr.New(apperr.CodeRoomIDExhausted, "could not allocate a free room id")
}

func (m *Manager) discard(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.DeleteRoom(ctx, roomID); err != nil {
		slog.Error("room: discard failed", "room_id", roomID, "err", err)
	}
}

// Accept activates a pending room and seats the host.
func (m *Manager) Accept(ctx context.Context, roomID string, cred *auth.Credential, ip string) (*Grant, error) {
	if cred == nil || cred.RoomID != roomID || cred.Role != models.RoleHost || cred.Kind != auth.KindHost {
		return nil, apperr.New(apperr.CodeCredentialScope, "host credential for this room required")
	}
	unlock := m.locks.lock(roomID)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status != models.RoomPending {
		return nil, apperr.New(apperr.CodeInvalidTransition, "room has already been accepted")
	}
	now := m.now()
	expiresAt := now.Add(models.RoomTTL)
	host := &models.Participant{
		RoomID:    roomID,
		Role:      models.RoleHost,
		DeviceID:  cred.DeviceID,
		IPAddress: ip,
		JoinedAt:  now,
	}
	ok, err := m.store.AcceptRoom(ctx, roomID, now, expiresAt, host)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.CodeInvalidTransition, "room has already been accepted")
	}
	room.Status = models.RoomActive
	room.AcceptedAt = &now
	room.ExpiresAt = &expiresAt
	slog.Info("room: accepted", "room_id", roomID, "expires_at", expiresAt)
	return m.grant(ctx, room, host)
}

// Join seats the guest in an active room and locks it.
func (m *Manager) Join(ctx context.Context, roomID, deviceID, ip string) (*Grant, error) {
	if deviceID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "device id is required")
	}
	unlock := m.locks.lock(roomID)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := joinable(room, m.now()); err != nil {
		return nil, err
	}
	host, err := m.store.GetParticipantByRole(ctx, roomID, models.RoleHost)
	if err != nil {
		return nil, err
	}
	if host.DeviceID == deviceID {
		return nil, apperr.New(apperr.CodeRoleFilled, "this device already holds the host seat; resume instead")
	}
	guest := &models.Participant{
		RoomID:    roomID,
		Role:      models.RoleGuest,
		DeviceID:  deviceID,
		IPAddress: ip,
		JoinedAt:  m.now(),
	}
	ok, err := m.store.JoinRoom(ctx, roomID, guest)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := m.store.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if err := joinable(current, m.now()); err != nil {
			return nil, err
		}
		return nil, apperr.ErrRoomNotJoinable
	}
	room.Status = models.RoomLocked
	slog.Info("room: locked", "room_id", roomID)
	if m.notifier != nil {
		m.notifier.RoomLocked(roomID)
	}
	return m.grant(ctx, room, guest)
}

func joinable(room *models.Room, now time.Time) error {
	switch room.Status {
	case models.RoomLocked:
		return apperr.ErrRoomFull
	case models.RoomActive:
		if room.Expired(now) {
			return apperr.ErrRoomExpired
		}
		return nil
	default:
		return apperr.ErrRoomNotJoinable
	}
}

// Resume reissues a credential and the room key to the device already bound
// to role.
func (m *Manager) Resume(ctx context.Context, roomID string, role models.Role, deviceID string) (*Grant, error) {
	room, err := m.openRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	p, err := m.guard.Check(ctx, roomID, role, deviceID)
	if err != nil {
		return nil, err
	}
	return m.grant(ctx, room, p)
}

func (m *Manager) grant(ctx context.Context, room *models.Room, p *models.Participant) (*Grant, error) {
	key, err := m.keys.Unwrap(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	token, err := m.issuer.IssueParticipant(p)
	if err != nil {
		return nil, err
	}
	return &Grant{Room: room, Participant: p, Credential: token, RoomKey: key}, nil
}

func (m *Manager) openRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Status.Open() {
		return nil, apperr.ErrRoomNotJoinable
	}
	if room.Expired(m.now()) {
		return nil, apperr.ErrRoomExpired
	}
	return room, nil
}

// Authorize resolves a participant credential against current server state.
// It fails unless the room is open and the participant row still carries the
// credential's device.
func (m *Manager) Authorize(ctx context.Context, cred *auth.Credential) (*models.Room, *models.Participant, error) {
	if cred == nil || cred.Kind != auth.KindParticipant {
		return nil, nil, apperr.New(apperr.CodeCredentialScope, "participant credential required")
	}
	room, err := m.openRoom(ctx, cred.RoomID)
	if err != nil {
		return nil, nil, err
	}
	p, err := m.guard.Check(ctx, cred.RoomID, cred.Role, cred.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	if p.ID != cred.ParticipantID {
		return nil, nil, apperr.New(apperr.CodeCredentialScope, "credential does not match the seated participant")
	}
	return room, p, nil
}

// Destroy closes the room on behalf of one of its participants.
func (m *Manager) Destroy(ctx context.Context, roomID string, cred *auth.Credential) (*models.Room, error) {
	if cred == nil || cred.RoomID != roomID {
		return nil, apperr.New(apperr.CodeCredentialScope, "credential is not scoped to this room")
	}
	_, p, err := m.Authorize(ctx, cred)
	if err != nil {
		return nil, err
	}
	slog.Info("room: destroy requested", "room_id", roomID, "role", p.Role)
	return m.Close(ctx, roomID, models.CloseDestroyed)
}

// Close moves an open room to closed, notifies sessions and archives it.
// Archive failures are logged; the reaper retries them.
func (m *Manager) Close(ctx context.Context, roomID string, reason models.CloseReason) (*models.Room, error) {
	unlock := m.locks.lock(roomID)
	now := m.now()
	ok, err := m.store.CloseRoom(ctx, roomID, reason, now, models.RoomActive, models.RoomLocked)
	if err != nil {
		unlock()
		return nil, err
	}
	if !ok {
		unlock()
		room, err := m.store.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.CodeInvalidTransition, "room is "+string(room.Status))
	}
	unlock()
	slog.Info("room: closed", "room_id", roomID, "reason", reason)
	if m.notifier != nil {
		m.notifier.RoomClosed(roomID, reason)
	}
	if _, err := m.Archive(ctx, roomID); err != nil {
		slog.Error("room: archive after close failed", "room_id", roomID, "err", err)
	}
	return m.store.GetRoom(ctx, roomID)
}

// Expire closes an open room whose TTL has elapsed. It reports whether this
// call performed the transition.
func (m *Manager) Expire(ctx context.Context, roomID string) (bool, error) {
	return m.ExpireAt(ctx, roomID, m.now())
}

// ExpireAt is Expire evaluated at now instead of the manager clock.
func (m *Manager) ExpireAt(ctx context.Context, roomID string, now time.Time) (bool, error) {
	unlock := m.locks.lock(roomID)
	ok, err := m.store.ExpireRoom(ctx, roomID, now)
	unlock()
	if err != nil {
		return false, err
	}
	if ok {
		slog.Info("room: expired", "room_id", roomID)
		if m.notifier != nil {
			m.notifier.RoomClosed(roomID, models.CloseExpired)
		}
	}
	return ok, nil
}

// Archive moves a closed room to archived and returns the snapshot
// reference. Archiving an archived room returns the stored reference.
func (m *Manager) Archive(ctx context.Context, roomID string) (string, error) {
	unlock := m.locks.lock(roomID)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	switch room.Status {
	case models.RoomArchived:
		return room.ArchiveKey, nil
	case models.RoomClosed:
	default:
		return "", apperr.New(apperr.CodeInvalidTransition, "only closed rooms can be archived")
	}
	if room.CloseReason == models.CloseAbandoned {
		return "", apperr.New(apperr.CodeInvalidTransition, "abandoned rooms are reclaimed, not archived")
	}

	ref, archiveErr := m.archiver.Archive(ctx, room)
	if ref == "" {
		if archiveErr == nil {
			archiveErr = errors.New("archiver returned no reference")
		}
		return "", archiveErr
	}
	ok, err := m.store.MarkArchived(ctx, roomID, ref)
	if err != nil {
		return "", err
	}
	if !ok {
		current, err := m.store.GetRoom(ctx, roomID)
		if err != nil {
			return "", err
		}
		if current.Status == models.RoomArchived {
			return current.ArchiveKey, archiveErr
		}
		return "", apperr.New(apperr.CodeInvalidTransition, "room left closed state during archive")
	}
	slog.Info("room: archived", "room_id", roomID, "archive_key", ref)
	return ref, archiveErr
}

// Reclaim releases a pending room created at or before cutoff, or finishes
// releasing one already marked abandoned. It reports whether the ID was freed.
func (m *Manager) Reclaim(ctx context.Context, roomID string, cutoff time.Time) (bool, error) {
	unlock := m.locks.lock(roomID)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, apperr.ErrRoomNotFound) {
			return false, nil
		}
		return false, err
	}
	switch {
	case room.Status == models.RoomPending:
		if room.CreatedAt.After(cutoff) {
			return false, nil
		}
		ok, err := m.store.CloseRoom(ctx, roomID, models.CloseAbandoned, m.now(), models.RoomPending)
		if err != nil || !ok {
			return false, err
		}
	case room.Status == models.RoomClosed && room.CloseReason == models.CloseAbandoned:
	default:
		return false, nil
	}
	deleted, err := m.store.DeleteRoomIf(ctx, roomID, models.RoomClosed, models.CloseAbandoned)
	if err != nil {
		return false, err
	}
	if deleted {
		slog.Info("room: reclaimed", "room_id", roomID)
	}
	return deleted, nil
}

// Info returns the room and its participants.
func (m *Manager) Info(ctx context.Context, roomID string) (*models.Room, []*models.Participant, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	participants, err := m.store.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	return room, participants, nil
}
