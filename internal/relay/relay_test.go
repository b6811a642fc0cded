package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/archive"
	"github.com/PeeBee66/chittychattychat/internal/auth"
	"github.com/PeeBee66/chittychattychat/internal/config"
	"github.com/PeeBee66/chittychattychat/internal/envelope"
	"github.com/PeeBee66/chittychattychat/internal/models"
	"github.com/PeeBee66/chittychattychat/internal/names"
	"github.com/PeeBee66/chittychattychat/internal/objectstore"
	"github.com/PeeBee66/chittychattychat/internal/room"
	"github.com/PeeBee66/chittychattychat/internal/storage"
)

type relayEnv struct {
	store   *storage.Store
	issuer  *auth.Service
	manager *room.Manager
	hub     *Hub
	srv     *httptest.Server
}

func newRelayEnv(t *testing.T) *relayEnv {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := storage.NewStore(db)

	master, _ := envelope.GenerateMasterKey()
	keys, err := envelope.NewService(master, store)
	if err != nil {
		t.Fatalf("envelope.NewService: %v", err)
	}
	issuer, err := auth.NewService("0123456789abcdef0123456789abcdef", 15*time.Minute, 25*time.Hour)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	objects, err := objectstore.NewLocalStore(t.TempDir(), "", "secret")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	manager := room.NewManager(store, keys, issuer, archive.NewWriter(store, keys, objects, "archives"))
	hub := NewHub(manager, store, issuer, Options{GraceDelay: 50 * time.Millisecond})
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return &relayEnv{store: store, issuer: issuer, manager: manager, hub: hub, srv: srv}
}

// seatBoth creates a locked room and returns the host and guest grants.
func (e *relayEnv) seatBoth(t *testing.T) (*room.Grant, *room.Grant) {
	t.Helper()
	ctx := context.Background()
	created, err := e.manager.Create(ctx, room.CreateRequest{DeviceID: "host-device"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cred, err := e.issuer.Validate(created.HostCredential)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	host, err := e.manager.Accept(ctx, created.Room.ID, cred, "10.0.0.1")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	guest, err := e.manager.Join(ctx, created.Room.ID, "guest-device", "10.0.0.2")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	return host, guest
}

func (e *relayEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, err := e.dialErr(token)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func (e *relayEnv) dialErr(token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/?token=" + url.QueryEscape(token)
	return websocket.Dial(wsURL, "", e.srv.URL)
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType, requestID string, payload any) {
	t.Helper()
	frame := map[string]any{"type": frameType, "request_id": requestID, "payload": payload}
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got Frame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

// readUntil skips frames until one of frameType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return Frame{}
}

func decodePayload[T any](t *testing.T, frame Frame) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(frame.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", frame.Type, err)
	}
	return out
}

func sealEnvelope(t *testing.T, key []byte, text string) models.Envelope {
	t.Helper()
	ct, nonce, tag, err := envelope.SealMessage(key, []byte(text))
	if err != nil {
		t.Fatalf("SealMessage: %v", err)
	}
	return models.Envelope{Ciphertext: ct, Nonce: nonce, Tag: tag, MsgType: models.MessageText}
}

func TestRelayDeliversAndDestroys(t *testing.T) {
	env := newRelayEnv(t)
	host, guest := env.seatBoth(t)
	roomID := host.Room.ID

	hostConn := env.dial(t, host.Credential)
	timer := decodePayload[TimerPayload](t, readUntil(t, hostConn, TypeLifecycleTimer))
	if timer.RoomID != roomID || timer.SecondsLeft <= 0 {
		t.Fatalf("unexpected timer payload %+v", timer)
	}
	readUntil(t, hostConn, TypeLifecycleLocked)

	guestConn := env.dial(t, guest.Credential)
	readUntil(t, guestConn, TypeLifecycleLocked)
	presence := decodePayload[PresencePayload](t, readUntil(t, hostConn, TypePresenceUpdate))
	if presence.Role != models.RoleGuest || !presence.Connected {
		t.Fatalf("unexpected presence %+v", presence)
	}

	sent := make([]models.Envelope, 0, 3)
	for i, text := range []string{"M1", "M2", "M3"} {
		e := sealEnvelope(t, host.RoomKey, text)
		sent = append(sent, e)
		writeFrame(t, hostConn, TypeChatSend, "req-"+text, e)
		echo := readUntil(t, hostConn, TypeChatMessage)
		if echo.RequestID != "req-"+text {
			t.Fatalf("message %d echoed with request id %q", i, echo.RequestID)
		}
	}

	var lastID int64
	for i, want := range sent {
		got := decodePayload[ChatMessagePayload](t, readUntil(t, guestConn, TypeChatMessage))
		if got.ID <= lastID {
			t.Fatalf("message %d delivered out of order: id %d after %d", i, got.ID, lastID)
		}
		lastID = got.ID
		if got.Role != models.RoleHost {
			t.Fatalf("expected host sender, got %s", got.Role)
		}
		if !bytes.Equal(got.Ciphertext, want.Ciphertext) || !bytes.Equal(got.Nonce, want.Nonce) || !bytes.Equal(got.Tag, want.Tag) {
			t.Fatalf("message %d was altered in transit", i)
		}
		plain, err := envelope.OpenMessage(guest.RoomKey, got.Ciphertext, got.Nonce, got.Tag)
		if err != nil {
			t.Fatalf("guest could not decrypt message %d: %v", i, err)
		}
		if string(plain) != []string{"M1", "M2", "M3"}[i] {
			t.Fatalf("unexpected plaintext %q", plain)
		}
	}

	writeFrame(t, guestConn, TypeRoomDestroy, "bye", nil)
	for _, conn := range []*websocket.Conn{hostConn, guestConn} {
		closed := decodePayload[ClosedPayload](t, readUntil(t, conn, TypeLifecycleClosed))
		if closed.Reason != models.CloseDestroyed {
			t.Fatalf("expected destroyed, got %s", closed.Reason)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := env.store.GetRoom(context.Background(), roomID)
		if err != nil {
			t.Fatalf("GetRoom: %v", err)
		}
		if stored.Status == models.RoomArchived {
			if stored.CloseReason != models.CloseDestroyed || stored.ArchiveKey == "" {
				t.Fatalf("unexpected archived room %+v", stored)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("room not archived, status %s", stored.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelayRejectionClosesRoom(t *testing.T) {
	env := newRelayEnv(t)
	host, guest := env.seatBoth(t)
	roomID := host.Room.ID

	hostConn := env.dial(t, host.Credential)
	readUntil(t, hostConn, TypeLifecycleLocked)
	guestConn := env.dial(t, guest.Credential)
	readUntil(t, guestConn, TypeLifecycleLocked)

	writeFrame(t, hostConn, TypeVerifyAnnounce, "a1", AnnouncePayload{Name: "Not A Suggested Name"})
	bad := readUntil(t, hostConn, TypeError)
	if decodePayload[ErrorPayload](t, bad).Code != apperr.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %s", bad.Payload)
	}

	name := names.Suggest(roomID, host.Participant.ID)[0]
	writeFrame(t, hostConn, TypeVerifyAnnounce, "a2", AnnouncePayload{Name: name})
	announced := decodePayload[AnnouncedPayload](t, readUntil(t, guestConn, TypeVerifyAnnounced))
	if announced.Name != name || announced.Role != models.RoleHost {
		t.Fatalf("unexpected announcement %+v", announced)
	}

	writeFrame(t, guestConn, TypeVerifyRespond, "r1", RespondPayload{ParticipantID: announced.ParticipantID, Accepted: false})
	for _, conn := range []*websocket.Conn{hostConn, guestConn} {
		verdict := decodePayload[VerdictPayload](t, readUntil(t, conn, TypeVerifyRejected))
		if verdict.ByRole != models.RoleGuest || verdict.Name != name {
			t.Fatalf("unexpected verdict %+v", verdict)
		}
	}
	for _, conn := range []*websocket.Conn{hostConn, guestConn} {
		closed := decodePayload[ClosedPayload](t, readUntil(t, conn, TypeLifecycleClosed))
		if closed.Reason != models.CloseRejected {
			t.Fatalf("expected participant_rejected, got %s", closed.Reason)
		}
	}
	stored, err := env.store.GetRoom(context.Background(), roomID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if stored.CloseReason != models.CloseRejected || stored.Status.Open() {
		t.Fatalf("unexpected room after rejection %+v", stored)
	}
}

func TestRelayVerifyRequiresAnnouncedCounterpart(t *testing.T) {
	env := newRelayEnv(t)
	host, guest := env.seatBoth(t)

	guestConn := env.dial(t, guest.Credential)
	readUntil(t, guestConn, TypeLifecycleLocked)

	writeFrame(t, guestConn, TypeVerifyRespond, "r1", RespondPayload{ParticipantID: host.Participant.ID, Accepted: true})
	if got := decodePayload[ErrorPayload](t, readUntil(t, guestConn, TypeError)); got.Code != apperr.CodeInvalidTransition {
		t.Fatalf("expected invalid transition before announcement, got %s", got.Code)
	}
	writeFrame(t, guestConn, TypeVerifyRespond, "r2", RespondPayload{ParticipantID: guest.Participant.ID, Accepted: true})
	if got := decodePayload[ErrorPayload](t, readUntil(t, guestConn, TypeError)); got.Code != apperr.CodeCredentialScope {
		t.Fatalf("expected scope error for self verification, got %s", got.Code)
	}
}

func TestRelayRefusesBadCredentials(t *testing.T) {
	env := newRelayEnv(t)
	host, _ := env.seatBoth(t)

	if _, err := env.dialErr("not-a-token"); err == nil {
		t.Fatalf("expected garbage token to be refused")
	}

	created, err := env.manager.Create(context.Background(), room.CreateRequest{DeviceID: "other"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.dialErr(created.HostCredential); err == nil {
		t.Fatalf("expected pre-acceptance host credential to be refused")
	}

	stolen := *host.Participant
	stolen.DeviceID = "attacker-device"
	token, err := env.issuer.IssueParticipant(&stolen)
	if err != nil {
		t.Fatalf("IssueParticipant: %v", err)
	}
	if _, err := env.dialErr(token); err == nil {
		t.Fatalf("expected credential bound to another device to be refused")
	}
}

func TestRelayReauthorizesEveryFrame(t *testing.T) {
	env := newRelayEnv(t)
	host, _ := env.seatBoth(t)
	ctx := context.Background()

	hostConn := env.dial(t, host.Credential)
	readUntil(t, hostConn, TypeLifecycleLocked)

	writeFrame(t, hostConn, TypePing, "p1", nil)
	if pong := readUntil(t, hostConn, TypePong); pong.RequestID != "p1" {
		t.Fatalf("unexpected pong request id %q", pong.RequestID)
	}

	// Close behind the hub's back so only the per-frame check can notice.
	ok, err := env.store.CloseRoom(ctx, host.Room.ID, models.CloseDestroyed, time.Now().UTC(), models.RoomActive, models.RoomLocked)
	if err != nil || !ok {
		t.Fatalf("CloseRoom: %v %v", ok, err)
	}
	writeFrame(t, hostConn, TypeChatSend, "late", sealEnvelope(t, host.RoomKey, "too late"))
	got := decodePayload[ErrorPayload](t, readUntil(t, hostConn, TypeError))
	if got.Code != apperr.CodeRoomNotJoinable {
		t.Fatalf("expected room not joinable, got %s", got.Code)
	}
	msgs, err := env.store.ListMessages(ctx, host.Room.ID, 0, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("message persisted after close: %d", len(msgs))
	}
}

func TestRelayRejectsMalformedEnvelope(t *testing.T) {
	env := newRelayEnv(t)
	host, _ := env.seatBoth(t)
	hostConn := env.dial(t, host.Credential)
	readUntil(t, hostConn, TypeLifecycleLocked)

	bad := models.Envelope{Ciphertext: []byte("x"), Nonce: []byte("short"), Tag: make([]byte, 16), MsgType: models.MessageText}
	writeFrame(t, hostConn, TypeChatSend, "bad", bad)
	got := readUntil(t, hostConn, TypeError)
	if got.RequestID != "bad" || decodePayload[ErrorPayload](t, got).Code != apperr.CodeInvalidArgument {
		t.Fatalf("unexpected error frame %+v", got)
	}
}

func TestRelayDropsOversizedFrame(t *testing.T) {
	env := newRelayEnv(t)
	host, _ := env.seatBoth(t)
	hostConn := env.dial(t, host.Credential)
	readUntil(t, hostConn, TypeLifecycleLocked)

	big := models.Envelope{
		Ciphertext: bytes.Repeat([]byte("x"), 2*maxFrameBytes),
		Nonce:      make([]byte, 12),
		Tag:        make([]byte, 16),
		MsgType:    models.MessageText,
	}
	go func() {
		frame := map[string]any{"type": TypeChatSend, "request_id": "big", "payload": big}
		_ = json.NewEncoder(hostConn).Encode(frame)
	}()

	var refused bool
	for i := 0; i < 20; i++ {
		_ = hostConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got Frame
		err := json.NewDecoder(hostConn).Decode(&got)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("session stayed open after an oversized frame")
			}
			refused = true
			break
		}
		if got.Type != TypeError {
			continue
		}
		if got.RequestID == "big" {
			t.Fatalf("oversized frame reached the message handler: %+v", got)
		}
		if code := decodePayload[ErrorPayload](t, got).Code; code != apperr.CodeInvalidArgument {
			t.Fatalf("unexpected error code %s", code)
		}
	}
	if !refused {
		t.Fatalf("session was not dropped")
	}

	msgs, err := env.store.ListMessages(context.Background(), host.Room.ID, 0, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("oversized frame was persisted: %d messages", len(msgs))
	}
}
