package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/config"
	"github.com/PeeBee66/chittychattychat/internal/envelope"
	"github.com/PeeBee66/chittychattychat/internal/models"
	"github.com/PeeBee66/chittychattychat/internal/objectstore"
	"github.com/PeeBee66/chittychattychat/internal/storage"
)

type archiveEnv struct {
	store   *storage.Store
	keys    *envelope.Service
	objects *objectstore.LocalStore
	writer  *Writer
}

func newArchiveEnv(t *testing.T) *archiveEnv {
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
	objects, err := objectstore.NewLocalStore(t.TempDir(), "", "secret")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return &archiveEnv{
		store:   store,
		keys:    keys,
		objects: objects,
		writer:  NewWriter(store, keys, objects, "archives"),
	}
}

// seedClosedRoom creates a closed room with a host, a guest and the given
// plaintext messages sent alternately.
func (e *archiveEnv) seedClosedRoom(t *testing.T, roomID string, texts ...string) *models.Room {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := e.store.InsertRoom(ctx, roomID, now); err != nil {
		t.Fatalf("InsertRoom: %v", err)
	}
	key, err := e.keys.Mint(ctx, roomID)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	host := &models.Participant{RoomID: roomID, Role: models.RoleHost, DeviceID: "h", IPAddress: "10.0.0.1", JoinedAt: now}
	if _, err := e.store.AcceptRoom(ctx, roomID, now, now.Add(models.RoomTTL), host); err != nil {
		t.Fatalf("AcceptRoom: %v", err)
	}
	guest := &models.Participant{RoomID: roomID, Role: models.RoleGuest, DeviceID: "g", JoinedAt: now}
	if _, err := e.store.JoinRoom(ctx, roomID, guest); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	_ = e.store.SetDisplayName(ctx, roomID, host.ID, "AlphaWolf")
	for i, text := range texts {
		author := host.ID
		if i%2 == 1 {
			author = guest.ID
		}
		ct, nonce, tag, err := envelope.SealMessage(key, []byte(text))
		if err != nil {
			t.Fatalf("SealMessage: %v", err)
		}
		msg := &models.Message{
			RoomID:        roomID,
			ParticipantID: &author,
			CreatedAt:     now,
			Envelope:      models.Envelope{Ciphertext: ct, Nonce: nonce, Tag: tag, MsgType: models.MessageText},
		}
		if err := e.store.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}
	if _, err := e.store.CloseRoom(ctx, roomID, models.CloseDestroyed, now, models.RoomLocked); err != nil {
		t.Fatalf("CloseRoom: %v", err)
	}
	room, _ := e.store.GetRoom(ctx, roomID)
	return room
}

func TestArchiveDecryptsTranscript(t *testing.T) {
	env := newArchiveEnv(t)
	ctx := context.Background()
	room := env.seedClosedRoom(t, "Arc1", "hello", "hi there", "bye")

	// A message sealed under a different key degrades to a placeholder.
	otherKey := make([]byte, envelope.KeySize)
	ct, nonce, tag, _ := envelope.SealMessage(otherKey, []byte("stray"))
	stray := &models.Message{RoomID: "Arc1", CreatedAt: time.Now().UTC(), Envelope: models.Envelope{Ciphertext: ct, Nonce: nonce, Tag: tag, MsgType: models.MessageText}}
	if err := env.store.InsertMessage(ctx, stray); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	ref, err := env.writer.Archive(ctx, room)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !strings.HasPrefix(ref, "archives/Arc1/") || !strings.HasSuffix(ref, ".json.zst") {
		t.Fatalf("unexpected archive key %q", ref)
	}
	snap, err := Load(ctx, env.objects, "archives", ref)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.MessageCount != 4 || snap.ParticipantCount != 2 || snap.AuditBlocked {
		t.Fatalf("unexpected snapshot summary: %+v", snap)
	}
	want := []string{"hello", "hi there", "bye", Undecryptable}
	for i, rec := range snap.Messages {
		if rec.Text != want[i] {
			t.Fatalf("message %d: want %q got %q", i, want[i], rec.Text)
		}
	}
	if snap.Messages[0].Role != models.RoleHost || snap.Messages[0].DisplayName != "AlphaWolf" {
		t.Fatalf("author not resolved: %+v", snap.Messages[0])
	}
	if snap.Messages[1].Role != models.RoleGuest {
		t.Fatalf("guest author not resolved: %+v", snap.Messages[1])
	}
}

func TestArchiveWithTamperedKeyIsAuditBlocked(t *testing.T) {
	env := newArchiveEnv(t)
	ctx := context.Background()
	room := env.seedClosedRoom(t, "Arc2", "secret")

	if _, err := env.store.DB().Exec(`UPDATE room_keys SET wrapped_key = ? WHERE room_id = ?`, []byte(strings.Repeat("x", 60)), "Arc2"); err != nil {
		t.Fatalf("tamper key: %v", err)
	}
	ref, err := env.writer.Archive(ctx, room)
	if !errors.Is(err, apperr.ErrKeyIntegrity) {
		t.Fatalf("expected integrity failure, got %v", err)
	}
	if ref == "" {
		t.Fatalf("audit-blocked snapshot must still be stored")
	}
	snap, err := Load(ctx, env.objects, "archives", ref)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !snap.AuditBlocked || snap.Messages[0].Text != Undecryptable {
		t.Fatalf("expected audit-blocked snapshot: %+v", snap)
	}
}

func TestTranscriptRequiresArchivedRoom(t *testing.T) {
	env := newArchiveEnv(t)
	ctx := context.Background()
	room := env.seedClosedRoom(t, "Arc3", "one")

	if _, err := env.writer.Transcript(ctx, "Arc3"); apperr.KindOf(err) != apperr.KindStateViolation {
		t.Fatalf("expected state violation before archive, got %v", err)
	}
	ref, err := env.writer.Archive(ctx, room)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := env.store.MarkArchived(ctx, "Arc3", ref); err != nil {
		t.Fatalf("MarkArchived: %v", err)
	}
	snap, err := env.writer.Transcript(ctx, "Arc3")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Text != "one" {
		t.Fatalf("unexpected transcript: %+v", snap.Messages)
	}
}
