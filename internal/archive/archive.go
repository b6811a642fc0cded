// Package archive builds audit transcripts of closed rooms.
//
// A snapshot decrypts every message with the room key and is stored
// zstd-compressed in the archive bucket. Only the master-key holder can
// produce one.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/envelope"
	"github.com/PeeBee66/chittychattychat/internal/models"
	"github.com/PeeBee66/chittychattychat/internal/objectstore"
	"github.com/PeeBee66/chittychattychat/internal/storage"
)

const (
	// Undecryptable replaces the text of a message that fails to open.
	Undecryptable = "[undecryptable]"

	contentType = "application/zstd"
	pageSize    = 500
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// Snapshot is the stored audit transcript.
type Snapshot struct {
	Room             *models.Room        `json:"room"`
	Participants     []ParticipantRecord `json:"participants"`
	Messages         []MessageRecord     `json:"messages"`
	MessageCount     int                 `json:"message_count"`
	ParticipantCount int                 `json:"participant_count"`
	ArchivedAt       time.Time           `json:"archived_at"`
	AuditBlocked     bool                `json:"audit_blocked,omitempty"`
	AuditError       string              `json:"audit_error,omitempty"`
}

type ParticipantRecord struct {
	ID          int64       `json:"id"`
	Role        models.Role `json:"role"`
	DisplayName string      `json:"display_name,omitempty"`
	IPAddress   string      `json:"ip_address,omitempty"`
	JoinedAt    time.Time   `json:"joined_at"`
}

type MessageRecord struct {
	ID            int64              `json:"id"`
	ParticipantID *int64             `json:"participant_id,omitempty"`
	Role          models.Role        `json:"role,omitempty"`
	DisplayName   string             `json:"display_name,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	MsgType       models.MessageType `json:"msg_type"`
	Text          string             `json:"text"`
	AttachmentID  string             `json:"attachment_id,omitempty"`
	IPAddress     string             `json:"ip_address,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// KeyUnwrapper returns a room's plaintext key.
type KeyUnwrapper interface {
	Unwrap(ctx context.Context, roomID string) ([]byte, error)
}

// Writer produces and stores snapshots.
type Writer struct {
	store   *storage.Store
	keys    KeyUnwrapper
	objects objectstore.Store
	bucket  string
	now     func() time.Time
}

func NewWriter(store *storage.Store, keys KeyUnwrapper, objects objectstore.Store, bucket string) *Writer {
	return &Writer{
		store:   store,
		keys:    keys,
		objects: objects,
		bucket:  bucket,
		now:     time.Now,
	}
}

// Archive builds and stores the snapshot for room and returns its object key.
// When the room key cannot be unwrapped an audit-blocked snapshot is stored
// and its key is returned together with the unwrap error.
func (w *Writer) Archive(ctx context.Context, room *models.Room) (string, error) {
	snap, buildErr := w.Build(ctx, room)
	if snap == nil {
		return "", buildErr
	}
	key := ObjectKey(room.ID, snap.ArchivedAt)
	if err := Store(ctx, w.objects, w.bucket, key, snap); err != nil {
		return "", err
	}
	return key, buildErr
}

// Build assembles a snapshot. A nil snapshot means nothing could be built.
func (w *Writer) Build(ctx context.Context, room *models.Room) (*Snapshot, error) {
	participants, err := w.store.ListParticipants(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Room:             room,
		ArchivedAt:       w.now().UTC(),
		ParticipantCount: len(participants),
	}
	byID := make(map[int64]*models.Participant, len(participants))
	for _, p := range participants {
		byID[p.ID] = p
		snap.Participants = append(snap.Participants, ParticipantRecord{
			ID:          p.ID,
			Role:        p.Role,
			DisplayName: p.DisplayName,
			IPAddress:   p.IPAddress,
			JoinedAt:    p.JoinedAt,
		})
	}

	var messages []*models.Message
	afterID := int64(0)
	for {
		page, err := w.store.ListMessages(ctx, room.ID, afterID, pageSize)
		if err != nil {
			return nil, err
		}
		messages = append(messages, page...)
		if len(page) < pageSize {
			break
		}
		afterID = page[len(page)-1].ID
	}
	snap.MessageCount = len(messages)

	roomKey, keyErr := w.keys.Unwrap(ctx, room.ID)
	if keyErr != nil {
		if !errors.Is(keyErr, apperr.ErrKeyIntegrity) && !errors.Is(keyErr, apperr.ErrKeyNotFound) {
			return nil, keyErr
		}
		slog.Error("archive: room key unavailable, storing audit-blocked snapshot", "room_id", room.ID, "err", keyErr)
		snap.AuditBlocked = true
		snap.AuditError = apperr.Message(keyErr)
	}
	defer clear(roomKey)

	for _, msg := range messages {
		rec := MessageRecord{
			ID:            msg.ID,
			ParticipantID: msg.ParticipantID,
			CreatedAt:     msg.CreatedAt,
			MsgType:       msg.MsgType,
			AttachmentID:  msg.AttachmentID,
			IPAddress:     msg.IPAddress,
		}
		if msg.ParticipantID != nil {
			if p, ok := byID[*msg.ParticipantID]; ok {
				rec.Role = p.Role
				rec.DisplayName = p.DisplayName
			}
		}
		if roomKey == nil {
			rec.Text = Undecryptable
		} else if plain, err := envelope.OpenMessage(roomKey, msg.Ciphertext, msg.Nonce, msg.Tag); err != nil {
			slog.Warn("archive: message failed to decrypt", "room_id", room.ID, "message_id", msg.ID)
			rec.Text = Undecryptable
			rec.Error = "decryption failed"
		} else {
			rec.Text = string(plain)
		}
		snap.Messages = append(snap.Messages, rec)
	}
	return snap, keyErr
}

// ObjectKey is where a room's snapshot taken at t is stored.
func ObjectKey(roomID string, t time.Time) string {
	return fmt.Sprintf("archives/%s/%s.json.zst", roomID, t.UTC().Format("20060102_150405"))
}

// Store compresses and writes snap.
func Store(ctx context.Context, objects objectstore.Store, bucket, key string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := objects.Put(ctx, bucket, key, contentType, zstdEncoder.EncodeAll(data, nil)); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Load reads a stored snapshot.
func Load(ctx context.Context, objects objectstore.Store, bucket, key string) (*Snapshot, error) {
	compressed, err := objects.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Transcript returns the stored snapshot of an archived room.
func (w *Writer) Transcript(ctx context.Context, roomID string) (*Snapshot, error) {
	room, err := w.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status != models.RoomArchived || room.ArchiveKey == "" {
		return nil, apperr.New(apperr.CodeInvalidTransition, "room has not been archived")
	}
	return Load(ctx, w.objects, w.bucket, room.ArchiveKey)
}
