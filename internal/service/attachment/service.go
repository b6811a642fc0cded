// Package attachment issues presigned upload and download URLs for images
// shared in a room. Bytes never pass through the server; only metadata is
// recorded.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/auth"
	"github.com/PeeBee66/chittychattychat/internal/models"
	"github.com/PeeBee66/chittychattychat/internal/objectstore"
	"github.com/PeeBee66/chittychattychat/internal/storage"
)

const (
	DefaultUploadTTL   = 10 * time.Minute
	DefaultDownloadTTL = time.Hour
)

// Authorizer re-checks a participant credential against stored room state.
type Authorizer interface {
	Authorize(ctx context.Context, cred *auth.Credential) (*models.Room, *models.Participant, error)
}

// Upload is returned by Init.
type Upload struct {
	Attachment *models.Attachment
	UploadURL  string
	ExpiresAt  time.Time
}

// Service manages the attachment upload flow.
type Service struct {
	store       *storage.Store
	rooms       Authorizer
	objects     objectstore.Store
	bucket      string
	uploadTTL   time.Duration
	downloadTTL time.Duration
	now         func() time.Time
}

func NewService(store *storage.Store, rooms Authorizer, objects objectstore.Store, bucket string, uploadTTL, downloadTTL time.Duration) *Service {
	if uploadTTL <= 0 {
		uploadTTL = DefaultUploadTTL
	}
	if downloadTTL <= 0 {
		downloadTTL = DefaultDownloadTTL
	}
	return &Service{
		store:       store,
		rooms:       rooms,
		objects:     objects,
		bucket:      bucket,
		uploadTTL:   uploadTTL,
		downloadTTL: downloadTTL,
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// Init validates the declared type and size, records a pending attachment and
// returns a presigned PUT URL for it.
func (s *Service) Init(ctx context.Context, cred *auth.Credential, mimeType string, size int64) (*Upload, error) {
	_, p, err := s.rooms.Authorize(ctx, cred)
	if err != nil {
		return nil, err
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	ext, ok := models.AttachmentTypes[mimeType]
	if !ok {
		return nil, apperr.New(apperr.CodeAttachmentType, "unsupported attachment type")
	}
	if size <= 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "size must be positive")
	}
	if size > models.MaxAttachmentBytes {
		return nil, apperr.New(apperr.CodeAttachmentTooLarge, fmt.Sprintf("attachments are limited to %d bytes", models.MaxAttachmentBytes))
	}

	id := uuid.NewString()
	a := &models.Attachment{
		ID:        id,
		RoomID:    p.RoomID,
		ObjectKey: fmt.Sprintf("rooms/%s/%s%s", p.RoomID, id, ext),
		MimeType:  mimeType,
		SizeBytes: size,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertAttachment(ctx, a); err != nil {
		return nil, err
	}
	url, err := s.objects.PresignPut(ctx, s.bucket, a.ObjectKey, a.MimeType, a.SizeBytes, s.uploadTTL)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}
	slog.Info("attachment: upload started", "room_id", a.RoomID, "attachment_id", a.ID, "mime", a.MimeType, "size", a.SizeBytes)
	return &Upload{Attachment: a, UploadURL: url, ExpiresAt: a.CreatedAt.Add(s.uploadTTL)}, nil
}

// Complete confirms the object landed with the declared size and makes the
// attachment citable by an image message.
func (s *Service) Complete(ctx context.Context, cred *auth.Credential, attachmentID string) (*models.Attachment, error) {
	_, p, err := s.rooms.Authorize(ctx, cred)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAttachment(ctx, p.RoomID, attachmentID)
	if err != nil {
		return nil, err
	}
	if a.Available {
		return nil, apperr.New(apperr.CodeAttachmentCompleted, "attachment already completed")
	}
	size, err := s.objects.Stat(ctx, s.bucket, a.ObjectKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, apperr.New(apperr.CodeAttachmentUnavailable, "upload has not been received")
		}
		return nil, fmt.Errorf("stat upload: %w", err)
	}
	if size != a.SizeBytes {
		return nil, apperr.New(apperr.CodeAttachmentUnavailable, "uploaded size does not match the declared size")
	}
	ok, err := s.store.MarkAttachmentAvailable(ctx, p.RoomID, a.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.CodeAttachmentCompleted, "attachment already completed")
	}
	a.Available = true
	return a, nil
}

// DownloadURL returns a presigned GET URL for an available attachment.
func (s *Service) DownloadURL(ctx context.Context, cred *auth.Credential, attachmentID string) (string, time.Time, error) {
	_, p, err := s.rooms.Authorize(ctx, cred)
	if err != nil {
		return "", time.Time{}, err
	}
	a, err := s.store.GetAttachment(ctx, p.RoomID, attachmentID)
	if err != nil {
		return "", time.Time{}, err
	}
	if !a.Available {
		return "", time.Time{}, apperr.New(apperr.CodeAttachmentUnavailable, "attachment upload is not complete")
	}
	url, err := s.objects.PresignGet(ctx, s.bucket, a.ObjectKey, s.downloadTTL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign download: %w", err)
	}
	return url, s.now().Add(s.downloadTTL), nil
}
