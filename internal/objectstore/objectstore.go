// Package objectstore holds attachment blobs and archive snapshots.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PeeBee66/chittychattychat/internal/config"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the object store contract used by the room engine. The engine only
// tracks metadata; clients move attachment bytes through presigned URLs.
type Store interface {
	PresignPut(ctx context.Context, bucket, key, contentType string, size int64, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	// Stat returns the stored size of key or ErrNotFound.
	Stat(ctx context.Context, bucket, key string) (int64, error)
	Put(ctx context.Context, bucket, key, contentType string, body []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// New builds the store selected by cfg.Storage.Driver. signingSecret signs
// URLs issued by the local driver.
func New(ctx context.Context, cfg *config.Config, signingSecret string) (Store, error) {
	switch cfg.Storage.Driver {
	case "", "local":
		return NewLocalStore(cfg.Storage.LocalDir, cfg.Storage.PublicBaseURL, signingSecret)
	case "s3":
		return NewS3Store(ctx, cfg.Storage)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}
