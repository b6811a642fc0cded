package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PeeBee66/chittychattychat/internal/api"
	"github.com/PeeBee66/chittychattychat/internal/archive"
	"github.com/PeeBee66/chittychattychat/internal/auth"
	"github.com/PeeBee66/chittychattychat/internal/config"
	"github.com/PeeBee66/chittychattychat/internal/envelope"
	"github.com/PeeBee66/chittychattychat/internal/objectstore"
	"github.com/PeeBee66/chittychattychat/internal/reaper"
	"github.com/PeeBee66/chittychattychat/internal/redis"
	"github.com/PeeBee66/chittychattychat/internal/relay"
	"github.com/PeeBee66/chittychattychat/internal/room"
	"github.com/PeeBee66/chittychattychat/internal/service/attachment"
	"github.com/PeeBee66/chittychattychat/internal/storage"
)

// app is the fully wired engine shared by every command.
type app struct {
	cfg         *config.Config
	db          *sql.DB
	store       *storage.Store
	redis       *redis.Client
	auth        *auth.Service
	objects     objectstore.Store
	archive     *archive.Writer
	rooms       *room.Manager
	hub         *relay.Hub
	reaper      *reaper.Reaper
	attachments *attachment.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.Secrets.MasterKey == "" {
		return nil, errors.New("MASTER_KEY is not set; generate one with the keygen command")
	}
	if cfg.Secrets.CredentialSecret == "" {
		return nil, errors.New("CHITTY_CREDENTIAL_SECRET is not set")
	}

	a := &app{cfg: cfg}
	driver := cfg.BasicConfig.Database
	slog.Info("storage: opening database", "driver", driver)
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	if err := storage.Migrate(db, driver); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a.store = storage.NewStore(db)

	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		a.redis = rdb
	}

	keys, err := envelope.NewService(cfg.Secrets.MasterKey, a.store)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init envelope keys: %w", err)
	}
	a.auth, err = auth.NewService(cfg.Secrets.CredentialSecret,
		time.Duration(cfg.Rooms.HostCredentialMinutes)*time.Minute,
		time.Duration(cfg.Rooms.ParticipantCredentialHr)*time.Hour,
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init credentials: %w", err)
	}
	a.objects, err = objectstore.New(ctx, cfg, cfg.Secrets.CredentialSecret)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init object store: %w", err)
	}

	a.archive = archive.NewWriter(a.store, keys, a.objects, cfg.Storage.ArchiveBucket)
	a.rooms = room.NewManager(a.store, keys, a.auth, a.archive)

	opts := relay.Options{
		GraceDelay: time.Duration(cfg.Rooms.VerifyGraceSeconds) * time.Second,
		TrustProxy: cfg.BasicConfig.TrustProxy,
	}
	var leaser reaper.Leaser
	if a.redis != nil {
		opts.Bus = relay.NewRedisBus(a.redis)
		leaser = a.redis
	}
	a.hub = relay.NewHub(a.rooms, a.store, a.auth, opts)
	a.reaper = reaper.New(a.rooms, a.store, time.Duration(cfg.Rooms.AbandonMinutes)*time.Minute, leaser)
	a.attachments = attachment.NewService(a.store, a.rooms, a.objects, cfg.Storage.AttachmentBucket,
		time.Duration(cfg.Storage.UploadURLMinutes)*time.Minute,
		time.Duration(cfg.Storage.DownloadURLHours)*time.Hour,
	)
	return a, nil
}

func (a *app) handler() *api.Handler {
	deps := api.Deps{
		Rooms:       a.rooms,
		Store:       a.store,
		Auth:        a.auth,
		Attachments: a.attachments,
		Relay:       a.hub,
	}
	if local, ok := a.objects.(*objectstore.LocalStore); ok {
		deps.Objects = local.Handler()
	}
	if a.redis != nil {
		deps.Redis = a.redis
	}
	return api.NewHandler(deps)
}

func (a *app) Close() {
	if a.hub != nil {
		a.hub.Stop()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("redis: close failed", "err", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Warn("storage: close failed", "err", err)
		}
	}
}
