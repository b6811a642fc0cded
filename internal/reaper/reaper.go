// Package reaper closes rooms whose lifetime has elapsed, archives closed
// rooms and reclaims rooms that were never accepted.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/room"
	"github.com/PeeBee66/chittychattychat/internal/storage"
)

const (
	DefaultInterval      = time.Minute
	DefaultAbandonWindow = 10 * time.Minute

	leaseKey = "reaper:lease"
)

// Leaser coordinates sweeps across instances. A nil Leaser lets every
// instance sweep; the state transitions are compare-and-swap either way.
type Leaser interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// Report counts what one sweep did.
type Report struct {
	Expired   int
	Archived  int
	Reclaimed int
	Failed    int
	Skipped   bool
}

// Reaper holds no room state of its own; every sweep starts from the store.
type Reaper struct {
	manager       *room.Manager
	store         *storage.Store
	abandonWindow time.Duration
	leaser        Leaser
	owner         string
}

// New builds a reaper. abandonWindow <= 0 selects the default.
func New(manager *room.Manager, store *storage.Store, abandonWindow time.Duration, leaser Leaser) *Reaper {
	if abandonWindow <= 0 {
		abandonWindow = DefaultAbandonWindow
	}
	return &Reaper{
		manager:       manager,
		store:         store,
		abandonWindow: abandonWindow,
		leaser:        leaser,
		owner:         uuid.NewString(),
	}
}

// Start runs Sweep every interval until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	go r.loop(ctx, interval)
}

func (r *Reaper) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx, interval); err != nil && ctx.Err() == nil {
				slog.Error("reaper: sweep failed", "err", err)
			}
		}
	}
}

// RunOnce sweeps while holding the cluster lease for ttl. Another instance
// holding the lease yields a skipped report.
func (r *Reaper) RunOnce(ctx context.Context, ttl time.Duration) (Report, error) {
	if r.leaser == nil {
		return r.Sweep(ctx, r.manager.Now())
	}
	ok, err := r.leaser.AcquireLease(ctx, leaseKey, r.owner, ttl)
	if err != nil {
		slog.Warn("reaper: lease unavailable, sweeping anyway", "err", err)
	} else if !ok {
		return Report{Skipped: true}, nil
	} else {
		defer func() {
			if err := r.leaser.ReleaseLease(context.WithoutCancel(ctx), leaseKey, r.owner); err != nil {
				slog.Warn("reaper: release lease failed", "err", err)
			}
		}()
	}
	return r.Sweep(ctx, r.manager.Now())
}

// Sweep makes one pass over the store as of now. It is idempotent and safe to
// run concurrently with itself and with live traffic.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	var report Report

	expired, err := r.store.ListExpiredRooms(ctx, now)
	if err != nil {
		return report, err
	}
	for _, id := range expired {
		ok, err := r.manager.ExpireAt(ctx, id, now)
		if err != nil {
			report.Failed++
			slog.Error("reaper: expire failed", "room_id", id, "err", err)
			continue
		}
		if ok {
			report.Expired++
		}
	}

	unarchived, err := r.store.ListUnarchivedRooms(ctx)
	if err != nil {
		return report, err
	}
	for _, id := range unarchived {
		ref, err := r.manager.Archive(ctx, id)
		if ref != "" {
			report.Archived++
		}
		if err != nil {
			if errors.Is(err, apperr.ErrKeyIntegrity) {
				slog.Error("reaper: room archived without transcript, key failed authentication", "room_id", id, "archive_key", ref)
				continue
			}
			report.Failed++
			slog.Error("reaper: archive failed", "room_id", id, "err", err)
		}
	}

	abandoned, err := r.store.ListAbandonedRooms(ctx, now.Add(-r.abandonWindow))
	if err != nil {
		return report, err
	}
	for _, id := range abandoned {
		ok, err := r.manager.Reclaim(ctx, id, now.Add(-r.abandonWindow))
		if err != nil {
			report.Failed++
			slog.Error("reaper: reclaim failed", "room_id", id, "err", err)
			continue
		}
		if ok {
			report.Reclaimed++
		}
	}

	if report.Expired+report.Archived+report.Reclaimed+report.Failed > 0 {
		slog.Info("reaper: sweep finished",
			"expired", report.Expired,
			"archived", report.Archived,
			"reclaimed", report.Reclaimed,
			"failed", report.Failed,
		)
	}
	return report, nil
}
