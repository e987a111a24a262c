// Package maintenance runs the periodic housekeeping sweep: expiry
// backfill, audit retention and reclamation of lapsed instances.
package maintenance

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/codekingibk/nodehost/core"
	"github.com/codekingibk/nodehost/internal/logx"
	"github.com/codekingibk/nodehost/internal/persist"
	"github.com/codekingibk/nodehost/internal/rehydrate"
	"github.com/codekingibk/nodehost/schema"
)

// SweeperDeps captures the sweeper's collaborators.
type SweeperDeps struct {
	DB         *persist.Store
	Supervisor *core.Supervisor
	Rehydrator *rehydrate.Rehydrator

	Interval         time.Duration
	InstanceDuration time.Duration
	ExpiryGrace      time.Duration
	AuditRetention   time.Duration

	Logger pslog.Logger
}

// Sweeper reclaims expired instances on a fixed interval. Per-instance
// failures are logged and skipped; the next sweep retries.
type Sweeper struct {
	db  *persist.Store
	sup *core.Supervisor
	fs  *rehydrate.Rehydrator

	interval  time.Duration
	duration  time.Duration
	grace     time.Duration
	retention time.Duration

	logger pslog.Logger
}

// NewSweeper constructs a sweeper, filling zero durations with defaults.
func NewSweeper(deps SweeperDeps) *Sweeper {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = schema.DefaultMaintenanceInterval
	}
	duration := deps.InstanceDuration
	if duration <= 0 {
		duration = schema.DefaultInstanceDurationDays * 24 * time.Hour
	}
	grace := deps.ExpiryGrace
	if grace <= 0 {
		grace = schema.DefaultExpiryGraceDays * 24 * time.Hour
	}
	retention := deps.AuditRetention
	if retention <= 0 {
		retention = schema.DefaultAuditRetentionDays * 24 * time.Hour
	}
	return &Sweeper{
		db:        deps.DB,
		sup:       deps.Supervisor,
		fs:        deps.Rehydrator,
		interval:  interval,
		duration:  duration,
		grace:     grace,
		retention: retention,
		logger:    logger,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
// One sweep runs immediately on entry.
func (s *Sweeper) Run(ctx context.Context) {
	s.RunOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep cycle.
func (s *Sweeper) RunOnce(ctx context.Context) {
	log := logx.Ctx(ctx)
	now := time.Now().UTC()

	if n, err := s.db.BackfillExpiry(s.duration); err != nil {
		log.Warn("maintenance expiry backfill failed", "err", err)
	} else if n > 0 {
		log.Info("maintenance expiry backfilled", "instances", n)
	}

	if n, err := s.db.PurgeAuditBefore(now.Add(-s.retention)); err != nil {
		log.Warn("maintenance audit purge failed", "err", err)
	} else if n > 0 {
		log.Info("maintenance audit purged", "records", n)
	}

	expired, err := s.db.ListExpiredBefore(now.Add(-s.grace))
	if err != nil {
		log.Warn("maintenance expiry scan failed", "err", err)
		return
	}
	for _, inst := range expired {
		s.reclaim(ctx, inst)
	}
}

// reclaim tears one lapsed instance down: live process, work directory,
// then the record itself. Best effort; a failed step leaves the instance
// for the next sweep.
func (s *Sweeper) reclaim(ctx context.Context, inst schema.Instance) {
	log := logx.WithInstance(ctx, inst.ID)
	if s.sup != nil && s.sup.Running(inst.ID) {
		if err := s.sup.Stop(ctx, inst.ID); err != nil {
			log.Warn("maintenance stop failed", "err", err)
			return
		}
	}
	if err := s.fs.Remove(inst.ID); err != nil {
		log.Warn("maintenance work dir removal failed", "err", err)
	}
	if err := s.db.DeleteInstance(inst.ID); err != nil {
		log.Warn("maintenance record delete failed", "err", err)
		return
	}
	if err := s.db.AddAudit(inst.ID, inst.AccountID, "reclaim", "expired"); err != nil {
		log.Warn("maintenance audit write failed", "err", err)
	}
	log.Info("maintenance instance reclaimed", "account", inst.AccountID, "expired_at", inst.ExpiresAt)
}
