package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/codekingibk/nodehost/internal/logx"
	"github.com/codekingibk/nodehost/internal/persist"
	"github.com/codekingibk/nodehost/internal/rehydrate"
	"github.com/codekingibk/nodehost/schema"
)

// InstanceDeps captures the collaborators of the instance service.
type InstanceDeps struct {
	DB         *persist.Store
	Rehydrator *rehydrate.Rehydrator
	Supervisor *Supervisor
	Limits     schema.Limits
	Duration   time.Duration
	Logger     pslog.Logger
}

// InstanceService manages instance records: creation under the per-account
// cap, settings, renewal and deletion.
type InstanceService struct {
	db       *persist.Store
	fs       *rehydrate.Rehydrator
	sup      *Supervisor
	limits   schema.Limits
	duration time.Duration
	logger   pslog.Logger
}

// NewInstanceService constructs the instance service.
func NewInstanceService(deps InstanceDeps) *InstanceService {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	duration := deps.Duration
	if duration <= 0 {
		duration = schema.DefaultInstanceDurationDays * 24 * time.Hour
	}
	return &InstanceService{
		db:       deps.DB,
		fs:       deps.Rehydrator,
		sup:      deps.Supervisor,
		limits:   deps.Limits.Normalize(),
		duration: duration,
		logger:   logger,
	}
}

// Create provisions a new instance for the account, enforcing the
// per-account cap.
func (s *InstanceService) Create(ctx context.Context, account schema.AccountID, name, nodeVersion string) (schema.Instance, error) {
	log := logx.WithAccount(ctx, account)
	if err := s.db.EnsureAccount(account); err != nil {
		return schema.Instance{}, err
	}
	count, err := s.db.CountInstances(account)
	if err != nil {
		return schema.Instance{}, err
	}
	if count >= s.limits.MaxInstances {
		log.Warn("instance create rejected", "err", schema.ErrInstanceLimit, "count", count)
		return schema.Instance{}, schema.ErrInstanceLimit
	}
	version, err := schema.NormalizeNodeVersion(nodeVersion)
	if err != nil {
		return schema.Instance{}, err
	}
	if name == "" {
		name = "my-bot"
	}

	now := time.Now().UTC()
	inst := schema.Instance{
		ID:          schema.InstanceID(uuid.NewString()),
		AccountID:   account,
		Name:        name,
		Status:      schema.StatusStopped,
		NodeVersion: version,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.duration),
	}
	if err := s.db.CreateInstance(inst); err != nil {
		return schema.Instance{}, err
	}
	if err := s.db.AddAudit(inst.ID, account, "create", name); err != nil {
		log.Warn("instance audit write failed", "err", err)
	}
	log.Info("instance created", "instance", inst.ID, "name", name, "node_version", version)
	return inst, nil
}

// Get returns one instance record.
func (s *InstanceService) Get(ctx context.Context, id schema.InstanceID) (schema.Instance, error) {
	return s.db.GetInstance(id)
}

// List returns the account's instances.
func (s *InstanceService) List(ctx context.Context, account schema.AccountID) ([]schema.Instance, error) {
	return s.db.ListInstances(account)
}

// UpdateSettings replaces the instance's name, advisory runtime version and
// env var list after validation.
func (s *InstanceService) UpdateSettings(ctx context.Context, id schema.InstanceID, name, nodeVersion string, env []schema.EnvVar) (schema.Instance, error) {
	log := logx.WithInstance(ctx, id)
	current, err := s.db.GetInstance(id)
	if err != nil {
		return schema.Instance{}, err
	}
	if name == "" {
		name = current.Name
	}
	version, err := schema.NormalizeNodeVersion(nodeVersion)
	if err != nil {
		return schema.Instance{}, err
	}
	normalized, err := schema.NormalizeEnvVars(env, s.limits)
	if err != nil {
		return schema.Instance{}, err
	}
	if err := s.db.UpdateSettings(id, name, version, normalized); err != nil {
		return schema.Instance{}, err
	}
	log.Info("instance settings updated", "name", name, "node_version", version, "env_vars", len(normalized))
	return s.db.GetInstance(id)
}

// Renew extends the instance's expiry by one full duration from now or from
// the current expiry, whichever is later.
func (s *InstanceService) Renew(ctx context.Context, id schema.InstanceID) (schema.Instance, error) {
	log := logx.WithInstance(ctx, id)
	inst, err := s.db.GetInstance(id)
	if err != nil {
		return schema.Instance{}, err
	}
	base := time.Now().UTC()
	if inst.ExpiresAt.After(base) {
		base = inst.ExpiresAt
	}
	if err := s.db.Renew(id, base.Add(s.duration)); err != nil {
		return schema.Instance{}, err
	}
	if err := s.db.AddAudit(id, inst.AccountID, "renew", ""); err != nil {
		log.Warn("instance audit write failed", "err", err)
	}
	log.Info("instance renewed", "expires_at", base.Add(s.duration))
	return s.db.GetInstance(id)
}

// Delete stops any live process, removes the work directory and drops the
// record.
func (s *InstanceService) Delete(ctx context.Context, id schema.InstanceID) error {
	log := logx.WithInstance(ctx, id)
	inst, err := s.db.GetInstance(id)
	if err != nil {
		return err
	}
	if s.sup != nil {
		if err := s.sup.Stop(ctx, id); err != nil {
			log.Warn("instance delete stop failed", "err", err)
		}
	}
	if err := s.fs.Remove(id); err != nil {
		log.Warn("instance work dir removal failed", "err", err)
	}
	if err := s.db.DeleteInstance(id); err != nil {
		return err
	}
	if err := s.db.AddAudit(id, inst.AccountID, "delete", ""); err != nil {
		log.Warn("instance audit write failed", "err", err)
	}
	log.Info("instance deleted")
	return nil
}

// Audit returns the newest audit records for the instance.
func (s *InstanceService) Audit(ctx context.Context, id schema.InstanceID, limit int) ([]persist.AuditRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.db.ListAudit(id, limit)
}
