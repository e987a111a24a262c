// Package persist is the durable layer behind the core service: instance
// records, their env vars and virtual filesystems, per-account slot counts
// and the audit trail, all in a single sqlite database.
package persist

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/codekingibk/nodehost/schema"
)

// Store wraps the sqlite handle. All methods are safe for concurrent use;
// sqlite serializes writers underneath.
type Store struct {
	db *sqlx.DB
}

// Open connects to the sqlite database at path and creates missing tables.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite has a single writer; one pooled connection avoids SQLITE_BUSY
	// and keeps ":memory:" databases from forking per connection.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			node_version TEXT NOT NULL,
			pid INTEGER,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			stopped_at TIMESTAMP,
			expires_at TIMESTAMP NOT NULL,
			renewed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_account ON instances (account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_expires ON instances (expires_at)`,
		`CREATE TABLE IF NOT EXISTS instance_env (
			instance_id TEXT NOT NULL REFERENCES instances (id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (instance_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS instance_files (
			instance_id TEXT NOT NULL REFERENCES instances (id) ON DELETE CASCADE,
			path TEXT NOT NULL,
			content TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			hidden INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, path)
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// EnsureAccount inserts the account row if it does not exist yet.
func (s *Store) EnsureAccount(id schema.AccountID) error {
	_, err := s.db.Exec(
		`INSERT INTO accounts (id, created_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		id, time.Now().UTC())
	return err
}

// CountInstances returns the number of instances an account currently holds.
func (s *Store) CountInstances(account schema.AccountID) (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM instances WHERE account_id = $1`, account)
	return n, err
}

// CreateInstance persists a new instance record with its env vars.
func (s *Store) CreateInstance(inst schema.Instance) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO instances
		(id, account_id, name, status, node_version, pid, created_at, started_at, stopped_at, expires_at, renewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inst.ID, inst.AccountID, inst.Name, inst.Status, inst.NodeVersion, inst.PID,
		inst.CreatedAt.UTC(), inst.StartedAt, inst.StoppedAt, inst.ExpiresAt.UTC(), inst.RenewedAt)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	if err := replaceEnv(tx, inst.ID, inst.EnvVars); err != nil {
		return err
	}
	return tx.Commit()
}

// GetInstance loads one instance with its env vars.
func (s *Store) GetInstance(id schema.InstanceID) (schema.Instance, error) {
	var inst schema.Instance
	err := s.db.Get(&inst, `SELECT * FROM instances WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Instance{}, schema.ErrInstanceNotFound
	}
	if err != nil {
		return schema.Instance{}, err
	}
	inst.EnvVars, err = s.loadEnv(id)
	return inst, err
}

// ListInstances returns an account's instances ordered by creation time.
func (s *Store) ListInstances(account schema.AccountID) ([]schema.Instance, error) {
	var insts []schema.Instance
	err := s.db.Select(&insts,
		`SELECT * FROM instances WHERE account_id = $1 ORDER BY created_at`, account)
	if err != nil {
		return nil, err
	}
	for i := range insts {
		if insts[i].EnvVars, err = s.loadEnv(insts[i].ID); err != nil {
			return nil, err
		}
	}
	return insts, nil
}

// SetLifecycle records a status transition. StartedAt is stamped on the
// move to RUNNING, StoppedAt on the move to STOPPED or BROKEN; the pid is
// stored for running processes and cleared otherwise.
func (s *Store) SetLifecycle(id schema.InstanceID, status schema.InstanceStatus, pid *int) error {
	now := time.Now().UTC()
	var started, stopped *time.Time
	switch status {
	case schema.StatusRunning:
		started = &now
	case schema.StatusStopped, schema.StatusBroken:
		stopped = &now
	}
	res, err := s.db.Exec(`UPDATE instances SET
			status = $1,
			pid = $2,
			started_at = COALESCE($3, started_at),
			stopped_at = COALESCE($4, stopped_at)
		WHERE id = $5`,
		status, pid, started, stopped, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateSettings replaces an instance's name, runtime version and env list.
func (s *Store) UpdateSettings(id schema.InstanceID, name, nodeVersion string, env []schema.EnvVar) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE instances SET name = $1, node_version = $2 WHERE id = $3`,
		name, nodeVersion, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if err := replaceEnv(tx, id, env); err != nil {
		return err
	}
	return tx.Commit()
}

// Renew extends the instance's expiry and stamps the renewal time.
func (s *Store) Renew(id schema.InstanceID, expiresAt time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE instances SET expires_at = $1, renewed_at = $2 WHERE id = $3`,
		expiresAt.UTC(), now, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteInstance removes the record; env vars and files cascade.
func (s *Store) DeleteInstance(id schema.InstanceID) error {
	res, err := s.db.Exec(`DELETE FROM instances WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListExpiredBefore returns instances whose expiry plus grace lies before
// the cutoff, oldest first.
func (s *Store) ListExpiredBefore(cutoff time.Time) ([]schema.Instance, error) {
	var insts []schema.Instance
	err := s.db.Select(&insts,
		`SELECT * FROM instances WHERE expires_at < $1 ORDER BY expires_at`, cutoff.UTC())
	return insts, err
}

// BackfillExpiry derives a missing or degenerate expiry from the creation
// time plus the default duration. Returns the number of rows repaired.
func (s *Store) BackfillExpiry(duration time.Duration) (int, error) {
	rows := []struct {
		ID        schema.InstanceID `db:"id"`
		CreatedAt time.Time         `db:"created_at"`
	}{}
	err := s.db.Select(&rows, `SELECT id, created_at FROM instances WHERE expires_at <= created_at`)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		_, err := s.db.Exec(`UPDATE instances SET expires_at = $1 WHERE id = $2`,
			r.CreatedAt.Add(duration).UTC(), r.ID)
		if err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

// BackfillLifecycle runs at boot: any instance recorded as live belongs to a
// process that died with the previous host, so it is marked stopped.
func (s *Store) BackfillLifecycle() (int, error) {
	res, err := s.db.Exec(`UPDATE instances SET status = $1, pid = NULL, stopped_at = $2
		WHERE status IN ($3, $4)`,
		schema.StatusStopped, time.Now().UTC(), schema.StatusRunning, schema.StatusInstalling)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// LoadFilesystem returns the stored file records keyed by encoded path.
func (s *Store) LoadFilesystem(id schema.InstanceID) (map[string]schema.FileRecord, error) {
	rows := []struct {
		Path      string    `db:"path"`
		Content   string    `db:"content"`
		UpdatedAt time.Time `db:"updated_at"`
		Hidden    bool      `db:"hidden"`
	}{}
	err := s.db.Select(&rows, `SELECT path, content, updated_at, hidden
		FROM instance_files WHERE instance_id = $1`, id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]schema.FileRecord, len(rows))
	for _, r := range rows {
		out[r.Path] = schema.FileRecord{Content: r.Content, UpdatedAt: r.UpdatedAt, Hidden: r.Hidden}
	}
	return out, nil
}

// SaveFilesystem replaces the stored filesystem with the given records in
// one transaction, so readers never observe a half-written tree.
func (s *Store) SaveFilesystem(id schema.InstanceID, files map[string]schema.FileRecord) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM instance_files WHERE instance_id = $1`, id); err != nil {
		return err
	}
	for path, rec := range files {
		_, err := tx.Exec(`INSERT INTO instance_files (instance_id, path, content, updated_at, hidden)
			VALUES ($1, $2, $3, $4, $5)`,
			id, path, rec.Content, rec.UpdatedAt.UTC(), rec.Hidden)
		if err != nil {
			return fmt.Errorf("save %s: %w", path, err)
		}
	}
	return tx.Commit()
}

// AuditRecord is one entry in the action trail.
type AuditRecord struct {
	ID         int64             `db:"id" json:"id"`
	InstanceID schema.InstanceID `db:"instance_id" json:"instance_id"`
	AccountID  schema.AccountID  `db:"account_id" json:"account_id"`
	Action     string            `db:"action" json:"action"`
	Detail     string            `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
}

// AddAudit appends an action record.
func (s *Store) AddAudit(instance schema.InstanceID, account schema.AccountID, action, detail string) error {
	_, err := s.db.Exec(`INSERT INTO audit (instance_id, account_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		instance, account, action, detail, time.Now().UTC())
	return err
}

// ListAudit returns the newest records for an instance.
func (s *Store) ListAudit(instance schema.InstanceID, limit int) ([]AuditRecord, error) {
	var recs []AuditRecord
	err := s.db.Select(&recs,
		`SELECT * FROM audit WHERE instance_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		instance, limit)
	return recs, err
}

// PurgeAuditBefore drops audit records older than the cutoff and returns
// the number removed.
func (s *Store) PurgeAuditBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM audit WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.ErrInstanceNotFound
	}
	return nil
}

func replaceEnv(tx *sqlx.Tx, id schema.InstanceID, env []schema.EnvVar) error {
	if _, err := tx.Exec(`DELETE FROM instance_env WHERE instance_id = $1`, id); err != nil {
		return err
	}
	for i, v := range env {
		_, err := tx.Exec(`INSERT INTO instance_env (instance_id, position, key, value)
			VALUES ($1, $2, $3, $4)`, id, i, v.Key, v.Value)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadEnv(id schema.InstanceID) ([]schema.EnvVar, error) {
	var env []schema.EnvVar
	err := s.db.Select(&env,
		`SELECT key, value FROM instance_env WHERE instance_id = $1 ORDER BY position`, id)
	return env, err
}
