package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codekingibk/nodehost/core"
	"github.com/codekingibk/nodehost/httpapi"
	"github.com/codekingibk/nodehost/internal/appconfig"
	"github.com/codekingibk/nodehost/internal/maintenance"
	"github.com/codekingibk/nodehost/internal/persist"
	"github.com/codekingibk/nodehost/internal/rehydrate"
	"github.com/codekingibk/nodehost/internal/termstream"
	"pkt.systems/pslog"
)

const databaseFile = "nodehost.db"

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the nodehost server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
				return err
			}

			db, err := persist.Open(filepath.Join(cfg.DataDir, databaseFile))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			// Rows left RUNNING or INSTALLING by a previous run describe
			// processes that no longer exist.
			repaired, err := db.BackfillLifecycle()
			if err != nil {
				return err
			}
			if repaired > 0 {
				logger.Info("stale instance records repaired", "count", repaired)
			}

			limits := cfg.Limits.Limits()
			fs := rehydrate.New(cfg.WorkDir)
			stream := termstream.New()
			sup := core.NewSupervisor(core.SupervisorDeps{
				DB:            db,
				Rehydrator:    fs,
				Stream:        stream,
				Limits:        limits,
				SilenceUnlock: time.Duration(cfg.Runtime.SilenceUnlockMillis) * time.Millisecond,
				TerminalCols:  uint16(cfg.Runtime.TerminalCols),
				TerminalRows:  uint16(cfg.Runtime.TerminalRows),
				Logger:        logger,
			})
			instanceDuration := time.Duration(cfg.Maintenance.InstanceDurationDays) * 24 * time.Hour
			instances := core.NewInstanceService(core.InstanceDeps{
				DB:         db,
				Rehydrator: fs,
				Supervisor: sup,
				Limits:     limits,
				Duration:   instanceDuration,
				Logger:     logger,
			})
			files := core.NewFileService(core.FileDeps{
				DB:         db,
				Rehydrator: fs,
				Limits:     limits,
				Logger:     logger,
			})
			sweeper := maintenance.NewSweeper(maintenance.SweeperDeps{
				DB:               db,
				Supervisor:       sup,
				Rehydrator:       fs,
				Interval:         time.Duration(cfg.Maintenance.IntervalMinutes) * time.Minute,
				InstanceDuration: instanceDuration,
				ExpiryGrace:      time.Duration(cfg.Maintenance.ExpiryGraceDays) * 24 * time.Hour,
				AuditRetention:   time.Duration(cfg.Maintenance.AuditRetentionDays) * 24 * time.Hour,
				Logger:           logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go sweeper.Run(ctx)

			server := httpapi.NewServer(httpapi.Config{Addr: cfg.HTTP.Addr}, instances, files, sup, stream)
			logger.Info("http server listening", "addr", cfg.HTTP.Addr)
			err = httpapi.ListenAndServe(ctx, cfg.HTTP.Addr, server.Handler())

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			sup.StopAll(stopCtx)
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}
