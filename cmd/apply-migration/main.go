package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"wisefido-scada/internal/config"
	"wisefido-scada/internal/models"
	"wisefido-scada/internal/repository"
	"wisefido-scada/owl-common/database"
	logpkg "wisefido-scada/owl-common/logger"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 在每个活跃租户库上创建 scada_readings 超表、压缩与保留策略、连续聚合
func main() {
	tenant := pflag.String("tenant", "", "only migrate this tenant_id")
	dryRun := pflag.Bool("dry-run", false, "print statements without executing")
	timeout := pflag.Duration("timeout", 2*time.Minute, "per-tenant timeout")
	parallel := pflag.Int("parallel", 4, "tenants migrated concurrently")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	opts := repository.SchemaOptions{
		ChunkInterval: cfg.Schema.ChunkInterval,
		CompressAfter: cfg.Schema.CompressAfter,
		RawRetention:  cfg.Schema.RawRetention,
	}

	if *dryRun {
		for _, stmt := range repository.SchemaStatements(opts) {
			fmt.Printf("%s;\n\n", stmt)
		}
		return
	}

	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "apply-migration")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	registryDB, err := database.NewPostgresDB(&cfg.Registry)
	if err != nil {
		log.Fatal("Cannot connect to registry database", zap.Error(err))
	}
	defer database.Close(registryDB)

	ctx := context.Background()
	tenants, err := repository.NewRegistryRepository(registryDB, log).ListActiveTenants(ctx)
	if err != nil {
		log.Fatal("Failed to list tenants", zap.Error(err))
	}

	var failed, applied atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*parallel)
	for _, t := range tenants {
		if *tenant != "" && t.TenantID != *tenant {
			continue
		}
		t := t
		g.Go(func() error {
			tlog := logpkg.ForTenant(log, t.TenantID)
			if err := migrateTenant(gctx, t, cfg, opts, *timeout, tlog); err != nil {
				failed.Add(1)
				tlog.Error("Migration failed", zap.Error(err))
				return nil
			}
			applied.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	log.Info("Migration finished", zap.Int32("applied", applied.Load()), zap.Int32("failed", failed.Load()))
	if failed.Load() > 0 {
		os.Exit(1)
	}
}

// migrateTenant 单个租户库执行 DDL
func migrateTenant(ctx context.Context, t models.Tenant, cfg *config.Config, opts repository.SchemaOptions,
	timeout time.Duration, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := database.Open(ctx, t.DatabaseURL, cfg.TenantPool)
	if err != nil {
		return fmt.Errorf("cannot connect to tenant database: %w", err)
	}
	defer database.Close(db)

	return repository.ApplySchema(ctx, db, opts, logger)
}
