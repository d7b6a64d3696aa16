package main

import (
	"context"
	"fmt"

	"github.com/oriys/relaydb/internal/config"
	"github.com/oriys/relaydb/internal/logging"
	"github.com/oriys/relaydb/internal/store"
	"github.com/spf13/cobra"
)

// migrateCmd runs every subsystem's EnsureXSchema once against the
// configured tenant(s) and, if configured, the control plane. Useful for
// operators who want schema deployment as a discrete pre-flight step
// instead of (or in addition to) EnableSchemaDeployment's automatic
// first-boot behavior.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Deploy (or verify) the schema for every configured tenant and the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.InitStructured(cfg.LogFormat, cfg.LogLevel)

			ctx := context.Background()
			tenants := tenantsFromConfig(cfg)
			for _, t := range tenants {
				if err := migrateTenant(ctx, t); err != nil {
					return fmt.Errorf("migrate tenant %q: %w", t.Name, err)
				}
				logging.Op().Info("migrated tenant schema", "tenant", t.Name)
			}

			if cfg.ControlPlane.ConnectionSpec != "" {
				if err := migrateControlPlane(ctx, cfg); err != nil {
					return fmt.Errorf("migrate control plane: %w", err)
				}
				logging.Op().Info("migrated control plane schema")
			}
			return nil
		},
	}
}

func migrateTenant(ctx context.Context, t config.TenantOptions) error {
	pool, err := store.NewPostgresStore(ctx, t.ConnectionSpec, store.StoreOptions{SchemaName: t.SchemaName})
	if err != nil {
		return err
	}
	defer pool.Close()

	mgr := pool.Schema
	schemaName := t.SchemaName
	if schemaName == "" {
		schemaName = "public"
	}
	if t.EnableOutbox {
		if err := mgr.EnsureOutboxSchema(ctx, schemaName, ""); err != nil {
			return err
		}
		if err := mgr.EnsureWorkQueueSchema(ctx, schemaName); err != nil {
			return err
		}
	}
	if t.EnableInbox {
		if err := mgr.EnsureInboxSchema(ctx, schemaName, ""); err != nil {
			return err
		}
	}
	if t.EnableScheduler {
		if err := mgr.EnsureSchedulerSchema(ctx, schemaName, "", ""); err != nil {
			return err
		}
	}
	if t.EnableFanout {
		if err := mgr.EnsureFanoutSchema(ctx, schemaName, "", ""); err != nil {
			return err
		}
	}
	if err := mgr.EnsureLeaseSchema(ctx, schemaName, ""); err != nil {
		return err
	}
	if err := mgr.EnsureDistributedLockSchema(ctx, schemaName, ""); err != nil {
		return err
	}
	return mgr.EnsureMetricsSchema(ctx, schemaName, "")
}

func migrateControlPlane(ctx context.Context, cfg *config.Config) error {
	cp, err := store.NewControlPlaneStore(ctx, cfg.ControlPlane.ConnectionSpec, store.ControlPlaneOptions{SchemaName: cfg.ControlPlane.SchemaName})
	if err != nil {
		return err
	}
	defer cp.Close()

	schemaName := cfg.ControlPlane.SchemaName
	if schemaName == "" {
		schemaName = "dbo"
	}
	if err := cp.Schema.EnsureSemaphoreSchema(ctx, schemaName, "", ""); err != nil {
		return err
	}
	return cp.Schema.EnsureCentralMetricsSchema(ctx, schemaName, "")
}

// tenantsFromConfig returns cfg.Tenants, or a single synthetic tenant
// named "default" built from the top-level Outbox/Inbox/Scheduler/Fanout
// options when no explicit tenant list is configured, the common case
// for a deployment with exactly one tenant database.
func tenantsFromConfig(cfg *config.Config) []config.TenantOptions {
	if len(cfg.Tenants) > 0 {
		return cfg.Tenants
	}
	return []config.TenantOptions{{
		Name:            "default",
		ConnectionSpec:  cfg.Outbox.ConnectionSpec,
		SchemaName:      cfg.Outbox.SchemaName,
		EnableOutbox:    cfg.Outbox.EnableBackgroundWorkers,
		EnableInbox:     cfg.Inbox.EnableBackgroundWorkers,
		EnableScheduler: true,
		EnableFanout:    true,
	}}
}
