package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/relaydb/internal/broker"
	"github.com/oriys/relaydb/internal/config"
	"github.com/oriys/relaydb/internal/dispatcher"
	"github.com/oriys/relaydb/internal/fanout"
	"github.com/oriys/relaydb/internal/lease"
	"github.com/oriys/relaydb/internal/logging"
	"github.com/oriys/relaydb/internal/metrics"
	"github.com/oriys/relaydb/internal/observability"
	"github.com/oriys/relaydb/internal/router"
	"github.com/oriys/relaydb/internal/scheduler"
	"github.com/oriys/relaydb/internal/startuplatch"
	"github.com/oriys/relaydb/internal/store"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the outbox/inbox dispatchers, scheduler, and fanout loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
	return cmd
}

// tenantRuntime is every background component bound to one tenant store.
type tenantRuntime struct {
	name       string
	pg         *store.PostgresStore
	dispatcher *dispatcher.Dispatcher
	inboxDisp  *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	fanout     *fanout.Runner
}

func runDaemon(cfg *config.Config) error {
	logging.InitStructured(cfg.LogFormat, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Metrics.Namespace, nil)
		go serveMetrics(cfg.Metrics.Addr)
	}

	latch := startuplatch.New()

	var cp *store.ControlPlaneStore
	if cfg.ControlPlane.ConnectionSpec != "" {
		var err error
		cp, err = store.NewControlPlaneStore(ctx, cfg.ControlPlane.ConnectionSpec, store.ControlPlaneOptions{SchemaName: cfg.ControlPlane.SchemaName})
		if err != nil {
			return fmt.Errorf("open control plane: %w", err)
		}
		defer cp.Close()
		if cfg.ControlPlane.EnableSchemaDeployment {
			scheduleSchemaStep(ctx, latch, "control-plane-semaphores", func(ctx context.Context) error {
				return cp.Schema.EnsureSemaphoreSchema(ctx, controlPlaneSchema(cfg), "", "")
			})
			scheduleSchemaStep(ctx, latch, "control-plane-metrics", func(ctx context.Context) error {
				return cp.Schema.EnsureCentralMetricsSchema(ctx, controlPlaneSchema(cfg), "")
			})
		}
	}

	specs := tenantSpecsFromConfig(cfg)
	tenantRouter, err := router.NewConfigured(ctx, specs,
		func(ctx context.Context, spec router.TenantSpec) (*tenantRuntime, error) {
			return buildTenantRuntime(ctx, cfg, spec, latch)
		},
		func(rt *tenantRuntime) error {
			return rt.pg.Close()
		},
	)
	if err != nil {
		return fmt.Errorf("build tenant router: %w", err)
	}
	runtimes := tenantRouter.GetAll()

	for _, rt := range runtimes {
		defer rt.pg.Close()
		startTenantLoops(ctx, cfg, rt, latch)
	}

	if cp != nil {
		go runCentralReporter(ctx, cp)
	}

	logging.Op().Info("relayd daemon started", "tenants", len(runtimes))
	<-ctx.Done()
	logging.Op().Info("relayd daemon shutting down")
	return nil
}

func controlPlaneSchema(cfg *config.Config) string {
	if cfg.ControlPlane.SchemaName == "" {
		return "dbo"
	}
	return cfg.ControlPlane.SchemaName
}

func scheduleSchemaStep(ctx context.Context, latch *startuplatch.Latch, name string, run func(context.Context) error) {
	startuplatch.RunSteps(ctx, latch, []startuplatch.Step{{Name: name, Run: run}}, startuplatch.RunnerOptions{})
}

// tenantSpecsFromConfig converts the YAML-configured tenant list into the
// router's TenantSpec shape, so the daemon's tenant set is always resolved
// through internal/router rather than iterated by hand.
func tenantSpecsFromConfig(cfg *config.Config) []router.TenantSpec {
	tenants := tenantsFromConfig(cfg)
	specs := make([]router.TenantSpec, 0, len(tenants))
	for _, t := range tenants {
		specs = append(specs, router.TenantSpec{
			Name:            t.Name,
			ConnectionSpec:  t.ConnectionSpec,
			SchemaName:      t.SchemaName,
			EnableOutbox:    t.EnableOutbox,
			EnableInbox:     t.EnableInbox,
			EnableScheduler: t.EnableScheduler,
			EnableFanout:    t.EnableFanout,
		})
	}
	return specs
}

func buildTenantRuntime(ctx context.Context, cfg *config.Config, t router.TenantSpec, latch *startuplatch.Latch) (*tenantRuntime, error) {
	schemaName := t.SchemaName
	if schemaName == "" {
		schemaName = "public"
	}
	pg, err := store.NewPostgresStore(ctx, t.ConnectionSpec, store.StoreOptions{
		SchemaName:  schemaName,
		OutboxTable: cfg.Outbox.TableName,
		InboxTable:  cfg.Inbox.TableName,
		LeaseTable:  cfg.Lease.TableName,
		JobsTable:   cfg.Scheduler.JobsTable,
		TimersTable: cfg.Scheduler.TimersTable,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Outbox.EnableSchemaDeployment && t.EnableOutbox {
		scheduleSchemaStep(ctx, latch, t.Name+":outbox", func(ctx context.Context) error {
			if err := pg.Schema.EnsureOutboxSchema(ctx, schemaName, cfg.Outbox.TableName); err != nil {
				return err
			}
			return pg.Schema.EnsureWorkQueueSchema(ctx, schemaName)
		})
	}
	if cfg.Inbox.EnableSchemaDeployment && t.EnableInbox {
		scheduleSchemaStep(ctx, latch, t.Name+":inbox", func(ctx context.Context) error {
			return pg.Schema.EnsureInboxSchema(ctx, schemaName, cfg.Inbox.TableName)
		})
	}
	if cfg.Scheduler.EnableSchemaDeployment && t.EnableScheduler {
		scheduleSchemaStep(ctx, latch, t.Name+":scheduler", func(ctx context.Context) error {
			return pg.Schema.EnsureSchedulerSchema(ctx, schemaName, cfg.Scheduler.JobsTable, cfg.Scheduler.TimersTable)
		})
	}
	if t.EnableFanout {
		scheduleSchemaStep(ctx, latch, t.Name+":fanout", func(ctx context.Context) error {
			return pg.Schema.EnsureFanoutSchema(ctx, schemaName, "", "")
		})
	}
	scheduleSchemaStep(ctx, latch, t.Name+":lease", func(ctx context.Context) error {
		return pg.Schema.EnsureLeaseSchema(ctx, schemaName, cfg.Lease.TableName)
	})

	leaseFactory := lease.New(store.LeaseBackend{Store: pg.Leases}, cfg.Lease.RenewPercent)

	rt := &tenantRuntime{name: t.Name, pg: pg}

	if t.EnableOutbox {
		rt.dispatcher = dispatcher.New(
			[]dispatcher.Queue{store.OutboxQueue{Store: pg.Outbox}},
			brokerResolver{},
			dispatcher.NewDrainFirst(1),
			dispatcher.Options{LeaseSeconds: 30, QueueKind: "outbox"},
		)
	}
	if t.EnableInbox {
		rt.inboxDisp = dispatcher.New(
			[]dispatcher.Queue{store.InboxQueue{Store: pg.Inbox}},
			brokerResolver{},
			dispatcher.NewDrainFirst(1),
			dispatcher.Options{LeaseSeconds: 30, QueueKind: "inbox"},
		)
	}
	if t.EnableScheduler {
		rt.scheduler = scheduler.New(pg.Jobs, pg.Timers, pg.Outbox, leaseFactory, scheduler.Options{
			LeaseDuration:      cfg.Scheduler.LeaseDuration,
			BatchSize:          cfg.Scheduler.BatchSize,
			MaxPollingInterval: cfg.Scheduler.MaxPollingInterval,
		})
	}
	if t.EnableFanout {
		rt.fanout = fanout.New(pg.Fanout, pg.Outbox, leaseFactory, cfg.Fanout.LeaseDuration)
	}
	return rt, nil
}

// startTenantLoops launches one goroutine per enabled background loop.
// Every loop waits on the startup latch before its first pass, so none
// of them touch a table whose schema-ensure step hasn't completed yet.
func startTenantLoops(ctx context.Context, cfg *config.Config, rt *tenantRuntime, latch *startuplatch.Latch) {
	gated := func(run func()) {
		go func() {
			if !latch.WaitReady(ctx) {
				return
			}
			run()
		}()
	}
	if rt.dispatcher != nil {
		gated(func() { runDispatchLoop(ctx, rt.dispatcher, cfg.Outbox.MaxPollingInterval, 100) })
	}
	if rt.inboxDisp != nil {
		gated(func() { runDispatchLoop(ctx, rt.inboxDisp, cfg.Inbox.MaxPollingInterval, 100) })
		gated(func() { runCleanupLoop(ctx, rt.pg, cfg.Inbox.CleanupInterval) })
	}
	if rt.scheduler != nil {
		gated(func() { rt.scheduler.RunLoop(ctx) })
	}
	if rt.fanout != nil {
		gated(func() { runFanoutLoop(ctx, rt.fanout, cfg.Fanout.LeaseDuration) })
	}
	if rt.dispatcher != nil || rt.inboxDisp != nil {
		gated(func() { runWatchdogLoop(ctx, rt, time.Minute) })
	}
}

// runWatchdogLoop periodically reclaims stuck rows: InProgress/Processing
// rows whose lease expired are returned to claimable state even while a
// tenant is idle. A dispatcher's Claim reclaims expired rows too, but
// only when new work triggers a pass; the watchdog covers the quiet
// tenant whose worker died mid-batch.
func runWatchdogLoop(ctx context.Context, rt *tenantRuntime, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.dispatcher != nil {
				if n, err := rt.pg.Outbox.ReapExpired(ctx); err != nil {
					logging.Op().Warn("outbox reap failed", "tenant", rt.name, "error", err)
				} else if n > 0 {
					metrics.RecordReap("outbox", rt.name, n)
					logging.Op().Warn("outbox reap reclaimed stuck rows", "tenant", rt.name, "count", n)
				}
			}
			if rt.inboxDisp != nil {
				if n, err := rt.pg.Inbox.ReapExpired(ctx); err != nil {
					logging.Op().Warn("inbox reap failed", "tenant", rt.name, "error", err)
				} else if n > 0 {
					metrics.RecordReap("inbox", rt.name, n)
					logging.Op().Warn("inbox reap reclaimed stuck rows", "tenant", rt.name, "count", n)
				}
			}
		}
	}
}

// runDispatchLoop drives RunOnce passes back to back, sleeping
// pollInterval whenever a pass returns zero messages.
func runDispatchLoop(ctx context.Context, d *dispatcher.Dispatcher, pollInterval time.Duration, batchSize int) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := d.RunOnce(ctx, batchSize)
		if err != nil {
			logging.Op().Warn("dispatcher pass failed", "error", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}
	}
}

func runCleanupLoop(ctx context.Context, pg *store.PostgresStore, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outboxN, inboxN, err := pg.RunRetentionSweep(ctx, 7*24*time.Hour)
			if err != nil {
				logging.Op().Warn("retention sweep failed", "error", err)
				continue
			}
			if outboxN > 0 || inboxN > 0 {
				logging.Op().Debug("retention sweep completed", "outbox_deleted", outboxN, "inbox_deleted", inboxN)
			}
		}
	}
}

func runFanoutLoop(ctx context.Context, r *fanout.Runner, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logging.Op().Warn("fanout pass failed", "error", err)
			}
		}
	}
}

// runCentralReporter periodically flushes every registered aggregator's
// snapshot into the control plane's rollup table, the durable sink
// dashboards query instead of only the in-process GetSnapshotAndReset.
func runCentralReporter(ctx context.Context, cp *store.ControlPlaneStore) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			windowStart := time.Now().UTC().Truncate(time.Minute)
			for name, snap := range metrics.Default.SnapshotAll() {
				if snap.Count == 0 {
					continue
				}
				if err := cp.Metrics.Insert(ctx, store.MetricRollup{
					MetricName: name, WindowStart: windowStart,
					Sum: snap.Sum, Count: snap.Count,
					Min: snap.Min, Max: snap.Max, P50: snap.P50, P95: snap.P95, P99: snap.P99,
				}); err != nil {
					logging.Op().Warn("central reporter flush failed", "metric", name, "error", err)
				}
			}
		}
	}
}

func serveMetrics(addr string) {
	if addr == "" {
		addr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	logging.Op().Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Op().Warn("metrics endpoint stopped", "error", err)
	}
}

// brokerResolver forwards every topic to its broker.MessageBroker, or to
// broker.Noop when b is nil (runDaemon always passes a zero
// brokerResolver, so the daemon uses Noop), so a bare relayd process can drain a tenant's outbox/inbox end to end even
// without application-specific handlers registered: the dispatcher's
// contract only names "resolve by topic", so a catch-all forwarding
// handler is a valid HandlerResolver, just a degenerate one.
type brokerResolver struct {
	b broker.MessageBroker
}

func (r brokerResolver) TryGet(topic string) (dispatcher.Handler, bool) {
	b := r.b
	if b == nil {
		b = broker.Noop{}
	}
	return func(ctx context.Context, msg dispatcher.Message) (dispatcher.HandlerOutcome, error) {
		accepted, err := b.SendMessage(ctx, &store.OutboxMessage{ID: msg.ID, Topic: msg.Topic, Payload: msg.Payload, RetryCount: msg.RetryCount})
		if err != nil {
			return dispatcher.OutcomeTransientFailure, err
		}
		if !accepted {
			return dispatcher.OutcomePermanentFailure, fmt.Errorf("broker rejected message %s as ill-formed", msg.ID)
		}
		return dispatcher.OutcomeCompleted, nil
	}, true
}
