package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FairForge/bastion/internal/api"
	"github.com/FairForge/bastion/internal/backup"
	"github.com/FairForge/bastion/internal/config"
	"github.com/FairForge/bastion/internal/corruption"
	"github.com/FairForge/bastion/internal/drtest"
	"github.com/FairForge/bastion/internal/failover"
	"github.com/FairForge/bastion/internal/monitoring"
	"github.com/FairForge/bastion/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the DR daemon: scheduler, failover loop, monitoring, admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	a, err := newApp(cfgFile)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.catalog.Load(ctx); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	// Monitoring first so nothing publishes into a void.
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	var alerter *monitoring.Alerter
	if cfg.Monitoring.WebhookURL != "" {
		alerter = monitoring.NewAlerter(&monitoring.AlerterConfig{
			URL:           cfg.Monitoring.WebhookURL,
			RatePerMinute: cfg.Monitoring.RatePerMinute,
		}, logger)
	}
	bridge := monitoring.NewBridge(a.bus, metrics, alerter, logger)
	go bridge.Run(ctx)

	// Corruption detection over the registered sources.
	detector := corruption.NewDetector(&corruption.Config{
		RowCountDeltaPct: cfg.Corruption.RowCountDeltaPct,
		MediumFraction:   cfg.Corruption.MediumFraction,
		AutoRecover:      toComponents(cfg.Corruption.AutoRecover),
		RestoreTarget:    cfg.Corruption.RestoreTarget,
		ScanInterval:     cfg.Corruption.ScanInterval,
	}, &corruption.OrchestratorRecovery{Orch: a.orch}, corruption.NewAlertStore(), a.bus, logger)
	for name, cc := range cfg.Components {
		probe, err := corruption.NewFileProbe(backup.Component(name), cc.Path)
		if err != nil {
			logger.Warn("component not probeable", zap.String("component", name), zap.Error(err))
			continue
		}
		if err := detector.RegisterProbe(probe); err != nil {
			return fmt.Errorf("register probe %s: %w", name, err)
		}
	}

	// Deployment failover loop.
	deployMachine := failover.NewMachine("production", failover.SlotBlue, a.bus, logger)
	var deployOrch *failover.Orchestrator
	if len(cfg.Failover.Endpoints) > 0 {
		endpoints := make(map[failover.Slot]string, len(cfg.Failover.Endpoints))
		for slot, url := range cfg.Failover.Endpoints {
			endpoints[failover.Slot(slot)] = url
		}
		checker := failover.NewHTTPChecker(endpoints, cfg.Failover.ProbeTimeout)
		prober := failover.NewProber(checker, &failover.ProberConfig{
			Threshold: cfg.Failover.ProbeThreshold,
			Window:    cfg.Failover.ProbeWindow,
		}, logger)
		emergency := func(ctx context.Context) error {
			_, err := a.orch.CreateBackup(ctx, backup.ComponentComplete, backup.ModeFull)
			return err
		}
		if !cfg.Failover.BackupBeforeFailover {
			emergency = nil
		}
		deployOrch = failover.NewOrchestrator(&failover.Config{
			ProbeInterval:        cfg.Failover.ProbeInterval,
			BackupBeforeFailover: cfg.Failover.BackupBeforeFailover,
		}, deployMachine, prober, checker, newLoadBalancerSwitcher(logger), emergency, logger)
		go deployOrch.Run(ctx)
	}

	// Database promotion, gated on the deployment machine.
	dbMachine := failover.NewMachine("database", failover.SlotPrimary, a.bus, logger)
	var promoter *failover.Promoter
	if cfg.Failover.ReplicaDSN != "" {
		replicaDB, err := sql.Open("postgres", cfg.Failover.ReplicaDSN)
		if err != nil {
			return fmt.Errorf("open replica connection: %w", err)
		}
		defer func() { _ = replicaDB.Close() }()
		promoter = failover.NewPromoter(&failover.PromoterConfig{MaxLag: cfg.Failover.MaxReplicationLag},
			dbMachine, failover.NewPGReplicaManager(replicaDB, logger), deployMachine, logger)
	}

	// Scheduler drives backups, scans, drills, and retention.
	history := scheduler.NewHistory(a.gateway, "state")
	if err := history.Load(ctx); err != nil {
		return err
	}
	sched := scheduler.New(&scheduler.Config{
		TickInterval:    cfg.Scheduler.TickInterval,
		MaxTaskDuration: cfg.Scheduler.MaxTaskDuration,
		Windows:         cfg.Scheduler.Windows,
	}, history, a.bus, logger)
	registerTasks(sched, a, detector, history, cfg)
	if err := sched.Reload(cfg.Scheduler.Entries); err != nil {
		return err
	}
	go sched.Run(ctx)

	// Hot reload of the schedule table.
	watcher := config.NewWatcher(cfgFile, func(next *config.Config) {
		if err := sched.Reload(next.Scheduler.Entries); err != nil {
			logger.Error("schedule reload rejected", zap.Error(err))
		}
	}, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	handler := api.NewHandler(a.catalog, deployMachine, dbMachine, sched, prometheus.DefaultGatherer, logger)
	if deployOrch != nil {
		handler.WithDeployOrchestrator(deployOrch)
	}
	if promoter != nil {
		handler.WithPromoter(promoter)
	}
	server := api.NewServer(cfg.Server.Addr, handler, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("bastion started",
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Storage.Mode),
		zap.Int("schedule_entries", len(cfg.Scheduler.Entries)))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin api shutdown", zap.Error(err))
	}
	a.bus.Close()
	return nil
}

func registerTasks(sched *scheduler.Scheduler, a *app, detector *corruption.Detector, history *scheduler.History, cfg *config.Config) {
	sched.Handle(scheduler.TaskBackup, func(ctx context.Context, entry scheduler.ScheduleEntry) error {
		mode := backup.Mode(entry.Mode)
		if mode == "" {
			mode = backup.ModeFull
		}
		_, err := a.orch.CreateBackup(ctx, backup.Component(entry.Component), mode)
		if errors.Is(err, backup.ErrConcurrencyConflict) {
			// Another run holds the component; the next cadence catches up.
			return nil
		}
		return err
	})

	sched.Handle(scheduler.TaskScan, func(ctx context.Context, entry scheduler.ScheduleEntry) error {
		if entry.Component != "" {
			_, err := detector.Scan(ctx, backup.Component(entry.Component))
			return err
		}
		return detector.ScanAll(ctx)
	})

	sched.Handle(scheduler.TaskPrune, func(ctx context.Context, entry scheduler.ScheduleEntry) error {
		_, err := a.orch.PruneExpired(ctx)
		return err
	})

	sched.Handle(scheduler.TaskMaintenance, func(ctx context.Context, entry scheduler.ScheduleEntry) error {
		days := entry.RetentionDays
		if days <= 0 {
			days = cfg.Backup.RetentionDays
		}
		_, err := history.PruneBefore(ctx, time.Now().AddDate(0, 0, -days))
		return err
	})

	sched.Handle(scheduler.TaskTest, func(ctx context.Context, entry scheduler.ScheduleEntry) error {
		read := func(ctx context.Context, comp backup.Component, target string) ([]byte, error) {
			return readComponentTarget(cfg, comp, target)
		}
		harness := drtest.NewHarness(a.orch, a.sources, read, a.bus, a.logger)
		rep := harness.Run(ctx, cfg.DRTest.Scenarios)
		if rep.Failed > 0 {
			return fmt.Errorf("%d of %d drills failed", rep.Failed, rep.Total)
		}
		return nil
	})
}

func toComponents(names []string) []backup.Component {
	out := make([]backup.Component, 0, len(names))
	for _, n := range names {
		out = append(out, backup.Component(n))
	}
	return out
}

// readComponentTarget re-snapshots a restore target directory so drills can
// compare it against the reference data.
func readComponentTarget(cfg *config.Config, comp backup.Component, target string) ([]byte, error) {
	cc, ok := cfg.Components[string(comp)]
	if !ok {
		return nil, fmt.Errorf("no component config for %s", comp)
	}
	dest, ok := cc.Targets[target]
	if !ok {
		return nil, fmt.Errorf("no target %q for component %s", target, comp)
	}
	src, err := backup.NewFileSource(comp, dest, nil)
	if err != nil {
		return nil, err
	}
	data, _, err := src.Snapshot(context.Background())
	return data, err
}

// loadBalancerSwitcher is the traffic switch against the platform's load
// balancer. The control capability is external; until it is wired this
// logs the redirect and tracks the active slot.
type loadBalancerSwitcher struct {
	logger *zap.Logger
	active failover.Slot
}

func newLoadBalancerSwitcher(logger *zap.Logger) *loadBalancerSwitcher {
	return &loadBalancerSwitcher{logger: logger, active: failover.SlotBlue}
}

func (s *loadBalancerSwitcher) SwitchTo(ctx context.Context, slot failover.Slot) error {
	s.logger.Info("switching traffic", zap.String("to", string(slot)))
	s.active = slot
	return nil
}

func (s *loadBalancerSwitcher) Active() failover.Slot { return s.active }
