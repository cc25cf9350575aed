package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fentz26/commentops/internal/config"
	"github.com/fentz26/commentops/internal/controlplane"
	"github.com/fentz26/commentops/internal/coordinator"
	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/models"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	dbPath     string
	liveMode   bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the commentops daemon",
	Long: `Starts the coordinator, the queue scheduler and the HTTP API. The daemon
also runs due learning cycles, scheduled workflow runs and queue purges.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().BoolVar(&liveMode, "live", false, "Execute plans instead of recording them as dry runs")
}

// loadConfig reads the config file and applies daemon flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath = dbPath
	}
	if cmd.Flags().Changed("live") {
		cfg.Workflow.DryRun = !liveMode
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating data dir: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Info("starting commentops daemon", "data_dir", cfg.DataDir, "dry_run", cfg.Workflow.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := coordinator.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		c.Shutdown()
		return err
	}

	service := controlplane.NewService(c, cfg.Workflow.DryRun)
	server := controlplane.NewServer(service, controlplane.NewEventStream(c.Bus, logger), cfg.ListenAddr, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	ticks := newMaintenance(c, cfg, logger)
	go ticks.run(ctx)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err = <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down HTTP server")
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("HTTP server shutdown error", "error", serr)
	}
	if cerr := c.Shutdown(); cerr != nil {
		logger.Error("coordinator shutdown error", "error", cerr)
		err = errors.Join(err, cerr)
	}
	logger.Info("shutdown complete")
	return err
}

// maintenance runs the daemon's periodic jobs on a one-minute tick.
type maintenance struct {
	c      *coordinator.Coordinator
	cfg    *config.Config
	logger *slog.Logger
	cron   *gronx.Gronx

	lastPurge time.Time
}

func newMaintenance(c *coordinator.Coordinator, cfg *config.Config, logger *slog.Logger) *maintenance {
	return &maintenance{
		c:      c,
		cfg:    cfg,
		logger: logging.Component(logger, "maintenance"),
		cron:   gronx.New(),
	}
}

func (m *maintenance) run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(ctx, now)
		}
	}
}

func (m *maintenance) tick(ctx context.Context, now time.Time) {
	if _, err := m.c.Learning.CheckAndTrigger(ctx); err != nil {
		m.logger.Warn("learning cycle failed", "error", err)
	}

	if expr := m.cfg.Workflow.Schedule; expr != "" {
		due, err := m.cron.IsDue(expr, now.Truncate(time.Minute))
		if err != nil {
			m.logger.Warn("invalid workflow schedule", "schedule", expr, "error", err)
		} else if due {
			m.runScheduledWorkflow(ctx)
		}
	}

	if n, err := m.c.Queue.Recover(ctx, m.cfg.Queue.VisibilityTimeout); err != nil {
		m.logger.Warn("queue recovery failed", "error", err)
	} else if n > 0 {
		m.logger.Warn("returned stale messages to pending", "count", n)
	}

	if days := m.cfg.Queue.PurgeAfterDays; days > 0 && now.Sub(m.lastPurge) >= 24*time.Hour {
		m.lastPurge = now
		n, err := m.c.Queue.Purge(ctx, days)
		if err != nil {
			m.logger.Warn("queue purge failed", "error", err)
		} else if n > 0 {
			m.logger.Info("purged completed messages", "count", n, "older_than_days", days)
		}
	}
}

func (m *maintenance) runScheduledWorkflow(ctx context.Context) {
	metrics, err := loadMetrics(m.cfg.Workflow.MetricsPath)
	if err != nil {
		m.logger.Error("scheduled workflow skipped", "error", err)
		return
	}
	res := m.c.RunFullAgenticWorkflow(ctx, *metrics, coordinator.WorkflowOptions{DryRun: m.cfg.Workflow.DryRun})
	m.logger.Info("scheduled workflow finished",
		"status", res.Status,
		"violations", len(res.Violations),
		"anomalies", len(res.Anomalies),
	)
}

// loadMetrics reads a metrics snapshot from a JSON file.
func loadMetrics(path string) (*models.MetricsSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metrics: %w", err)
	}
	var m models.MetricsSnapshot
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing metrics %s: %w", path, err)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return &m, nil
}
