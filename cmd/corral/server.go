package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/corral/pkg/config"
	"github.com/cuemby/corral/pkg/dispatcher"
	"github.com/cuemby/corral/pkg/driver"
	"github.com/cuemby/corral/pkg/engine"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/health"
	"github.com/cuemby/corral/pkg/lock"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/policy"
	"github.com/cuemby/corral/pkg/security"
	"github.com/cuemby/corral/pkg/storage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run one engine process",
	Long: `Start an engine: a worker pool claiming actions from the shared
store, a heartbeat keeping this engine's liveness record fresh, a sweep
loop garbage-collecting dead engines, and the health check scheduler.

Multiple engine processes may share one deployment; all coordination goes
through the store.`,
	RunE: runServer,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Bulk-delete old events",
	RunE:  runPurge,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the YAML config file")
	serverCmd.Flags().String("data-dir", "", "Override the store directory")
	serverCmd.Flags().Int("workers", 0, "Override the worker pool size")
	serverCmd.Flags().String("engine-id", "", "Engine id (defaults to a fresh UUID)")

	purgeCmd.Flags().String("config", "", "Path to the YAML config file")
	purgeCmd.Flags().String("project", "", "Project whose events to purge")
	purgeCmd.Flags().Duration("age", 30*24*time.Hour, "Delete events older than this")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		cfg.Workers = v
	}
	engineID, _ := cmd.Flags().GetString("engine-id")
	if engineID == "" {
		engineID = uuid.New().String()
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("server")
	logger.Info().
		Str("engine_id", engineID).
		Str("data_dir", cfg.DataDir).
		Msg("Starting corral engine")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	// Credential box failure is fatal: a bad IV must not go unnoticed
	if _, err := security.NewCredentialBox(cfg.CipherInitVector); err != nil {
		return err
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sink := events.NewStoreSink(store, broker, cfg.MaxEventsPerCluster)

	periodic := time.Duration(cfg.PeriodicInterval) * time.Second
	locks := lock.NewManager(store, cfg.LockRetryTimes,
		time.Duration(cfg.LockRetryInterval)*time.Second)

	drivers := driver.NewRegistry()
	policies := policy.NewRegistry()
	registerBuiltins(drivers, policies)

	checker := policy.NewChecker(store, policies)
	eng := engine.New(store, locks, drivers, checker, sink,
		time.Duration(cfg.DefaultActionTimeout)*time.Second)

	disp := dispatcher.New(engineID, "engine", store, eng, locks, sink,
		cfg.Workers, periodic)
	if err := disp.Start(); err != nil {
		return err
	}
	defer disp.Stop()

	hm := health.NewManager(store, disp, engineID, periodic)
	hm.Start()
	defer hm.Stop()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics endpoint up")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	project, _ := cmd.Flags().GetString("project")
	age, _ := cmd.Flags().GetDuration("age")

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	deleted, err := store.PurgeEvents(project, age, cfg.EventPurgeBatchSize)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d events\n", deleted)
	return nil
}

// registerBuiltins populates the driver and policy registries from the
// compiled-in table. Deployments link their own drivers here.
func registerBuiltins(drivers *driver.Registry, policies *policy.Registry) {
}
