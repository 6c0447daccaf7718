package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetmedic/fleetmedic/pkg/api"
	"github.com/fleetmedic/fleetmedic/pkg/collector"
	"github.com/fleetmedic/fleetmedic/pkg/config"
	"github.com/fleetmedic/fleetmedic/pkg/decision"
	"github.com/fleetmedic/fleetmedic/pkg/diagnostics"
	"github.com/fleetmedic/fleetmedic/pkg/events"
	"github.com/fleetmedic/fleetmedic/pkg/executor"
	"github.com/fleetmedic/fleetmedic/pkg/fleet"
	"github.com/fleetmedic/fleetmedic/pkg/loadbalancer"
	"github.com/fleetmedic/fleetmedic/pkg/log"
	"github.com/fleetmedic/fleetmedic/pkg/notifier"
	"github.com/fleetmedic/fleetmedic/pkg/pipeline"
	"github.com/fleetmedic/fleetmedic/pkg/remote"
	"github.com/fleetmedic/fleetmedic/pkg/storage"
	"github.com/fleetmedic/fleetmedic/pkg/verifier"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetmedic",
	Short: "Fleetmedic - auto-healing for load-balanced compute fleets",
	Long: `Fleetmedic watches load balancer target groups, diagnoses unhealthy
instances, and repairs or replaces them automatically, with verification
before a target goes back in service.

The cloud integrations (target group API, remote command transport,
fleet replacement) are pluggable; the bundled run command uses in-memory
collaborators, which is useful for local evaluation. Production
deployments embed the pipeline packages and supply real clients.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Fleetmedic version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	runCmd.Flags().String("config", "", "Path to the YAML configuration file")
	configValidateCmd.Flags().String("config", "", "Path to the YAML configuration file")
	configCmd.AddCommand(configValidateCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the auto-heal pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(path)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("main")

		store, err := storage.NewBoltStore(cfg.Store.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open state store: %v", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		lb := loadbalancer.NewFake()
		fm := fleet.NewFake()
		exec := remote.NewFake()

		p := pipeline.NewPipeline(
			store,
			broker,
			diagnostics.NewClassifier(store, broker, exec, cfg.Diagnostics),
			decision.NewEngine(store, broker, cfg.Decision),
			executor.NewExecutor(store, broker, lb, fm, exec),
			verifier.NewVerifier(store, broker, lb, fm, cfg.Verifier, nil),
			notifier.NewDispatcher(),
		)
		p.Start()
		defer p.Stop()
		logger.Info().Msg("pipeline started")

		coll := collector.NewCollector(store, broker, lb, cfg.Collector)
		coll.Start()
		defer coll.Stop()
		logger.Info().
			Strs("target_groups", cfg.Collector.TargetGroups).
			Dur("poll_interval", cfg.Collector.PollInterval).
			Msg("collector started")

		status := api.NewStatusServer(store, p.Tracker(), Version)
		errCh := make(chan error, 1)
		go func() {
			if err := status.Start(cfg.Metrics.Addr); err != nil {
				errCh <- fmt.Errorf("status server error: %v", err)
			}
		}()
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("status server started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("shutting down after server error")
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			return fmt.Errorf("--config is required")
		}
		if _, err := config.Load(path); err != nil {
			return fmt.Errorf("invalid configuration: %v", err)
		}
		fmt.Printf("✓ %s is valid\n", path)
		return nil
	},
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		// Defaults carry no target groups; a bare run still needs
		// something to watch.
		cfg.Collector.TargetGroups = []string{"tg-local"}
		return cfg, nil
	}
	return config.Load(path)
}
