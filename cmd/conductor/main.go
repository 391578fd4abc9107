package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiomesh/conductor/pkg/api"
	"github.com/audiomesh/conductor/pkg/balancer"
	"github.com/audiomesh/conductor/pkg/client"
	"github.com/audiomesh/conductor/pkg/config"
	"github.com/audiomesh/conductor/pkg/consistency"
	"github.com/audiomesh/conductor/pkg/events"
	"github.com/audiomesh/conductor/pkg/log"
	"github.com/audiomesh/conductor/pkg/metrics"
	"github.com/audiomesh/conductor/pkg/orchestrator"
	"github.com/audiomesh/conductor/pkg/resilience"
	"github.com/audiomesh/conductor/pkg/storage"
	"github.com/spf13/cobra"
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
	Use:   "conductor",
	Short: "Conductor - control plane for audio-fingerprinting workers",
	Long: `Conductor distributes audio streams across a fleet of fingerprinting
workers. It tracks worker liveness through heartbeats, keeps the fleet
balanced, recovers from worker failures, and continuously verifies that its
assignment records match what the workers are actually running.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Conductor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)

	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("api-addr", "", "Listen address for the REST API (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory for persistent state (overrides config)")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")

	checkCmd.Flags().String("config", "", "Path to YAML config file")
	checkCmd.Flags().String("data-dir", "", "Data directory for persistent state (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		metrics.SetVersion(Version)
		logger := log.WithComponent("main")
		logger.Info().Str("version", Version).Str("api_addr", cfg.APIAddr).Msg("starting conductor")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		metrics.RegisterComponent("storage", true, "open")

		broker := events.NewBroker()
		broker.Start()

		breaker := resilience.NewCircuitBreaker(resilience.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		})
		workers := client.NewWorkerClient(breaker)

		orch := orchestrator.New(cfg, store, balancer.New(cfg.Balancer), workers, broker)
		checker := consistency.New(cfg.Consistency, store, workers, broker)
		orch.SetChecker(checker)
		monitor := consistency.NewMonitor(cfg.Consistency, checker)

		orch.Start()
		monitor.Start()
		metrics.RegisterComponent("orchestrator", true, "running")

		// Event log subscriber: every published event lands in the log.
		sub := broker.Subscribe()
		go func() {
			eventLogger := log.WithComponent("events")
			for event := range sub {
				eventLogger.Info().
					Str("type", string(event.Type)).
					Str("message", event.Message).
					Msg("event")
			}
		}()

		server := api.NewServer(cfg, orch, checker, store)
		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(); err != nil {
				errCh <- fmt.Errorf("api server error: %v", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("api server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("api shutdown error")
		}
		monitor.Stop()
		orch.Shutdown()
		broker.Unsubscribe(sub)
		broker.Stop()
		if err := store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %v", err)
		}

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

// checkCmd runs an offline consistency verification against the data
// directory and prints the report. Useful when the orchestrator is down and
// an operator wants to inspect state before restarting it.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run an offline consistency check against the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: false})

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		breaker := resilience.NewCircuitBreaker(resilience.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		})
		checker := consistency.New(cfg.Consistency, store, client.NewWorkerClient(breaker), events.NewBroker())

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		report, err := checker.VerifyStreamAssignments(ctx)
		if err != nil {
			return fmt.Errorf("verification failed: %v", err)
		}

		fmt.Printf("Consistency score: %.3f\n", report.ConsistencyScore)
		fmt.Printf("Streams checked: %d, instances checked: %d\n", report.StreamsChecked, report.InstancesChecked)
		for _, issue := range report.StreamIssues {
			fmt.Printf("  [%s] %s stream %s: %s\n", issue.Severity, issue.IssueType, issue.StreamID, issue.Description)
		}
		for _, issue := range report.InstanceIssues {
			fmt.Printf("  [%s] instance %s: %s\n", issue.Severity, issue.InstanceID, issue.Description)
		}
		for _, rec := range report.Recommendations {
			fmt.Printf("  -> %s\n", rec)
		}
		if report.IssueCount() == 0 {
			fmt.Println("No issues found.")
		}
		return nil
	},
}

// loadConfig reads the YAML config and applies flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}

	if addr, _ := cmd.Flags().GetString("api-addr"); addr != "" {
		cfg.APIAddr = addr
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}
