package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/offsync/internal/client"
	"github.com/TheMichaelB/offsync/internal/config"
	"github.com/TheMichaelB/offsync/internal/connectivity"
	"github.com/TheMichaelB/offsync/internal/events"
)

var (
	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client

	configPath   string
	logLevel     string
	jsonOutput   bool
	forceOffline bool
)

// Command annotations consulted by setup.
const (
	skipClient = "skip-client" // run without opening the store
	skipStart  = "skip-start"  // command starts the client itself
)

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Offline-first record sync client",
	Long: `offsync keeps a local snapshot cache and a durable outbox of writes
so records can be read and changed while offline. Queued changes are
replayed in order once the remote store is reachable again.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Config file (default searches ./offsync.yaml, ~/.config/offsync)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print machine-readable JSON")
	rootCmd.PersistentFlags().BoolVar(&forceOffline, "offline", false,
		"Treat the remote as unreachable; writes are queued")
}

func setup(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(configPath)
	loaded, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = loaded

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if jsonOutput {
		cfg.Log.Color = false
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)

	// Write-path log lines of one invocation share a request id.
	cmd.SetContext(events.WithRequestID(events.WithLogger(commandContext(cmd), logger), uuid.NewString()))

	if file := loader.ConfigFile(); file != "" {
		logger.WithField("file", file).Debug("Loaded config")
	}

	if cmd.Annotations[skipClient] == "true" {
		return nil
	}

	var opts []client.Option
	if forceOffline {
		opts = append(opts, client.WithSignal(connectivity.NewManualSignal(false)))
	}

	apiClient, err = client.New(cfg, logger, opts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if cmd.Annotations[skipStart] == "true" {
		return nil
	}
	return apiClient.Start(commandContext(cmd))
}

// commandContext returns the interrupt-aware context main installed.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
