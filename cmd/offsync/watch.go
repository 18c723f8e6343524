package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/offsync/internal/models"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay running, replaying changes as connectivity returns",
	Long: `Watch keeps the client running: connectivity is monitored, queued
changes are replayed when the remote comes back and completed items are
purged periodically. Connectivity changes and domain events are printed
as they happen. Press Ctrl+C to stop.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipStart: "true"},
	RunE:        runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	unsubscribe := apiClient.Monitor.Subscribe(func(s models.ConnectivitySnapshot) {
		if jsonOutput {
			printJSON(map[string]interface{}{"connectivity": s})
			return
		}
		fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), connectivityLabel(s))
	})
	defer unsubscribe()

	events, stopEvents := apiClient.Events.Subscribe()
	defer stopEvents()
	go printEvents(ctx, events)

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.WithField("addr", cfg.Metrics.Addr).Info("Serving metrics")
	}

	if !jsonOutput {
		_, summary := apiClient.Status()
		printInfo("Watching %s (%s waiting)", cfg.Remote.BaseURL, plural(summary.Waiting(), "change"))
	}

	if err := apiClient.Run(ctx); err != nil {
		return fmt.Errorf("run client: %w", err)
	}

	if dropped := apiClient.Events.Dropped(); dropped > 0 {
		logger.WithField("dropped", dropped).Warn("Some domain events were not printed")
	}
	if !jsonOutput {
		printWarning("\nStopping...")
	}
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(apiClient.Registry, promhttp.HandlerOpts{}))
	return mux
}

func printEvents(ctx context.Context, events <-chan models.DomainEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if jsonOutput {
				printJSON(ev)
				continue
			}
			line := fmt.Sprintf("%s  %-20s %s", ev.CompletedAt.Format(time.TimeOnly), ev.Kind, ev.Scope)
			if ev.Kind == models.EventSyncFailed {
				printError("%s  %s", line, ev.Reason)
				continue
			}
			printSuccess("%s", line)
		}
	}
}
