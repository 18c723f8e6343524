package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/offsync/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and outbox status",
	Example: `  offsync status
  offsync status --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List changes waiting to be replayed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listItems(apiClient.Outbox.ListPending(), "No pending changes")
	},
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List changes the remote rejected",
	Long: `Failed changes stay in the outbox until they are retried or
discarded. While one is unresolved, later changes to the same record are
held back.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listItems(apiClient.Outbox.ListFailed(), "No failed changes")
	},
}

var retryCmd = &cobra.Command{
	Use:     "retry <item-id>",
	Short:   "Move a failed change back to pending",
	Example: `  offsync retry 42`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseItemID(args[0])
		if err != nil {
			return err
		}
		if err := apiClient.Sync.Retry(id); err != nil {
			return fmt.Errorf("retry item %d: %w", id, err)
		}
		printSuccess("✓ Item %d queued for retry", id)
		return nil
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <item-id>",
	Short: "Drop a queued change and revert its local effect",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseItemID(args[0])
		if err != nil {
			return err
		}
		if err := apiClient.Sync.Discard(id); err != nil {
			return fmt.Errorf("discard item %d: %w", id, err)
		}
		printSuccess("✓ Item %d discarded", id)
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued changes now",
	Args:  cobra.NoArgs,
	RunE:  runDrain,
}

func init() {
	rootCmd.AddCommand(statusCmd, pendingCmd, failedCmd, retryCmd, discardCmd, drainCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	conn, summary := apiClient.Status()
	unconfirmed := optimisticScopes()

	if jsonOutput {
		printJSON(map[string]interface{}{
			"connectivity": conn,
			"outbox":       summary,
			"cached":       apiClient.Cache.Len(),
			"unconfirmed":  unconfirmed,
		})
		return nil
	}

	fmt.Printf("Remote:   %s  %s\n", cfg.Remote.BaseURL, connectivityLabel(conn))
	fmt.Printf("Changed:  %s\n", since(conn.LastChangedAt))
	fmt.Printf("Outbox:   %s waiting, %s failed\n",
		plural(summary.Waiting(), "change"), counts.Sprintf("%d", summary.Failed))
	fmt.Printf("Cache:    %s, %s not yet confirmed\n",
		plural(apiClient.Cache.Len(), "record"), counts.Sprintf("%d", len(unconfirmed)))
	for _, scope := range unconfirmed {
		fmt.Printf("  %s\n", dimColor.Sprint(scope))
	}

	if len(summary.Failures) > 0 {
		fmt.Println()
		printWarning("Failed changes:")
		for _, f := range summary.Failures {
			fmt.Printf("  #%-5d %s  %s: %s\n", f.ItemID, f.Op, f.Code, f.Reason)
		}
		printInfo("Use 'offsync retry <id>' or 'offsync discard <id>'")
	}
	return nil
}

func runDrain(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	if !apiClient.Monitor.IsOnline() {
		printWarning("Remote is offline, nothing replayed")
		return nil
	}

	// Start may already have kicked a drain; wait for it to hand over.
	report := apiClient.Outbox.Drain(ctx)
	for report.Coalesced {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		report = apiClient.Outbox.Drain(ctx)
	}

	if jsonOutput {
		printJSON(report)
		return nil
	}

	printSuccess("✓ Replayed %s", plural(report.Completed, "change"))
	if report.Retrying > 0 {
		printWarning("%s will be retried at %s",
			plural(report.Retrying, "change"), report.NextAttempt.Format(time.Kitchen))
	}
	if report.Failed > 0 {
		printError("%s failed, see 'offsync failed'", plural(report.Failed, "change"))
	}
	if report.Remaining > 0 {
		printInfo("%s still waiting", plural(report.Remaining, "change"))
	}
	return nil
}

// optimisticScopes lists cached records that still carry local changes.
func optimisticScopes() []models.ScopeKey {
	unconfirmed := []models.ScopeKey{}
	for _, scope := range apiClient.Cache.Scopes() {
		if entry, ok := apiClient.Cache.Get(scope); ok && entry.State == models.CacheOptimistic {
			unconfirmed = append(unconfirmed, scope)
		}
	}
	return unconfirmed
}

func listItems(items []models.QueueItem, empty string) error {
	if jsonOutput {
		if items == nil {
			items = []models.QueueItem{}
		}
		printJSON(items)
		return nil
	}
	if len(items) == 0 {
		printInfo(empty)
		return nil
	}
	printItems(items)
	return nil
}

func parseItemID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid item id %q", arg)
	}
	return id, nil
}
