package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/offsync/internal/models"
	"github.com/TheMichaelB/offsync/internal/services/sync"
)

var createCmd = &cobra.Command{
	Use:   "create <kind>",
	Short: "Create a record",
	Long: `Create applies the record immediately when the remote is reachable.
Otherwise it is cached optimistically under a local id and queued.`,
	Example: `  offsync create task --data '{"title":"Buy milk"}'
  echo '{"title":"Buy milk"}' | offsync create task --data -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readData()
		if err != nil {
			return err
		}
		res, err := apiClient.Sync.CreateRecord(commandContext(cmd), args[0], data)
		return printResult("Created", res, err)
	},
}

var updateCmd = &cobra.Command{
	Use:     "update <kind> <id>",
	Short:   "Merge changes into a record",
	Example: `  offsync update task srv-1 --data '{"done":true}'`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readData()
		if err != nil {
			return err
		}
		res, err := apiClient.Sync.UpdateRecord(commandContext(cmd), args[0], args[1], data)
		return printResult("Updated", res, err)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <kind> <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := apiClient.Sync.DeleteRecord(commandContext(cmd), args[0], args[1])
		return printResult("Deleted", res, err)
	},
}

var actionCmd = &cobra.Command{
	Use:     "action <kind> <id> <action>",
	Short:   "Run a named action on a record",
	Example: `  offsync action task srv-1 complete --data '{"by":"me"}'`,
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readData()
		if err != nil {
			return err
		}
		res, err := apiClient.Sync.RecordAction(commandContext(cmd), args[0], args[1], args[2], data)
		return printResult("Applied "+args[2]+" to", res, err)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <kind> <id>",
	Short: "Show a record from the local cache",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

var (
	recordData string
	getFetch   bool
)

func init() {
	rootCmd.AddCommand(createCmd, updateCmd, deleteCmd, actionCmd, getCmd)

	for _, c := range []*cobra.Command{createCmd, updateCmd, actionCmd} {
		c.Flags().StringVarP(&recordData, "data", "d", "",
			"JSON payload, or - to read stdin")
	}
	_ = createCmd.MarkFlagRequired("data")
	_ = updateCmd.MarkFlagRequired("data")

	getCmd.Flags().BoolVarP(&getFetch, "fetch", "f", false,
		"Refresh from the remote when online")
}

func readData() (json.RawMessage, error) {
	raw := []byte(recordData)
	if recordData == "-" {
		var err error
		if raw, err = io.ReadAll(os.Stdin); err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("--data is not valid JSON")
	}
	return raw, nil
}

func printResult(verb string, res *sync.Result, err error) error {
	if err != nil {
		var rejected *models.RejectedError
		if errors.As(err, &rejected) && rejected.Class == models.ClassCapacity {
			printWarning("Outbox is full; replay or discard queued changes first")
		}
		return err
	}

	if jsonOutput {
		printJSON(res)
		return nil
	}

	switch res.Outcome {
	case sync.OutcomeConfirmed:
		printSuccess("✓ %s %s", verb, res.Scope)
	default:
		printWarning("● %s %s locally, pending sync (item %d)", verb, res.Scope, res.ItemID)
	}
	if len(res.Record) > 0 {
		printRecord(res.Record)
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	kind, id := args[0], args[1]

	var (
		entry models.CacheEntry
		err   error
	)
	if getFetch {
		entry, err = apiClient.Sync.Fetch(commandContext(cmd), kind, id)
		if err != nil {
			return fmt.Errorf("fetch %s/%s: %w", kind, id, err)
		}
	} else {
		var ok bool
		if entry, ok = apiClient.Sync.Get(kind, id); !ok {
			return fmt.Errorf("%s/%s is not cached; try --fetch", kind, id)
		}
	}

	if jsonOutput {
		printJSON(entry)
		return nil
	}

	fmt.Printf("%s  %s  cached %s\n", entry.ScopeKey, stateLabel(entry), since(entry.CachedAt))
	if len(entry.Payload) > 0 {
		printRecord(entry.Payload)
	}
	return nil
}
