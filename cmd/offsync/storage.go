package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/offsync/internal/config"
	"github.com/TheMichaelB/offsync/internal/state"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Manage the local durable store",
}

var storageMigrateCmd = &cobra.Command{
	Use:   "migrate <backend>",
	Short: "Copy queued changes and cached records into another backend",
	Long: `Migrate copies the outbox and the snapshot cache from the configured
storage backend into a new one. Point storage.backend and storage.data_dir
at the target afterwards.`,
	Example: `  offsync storage migrate badger --dest ~/.local/share/offsync-badger
  offsync storage migrate sqlite-pure --dest ./data-pure`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{skipClient: "true"},
	RunE:        runStorageMigrate,
}

var migrateDest string

// migratedPrefixes are the key spaces owned by the outbox and the cache.
var migratedPrefixes = []string{"outbox/", "cache/"}

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(storageMigrateCmd)

	storageMigrateCmd.Flags().StringVarP(&migrateDest, "dest", "d", "",
		"Data directory of the target store (required)")
	_ = storageMigrateCmd.MarkFlagRequired("dest")
}

func runStorageMigrate(cmd *cobra.Command, args []string) error {
	target := config.StorageConfig{Backend: args[0], DataDir: migrateDest}
	if target.Backend == "memory" {
		return fmt.Errorf("cannot migrate into the memory backend")
	}
	if err := sameLocation(cfg.Storage, target); err != nil {
		return err
	}

	src, err := state.Open(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open source store: %w", err)
	}
	defer src.Close()

	dst, err := state.Open(target, logger)
	if err != nil {
		return fmt.Errorf("open target store: %w", err)
	}
	defer dst.Close()

	copied := make(map[string]int, len(migratedPrefixes))
	for _, prefix := range migratedPrefixes {
		n, err := state.Migrate(src, dst, prefix)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", prefix, err)
		}
		copied[prefix] = n
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"backend": target.Backend,
			"dest":    target.DataDir,
			"copied":  copied,
		})
		return nil
	}

	printSuccess("✓ Copied %s and %s into %s (%s)",
		plural(copied["outbox/"], "outbox key"), plural(copied["cache/"], "cache key"),
		target.Backend, target.DataDir)
	printInfo("Set storage.backend=%s and storage.data_dir=%s to use it", target.Backend, target.DataDir)
	return nil
}

// sameLocation rejects a target that would open the source's own files.
func sameLocation(src, dst config.StorageConfig) error {
	a, errA := filepath.Abs(src.DataDir)
	b, errB := filepath.Abs(dst.DataDir)
	if errA != nil || errB != nil || a != b {
		return nil
	}
	if family(src.Backend) == family(dst.Backend) {
		return fmt.Errorf("target %s in %s is the source store", dst.Backend, dst.DataDir)
	}
	return nil
}

func family(backend string) string {
	switch backend {
	case "", "sqlite", "sqlite-pure":
		return "sqlite"
	default:
		return backend
	}
}
