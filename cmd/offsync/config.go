package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TheMichaelB/offsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init [path]",
	Short:       "Write an example config file",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{skipClient: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "offsync.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.SaveExample(path); err != nil {
			return fmt.Errorf("write example config: %w", err)
		}
		printSuccess("✓ Wrote %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:         "show",
	Short:       "Print the effective configuration",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipClient: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Remote.Token != "" {
			shown.Remote.Token = "********"
		}
		if jsonOutput {
			printJSON(shown)
			return nil
		}
		out, err := yaml.Marshal(shown)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configForce bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
}
