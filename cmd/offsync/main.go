package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)

	// Runs on failure too; Close waits for an in-flight replay.
	if apiClient != nil {
		if cerr := apiClient.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	if err != nil {
		printError("Error: %v", err)
		stop()
		os.Exit(1)
	}
}
