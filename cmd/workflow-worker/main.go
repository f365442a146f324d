package main

import (
	"fmt"
	"os"

	"github.com/baja5b/claude-workflow-system/internal/cli"
)

func main() {
	cmd := cli.WorkerCommand()
	cmd.Use = "workflow-worker"
	cmd.PersistentFlags().String("config", "", "Path to config file (default ./config.yaml if present)")
	cmd.PersistentFlags().String("db", "", "Database connection string (overrides config and DB_* env vars)")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
