package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/baja5b/claude-workflow-system/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Track development workflows from plan to done",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
