package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "taskq",
		Short: "Task queue for autonomous coding agents",
		Long: `taskq queues tasks decomposed from stories, hands them to execution
providers and QA agents, and scores every run so that failing lineages
are retried with guidance or escalated to a human.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
