package main

import (
	"fmt"
	"os"

	"github.com/fentz26/commentops/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "commentops",
	Short: "commentops - comment analytics coordination daemon and CLI",
	Long: `commentops coordinates the agents that monitor comment sentiment,
check goals, plan corrective actions and retrain models. The daemon owns the
message bus and the persistent queue; the other commands talk to its HTTP API.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7480", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML config file")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
