// Command sakora reconciles CSV enrollment extracts against a course
// management store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unicon/sakora/internal/config"
	"github.com/unicon/sakora/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sakora",
	Short: "CSV-driven course management reconciliation",
	Long: `sakora ingests CSV extracts describing academic sessions, course
offerings, sections, and memberships, and reconciles them against a course
management store.

Membership reconciliation is a full sync-by-diff: memberships present in the
extract are created or updated, and memberships that disappeared from the
extract are removed, tracked through a shadow ledger so neither the old nor
the new snapshot is ever held in memory at once.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: built-in defaults plus SAKORA_* environment)")
}

// setup loads configuration and builds the logger shared by all commands.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
