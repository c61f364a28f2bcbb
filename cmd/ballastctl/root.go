package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ballast-ai/ballast/pkg/config"
	"github.com/ballast-ai/ballast/pkg/eventlog"
	"github.com/ballast-ai/ballast/pkg/storage"

	_ "github.com/ballast-ai/ballast/pkg/storage/file"
	_ "github.com/ballast-ai/ballast/pkg/storage/memory"
	_ "github.com/ballast-ai/ballast/pkg/storage/redis"
	_ "github.com/ballast-ai/ballast/pkg/storage/sqlite"
)

var (
	configFile string
	version    = "dev"

	// Styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ballastctl",
	Short: "Inspect ballast session state and event logs",
	Long: `Read-only operational tooling for the ballast durability core.

ballastctl opens the configured storage backend and event log directly,
so it works whether or not ballastd is running.

Quick Start:
  ballastctl status                      # Backend health and stats
  ballastctl sessions list               # List stored sessions
  ballastctl sessions show <session-id>  # Inspect one session
  ballastctl events replay <session-id>  # Replay a session's events`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (YAML)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(configFile)
}

// openBackend opens the configured storage backend for one command.
func openBackend(ctx context.Context) (storage.Backend, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s backend: %w", cfg.Storage.Driver, err)
	}
	return backend, cfg, nil
}

// openEventLog opens the event log without starting its retention
// sweep; inspection must never compact.
func openEventLog(cfg *config.Config) (*eventlog.Log, error) {
	return eventlog.Open(eventlog.Options{
		Dir:                cfg.EventLog.Dir,
		Retention:          cfg.EventLog.Retention,
		CompactionSchedule: "-",
	})
}
