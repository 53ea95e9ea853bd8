package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/seabone/internal/config"
)

var (
	configPath string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:           "seabone",
	Short:         "Session orchestration runtime with long-term memory and MCP tool providers",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(chatCmd, sessionsCmd, providersCmd, toolsCmd, runsCmd)
	rootCmd.AddCommand(configCmd, modelsCmd, mcpCmd)
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// newLogger returns a text logger on stderr at the configured level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
