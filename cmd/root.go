// Package cmd implements the CLI commands for osbuild-go.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"osbuild-go/logging"
)

// Version information set at build time
var (
	Version   = "0.1.0"
	SpecVer   = "2"
	BuildTime = "unknown"
)

// Global flags
var (
	globalStore     string
	globalLog       string
	globalLogFormat string
	globalDebug     bool
)

// rootCmd is the base command for osbuild-go.
var rootCmd = &cobra.Command{
	Use:   "osbuild-go",
	Short: "Build pipelines from a declarative manifest",
	Long: `osbuild-go builds reproducible OS artifacts from a declarative manifest:
a DAG of pipelines, each an ordered list of stages run in an isolated build
root and cached in a content-addressed object store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a context that cancels on SIGINT/SIGTERM.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

// GetStorePath returns the object store root directory.
func GetStorePath() string {
	if globalStore != "" {
		return globalStore
	}
	return "/var/cache/osbuild-go/store"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalStore, "store", "", "object store directory (default: /var/cache/osbuild-go/store)")
	rootCmd.PersistentFlags().StringVar(&globalLog, "log", "", "set the log file path")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "set the format for log output (text or json)")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")
}

func setupLogging() {
	var logOutput = os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := slog.LevelInfo
	if globalDebug {
		logLevel = slog.LevelDebug
	}

	if globalLogFormat == "json" || globalLog != "" {
		logger := logging.NewLogger(logging.Config{
			Level:  logLevel,
			Format: globalLogFormat,
			Output: logOutput,
		})
		logging.SetDefault(logger)
	}
}
