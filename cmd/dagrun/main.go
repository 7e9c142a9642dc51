package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/kination/dagrun/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "v0.1.0"

var (
	envFiles []string
	logLevel string
	logDev   bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dagrun",
	Short: "dagrun - run pipelines of dependent tasks on a schedule",
	Long: `dagrun runs pipelines defined as directed acyclic graphs of tasks.

Pipelines are defined in YAML manifests, HCL files or Go code. A run executes
every task once its upstream tasks succeeded, retries failed tasks and skips
the downstream tasks of a task that failed for good.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(envFiles...); err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-dev") {
			cfg.LogDev = logDev
		}
		return setupLogger(cfg)
	},
}

func setupLogger(c config.Config) error {
	level := zapcore.InfoLevel
	if c.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(c.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		level = lvl
	}
	ctrl.SetLogger(zap.New(zap.UseDevMode(c.LogDev), zap.Level(level)))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Env files to load (default .env when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&logDev, "log-dev", true, "Human friendly log output")

	rootCmd.AddCommand(runCmd, serveCmd, compileCmd, graphCmd, historyCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error: %v\n", err)
		os.Exit(1)
	}
}
