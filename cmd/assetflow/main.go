package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/3cpo-dev/assetflow/internal/core"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assetflow",
		Short: "assetflow: static front-end build pipeline with a live-reload dev server",
		Long: "assetflow compiles SCSS, inlines HTML partials, optimizes images, builds an SVG sprite " +
			"and bundles scripts from source/ into build/, then serves and watches the result.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, core.TaskDefault)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error")
	cmd.PersistentFlags().String("log-file", "", "Also write JSON logs to this file (rotated)")
	cmd.PersistentFlags().String("config", "", "config file (default ./assetflow.yaml when present)")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
		if file, _ := c.Flags().GetString("log-file"); file != "" {
			setupLogger(&lumberjack.Logger{Filename: file, MaxSize: 10, MaxBackups: 3, MaxAge: 14})
		}
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newBuildCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newDefaultCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newTasksCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newDeployCmd())
	cmd.AddCommand(newKeygenCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "assetflow %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Setup the logger. Extra writers receive plain JSON lines.
func setupLogger(extra ...io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if len(extra) > 0 {
		out = zerolog.MultiLevelWriter(append([]io.Writer{out}, extra...)...)
	}
	log.Logger = log.Output(out)
}

// exitCode maps a command error to the process status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

// Main entry point
func main() {
	setupLogger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)
	err := root.Execute()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
	}
	cancel()
	os.Exit(exitCode(err))
}
