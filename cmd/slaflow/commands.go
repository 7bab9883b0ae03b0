package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/slaflow/internal/runtime"
	configpkg "github.com/drblury/slaflow/internal/runtime/config"
	loggingpkg "github.com/drblury/slaflow/internal/runtime/logging"
)

type globalFlags struct {
	envFile   string
	logLevel  string
	logFormat string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "slaflow",
		Short: "Detect delivery SLA violations and score their lateness risk",
		Long: `slaflow consumes delivery records from the event bus, publishes one
violation per breached threshold, and enriches every violation with a
lateness prediction that is published on the NATS risk bus.

Configuration is read from the environment, optionally seeded from a
.env file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "Load environment variables from this file first")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override LOG_LEVEL (trace, debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Override LOG_FORMAT (json, text)")

	cmd.AddCommand(pipelineCmd(flags, "run", runtime.ModeAll,
		"Run detection and enrichment in one process"))
	cmd.AddCommand(pipelineCmd(flags, "detect", runtime.ModeDetect,
		"Evaluate raw delivery records and publish violations"))
	cmd.AddCommand(pipelineCmd(flags, "enrich", runtime.ModeEnrich,
		"Score violations and publish risk events"))

	return cmd
}

func pipelineCmd(flags *globalFlags, use string, mode runtime.Mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, flags, mode, cmd.ErrOrStderr())
		},
	}
}

func runPipeline(ctx context.Context, flags *globalFlags, mode runtime.Mode, logOut io.Writer) error {
	conf, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger, err := newLogger(logOut, conf)
	if err != nil {
		return err
	}

	svc, err := runtime.NewService(ctx, conf, logger, runtime.ServiceDependencies{Mode: mode})
	if err != nil {
		return fmt.Errorf("start %s pipeline: %w", mode, err)
	}
	return svc.Start(ctx)
}

func loadConfig(flags *globalFlags) (*configpkg.Config, error) {
	conf, err := configpkg.Load(flags.envFile)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		conf.LogFormat = flags.logFormat
	}
	return conf, nil
}

func newLogger(w io.Writer, conf *configpkg.Config) (loggingpkg.ServiceLogger, error) {
	handler, err := loggingpkg.NewHandler(w, conf.LogLevel, conf.LogFormat)
	if err != nil {
		return nil, err
	}
	return loggingpkg.NewSlogServiceLogger(slog.New(handler).With("service", conf.ServiceID)), nil
}
