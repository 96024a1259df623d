package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/scriptd"
)

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the scriptd daemon",
		Long: `Start the daemon: REST API, live WebSocket streams and the script
runner. Configuration comes from an optional TOML file plus SCRIPTD_*
environment variables (DATABASE_URL is honoured for the store).

Examples:
  scriptd serve                          # defaults, sqlite://scriptd.db on :8080
  scriptd serve scriptd.toml
  SCRIPTD_STORE_DSN=postgres://... scriptd serve
  scriptd serve --daemonize --pidfile=/run/scriptd.pid --logfile=/var/log/scriptd.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path, serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}

func runServe(ctx context.Context, configPath string, flags *ServeFlags) error {
	// load before forking so a bad config fails in the foreground
	cfg, err := scriptd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		if !isDaemonSupported() {
			return fmt.Errorf("--daemonize is not supported on this platform")
		}
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := scriptd.New(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	serveErr := d.Serve(ctx)
	if err := d.Close(); err != nil {
		d.Logger().Warn("Close failed", "error", err)
	}
	return serveErr
}
