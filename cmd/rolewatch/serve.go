package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/loykin/rolewatch"
)

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the monitor daemon",
		Long: `Run the mention monitor and its control API.
Configuration comes from the TOML file with ROLEWATCH_* environment overrides.

Examples:
  rolewatch serve --config rolewatch.toml
  rolewatch serve rolewatch.toml
  rolewatch serve --daemonize --pidfile /run/rolewatch.pid --logfile /var/log/rolewatch.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(cmd.Context(), configPath, serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServe(ctx context.Context, configPath string, flags *ServeFlags) error {
	cfg, err := rolewatch.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	svc, err := rolewatch.New(cfg)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := svc.Logger()
	log.Info("rolewatch starting", "org", cfg.OrgID, "auto_start", cfg.AutoStart)
	if err := svc.Serve(ctx); err != nil {
		_ = svc.Close(context.Background())
		return err
	}
	notifySystemd(log, daemon.SdNotifyReady)

	<-ctx.Done()
	notifySystemd(log, daemon.SdNotifyStopping)
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Close(sctx); err != nil {
		return err
	}
	log.Info("rolewatch stopped")
	return nil
}

// notifySystemd is a no-op unless started by systemd with Type=notify.
func notifySystemd(log *slog.Logger, state string) {
	if sent, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("sd_notify failed", "state", state, "error", err)
	} else if sent {
		log.Debug("sd_notify sent", "state", state)
	}
}
