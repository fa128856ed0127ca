package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loom/config"
	"loom/daemon"
	"loom/internal/buildinfo"
	"loom/internal/logging"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var home string
	var pageSize int
	var intervalCheck time.Duration
	var driftCheck bool
	var debug bool

	cmd := &cobra.Command{
		Use:           "loomd",
		Short:         "Loom master daemon",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if home != "" {
				cfg.Home = home
			}
			if pageSize > 0 {
				cfg.PageSize = pageSize
			}
			if intervalCheck > 0 {
				cfg.IntervalCheck = intervalCheck
			}
			if driftCheck {
				cfg.DriftCheck = true
			}
			if cfg.LogLevel != "" && !debug {
				if err := logging.Configure(cfg.LogLevel); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&home, "home", "", "Deployment root (default $LOOM_HOME)")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Journal page size in bytes (power of two)")
	cmd.Flags().DurationVar(&intervalCheck, "interval-check", 0, "Interval-check cadence")
	cmd.Flags().BoolVar(&driftCheck, "drift-check", false, "Enable NTP clock drift checking")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}
