package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loom/cmd/loom/configcmd"
	"loom/cmd/loom/journalcmd"
	"loom/cmd/loom/locations"
	"loom/cmd/loom/sessions"
	"loom/internal/buildinfo"
	"loom/internal/logging"
)

func main() {
	var debug bool
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "loom",
		Short:         "Operator CLI for the loom coordination core",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(sessions.Cmd())
	root.AddCommand(locations.Cmd())
	root.AddCommand(configcmd.Cmd())
	root.AddCommand(journalcmd.Cmd())
	root.AddCommand(pingCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
