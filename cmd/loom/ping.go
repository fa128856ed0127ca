package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"loom"
	"loom/bus"
	"loom/cmd/loom/ui"
	"loom/config"
	"loom/journal"
)

const pingTimeout = 10 * time.Second

func pingCmd() *cobra.Command {
	var home string

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Ping the master over the notification bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if home == "" {
				home = cfg.ResolvedHome()
			}
			locator := journal.NewFSLocator(home)

			ep, err := bus.ReadEndpoints(locator, loom.MasterLocation())
			if err != nil {
				return fmt.Errorf("master endpoints: %w", err)
			}
			obs, err := bus.DialNotice(ep)
			if err != nil {
				return err
			}
			defer obs.Close()
			pub, err := bus.DialService(ep)
			if err != nil {
				return err
			}
			defer pub.Close()

			start := time.Now()
			if err := pub.Publish(bus.Notice{
				MsgType: loom.MsgPing,
				GenTime: start.UnixNano(),
			}.Encode()); err != nil {
				return err
			}

			deadline := time.Now().Add(pingTimeout)
			for time.Now().Before(deadline) {
				notice, ok, err := obs.Wait(time.Until(deadline))
				if err != nil {
					return err
				}
				if ok && notice != "" {
					fmt.Println(ui.SuccessMsg("master replied in %s", time.Since(start).Round(time.Microsecond)))
					return nil
				}
			}
			return fmt.Errorf("no reply within %s", pingTimeout)
		},
	}

	cmd.Flags().StringVar(&home, "home", "", "Deployment root (default $LOOM_HOME)")
	return cmd
}
