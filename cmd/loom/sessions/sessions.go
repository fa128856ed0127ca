// Package sessions lists recorded liveness intervals from the master's
// session index.
package sessions

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"loom"
	"loom/cmd/loom/ui"
	"loom/config"
	"loom/infra/sqlite"
	"loom/internal/clock"
	"loom/journal"
)

func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded sessions",
	}
	cmd.AddCommand(listCmd())
	return cmd
}

func listCmd() *cobra.Command {
	var home string
	var source uint32
	var since time.Duration

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sessions recorded by the master",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if home == "" {
				home = cfg.ResolvedHome()
			}
			locator := journal.NewFSLocator(home)

			dbPath, err := locator.LayoutFile(loom.MasterLocation(), loom.LayoutSqlite, "system.db")
			if err != nil {
				return err
			}
			db, err := sqlite.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			index, err := sqlite.NewSessionIndex(db)
			if err != nil {
				return err
			}

			now := time.Now().UnixNano()
			from := int64(0)
			if since > 0 {
				from = now - int64(since)
			}
			found, err := index.FindSessions(source, from, now)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Println(ui.Muted("no sessions recorded"))
				return nil
			}

			rows := make([][]string, len(found))
			for i, s := range found {
				end := ui.Warn("open")
				if s.EndNS != 0 {
					end = clock.Format(s.EndNS)
				}
				rows[i] = []string{
					fmt.Sprintf("%08x", s.UID),
					s.Uname,
					clock.Format(s.BeginNS),
					end,
					clock.Format(s.UpdateNS),
				}
			}
			fmt.Println(ui.Table([]string{"UID", "LOCATION", "BEGIN", "END", "LAST SEEN"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&home, "home", "", "Deployment root (default $LOOM_HOME)")
	cmd.Flags().Uint32Var(&source, "source", 0, "Filter by location uid (0 = all)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only sessions overlapping the last duration")
	return cmd
}
